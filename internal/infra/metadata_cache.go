package infra

import (
	"fmt"
	"sync"
	"time"
)

// MetadataCache is the C3 Metadata Cache: cache-aside with TTL and
// stale-on-error fallback, purpose-built for OAuth discovery documents
// that rarely change but whose origin server may be briefly unreachable.
//
// A single mutex serializes structural changes, which doubles as the
// coalescing of the very first fill for a given key (concurrent callers on
// a cold key block on each other rather than issuing duplicate fetches).
type MetadataCache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]metadataEntry[V]
	now     func() time.Time
}

type metadataEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewMetadataCache constructs a MetadataCache with the given default TTL
// (spec default: 1 hour).
func NewMetadataCache[V any](ttl time.Duration) *MetadataCache[V] {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MetadataCache[V]{
		ttl:     ttl,
		entries: make(map[string]metadataEntry[V]),
		now:     time.Now,
	}
}

// Get implements the four-step cache-aside algorithm from spec §4.3:
//  1. an unexpired entry is returned directly;
//  2. otherwise fetcher runs, and on success its result is cached and
//     returned;
//  3. a fetch failure with a stale cached entry returns the stale value
//     (stale=true) instead of propagating the error;
//  4. a fetch failure with nothing cached propagates the error.
func (c *MetadataCache[V]) Get(key string, fetcher func() (V, error)) (value V, stale bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.entries[key]; ok && now.Before(entry.expiresAt) {
		return entry.value, false, nil
	}

	fresh, fetchErr := fetcher()
	if fetchErr == nil {
		c.entries[key] = metadataEntry[V]{value: fresh, expiresAt: now.Add(c.ttl)}
		return fresh, false, nil
	}

	if entry, ok := c.entries[key]; ok {
		return entry.value, true, nil
	}

	var zero V
	return zero, false, fmt.Errorf("metadata cache: fetch %q: %w", key, fetchErr)
}

// Invalidate removes a cached entry, forcing the next Get to refetch.
func (c *MetadataCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the number of cached entries, stale or fresh.
func (c *MetadataCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// setNowForTest overrides the clock; used only by tests in this package.
func (c *MetadataCache[V]) setNowForTest(fn func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = fn
}
