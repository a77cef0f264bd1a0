package infra

import (
	"errors"
	"testing"
	"time"
)

func TestMetadataCache_FetchesOnColdKey(t *testing.T) {
	c := NewMetadataCache[string](time.Hour)
	calls := 0

	v, stale, err := c.Get("k", func() (string, error) {
		calls++
		return "v1", nil
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "v1" || stale {
		t.Fatalf("expected fresh v1, got %q stale=%v", v, stale)
	}
	if calls != 1 {
		t.Fatalf("expected fetcher called once, got %d", calls)
	}
}

func TestMetadataCache_ServesUnexpiredEntryWithoutRefetch(t *testing.T) {
	c := NewMetadataCache[string](time.Hour)
	calls := 0
	fetch := func() (string, error) { calls++; return "v1", nil }

	if _, _, err := c.Get("k", fetch); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	v, stale, err := c.Get("k", fetch)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if v != "v1" || stale {
		t.Fatalf("expected cached v1, got %q stale=%v", v, stale)
	}
	if calls != 1 {
		t.Fatalf("expected only the first Get to invoke the fetcher, got %d calls", calls)
	}
}

func TestMetadataCache_StaleOnErrorFallsBackToCachedValue(t *testing.T) {
	c := NewMetadataCache[string](time.Millisecond)
	fakeNow := time.Now()
	c.setNowForTest(func() time.Time { return fakeNow })

	if _, _, err := c.Get("k", func() (string, error) { return "v1", nil }); err != nil {
		t.Fatalf("seed Get: %v", err)
	}

	fakeNow = fakeNow.Add(time.Hour)

	fetchErr := errors.New("origin unreachable")
	v, stale, err := c.Get("k", func() (string, error) { return "", fetchErr })
	if err != nil {
		t.Fatalf("expected stale fallback to suppress the fetch error, got %v", err)
	}
	if !stale {
		t.Error("expected stale=true when serving an expired cached value after a fetch error")
	}
	if v != "v1" {
		t.Errorf("expected the stale value v1, got %q", v)
	}
}

func TestMetadataCache_ErrorOnColdKeyPropagates(t *testing.T) {
	c := NewMetadataCache[string](time.Hour)
	fetchErr := errors.New("origin unreachable")

	_, stale, err := c.Get("k", func() (string, error) { return "", fetchErr })
	if !errors.Is(err, fetchErr) {
		t.Fatalf("expected the fetch error to propagate for a cold key, got %v", err)
	}
	if stale {
		t.Error("expected stale=false when there is nothing cached to fall back to")
	}
}

func TestMetadataCache_InvalidateForcesRefetch(t *testing.T) {
	c := NewMetadataCache[string](time.Hour)
	calls := 0
	fetch := func() (string, error) { calls++; return "v1", nil }

	c.Get("k", fetch)
	c.Invalidate("k")
	c.Get("k", fetch)

	if calls != 2 {
		t.Fatalf("expected invalidate to force a second fetch, got %d calls", calls)
	}
}
