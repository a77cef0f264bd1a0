package mcp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTokenProvider hands out a bearer header that changes once Refresh is
// called, so a test can tell a plain AuthHeader call apart from a forced
// refresh.
type fakeTokenProvider struct {
	refreshed atomic.Bool
}

func (f *fakeTokenProvider) AuthHeader(ctx context.Context, serverID string) (string, error) {
	if f.refreshed.Load() {
		return "Bearer fresh-token", nil
	}
	return "Bearer stale-token", nil
}

func (f *fakeTokenProvider) Refresh(ctx context.Context, serverID string) (string, error) {
	f.refreshed.Store(true)
	return "Bearer fresh-token", nil
}

func TestHTTPTransport_Call_RetriesOnceAfter401(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"ok":true}}`)
	}))
	defer srv.Close()

	tp := &fakeTokenProvider{}
	tr := NewHTTPTransport(&ServerConfig{ID: "srv-1", URL: srv.URL, AuthType: AuthOAuth, Auth: tp})
	tr.connected.Store(true)

	result, err := tr.Call(t.Context(), "tools/list", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("unexpected result: %s", result)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected exactly 2 attempts (stale then fresh), got %d", attempts.Load())
	}
	if !tp.refreshed.Load() {
		t.Error("expected a 401 to force a token refresh")
	}
}

func TestHTTPTransport_Call_NoRetryWithoutOAuth(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(&ServerConfig{ID: "srv-1", URL: srv.URL, AuthType: AuthAPIKey, APIKey: "key-1"})
	tr.connected.Store(true)

	if _, err := tr.Call(t.Context(), "tools/list", nil); err == nil {
		t.Fatal("expected an error from a persistent 401")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected no retry for a non-oauth server, got %d attempts", attempts.Load())
	}
}

func TestHTTPTransport_Call_RespectsConfiguredRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{}}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(&ServerConfig{
		ID:        "srv-1",
		URL:       srv.URL,
		RateLimit: RateLimitConfig{RequestsPerSecond: 5, Burst: 1},
	})
	tr.connected.Store(true)

	if _, err := tr.Call(t.Context(), "tools/list", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}

	start := time.Now()
	if _, err := tr.Call(t.Context(), "tools/list", nil); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("expected the second call to wait for a fresh token at 5rps/burst-1, only waited %s", elapsed)
	}
}
