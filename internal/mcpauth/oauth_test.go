package mcpauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/nexusmcp/orchestrator/internal/storage"
)

// newTestAuthServer serves RFC 9728/8414 discovery documents plus a token
// endpoint that accepts any authorization code and returns a fixed token
// pair, so BeginAuth/HandleCallback can be exercised end to end without a
// real identity provider.
func newTestAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"authorization_servers": []string{srv.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		// PKCE: the server must have received a code_verifier, not just a code.
		if r.Form.Get("code_verifier") == "" {
			http.Error(w, "missing code_verifier", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-123",
			"refresh_token": "refresh-456",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, redirectURI string) *Manager {
	t.Helper()
	return NewManager(
		storage.NewMemoryOAuthSessionStore(),
		storage.NewMemoryOAuthTokenStore(),
		Config{ClientID: "test-client", RedirectURI: redirectURI},
	)
}

func TestOAuthFlow_PKCERoundTrip(t *testing.T) {
	srv := newTestAuthServer(t)
	mgr := newTestManager(t, "https://client.example/callback")
	ctx := t.Context()

	authURL, err := mgr.BeginAuth(ctx, "server-1", srv.URL, "")
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := parsed.Query()
	if q.Get("code_challenge") == "" {
		t.Error("expected code_challenge in the authorization URL")
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("expected S256 challenge method, got %q", q.Get("code_challenge_method"))
	}
	state := q.Get("state")
	if state == "" {
		t.Fatal("expected a state parameter")
	}

	serverID, err := mgr.HandleCallback(ctx, state, "auth-code-xyz", srv.URL)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if serverID != "server-1" {
		t.Errorf("expected server-1, got %q", serverID)
	}

	header, err := mgr.AuthHeader(ctx, "server-1")
	if err != nil {
		t.Fatalf("AuthHeader: %v", err)
	}
	if !strings.HasPrefix(header, "Bearer ") {
		t.Errorf("expected a bearer header, got %q", header)
	}
}

func TestOAuthFlow_UnknownStateRejected(t *testing.T) {
	srv := newTestAuthServer(t)
	mgr := newTestManager(t, "https://client.example/callback")

	_, err := mgr.HandleCallback(t.Context(), "never-issued-state", "code", srv.URL)
	if err == nil {
		t.Fatal("expected an error for an unknown state")
	}
}

func TestOAuthFlow_SessionConsumedOnce(t *testing.T) {
	srv := newTestAuthServer(t)
	mgr := newTestManager(t, "https://client.example/callback")
	ctx := t.Context()

	authURL, err := mgr.BeginAuth(ctx, "server-1", srv.URL, "")
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}
	parsed, _ := url.Parse(authURL)
	state := parsed.Query().Get("state")

	if _, err := mgr.HandleCallback(ctx, state, "code", srv.URL); err != nil {
		t.Fatalf("first HandleCallback: %v", err)
	}
	if _, err := mgr.HandleCallback(ctx, state, "code", srv.URL); err == nil {
		t.Error("expected a replayed state to be rejected after the session is consumed")
	}
}
