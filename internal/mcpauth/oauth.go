// Package mcpauth implements the OAuth 2.1 + PKCE client flow an MCP
// server's "oauth" auth type drives (C5): RFC 8414/9728 metadata
// discovery, the authorization-code exchange, and token refresh. It
// satisfies internal/mcp.TokenProvider so the HTTP transport can attach a
// fresh Authorization header without importing this package.
package mcpauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nexusmcp/orchestrator/internal/infra"
	"github.com/nexusmcp/orchestrator/internal/security"
	"github.com/nexusmcp/orchestrator/internal/storage"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

// Metadata is the subset of RFC 8414 authorization server metadata the
// client needs to drive the code exchange.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// protectedResourceMetadata is the RFC 9728 document an MCP server's
// `.well-known/oauth-protected-resource` endpoint serves, pointing at the
// authorization server that issues tokens for it.
type protectedResourceMetadata struct {
	AuthorizationServers []string `json:"authorization_servers"`
}

// Manager drives the PKCE authorization-code flow for a set of MCP
// servers and caches issued tokens, refreshing them on demand.
type Manager struct {
	sessions    storage.OAuthSessionStore
	tokens      storage.OAuthTokenStore
	httpClient  *http.Client
	discovery   *infra.MetadataCache[*Metadata]
	redirectURI string
	clientID    string
	logger      *slog.Logger
	secrets     *security.SecretBox
}

// Config are the fixed parameters every MCP server's OAuth flow shares:
// a static client id (MCP servers are expected to support dynamic or
// pre-registered public clients) and the redirect URI this process
// listens on for the callback.
type Config struct {
	ClientID    string
	RedirectURI string
	HTTPClient  *http.Client
	Logger      *slog.Logger

	// SecretBox, when set, encrypts access/refresh tokens at rest before
	// they reach the OAuthTokenStore. Nil leaves tokens in plaintext,
	// which is fine for the in-memory store but not for a persistent one.
	SecretBox *security.SecretBox
}

// NewManager constructs a Manager backed by the given session/token
// stores.
func NewManager(sessions storage.OAuthSessionStore, tokens storage.OAuthTokenStore, cfg Config) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mcpauth")
	}
	return &Manager{
		sessions:    sessions,
		tokens:      tokens,
		httpClient:  client,
		discovery:   infra.NewMetadataCache[*Metadata](time.Hour),
		redirectURI: cfg.RedirectURI,
		clientID:    cfg.ClientID,
		logger:      logger,
		secrets:     cfg.SecretBox,
	}
}

// sealToken encrypts a token for storage when a SecretBox is configured,
// base64-encoding the result so it round-trips through the string-typed
// OAuthTokens fields. With no SecretBox it is a no-op.
func (m *Manager) sealToken(plaintext string) (string, error) {
	if m.secrets == nil || plaintext == "" {
		return plaintext, nil
	}
	blob, err := m.secrets.SealString(plaintext)
	if err != nil {
		return "", fmt.Errorf("mcpauth: seal token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// openToken reverses sealToken. With no SecretBox it is a no-op.
func (m *Manager) openToken(sealed string) (string, error) {
	if m.secrets == nil || sealed == "" {
		return sealed, nil
	}
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("mcpauth: decode sealed token: %w", err)
	}
	plaintext, err := m.secrets.OpenString(blob)
	if err != nil {
		return "", fmt.Errorf("mcpauth: open token: %w", err)
	}
	return plaintext, nil
}

// DiscoverMetadata resolves a server's authorization-server metadata per
// spec §4.5: fetch `{serverURL}/.well-known/oauth-protected-resource`,
// take its first `authorization_servers` entry, then fetch that issuer's
// `.well-known/oauth-authorization-server`. Results are cached with
// stale-on-error fallback via the C3 metadata cache.
func (m *Manager) DiscoverMetadata(ctx context.Context, serverURL string) (*Metadata, bool, error) {
	md, stale, err := m.discovery.Get(serverURL, func() (*Metadata, error) {
		return m.discover(ctx, serverURL)
	})
	if err != nil {
		return nil, false, err
	}
	if stale {
		m.logger.Warn("oauth metadata discovery failed, serving stale cache", "server_url", serverURL)
	}
	return md, stale, nil
}

func (m *Manager) discover(ctx context.Context, serverURL string) (*Metadata, error) {
	var prm protectedResourceMetadata
	if err := m.fetchJSON(ctx, wellKnown(serverURL, "oauth-protected-resource"), &prm); err != nil {
		return nil, fmt.Errorf("fetch protected-resource metadata: %w", err)
	}
	if len(prm.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("protected-resource metadata lists no authorization servers")
	}

	var md Metadata
	if err := m.fetchJSON(ctx, wellKnown(prm.AuthorizationServers[0], "oauth-authorization-server"), &md); err != nil {
		return nil, fmt.Errorf("fetch authorization-server metadata: %w", err)
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization-server metadata missing endpoints")
	}
	return &md, nil
}

func wellKnown(base, doc string) string {
	return strings.TrimSuffix(base, "/") + "/.well-known/" + doc
}

func (m *Manager) fetchJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m *Manager) oauth2Config(md *Metadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    m.clientID,
		RedirectURL: m.redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
	}
}

func generateState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// BeginAuth starts the PKCE flow for serverID: it discovers the server's
// authorization endpoint, mints a verifier/state pair, persists the
// pending OAuthSession, and returns the URL the user should be sent to.
func (m *Manager) BeginAuth(ctx context.Context, serverID, serverURL string, scope string) (authURL string, err error) {
	md, _, err := m.DiscoverMetadata(ctx, serverURL)
	if err != nil {
		return "", fmt.Errorf("mcpauth: discover %s: %w", serverID, err)
	}

	state, err := generateState()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	sess := &models.OAuthSession{
		State:        state,
		CodeVerifier: verifier,
		ServerID:     serverID,
		RedirectURI:  m.redirectURI,
		CreatedAt:    time.Now(),
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("mcpauth: persist session: %w", err)
	}

	cfg := m.oauth2Config(md)
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if scope != "" {
		cfg.Scopes = strings.Fields(scope)
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// HandleCallback completes the PKCE flow for the redirect identified by
// state: it re-discovers the server's token endpoint, exchanges code
// using the session's verifier, persists the resulting tokens, and
// deletes the one-shot session. It returns the server id the flow was
// for, so the caller can kick off an immediate verify/reconnect.
func (m *Manager) HandleCallback(ctx context.Context, state, code string, serverURL string) (serverID string, err error) {
	sess, err := m.sessions.GetByState(ctx, state)
	if err != nil {
		return "", fmt.Errorf("mcpauth: unknown or expired state")
	}
	defer m.sessions.Delete(ctx, state)

	md, _, err := m.DiscoverMetadata(ctx, serverURL)
	if err != nil {
		return "", fmt.Errorf("mcpauth: discover %s: %w", sess.ServerID, err)
	}

	cfg := m.oauth2Config(md)
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(sess.CodeVerifier))
	if err != nil {
		return "", fmt.Errorf("mcpauth: exchange code: %w", err)
	}

	scope, _ := tok.Extra("scope").(string)
	sealedAccess, err := m.sealToken(tok.AccessToken)
	if err != nil {
		return "", err
	}
	sealedRefresh, err := m.sealToken(tok.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := m.tokens.Put(ctx, &models.OAuthTokens{
		ServerID:     sess.ServerID,
		AccessToken:  sealedAccess,
		RefreshToken: sealedRefresh,
		ExpiresAt:    tok.Expiry,
		Scope:        scope,
	}); err != nil {
		return "", fmt.Errorf("mcpauth: persist tokens: %w", err)
	}
	return sess.ServerID, nil
}

// AuthHeader implements internal/mcp.TokenProvider: it returns the
// current bearer header, refreshing first if the cached access token has
// expired.
func (m *Manager) AuthHeader(ctx context.Context, serverID string) (string, error) {
	tok, err := m.tokens.Get(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("mcpauth: no token for server %s: %w", serverID, err)
	}
	if !tok.Expired() {
		access, err := m.openToken(tok.AccessToken)
		if err != nil {
			return "", err
		}
		return "Bearer " + access, nil
	}
	return m.Refresh(ctx, serverID)
}

// Refresh forces a token refresh for serverID using its stored refresh
// token, via the oauth2 package's standard refresh-token grant against
// the server's (re-discovered) token endpoint.
func (m *Manager) Refresh(ctx context.Context, serverID string) (string, error) {
	tok, err := m.tokens.Get(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("mcpauth: no token for server %s: %w", serverID, err)
	}
	refreshToken, err := m.openToken(tok.RefreshToken)
	if err != nil {
		return "", err
	}
	if refreshToken == "" {
		return "", fmt.Errorf("mcpauth: server %s has no refresh token", serverID)
	}

	md, _, err := m.discovery.Get(serverID, func() (*Metadata, error) {
		return nil, fmt.Errorf("no cached metadata for server %s", serverID)
	})
	if err != nil {
		return "", fmt.Errorf("mcpauth: refresh %s: metadata not cached, call DiscoverMetadata first: %w", serverID, err)
	}

	cfg := m.oauth2Config(md)
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	fresh, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("mcpauth: refresh token for %s: %w", serverID, err)
	}

	newRefresh := fresh.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	sealedAccess, err := m.sealToken(fresh.AccessToken)
	if err != nil {
		return "", err
	}
	sealedRefresh, err := m.sealToken(newRefresh)
	if err != nil {
		return "", err
	}
	if err := m.tokens.Put(ctx, &models.OAuthTokens{
		ServerID:     serverID,
		AccessToken:  sealedAccess,
		RefreshToken: sealedRefresh,
		ExpiresAt:    fresh.Expiry,
		Scope:        tok.Scope,
	}); err != nil {
		return "", fmt.Errorf("mcpauth: persist refreshed token: %w", err)
	}
	return "Bearer " + fresh.AccessToken, nil
}

// DiscoveryKeyForServer lets callers register a server's serverURL-keyed
// discovery result under its server id too, so Refresh (which only has
// the id, not the URL) can find cached metadata. Call once after
// BeginAuth/HandleCallback succeeds for a server.
func (m *Manager) DiscoveryKeyForServer(ctx context.Context, serverID, serverURL string) error {
	md, _, err := m.DiscoverMetadata(ctx, serverURL)
	if err != nil {
		return err
	}
	_, _, err = m.discovery.Get(serverID, func() (*Metadata, error) { return md, nil })
	return err
}
