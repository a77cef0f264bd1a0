// Package storage defines the persistence ports used across the
// orchestrator and provides an in-memory reference implementation of
// each one. A real relational+vector store is explicitly a non-goal of
// this module (see SPEC_FULL.md §0): these interfaces are the seam
// where a SQL-backed implementation would attach.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nexusmcp/orchestrator/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ChatStore persists Chat entities.
type ChatStore interface {
	Create(ctx context.Context, chat *models.Chat) error
	Get(ctx context.Context, id string) (*models.Chat, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Chat, int, error)
	Update(ctx context.Context, chat *models.Chat) error
	Delete(ctx context.Context, id string) error
	// SetGenerating atomically flips the is_generating flag, returning
	// ErrConflict-equivalent behavior is left to the caller: implementations
	// simply report the flag's prior value so a caller can reject a second
	// concurrent turn on the same chat.
	SetGenerating(ctx context.Context, id string, generating bool) (prior bool, err error)
	// ListEmptyStale returns chats with zero messages whose CreatedAt is
	// older than olderThan, for the scheduler's GC sweep.
	ListEmptyStale(ctx context.Context, olderThan time.Duration) ([]*models.Chat, error)
}

// MessageStore persists the append-only Message log of a Chat.
type MessageStore interface {
	Append(ctx context.Context, msg *models.Message) error
	List(ctx context.Context, chatID string, limit int) ([]*models.Message, error)
	Count(ctx context.Context, chatID string) (int, error)
}

// AgentStore persists agent configurations.
type AgentStore interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int, error)
	Update(ctx context.Context, agent *models.Agent) error
	Delete(ctx context.Context, id string) error
}

// MCPServerStore persists MCP server registrations.
type MCPServerStore interface {
	Create(ctx context.Context, server *models.MCPServer) error
	Get(ctx context.Context, id string) (*models.MCPServer, error)
	List(ctx context.Context, userID string) ([]*models.MCPServer, error)
	Update(ctx context.Context, server *models.MCPServer) error
	Delete(ctx context.Context, id string) error
}

// ToolStore persists the tools exposed by an MCP server. ReplaceForServer
// is the write path C4's verify() uses to atomically swap a server's tool
// list.
type ToolStore interface {
	ReplaceForServer(ctx context.Context, serverID string, tools []*models.Tool) error
	ListForServer(ctx context.Context, serverID string) ([]*models.Tool, error)
	Get(ctx context.Context, serverID, name string) (*models.Tool, error)
	SetEnabled(ctx context.Context, serverID, name string, enabled bool) error
}

// ResourceStore persists RAG corpora.
type ResourceStore interface {
	Create(ctx context.Context, resource *models.Resource) error
	Get(ctx context.Context, id string) (*models.Resource, error)
	List(ctx context.Context, userID string) ([]*models.Resource, error)
	Update(ctx context.Context, resource *models.Resource) error
	Delete(ctx context.Context, id string) error
}

// ValidationStore persists human validation gates (C11).
type ValidationStore interface {
	Create(ctx context.Context, v *models.Validation) error
	Get(ctx context.Context, id string) (*models.Validation, error)
	Update(ctx context.Context, v *models.Validation) error
	// ListPendingExpired returns pending validations whose ExpiresAt has
	// passed, for the 15-minute expiry sweep.
	ListPendingExpired(ctx context.Context, now time.Time) ([]*models.Validation, error)
}

// AutomationStore persists Automation definitions.
type AutomationStore interface {
	Create(ctx context.Context, a *models.Automation) error
	Get(ctx context.Context, id string) (*models.Automation, error)
	List(ctx context.Context, userID string) ([]*models.Automation, error)
	Update(ctx context.Context, a *models.Automation) error
	Delete(ctx context.Context, id string) error
}

// ExecutionStore persists Automation run history.
type ExecutionStore interface {
	Create(ctx context.Context, e *models.Execution) error
	Update(ctx context.Context, e *models.Execution) error
	ListForAutomation(ctx context.Context, automationID string, limit int) ([]*models.Execution, error)
}

// OAuthSessionStore persists the transient PKCE exchange state (C5) between
// issuing an authorization URL and handling its redirect callback. Sessions
// are looked up once by state and deleted; implementations need not retain
// them past that point.
type OAuthSessionStore interface {
	Create(ctx context.Context, s *models.OAuthSession) error
	GetByState(ctx context.Context, state string) (*models.OAuthSession, error)
	Delete(ctx context.Context, state string) error
}

// OAuthTokenStore persists the access/refresh token pair an MCP server's
// OAuth flow produced, one entry per server.
type OAuthTokenStore interface {
	Put(ctx context.Context, t *models.OAuthTokens) error
	Get(ctx context.Context, serverID string) (*models.OAuthTokens, error)
	Delete(ctx context.Context, serverID string) error
}

// StoreSet groups storage dependencies for dependency injection at startup.
type StoreSet struct {
	Chats       ChatStore
	Messages    MessageStore
	Agents      AgentStore
	MCPServers  MCPServerStore
	Tools       ToolStore
	Resources   ResourceStore
	Validations ValidationStore
	Automations AutomationStore
	Executions  ExecutionStore
	OAuthSessions OAuthSessionStore
	OAuthTokens   OAuthTokenStore
	closer      func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
