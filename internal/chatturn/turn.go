// Package chatturn implements C12, the Chat Turn Orchestrator: the single
// entry point for a user message. It persists the message, opens a Stream
// Session (C10), builds the LLM context from the owning agent's attached
// tools, drives the LLM<->tool loop through the Gateway (C7), and emits
// Server-Sent Events for a connected client while gating every tool call
// through the Validation Broker (C11).
package chatturn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nexusmcp/orchestrator/internal/agent"
	"github.com/nexusmcp/orchestrator/internal/gateway"
	"github.com/nexusmcp/orchestrator/internal/mcp"
	"github.com/nexusmcp/orchestrator/internal/observability"
	"github.com/nexusmcp/orchestrator/internal/problem"
	"github.com/nexusmcp/orchestrator/internal/session"
	"github.com/nexusmcp/orchestrator/internal/storage"
	"github.com/nexusmcp/orchestrator/internal/validation"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

// historyLimit is N from spec §4.12 step 3: the last N persisted messages
// are folded into the completion request's context.
const historyLimit = 50

// ErrChatGenerating is the Conflict-kind error returned when a second
// message arrives for a chat that already has a turn in flight.
var ErrChatGenerating = errors.New("chatturn: chat is already generating a response")

// Emitter delivers one named SSE event (per spec §6's wire protocol) to
// whatever transport opened the turn — an HTTP handler holding the
// response's flusher, or nothing at all for a background continuation.
type Emitter interface {
	Emit(event string, data any)
}

// NopEmitter discards every event; used by the background continuation
// path (§4.11) which finishes a turn after its client has gone away.
type NopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NopEmitter) Emit(string, any) {}

// Deps wires C12 to the rest of the system.
type Deps struct {
	Chats       storage.ChatStore
	Messages    storage.MessageStore
	Agents      storage.AgentStore
	Resources   storage.ResourceStore
	MCP         *mcp.Manager
	ToolInvoker validation.ToolInvoker
	Sessions    *session.Manager
	Broker      *validation.Broker
	Gateway     *gateway.Gateway
	Approvals   *agent.ApprovalChecker
	Tracer      *observability.Tracer
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	StdLogger   *slog.Logger

	// RAGServerID, if set, names the MCP server whose tools are
	// auto-attached when the agent has at least one `ready` resource
	// (spec §4.12 step 3's "internal RAG server").
	RAGServerID string
}

// Orchestrator runs chat turns.
type Orchestrator struct {
	deps Deps
}

// New constructs an Orchestrator. It does not register anything with the
// Broker; the caller passes Continuation to Broker.SetContinuation — the
// path the Validation Broker uses to finish a turn whose session was
// evicted while waiting on a human decision.
func New(deps Deps) *Orchestrator {
	if deps.StdLogger == nil {
		deps.StdLogger = slog.Default()
	}
	deps.StdLogger = deps.StdLogger.With("component", "chatturn")
	o := &Orchestrator{deps: deps}
	return o
}

// Continuation returns the validation.ContinuationFunc this orchestrator
// exposes, for wiring into the broker with Broker.SetContinuation once
// both exist (the broker must not import this package directly; see
// validation.ContinuationFunc's doc comment on construction order).
func (o *Orchestrator) Continuation() validation.ContinuationFunc {
	return func(ctx context.Context, chatID string, result session.ValidationResult) {
		o.deps.StdLogger.Info("resuming turn via background continuation", "chat_id", chatID, "validation_id", result.ValidationID)
		if err := o.resume(ctx, chatID, NopEmitter{}, result); err != nil {
			o.deps.StdLogger.Error("background continuation failed", "chat_id", chatID, "error", err)
		}
	}
}

// turn is the mutable state threaded through one pass of the LLM<->tool
// loop. A turn may call the gateway more than once: once per tool-call
// round-trip, per spec §4.12 step 4.
type turn struct {
	chatID  string
	agentID string
	model   string
	system  string
	tools   []agent.Tool

	history []agent.CompletionMessage
	buffer  strings.Builder
	sources map[string]struct{}

	sess    *session.Session
	emit    Emitter
	started time.Time
	outcome string
}

// Start runs spec §4.12's algorithm for a freshly received user message:
// persist it, open a session, build context, and drive the loop. Start
// owns the session end-to-end and always leaves the chat's is_generating
// flag correctly cleared before returning, except when it hands the turn
// to a validation rendezvous that outlives the HTTP request (the caller's
// Emitter is expected to detect client disconnect and call
// Sessions.MarkDisconnected in that case).
func (o *Orchestrator) Start(ctx context.Context, chatID, content string, attachments []models.Attachment, emit Emitter) error {
	logger := o.deps.StdLogger.With("chat_id", chatID)

	chat, err := o.deps.Chats.Get(ctx, chatID)
	if err != nil {
		return fmt.Errorf("chatturn: load chat: %w", err)
	}

	prior, err := o.deps.Chats.SetGenerating(ctx, chatID, true)
	if err != nil {
		return fmt.Errorf("chatturn: set generating: %w", err)
	}
	if prior {
		return problem.NewConflict("chat is already generating a response", map[string]any{"chat_id": chatID}).
			WithCause(ErrChatGenerating)
	}

	userMsg := &models.Message{
		ID:          models.NewID(models.PrefixMessage),
		ChatID:      chatID,
		Role:        models.RoleUser,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	}
	if err := o.deps.Messages.Append(ctx, userMsg); err != nil {
		_, _ = o.deps.Chats.SetGenerating(ctx, chatID, false)
		return fmt.Errorf("chatturn: persist user message: %w", err)
	}

	sess := o.deps.Sessions.StartSession(chatID)

	turnID := models.NewID(models.PrefixMessage)
	ctx = observability.AddChatID(ctx, chatID)
	ctx = observability.AddTurnID(ctx, turnID)

	t, err := o.buildTurn(ctx, chat, sess, emit)
	if err != nil {
		o.deps.Sessions.EndSession(chatID)
		_, _ = o.deps.Chats.SetGenerating(ctx, chatID, false)
		return err
	}

	if o.deps.Tracer != nil {
		var span trace.Span
		ctx, span = o.deps.Tracer.TraceChatTurn(ctx, chatID, turnID, t.model)
		defer span.End()
	}

	logger.Info("starting chat turn", "turn_id", turnID, "model", t.model)
	o.run(ctx, t)
	return nil
}

// buildTurn loads the agent's tool-bearing servers (plus the RAG server
// when the agent has a ready resource) and the chat's recent history,
// per spec §4.12 step 3.
func (o *Orchestrator) buildTurn(ctx context.Context, chat *models.Chat, sess *session.Session, emit Emitter) (*turn, error) {
	t := &turn{
		chatID:  chat.ID,
		agentID: chat.AgentID,
		model:   chat.Model,
		sources: make(map[string]struct{}),
		sess:    sess,
		emit:    emit,
		started: time.Now(),
	}

	if chat.AgentID != "" && o.deps.Agents != nil {
		ag, err := o.deps.Agents.Get(ctx, chat.AgentID)
		if err != nil {
			return nil, fmt.Errorf("chatturn: load agent: %w", err)
		}
		t.system = ag.SystemPrompt
		t.tools = o.collectTools(ctx, ag)
	}

	msgs, err := o.deps.Messages.List(ctx, chat.ID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("chatturn: load history: %w", err)
	}
	t.history = make([]agent.CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		t.history = append(t.history, agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.Metadata.ToolCalls,
			ToolResults: m.Metadata.ToolResults,
			Attachments: m.Attachments,
		})
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.ChatTurnStarted()
	}
	return t, nil
}

// collectTools resolves the agent's attached MCP servers into LLM tool
// definitions, auto-attaching the RAG server's tools when the agent owns
// at least one resource in the `ready` state.
func (o *Orchestrator) collectTools(ctx context.Context, ag *models.Agent) []agent.Tool {
	if o.deps.MCP == nil {
		return nil
	}
	allowed := make(map[string]struct{}, len(ag.ServerIDs)+1)
	for _, id := range ag.ServerIDs {
		allowed[id] = struct{}{}
	}
	if o.deps.RAGServerID != "" && o.agentHasReadyResource(ctx, ag) {
		allowed[o.deps.RAGServerID] = struct{}{}
	}
	if len(allowed) == 0 {
		return nil
	}

	var tools []agent.Tool
	for _, schema := range o.deps.MCP.ToolSchemas() {
		if _, ok := allowed[schema.ServerID]; !ok {
			continue
		}
		tools = append(tools, mcpToolAdapter{schema: schema})
	}
	return tools
}

func (o *Orchestrator) agentHasReadyResource(ctx context.Context, ag *models.Agent) bool {
	if o.deps.Resources == nil {
		return false
	}
	for _, id := range ag.ResourceIDs {
		r, err := o.deps.Resources.Get(ctx, id)
		if err == nil && r.Status == models.ResourceReady {
			return true
		}
	}
	return false
}

// mcpToolAdapter exposes an mcp.ToolSchema as an agent.Tool so it can be
// listed in a CompletionRequest. Execute is never called on this path: a
// tool call coming back from the LLM is routed through the Validation
// Broker (C11), not invoked directly by the provider.
type mcpToolAdapter struct {
	schema mcp.ToolSchema
}

func (a mcpToolAdapter) Name() string               { return a.schema.Name }
func (a mcpToolAdapter) Description() string        { return a.schema.Description }
func (a mcpToolAdapter) Schema() json.RawMessage     { return a.schema.InputSchema }
func (a mcpToolAdapter) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return nil, fmt.Errorf("chatturn: tool %q must be executed through the validation broker, not directly", a.schema.Name)
}
