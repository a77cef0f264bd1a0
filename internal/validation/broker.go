// Package validation implements the human-in-the-loop gate on tool calls:
// the status transition DAG, expiry sweeps, and the bridge that turns an
// "approved" decision into an executed MCP tool call delivered back to the
// waiting Chat Turn Orchestrator via the session package's latch.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexusmcp/orchestrator/internal/observability"
	"github.com/nexusmcp/orchestrator/internal/session"
	"github.com/nexusmcp/orchestrator/internal/storage"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

// ErrSchemaValidation is returned when a tool call's arguments fail the
// tool's declared JSON Schema before a validation gate is opened for it.
var ErrSchemaValidation = errors.New("validation: tool call arguments fail schema")

// validateToolCallSchema compiles and checks toolCall.Input against the
// tool's input schema, when one is supplied. A tool with no declared
// schema is not rejected here — this only catches malformed arguments
// for tools we do have a schema for.
func validateToolCallSchema(raw json.RawMessage, toolCall models.ToolCall) error {
	if len(raw) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	const schemaURL = "mem://tool-input-schema.json"
	if err := compiler.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("validation: compile tool schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("validation: compile tool schema: %w", err)
	}

	var args any
	if len(toolCall.Input) > 0 {
		if err := json.Unmarshal(toolCall.Input, &args); err != nil {
			return fmt.Errorf("%w: arguments are not valid JSON: %v", ErrSchemaValidation, err)
		}
	} else {
		args = map[string]any{}
	}

	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return nil
}

// ErrInvalidTransition is returned when a requested status change is not
// reachable from the validation's current status.
var ErrInvalidTransition = errors.New("validation: invalid status transition")

// defaultExpiry is how long a freshly created validation stays pending
// before the sweep marks it cancelled.
const defaultExpiry = 2 * time.Hour

// transitions enumerates the status DAG: pending -> {approved, rejected,
// feedback, cancelled}; feedback -> {approved, rejected, cancelled}. All
// other states are terminal.
var transitions = map[models.ValidationStatus]map[models.ValidationStatus]bool{
	models.ValidationPending: {
		models.ValidationApproved:  true,
		models.ValidationRejected:  true,
		models.ValidationFeedback:  true,
		models.ValidationCancelled: true,
	},
	models.ValidationFeedback: {
		models.ValidationApproved:  true,
		models.ValidationRejected:  true,
		models.ValidationCancelled: true,
	},
}

// ToolInvoker is the capability the broker needs from the MCP layer (C4) to
// execute an approved tool call. It is satisfied by *mcp.Manager.
type ToolInvoker interface {
	FindTool(name string) (serverID string, inputSchema json.RawMessage, found bool)
	CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (content string, isError bool, err error)
}

// ContinuationFunc is invoked when a validation is decided (approved,
// rejected, cancelled, feedback, or expired) but its owning session has
// already been evicted while the chat was still mid-turn. The orchestrator
// registers this at startup so the broker never imports it directly (keeps
// construction order explicit, per the "no module-level side-effect
// registry" design decision).
type ContinuationFunc func(ctx context.Context, chatID string, result session.ValidationResult)

// Broker is the C11 Validation Broker.
type Broker struct {
	store    storage.ValidationStore
	chats    storage.ChatStore
	sessions *session.Manager
	tools    ToolInvoker
	logger   *slog.Logger
	metrics  *observability.Metrics

	continuation ContinuationFunc
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger overrides the broker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithToolInvoker wires the MCP layer used to execute approved tool calls.
func WithToolInvoker(inv ToolInvoker) Option {
	return func(b *Broker) { b.tools = inv }
}

// WithMetrics wires Prometheus recording of every terminal decision and its
// time-to-decision.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithContinuation registers the callback used to finish a turn in the
// background when its session has already been evicted.
func WithContinuation(fn ContinuationFunc) Option {
	return func(b *Broker) { b.continuation = fn }
}

// SetContinuation wires the background-continuation callback after
// construction, for when the callback's owner (the chat turn orchestrator)
// itself depends on the Broker and so cannot be built before it.
func (b *Broker) SetContinuation(fn ContinuationFunc) {
	b.continuation = fn
}

// NewBroker constructs a Broker over the given stores and session manager.
func NewBroker(store storage.ValidationStore, chats storage.ChatStore, sessions *session.Manager, opts ...Option) *Broker {
	b := &Broker{
		store:    store,
		chats:    chats,
		sessions: sessions,
		logger:   slog.Default().With("component", "validation"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create opens a new pending Validation, expiring in two hours.
func (b *Broker) Create(ctx context.Context, source, title, agentID, chatID string, toolCall models.ToolCall) (*models.Validation, error) {
	if b.tools != nil {
		if _, schema, found := b.tools.FindTool(toolCall.Name); found {
			if err := validateToolCallSchema(schema, toolCall); err != nil {
				return nil, err
			}
		}
	}
	now := time.Now()
	v := &models.Validation{
		ID:        models.NewID(models.PrefixValidation),
		Title:     title,
		Source:    source,
		AgentID:   agentID,
		ChatID:    chatID,
		ToolCall:  toolCall,
		Status:    models.ValidationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(defaultExpiry),
	}
	if err := b.store.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("validation: create: %w", err)
	}
	if sess, ok := b.sessions.Get(chatID); ok {
		sess.SetPendingValidation(v.ID)
	}
	return v, nil
}

// Transition enforces the status DAG from the spec: any move not present
// in the table is rejected and the validation is left unchanged.
func (b *Broker) Transition(ctx context.Context, id string, newStatus models.ValidationStatus, actor string) (*models.Validation, error) {
	v, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, v.Status)
	}
	allowed := transitions[v.Status]
	if !allowed[newStatus] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, v.Status, newStatus)
	}
	v.Status = newStatus
	now := time.Now()
	v.DecidedAt = &now
	v.DecidedBy = actor
	if err := b.store.Update(ctx, v); err != nil {
		return nil, fmt.Errorf("validation: update: %w", err)
	}
	if b.metrics != nil {
		b.metrics.RecordValidation(string(newStatus), now.Sub(v.CreatedAt).Seconds())
	}
	return v, nil
}

// Approve transitions the validation to approved, executes the underlying
// tool call (for MCP-sourced validations), and delivers the result to the
// waiting turn — either through the live session latch or, if the session
// has already been evicted while the chat was still generating, through
// the registered background continuation.
func (b *Broker) Approve(ctx context.Context, id, actor string) (*models.Validation, error) {
	v, err := b.Transition(ctx, id, models.ValidationApproved, actor)
	if err != nil {
		return nil, err
	}

	var data any
	if v.Source == "tool_call" && b.tools != nil {
		result, isError, callErr := b.callTool(ctx, v.ToolCall)
		if callErr != nil {
			data = map[string]any{"error": callErr.Error()}
		} else {
			data = map[string]any{"content": result, "is_error": isError}
		}
	}
	payload := map[string]any{
		"validation_id": v.ID,
		"action":        "approved",
		"data":          data,
	}
	raw, _ := json.Marshal(payload)
	v.Result = raw
	_ = b.store.Update(ctx, v)

	b.deliver(ctx, v, session.ValidationResult{
		ValidationID: v.ID,
		Action:       "approved",
		Data:         payload,
	})
	return v, nil
}

func (b *Broker) callTool(ctx context.Context, call models.ToolCall) (string, bool, error) {
	serverID, schema, found := b.tools.FindTool(call.Name)
	if !found {
		return "", true, fmt.Errorf("tool %q not found", call.Name)
	}
	if err := validateToolCallSchema(schema, call); err != nil {
		return "", true, err
	}
	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return "", true, fmt.Errorf("decode tool arguments: %w", err)
		}
	}
	return b.tools.CallTool(ctx, serverID, call.Name, args)
}

// Reject transitions the validation to rejected and delivers the decision.
func (b *Broker) Reject(ctx context.Context, id, actor string) (*models.Validation, error) {
	v, err := b.Transition(ctx, id, models.ValidationRejected, actor)
	if err != nil {
		return nil, err
	}
	b.deliver(ctx, v, session.ValidationResult{ValidationID: v.ID, Action: "rejected"})
	return v, nil
}

// Cancel transitions the validation to cancelled and delivers the decision.
func (b *Broker) Cancel(ctx context.Context, id, actor string) (*models.Validation, error) {
	v, err := b.Transition(ctx, id, models.ValidationCancelled, actor)
	if err != nil {
		return nil, err
	}
	b.deliver(ctx, v, session.ValidationResult{ValidationID: v.ID, Action: "cancelled"})
	return v, nil
}

// Feedback transitions the validation to feedback, carrying free-text
// guidance the orchestrator folds back into the conversation as a user
// message before retrying the tool call.
func (b *Broker) Feedback(ctx context.Context, id, actor, feedback string) (*models.Validation, error) {
	v, err := b.Transition(ctx, id, models.ValidationFeedback, actor)
	if err != nil {
		return nil, err
	}
	v.Feedback = feedback
	if err := b.store.Update(ctx, v); err != nil {
		return nil, err
	}
	b.deliver(ctx, v, session.ValidationResult{ValidationID: v.ID, Action: "feedback", Feedback: feedback})
	return v, nil
}

// deliver injects the result into the chat's live session, or, if the
// session has already been evicted while the chat was still generating,
// hands off to the registered continuation so the turn finishes without a
// client attached.
func (b *Broker) deliver(ctx context.Context, v *models.Validation, result session.ValidationResult) {
	if b.sessions.InjectValidationResult(v.ChatID, result) {
		return
	}
	if b.continuation == nil || b.chats == nil {
		return
	}
	chat, err := b.chats.Get(ctx, v.ChatID)
	if err != nil || !chat.IsGenerating {
		return
	}
	b.logger.Info("spawning background continuation for evicted session", "chat_id", v.ChatID, "validation_id", v.ID)
	go b.continuation(context.Background(), v.ChatID, result)
}

// Get returns a validation by id, for callers (e.g. the workflow executor)
// that need to poll a gate they did not create through a live session.
func (b *Broker) Get(ctx context.Context, id string) (*models.Validation, error) {
	return b.store.Get(ctx, id)
}

// SweepExpired marks every pending validation whose expiry has passed as
// cancelled. Intended to run every 15 minutes per the spec.
func (b *Broker) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := b.store.ListPendingExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, v := range expired {
		v.Status = models.ValidationCancelled
		v.DecidedBy = "system:expiry"
		v.DecidedAt = &now
		if err := b.store.Update(ctx, v); err != nil {
			b.logger.Error("failed to expire validation", "validation_id", v.ID, "error", err)
			continue
		}
		if b.metrics != nil {
			b.metrics.RecordValidation("expired", now.Sub(v.CreatedAt).Seconds())
		}
		b.deliver(ctx, v, session.ValidationResult{ValidationID: v.ID, Action: "cancelled"})
		count++
	}
	return count, nil
}

// IsTerminal reports whether the named validation has reached a terminal
// status. Wired into session.Manager's cleanup sweep via
// session.WithValidationTerminalCheck so the sweep doesn't need to import
// this package.
func (b *Broker) IsTerminal(ctx context.Context, id string) bool {
	v, err := b.store.Get(ctx, id)
	if err != nil {
		return true
	}
	return v.IsTerminal()
}
