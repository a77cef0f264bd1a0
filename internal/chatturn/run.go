package chatturn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusmcp/orchestrator/internal/agent"
	"github.com/nexusmcp/orchestrator/internal/gateway"
	"github.com/nexusmcp/orchestrator/internal/session"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

// maxToolRounds bounds the number of LLM<->tool round-trips a single turn
// may take before the orchestrator gives up and surfaces an error, guarding
// against a model stuck requesting the same tool forever.
const maxToolRounds = 25

// run drives spec §4.12 step 4: call the gateway, stream the response back
// to the client, and for every tool call the model requests, gate it
// through the validation broker before folding the result back into
// history and asking the model to continue. It owns ending the session and
// clearing is_generating on every exit path (step 5's error handling
// included).
func (o *Orchestrator) run(ctx context.Context, t *turn) {
	defer o.finish(ctx, t)

	for round := 0; ; round++ {
		if round >= maxToolRounds {
			o.fail(ctx, t, fmt.Errorf("chatturn: exceeded %d tool round-trips", maxToolRounds))
			return
		}

		req := &agent.CompletionRequest{
			Model:    t.model,
			System:   t.system,
			Messages: t.history,
			Tools:    t.tools,
		}
		chunks, providerName, err := o.deps.Gateway.StreamWithTools(ctx, req)
		if err != nil {
			o.fail(ctx, t, err)
			return
		}

		toolCall, status := o.consume(ctx, t, chunks)
		switch status {
		case turnStopped:
			o.stop(ctx, t)
			return
		case turnErrored:
			return // consume already called o.fail
		case turnDone:
			o.complete(ctx, t)
			return
		case turnToolCall:
			o.deps.StdLogger.Debug("tool call requested", "chat_id", t.chatID, "provider", providerName, "tool", toolCall.Name)
			cont, gateStatus := o.gateToolCall(ctx, t, *toolCall)
			if gateStatus == turnStopped {
				o.stop(ctx, t)
				return
			}
			if !cont {
				o.complete(ctx, t)
				return
			}
			// loop: history now carries the tool result, ask the model to continue
		}
	}
}

type turnStatus int

const (
	turnDone turnStatus = iota
	turnToolCall
	turnStopped
	turnErrored
)

// consume drains one gateway streaming call, emitting `chunk` events for
// text and returning as soon as a tool call is requested or the stream
// finishes, per spec §6's SSE wire protocol.
func (o *Orchestrator) consume(ctx context.Context, t *turn, chunks <-chan *agent.CompletionChunk) (*models.ToolCall, turnStatus) {
	for {
		select {
		case <-t.sess.Stopped():
			return nil, turnStopped
		case chunk, ok := <-chunks:
			if !ok {
				return nil, turnDone
			}
			if chunk.Error != nil {
				o.fail(ctx, t, chunk.Error)
				return nil, turnErrored
			}
			if chunk.Text != "" {
				t.buffer.WriteString(chunk.Text)
				t.emit.Emit("chunk", map[string]any{"content": chunk.Text})
			}
			if chunk.ToolCall != nil {
				return chunk.ToolCall, turnToolCall
			}
			if chunk.Done {
				return nil, turnDone
			}
		}
	}
}

// gateToolCall persists the assistant's tool call, runs it past the
// approval policy (spec's tool-call-gating step) and, when the policy
// doesn't decide outright, opens a Validation and blocks on the human
// decision. It reports whether the turn should continue with another
// gateway round.
func (o *Orchestrator) gateToolCall(ctx context.Context, t *turn, call models.ToolCall) (bool, turnStatus) {
	assistantMsg := &models.Message{
		ID:      models.NewID(models.PrefixMessage),
		ChatID:  t.chatID,
		Role:    models.RoleAssistant,
		Content: t.buffer.String(),
		Metadata: models.MessageMetadata{
			ToolCalls: []models.ToolCall{call},
			Sources:   t.sess.Sources(),
		},
	}
	t.buffer.Reset()
	o.persist(ctx, assistantMsg)
	t.history = append(t.history, agent.CompletionMessage{
		Role:      string(models.RoleAssistant),
		Content:   assistantMsg.Content,
		ToolCalls: []models.ToolCall{call},
	})

	if o.deps.Approvals != nil {
		decision, reason := o.deps.Approvals.Check(ctx, t.agentID, call)
		switch decision {
		case agent.ApprovalDenied:
			o.appendToolResult(t, models.ToolResult{ToolCallID: call.ID, Content: "denied: " + reason, IsError: true})
			return true, turnDone
		case agent.ApprovalAllowed:
			content, isError := o.invokeApprovedTool(ctx, call)
			o.appendToolResult(t, models.ToolResult{ToolCallID: call.ID, Content: content, IsError: isError})
			return true, turnDone
		}
		// ApprovalPending falls through to the human gate below.
	}

	if o.deps.Broker == nil {
		o.appendToolResult(t, models.ToolResult{ToolCallID: call.ID, Content: "no validation broker configured", IsError: true})
		return true, turnDone
	}

	v, err := o.deps.Broker.Create(ctx, "tool_call", fmt.Sprintf("Run %s", call.Name), t.agentID, t.chatID, call)
	if err != nil {
		o.appendToolResult(t, models.ToolResult{ToolCallID: call.ID, Content: "validation request failed: " + err.Error(), IsError: true})
		return true, turnDone
	}
	t.sess.SetPendingValidation(v.ID)
	t.emit.Emit("validation_required", map[string]any{"validation_id": v.ID})

	result, ok := t.sess.AwaitValidation()
	t.sess.ResetValidationEvent()
	t.sess.SetPendingValidation("")
	if !ok {
		return false, turnStopped
	}
	return o.applyValidationResult(t, call, result), turnDone
}

// invokeApprovedTool is used only for the ApprovalChecker's own
// auto-approve path; decisions that reach the broker execute through
// Broker.Approve instead, per C11's ownership of tool invocation.
func (o *Orchestrator) invokeApprovedTool(ctx context.Context, call models.ToolCall) (string, bool) {
	if o.deps.ToolInvoker == nil {
		return "no tool invoker configured", true
	}
	serverID, _, found := o.deps.ToolInvoker.FindTool(call.Name)
	if !found {
		return fmt.Sprintf("tool %q not found", call.Name), true
	}
	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return "invalid tool arguments: " + err.Error(), true
		}
	}
	start := time.Now()
	content, isError, err := o.deps.ToolInvoker.CallTool(ctx, serverID, call.Name, args)
	if o.deps.Metrics != nil {
		status := "success"
		if err != nil || isError {
			status = "error"
		}
		o.deps.Metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	}
	if err != nil {
		return err.Error(), true
	}
	return content, isError
}

// applyValidationResult folds a human decision on a gated tool call back
// into history, reporting whether the turn should ask the model to
// continue (true) or stop here (false, for a rejection with no further
// model turn).
func (o *Orchestrator) applyValidationResult(t *turn, call models.ToolCall, result session.ValidationResult) bool {
	switch result.Action {
	case "approved":
		content, isError := extractToolOutcome(result.Data)
		o.appendToolResult(t, models.ToolResult{ToolCallID: call.ID, Content: content, IsError: isError, ValidationID: result.ValidationID})
		return true
	case "rejected", "cancelled":
		o.appendToolResult(t, models.ToolResult{ToolCallID: call.ID, Content: result.Action + " by user", IsError: true, ValidationID: result.ValidationID})
		return false
	case "feedback":
		fb := &models.Message{
			ID:      models.NewID(models.PrefixMessage),
			ChatID:  t.chatID,
			Role:    models.RoleUser,
			Content: result.Feedback,
		}
		o.persist(context.Background(), fb)
		t.history = append(t.history, agent.CompletionMessage{Role: string(models.RoleUser), Content: result.Feedback})
		return true
	default:
		o.appendToolResult(t, models.ToolResult{ToolCallID: call.ID, Content: "unrecognized decision: " + result.Action, IsError: true})
		return true
	}
}

// extractToolOutcome unpacks the nested payload Broker.Approve attaches to
// an approved ValidationResult's Data field.
func extractToolOutcome(data any) (string, bool) {
	top, ok := data.(map[string]any)
	if !ok {
		return "", false
	}
	inner, ok := top["data"].(map[string]any)
	if !ok {
		return "", false
	}
	content, _ := inner["content"].(string)
	isError, _ := inner["is_error"].(bool)
	if errMsg, ok := inner["error"].(string); ok {
		return errMsg, true
	}
	return content, isError
}

func (o *Orchestrator) appendToolResult(t *turn, result models.ToolResult) {
	msg := &models.Message{
		ID:     models.NewID(models.PrefixMessage),
		ChatID: t.chatID,
		Role:   models.RoleTool,
		Metadata: models.MessageMetadata{
			ToolResults:  []models.ToolResult{result},
			ValidationID: result.ValidationID,
		},
	}
	o.persist(context.Background(), msg)
	t.history = append(t.history, agent.CompletionMessage{
		Role:        string(models.RoleTool),
		ToolResults: []models.ToolResult{result},
	})
}

func (o *Orchestrator) persist(ctx context.Context, msg *models.Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := o.deps.Messages.Append(ctx, msg); err != nil {
		o.deps.StdLogger.Error("failed to persist message", "chat_id", msg.ChatID, "error", err)
	}
}

// complete finishes a turn whose final gateway round produced no further
// tool call: persist the trailing assistant text, if any, and emit done.
func (o *Orchestrator) complete(ctx context.Context, t *turn) {
	t.outcome = "completed"
	if o.deps.Logger != nil {
		o.deps.Logger.Info(ctx, "chat turn completed", "reply_length", t.buffer.Len(), "sources", len(t.sess.Sources()))
	}
	if t.buffer.Len() > 0 {
		msg := &models.Message{
			ID:      models.NewID(models.PrefixMessage),
			ChatID:  t.chatID,
			Role:    models.RoleAssistant,
			Content: t.buffer.String(),
			Metadata: models.MessageMetadata{
				Sources: t.sess.Sources(),
			},
		}
		o.persist(ctx, msg)
	}
	if sources := t.sess.Sources(); len(sources) > 0 {
		t.emit.Emit("sources", map[string]any{"resources": sources})
	}
	t.emit.Emit("done", map[string]any{})
}

// stop finishes a turn cancelled at a suspension point (spec §5: stop
// cancels at the next suspension point only; in-flight MCP calls are not
// cancelled, their results are simply discarded).
func (o *Orchestrator) stop(ctx context.Context, t *turn) {
	t.outcome = "stopped"
	if t.buffer.Len() > 0 {
		msg := &models.Message{
			ID:      models.NewID(models.PrefixMessage),
			ChatID:  t.chatID,
			Role:    models.RoleAssistant,
			Content: t.buffer.String(),
		}
		o.persist(ctx, msg)
	}
	t.emit.Emit("stopped", map[string]any{})
}

// fail finishes a turn that errored mid-stream (spec §4.12 step 5):
// classify the error onto the RFC 7807 taxonomy, emit it, and persist
// whatever text had already streamed.
func (o *Orchestrator) fail(ctx context.Context, t *turn, err error) {
	t.outcome = "error"
	if t.buffer.Len() > 0 {
		msg := &models.Message{
			ID:      models.NewID(models.PrefixMessage),
			ChatID:  t.chatID,
			Role:    models.RoleAssistant,
			Content: t.buffer.String(),
		}
		o.persist(ctx, msg)
	}
	prob := gateway.Problem(err)
	o.deps.StdLogger.Error("chat turn failed", "chat_id", t.chatID, "error", err, "kind", prob.Kind)
	if o.deps.Logger != nil {
		o.deps.Logger.Error(ctx, "chat turn failed", "kind", prob.Kind, "detail", prob.Detail)
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordError("chatturn", string(prob.Kind))
	}
	t.emit.Emit("error", map[string]any{"message": prob.Error()})
}

// finish always runs on the way out of run: release the session and the
// chat's generating flag regardless of how the turn ended.
func (o *Orchestrator) finish(ctx context.Context, t *turn) {
	o.deps.Sessions.EndSession(t.chatID)
	if _, err := o.deps.Chats.SetGenerating(ctx, t.chatID, false); err != nil {
		o.deps.StdLogger.Error("failed to clear is_generating", "chat_id", t.chatID, "error", err)
	}
	if o.deps.Metrics != nil {
		outcome := t.outcome
		if outcome == "" {
			outcome = "error"
		}
		o.deps.Metrics.ChatTurnEnded(time.Since(t.started).Seconds(), outcome)
	}
}

// resume re-enters an in-flight turn whose client disconnected before a
// human decided its pending tool call, per spec §4.11's background
// continuation: fold the decision into history and keep running the
// gateway loop with a no-op Emitter, since there is no client left to
// stream to.
func (o *Orchestrator) resume(ctx context.Context, chatID string, emit Emitter, result session.ValidationResult) error {
	chat, err := o.deps.Chats.Get(ctx, chatID)
	if err != nil {
		return fmt.Errorf("chatturn: resume: load chat: %w", err)
	}

	if o.deps.Broker == nil {
		return fmt.Errorf("chatturn: resume: no validation broker configured")
	}
	v, err := o.deps.Broker.Get(ctx, result.ValidationID)
	if err != nil {
		return fmt.Errorf("chatturn: resume: load validation %s: %w", result.ValidationID, err)
	}

	sess := o.deps.Sessions.StartSession(chatID)
	t, err := o.buildTurn(ctx, chat, sess, emit)
	if err != nil {
		o.deps.Sessions.EndSession(chatID)
		return fmt.Errorf("chatturn: resume: build turn: %w", err)
	}

	if cont := o.applyValidationResult(t, v.ToolCall, result); !cont {
		o.complete(ctx, t)
		o.finish(ctx, t)
		return nil
	}
	o.run(ctx, t)
	return nil
}
