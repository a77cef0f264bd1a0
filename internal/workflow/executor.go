package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nexusmcp/orchestrator/internal/observability"
	"github.com/nexusmcp/orchestrator/pkg/models"
)

// ErrStepFailed wraps the error produced by a step that aborted its
// automation run (no continue_on_error).
type ErrStepFailed struct {
	Order int
	Err   error
}

func (e *ErrStepFailed) Error() string {
	return fmt.Sprintf("step %d failed: %v", e.Order, e.Err)
}

func (e *ErrStepFailed) Unwrap() error { return e.Err }

// ToolCaller is the capability the executor needs from the MCP layer (C4)
// to run a `(action, mcp_call)` step. *validation.MCPToolInvoker and
// *mcp.Manager-backed adapters satisfy this structurally.
type ToolCaller interface {
	CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (content string, isError bool, err error)
}

// ValidationGate is the capability the executor needs from the Validation
// Broker (C11) to route a `(action, mcp_call)` step through the same human
// gate a chat turn uses. *validation.Broker satisfies this structurally.
type ValidationGate interface {
	Create(ctx context.Context, source, title, agentID, chatID string, toolCall models.ToolCall) (*models.Validation, error)
	Get(ctx context.Context, id string) (*models.Validation, error)
}

// AIRunner is the capability the executor needs from the LLM gateway (C7)
// to run a `(action, ai_action)` step as a single non-streaming call.
type AIRunner interface {
	RunOnce(ctx context.Context, agentID, model, prompt string) (string, error)
}

// InternalToolFunc routes a `(action, internal_tool)` step to the
// in-process handler registry shared with the chat turn orchestrator.
type InternalToolFunc func(ctx context.Context, name string, params json.RawMessage) (content string, isError bool, err error)

// Store is the subset of the automation/execution storage ports the
// executor needs to record a run.
type Store interface {
	Create(ctx context.Context, e *models.Execution) error
	Update(ctx context.Context, e *models.Execution) error
}

// Deps wires the executor's collaborators. Any may be nil; the
// corresponding step subtype then fails with a configuration error rather
// than panicking.
type Deps struct {
	Tools        ToolCaller
	Gate         ValidationGate
	AI           AIRunner
	InternalTool InternalToolFunc
	Store        Store

	// ValidationPollInterval controls how often the executor re-checks a
	// pending automation validation while waiting for a human decision.
	// Defaults to 2s.
	ValidationPollInterval time.Duration

	Logger *slog.Logger

	// Tracer records a span per mcp_call/ai_action step when set. Nil
	// disables tracing without changing executor behavior.
	Tracer *observability.Tracer
}

// Executor runs an Automation's Steps in order, dispatching each by
// (Type, Subtype) and threading a growing context map between them. It is
// the C9 Workflow Executor.
type Executor struct {
	deps Deps
}

// NewExecutor constructs an Executor over the given collaborators.
func NewExecutor(deps Deps) *Executor {
	if deps.ValidationPollInterval <= 0 {
		deps.ValidationPollInterval = 2 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "workflow")
	}
	return &Executor{deps: deps}
}

// mcpCallConfig is the decoded `config` of a (action, mcp_call) step.
type mcpCallConfig struct {
	ServerID  string         `json:"server_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// aiActionConfig is the decoded `config` of a (action, ai_action) step.
type aiActionConfig struct {
	AgentID string `json:"agent_id"`
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
}

// internalToolConfig is the decoded `config` of a (action, internal_tool) step.
type internalToolConfig struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// conditionConfig is the decoded `config` of a (control, condition) step.
// Then/Else name the zero-based index of the Steps slice to resume at; a
// negative value ends the automation (mirrors spec's "then/else branch
// index").
type conditionConfig struct {
	Expression string `json:"expression"`
	Then       int    `json:"then"`
	Else       int    `json:"else"`
}

// loopConfig is the decoded `config` of a (control, loop) step.
type loopConfig struct {
	ItemsPath string       `json:"items_path"`
	As        string       `json:"as"`
	Steps     []models.Step `json:"steps"`
}

// delayConfig is the decoded `config` of a (control, delay) step.
type delayConfig struct {
	Milliseconds int `json:"milliseconds"`
}

// Run executes every enabled step of the automation in order, building a
// context map the template engine resolves `{{step_<order>.result}}`
// references against, and records an Execution.
func (ex *Executor) Run(ctx context.Context, automation *models.Automation, trigger *models.Trigger, input map[string]any) (*models.Execution, error) {
	exec := &models.Execution{
		ID:           models.NewID(models.PrefixExecution),
		AutomationID: automation.ID,
		Status:       models.ExecutionRunning,
		StartedAt:    time.Now(),
	}
	if trigger != nil {
		exec.TriggerID = trigger.ID
	}
	if ex.deps.Store != nil {
		if err := ex.deps.Store.Create(ctx, exec); err != nil {
			return nil, fmt.Errorf("workflow: create execution: %w", err)
		}
	}

	runCtx := map[string]any{
		"input": toAny(input),
	}
	if trigger != nil {
		runCtx["trigger"] = map[string]any{"id": trigger.ID, "type": string(trigger.Type)}
	}

	runErr := ex.runProgram(ctx, automation.Steps, runCtx, exec)

	now := time.Now()
	exec.EndedAt = &now
	if runErr != nil {
		exec.Status = models.ExecutionFailed
		var sf *ErrStepFailed
		if asErrStepFailed(runErr, &sf) {
			exec.FailedStep = sf.Order
		}
	} else {
		exec.Status = models.ExecutionSuccess
	}
	if ex.deps.Store != nil {
		if err := ex.deps.Store.Update(ctx, exec); err != nil {
			ex.deps.Logger.Error("failed to persist execution result", "execution_id", exec.ID, "error", err)
		}
	}
	return exec, runErr
}

func asErrStepFailed(err error, target **ErrStepFailed) bool {
	for err != nil {
		if sf, ok := err.(*ErrStepFailed); ok {
			*target = sf
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// runProgram executes steps in order honoring condition-step jumps,
// appending a StepLog for every executed (enabled) step to exec.
func (ex *Executor) runProgram(ctx context.Context, steps []models.Step, runCtx map[string]any, exec *models.Execution) error {
	i := 0
	for i < len(steps) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		step := steps[i]
		if !step.Enabled {
			i++
			continue
		}

		start := time.Now()
		result, next, err := ex.dispatch(ctx, step, runCtx)
		duration := time.Since(start)

		logEntry := models.StepLog{Order: step.Order, Duration: duration}
		if err != nil {
			logEntry.Error = err.Error()
		} else if result != nil {
			logEntry.Output, _ = json.Marshal(result)
		}
		if exec != nil {
			exec.StepLogs = append(exec.StepLogs, logEntry)
		}

		if err != nil {
			if step.ContinueOnError {
				ex.deps.Logger.Warn("automation step failed, continuing", "order", step.Order, "error", err)
			} else {
				return &ErrStepFailed{Order: step.Order, Err: err}
			}
		} else {
			runCtx[fmt.Sprintf("step_%d", step.Order)] = map[string]any{"result": result}
		}

		if next >= 0 {
			i = next
			continue
		}
		if next == branchEnd {
			return nil
		}
		i++
	}
	return nil
}

// branchEnd is returned by a condition branch index to end the automation
// without error, distinct from branchContinue which falls through to the
// next step in sequence.
const (
	branchContinue = -1
	branchEnd      = -2
)

// dispatch routes a single step to its (type, subtype) handler. It returns
// the step's result (for later `{{step_N.result}}` references), the index
// of the next step to run (branchContinue to fall through), and any error.
func (ex *Executor) dispatch(ctx context.Context, step models.Step, runCtx map[string]any) (any, int, error) {
	switch {
	case step.Type == models.StepAction && step.Subtype == models.SubtypeMCPCall:
		res, err := ex.runMCPCall(ctx, step, runCtx)
		return res, branchContinue, err
	case step.Type == models.StepAction && step.Subtype == models.SubtypeAIAction:
		res, err := ex.runAIAction(ctx, step, runCtx)
		return res, branchContinue, err
	case step.Type == models.StepAction && step.Subtype == models.SubtypeInternalTool:
		res, err := ex.runInternalTool(ctx, step, runCtx)
		return res, branchContinue, err
	case step.Type == models.StepControl && step.Subtype == models.SubtypeCondition:
		return ex.runCondition(step, runCtx)
	case step.Type == models.StepControl && step.Subtype == models.SubtypeLoop:
		res, err := ex.runLoop(ctx, step, runCtx)
		return res, branchContinue, err
	case step.Type == models.StepControl && step.Subtype == models.SubtypeDelay:
		err := ex.runDelay(ctx, step)
		return nil, branchContinue, err
	default:
		return nil, branchContinue, fmt.Errorf("workflow: unknown step (%s, %s)", step.Type, step.Subtype)
	}
}

func (ex *Executor) runMCPCall(ctx context.Context, step models.Step, runCtx map[string]any) (any, error) {
	var cfg mcpCallConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode mcp_call config: %w", err)
	}
	if ex.deps.Tracer != nil {
		var span trace.Span
		ctx, span = ex.deps.Tracer.TraceToolExecution(ctx, cfg.ToolName)
		defer span.End()
	}
	resolved, ok := ResolveAllTemplates(toAny(cfg.Arguments), runCtx).(map[string]any)
	if !ok || len(resolved) == 0 {
		return nil, fmt.Errorf("mcp_call: arguments must resolve to a non-empty object")
	}

	toolCall := models.ToolCall{
		ID:    models.NewID("tc"),
		Name:  cfg.ToolName,
		Input: mustMarshal(resolved),
	}

	if ex.deps.Gate != nil {
		return ex.runGatedMCPCall(ctx, step, cfg, toolCall)
	}

	if ex.deps.Tools == nil {
		return nil, fmt.Errorf("mcp_call: no tool invoker configured")
	}
	content, isErr, err := ex.deps.Tools.CallTool(ctx, cfg.ServerID, cfg.ToolName, resolved)
	if err != nil {
		return nil, err
	}
	if isErr {
		return nil, fmt.Errorf("mcp_call: tool returned an error: %s", content)
	}
	return map[string]any{"content": content}, nil
}

// runGatedMCPCall opens a Validation through the same broker a chat turn
// uses and blocks until a human resolves it, per spec's "Workflows (C9)
// reuse C4/C6/C8 and emit validation requests through the same broker."
// Automations have no live session to rendezvous on, so the executor polls
// the validation record instead of a session latch.
func (ex *Executor) runGatedMCPCall(ctx context.Context, step models.Step, cfg mcpCallConfig, toolCall models.ToolCall) (any, error) {
	title := fmt.Sprintf("Automation step %d: %s", step.Order, cfg.ToolName)
	v, err := ex.deps.Gate.Create(ctx, "automation", title, "", "", toolCall)
	if err != nil {
		return nil, fmt.Errorf("mcp_call: create validation: %w", err)
	}

	ticker := time.NewTicker(ex.deps.ValidationPollInterval)
	defer ticker.Stop()
	for {
		cur, err := ex.deps.Gate.Get(ctx, v.ID)
		if err != nil {
			return nil, fmt.Errorf("mcp_call: poll validation: %w", err)
		}
		switch cur.Status {
		case models.ValidationApproved:
			var payload struct {
				Data map[string]any `json:"data"`
			}
			_ = json.Unmarshal(cur.Result, &payload)
			return payload.Data, nil
		case models.ValidationRejected, models.ValidationCancelled:
			return nil, fmt.Errorf("mcp_call: validation %s", cur.Status)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (ex *Executor) runAIAction(ctx context.Context, step models.Step, runCtx map[string]any) (any, error) {
	var cfg aiActionConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode ai_action config: %w", err)
	}
	if ex.deps.AI == nil {
		return nil, fmt.Errorf("ai_action: no AI runner configured")
	}
	if ex.deps.Tracer != nil {
		var span trace.Span
		ctx, span = ex.deps.Tracer.TraceLLMRequest(ctx, "automation", cfg.Model)
		defer span.End()
	}
	prompt := Stringify(ResolveTemplate(cfg.Prompt, runCtx))
	text, err := ex.deps.AI.RunOnce(ctx, cfg.AgentID, cfg.Model, prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": text}, nil
}

func (ex *Executor) runInternalTool(ctx context.Context, step models.Step, runCtx map[string]any) (any, error) {
	var cfg internalToolConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode internal_tool config: %w", err)
	}
	if ex.deps.InternalTool == nil {
		return nil, fmt.Errorf("internal_tool: no handler registry configured")
	}
	var args any
	if len(cfg.Arguments) > 0 {
		_ = json.Unmarshal(cfg.Arguments, &args)
	}
	resolved := ResolveAllTemplates(args, runCtx)
	content, isErr, err := ex.deps.InternalTool(ctx, cfg.Name, mustMarshal(resolved))
	if err != nil {
		return nil, err
	}
	if isErr {
		return nil, fmt.Errorf("internal_tool: %s", content)
	}
	return map[string]any{"content": content}, nil
}

// runCondition evaluates the step's expression and returns the branch
// index to jump to. A negative `then`/`else` in the step config maps to
// branchEnd; any non-negative value is used directly as the next step
// index.
func (ex *Executor) runCondition(step models.Step, runCtx map[string]any) (any, int, error) {
	var cfg conditionConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, branchContinue, fmt.Errorf("decode condition config: %w", err)
	}
	ok, err := EvaluateCondition(cfg.Expression, runCtx)
	if err != nil {
		return nil, branchContinue, fmt.Errorf("condition: %w", err)
	}
	branch := cfg.Else
	if ok {
		branch = cfg.Then
	}
	if branch < 0 {
		return ok, branchEnd, nil
	}
	return ok, branch, nil
}

func (ex *Executor) runLoop(ctx context.Context, step models.Step, runCtx map[string]any) (any, error) {
	var cfg loopConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode loop config: %w", err)
	}
	items, ok := GetNestedValue(runCtx, cfg.ItemsPath).([]any)
	if !ok {
		return nil, fmt.Errorf("loop: items_path %q does not resolve to a list", cfg.ItemsPath)
	}
	itemVar := cfg.As
	if itemVar == "" {
		itemVar = "item"
	}

	results := make([]any, 0, len(items))
	for idx, item := range items {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		subCtx := make(map[string]any, len(runCtx)+2)
		for k, v := range runCtx {
			subCtx[k] = v
		}
		subCtx[itemVar] = item
		subCtx["loop_index"] = idx

		if err := ex.runProgram(ctx, cfg.Steps, subCtx, nil); err != nil {
			return nil, fmt.Errorf("loop item %d: %w", idx, err)
		}
		iterResult := map[string]any{}
		for _, s := range cfg.Steps {
			if v, ok := subCtx[fmt.Sprintf("step_%d", s.Order)].(map[string]any); ok {
				iterResult[fmt.Sprintf("step_%d", s.Order)] = v["result"]
			}
		}
		results = append(results, iterResult)
	}
	return results, nil
}

func (ex *Executor) runDelay(ctx context.Context, step models.Step) error {
	var cfg delayConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return fmt.Errorf("decode delay config: %w", err)
	}
	if cfg.Milliseconds <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(cfg.Milliseconds) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func toAny(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
