package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Chat turn (C12) throughput and duration
//   - LLM Gateway (C7) request performance, token usage, and cost
//   - MCP (C4) tool execution patterns and latencies
//   - Validation (C11) decisions and queue depth
//   - Automation (C9/C10) run attempts and webhook trigger volume
//   - Error rates categorized by component and RFC 7807 problem kind
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ChatTurnStarted()
//	defer metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success", time.Since(start).Seconds(), 0, 0)
type Metrics struct {
	// ChatTurnCounter counts chat turns by outcome.
	// Labels: outcome (completed|stopped|error)
	ChatTurnCounter *prometheus.CounterVec

	// ChatTurnDuration measures end-to-end chat turn latency in seconds.
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	ChatTurnDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai|bedrock), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations dispatched through the
	// MCP layer (C4), whether from a chat turn (C12) or an automation run.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ValidationCounter counts validation decisions by how they resolved.
	// Labels: decision (approved|rejected|feedback|cancelled|expired)
	ValidationCounter *prometheus.CounterVec

	// ValidationDecisionDuration measures time from a validation being
	// opened to it being decided.
	// Buckets: 1s, 5s, 15s, 60s, 300s, 900s, 3600s
	ValidationDecisionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and RFC 7807 problem kind.
	// Labels: component (gateway|mcp|validation|automation), problem_kind
	ErrorCounter *prometheus.CounterVec

	// CircuitBreakerState is a gauge of 0 (closed), 1 (half-open), or
	// 2 (open), per breaker name.
	// Labels: name
	CircuitBreakerState *prometheus.GaugeVec

	// ActiveSessions is a gauge tracking chat turns currently streaming.
	ActiveSessions prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// WebhookReceived counts automation webhook triggers received.
	// Labels: automation_id
	WebhookReceived *prometheus.CounterVec

	// WebhookDuration measures webhook-triggered automation run latency.
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 2s, 5s, 10s
	WebhookDuration *prometheus.HistogramVec

	// WebhookErrors counts webhook-triggered automation run failures.
	// Labels: automation_id
	WebhookErrors *prometheus.CounterVec

	// RunAttempts counts automation run attempts (for retry tracking).
	// Labels: status (success|retry|failed)
	RunAttempts *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. This should be called once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ChatTurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_chat_turns_total",
				Help: "Total number of chat turns by outcome",
			},
			[]string{"outcome"},
		),

		ChatTurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_chat_turn_duration_seconds",
				Help:    "End-to-end duration of a chat turn in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_llm_request_duration_seconds",
				Help:    "Duration of LLM Gateway requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tool_executions_total",
				Help: "Total number of MCP tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_tool_execution_duration_seconds",
				Help:    "Duration of MCP tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ValidationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_validations_total",
				Help: "Total number of validations by decision",
			},
			[]string{"decision"},
		),

		ValidationDecisionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_validation_decision_duration_seconds",
				Help:    "Time from a validation being opened to it being decided",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			nil,
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_errors_total",
				Help: "Total number of errors by component and RFC 7807 problem kind",
			},
			[]string{"component", "problem_kind"},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_circuit_breaker_state",
				Help: "Circuit breaker state by name: 0=closed, 1=half-open, 2=open",
			},
			[]string{"name"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_active_sessions",
				Help: "Current number of chat turns actively streaming",
			},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_webhook_received_total",
				Help: "Total number of automation webhook triggers received",
			},
			[]string{"automation_id"},
		),

		WebhookDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_webhook_duration_seconds",
				Help:    "Duration of webhook-triggered automation runs in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			nil,
		),

		WebhookErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_webhook_errors_total",
				Help: "Total number of webhook-triggered automation run failures",
			},
			[]string{"automation_id"},
		),

		RunAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_run_attempts_total",
				Help: "Total number of automation run attempts by status",
			},
			[]string{"status"},
		),
	}
}

// ChatTurnStarted increments the active session gauge for a newly started
// chat turn.
func (m *Metrics) ChatTurnStarted() {
	m.ActiveSessions.Inc()
}

// ChatTurnEnded decrements the active session gauge and records the turn's
// outcome and duration.
func (m *Metrics) ChatTurnEnded(durationSeconds float64, outcome string) {
	m.ActiveSessions.Dec()
	m.ChatTurnCounter.WithLabelValues(outcome).Inc()
	m.ChatTurnDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for an LLM Gateway request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMCost records estimated API cost.
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordToolExecution records metrics for an MCP tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordValidation records a validation's terminal decision and the time it
// took to reach it.
func (m *Metrics) RecordValidation(decision string, decisionSeconds float64) {
	m.ValidationCounter.WithLabelValues(decision).Inc()
	m.ValidationDecisionDuration.WithLabelValues().Observe(decisionSeconds)
}

// RecordError increments the error counter for a given component and RFC
// 7807 problem kind.
func (m *Metrics) RecordError(component, problemKind string) {
	m.ErrorCounter.WithLabelValues(component, problemKind).Inc()
}

// SetCircuitBreakerState records a breaker's current state: 0=closed,
// 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordWebhookReceived records a webhook trigger receipt for an automation.
func (m *Metrics) RecordWebhookReceived(automationID string) {
	m.WebhookReceived.WithLabelValues(automationID).Inc()
}

// RecordWebhookProcessed records webhook-triggered automation run
// completion.
func (m *Metrics) RecordWebhookProcessed(automationID string, durationSeconds float64, err error) {
	m.WebhookDuration.WithLabelValues().Observe(durationSeconds)
	if err != nil {
		m.WebhookErrors.WithLabelValues(automationID).Inc()
	}
}

// RecordRunAttempt records an automation run attempt.
func (m *Metrics) RecordRunAttempt(status string) {
	m.RunAttempts.WithLabelValues(status).Inc()
}
