// Package observability provides monitoring and debugging capabilities for
// the orchestrator through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Architecture
//
// The package is designed to be:
//   - Low-overhead: Minimal performance impact on production systems
//   - Type-safe: Strongly-typed APIs reduce configuration errors
//   - Production-ready: Built-in security (redaction) and reliability features
//   - Standards-based: Uses Prometheus, OpenTelemetry, and slog
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Chat turns started, completed, and their duration
//   - LLM Gateway (C7) request latency and token usage, per provider/model
//   - MCP tool invocation performance and outcome
//   - Validation (C11) decisions and time-to-decision
//   - Automation (C9/C10) run attempts and webhook trigger volume
//   - Error rates by component and RFC 7807 problem kind
//   - HTTP request/response metrics
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//	http.Handle("/metrics", promhttp.Handler())
//
//	// Track a chat turn
//	metrics.ChatTurnStarted()
//	defer metrics.ChatTurnEnded(time.Since(start).Seconds(), "completed")
//
//	// Track LLM requests
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
//	// Track tool execution
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	// Add context IDs for correlation
//	ctx := observability.AddChatID(ctx, chatID)
//	ctx = observability.AddTurnID(ctx, turnID)
//
//	// Structured logging with automatic context correlation
//	logger.Info(ctx, "dispatching tool call",
//	    "tool", call.Name,
//	    "agent_id", agentID,
//	)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "LLM request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track requests across components:
//   - End-to-end chat turn visualization (C12's persist -> context -> loop -> emit)
//   - Performance bottleneck identification across the Gateway (C7) and MCP (C4) layers
//   - Error correlation across a tool call's validation round-trip
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "orchestrator",
//	    ServiceVersion: "1.0.0",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	// Trace a chat turn
//	ctx, span := tracer.TraceChatTurn(ctx, chatID, turnID, model)
//	defer span.End()
//
//	// Trace LLM requests
//	ctx, llmSpan := tracer.TraceLLMRequest(ctx, "anthropic", "claude-3-opus")
//	defer llmSpan.End()
//	tracer.SetAttributes(llmSpan, "prompt_tokens", 100, "completion_tokens", 500)
//
//	// Trace tool execution
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, "web_search")
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// # Context Propagation
//
// All three components integrate with Go's context for automatic correlation:
//
//	// Add IDs to context
//	ctx = observability.AddChatID(ctx, "chat_123")
//	ctx = observability.AddTurnID(ctx, "turn_456")
//	ctx = observability.AddUserID(ctx, "user_789")
//
//	// IDs automatically appear in logs
//	logger.Info(ctx, "turn started") // Includes chat_id, turn_id, etc.
//
//	// Spans inherit context
//	ctx, span := tracer.Start(ctx, "operation")
//	// Trace context propagates to child spans
//
// # Integration Example
//
// Complete example integrating all three components, following C12's turn
// algorithm:
//
//	func (o *Orchestrator) run(ctx context.Context, t *turn) {
//	    metrics.ChatTurnStarted()
//	    start := time.Now()
//	    defer func() { metrics.ChatTurnEnded(time.Since(start).Seconds(), outcome) }()
//
//	    ctx, span := tracer.TraceChatTurn(ctx, t.chatID, t.turnID, t.model)
//	    defer span.End()
//
//	    llmStart := time.Now()
//	    ctx, llmSpan := tracer.TraceLLMRequest(ctx, provider, t.model)
//	    defer llmSpan.End()
//
//	    chunks, _, err := gateway.StreamWithTools(ctx, req)
//	    llmDuration := time.Since(llmStart).Seconds()
//	    if err != nil {
//	        metrics.RecordError("gateway", string(gateway.Problem(err).Kind))
//	        tracer.RecordError(llmSpan, err)
//	        logger.Error(ctx, "LLM request failed", "error", err)
//	        metrics.RecordLLMRequest(provider, t.model, "error", llmDuration, 0, 0)
//	        return
//	    }
//
//	    metrics.RecordLLMRequest(provider, t.model, "success", llmDuration, 0, 0)
//	}
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Performance
//
// The observability system is designed for minimal overhead:
//   - Metrics use lock-free counters where possible
//   - Logging with slog is highly efficient
//   - Tracing supports sampling to reduce overhead
//   - Context propagation is zero-allocation in most cases
//
// Typical overhead:
//   - Metrics: <1% CPU, ~10KB memory per metric
//   - Logging: ~1-5μs per log call
//   - Tracing: ~2-10μs per span (when sampled)
//
// # Configuration
//
// All components support configuration via structs:
//
//	// Metrics - no configuration needed, auto-registered
//	metrics := observability.NewMetrics()
//
//	// Logging - configurable output, level, format
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:          os.Getenv("LOG_LEVEL"),
//	    Format:         "json",
//	    AddSource:      true,
//	    RedactPatterns: []string{`custom-secret-\d+`},
//	})
//
//	// Tracing - configurable sampling, endpoint, attributes
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "orchestrator",
//	    ServiceVersion: version,
//	    Endpoint:       os.Getenv("OTEL_ENDPOINT"),
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
//
// # Best Practices
//
//  1. Always propagate context to enable correlation
//  2. Use defer for span.End() to ensure spans are closed
//  3. Record errors on both metrics and traces
//  4. Use structured logging with key-value pairs
//  5. Set appropriate sampling rates for high-traffic systems
//  6. Use typed metric labels (avoid high-cardinality values, e.g. never a chat ID)
//  7. Call shutdown() on tracer during graceful shutdown
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Chat turn throughput
//	rate(orchestrator_chat_turns_total[5m])
//
//	# LLM request latency (95th percentile)
//	histogram_quantile(0.95, rate(orchestrator_llm_request_duration_seconds_bucket[5m]))
//
//	# Error rate
//	rate(orchestrator_errors_total[5m])
//
//	# Open circuit breakers
//	orchestrator_circuit_breaker_state == 2
//
//	# Tool execution time
//	rate(orchestrator_tool_execution_duration_seconds_sum[5m]) /
//	rate(orchestrator_tool_execution_duration_seconds_count[5m])
//
// # Alerting
//
// Recommended alerts based on metrics:
//   - High error rate: orchestrator_errors_total > threshold
//   - High LLM latency: p95 latency > 10s
//   - Chat turns piling up: orchestrator_active_sessions growing unbounded
//
// # Further Reading
//
//   - Prometheus best practices: https://prometheus.io/docs/practices/naming/
//   - OpenTelemetry specification: https://opentelemetry.io/docs/specs/otel/
//   - slog documentation: https://pkg.go.dev/log/slog
package observability
