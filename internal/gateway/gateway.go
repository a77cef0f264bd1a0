// Package gateway implements C7, the LLM Gateway: the single entry point
// the Chat Turn Orchestrator (C12) and the automation ai_action step use
// to reach any configured LLM provider. It routes by model name to a
// provider, wraps every invocation in that provider's circuit breaker
// (C1) and a bounded exponential-backoff retry honoring Retry-After, and
// exposes model listing and fallback routing across providers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nexusmcp/orchestrator/internal/agent"
	"github.com/nexusmcp/orchestrator/internal/agent/providers"
	"github.com/nexusmcp/orchestrator/internal/infra"
	"github.com/nexusmcp/orchestrator/internal/observability"
	"github.com/nexusmcp/orchestrator/internal/problem"
)

// ErrNoProvider is returned when no provider is registered for a
// requested model and no default/fallback provider can serve it either.
var ErrNoProvider = errors.New("gateway: no provider available for model")

// maxAttempts bounds retry attempts per spec §4.7: the gateway tries a
// single provider up to 3 times total before giving up or falling back.
const maxAttempts = 3

// Config configures a Gateway.
type Config struct {
	// DefaultProvider is used when a completion request's Model doesn't
	// match any registered route.
	DefaultProvider string

	// ModelRoutes maps an explicit model ID, or a "prefix*" pattern, to
	// the provider name that should serve it. A model matching no entry
	// goes to DefaultProvider; providers' own Models() lists are not
	// consulted for routing.
	ModelRoutes map[string]string

	// FallbackChain lists provider names to try, in order, if the
	// routed provider's circuit is open or exhausts its retries.
	FallbackChain []string

	// BreakerConfig configures the per-provider circuit breaker.
	BreakerConfig infra.CircuitBreakerConfig

	// Metrics, if set, records per-request latency, token usage, and
	// circuit breaker state transitions.
	Metrics *observability.Metrics

	Logger *slog.Logger
}

// Gateway is the C7 LLM Gateway.
type Gateway struct {
	mu        sync.RWMutex
	providers map[string]agent.LLMProvider

	defaultProvider string
	modelRoutes     map[string]string
	fallbackChain   []string

	breakers *infra.CircuitBreakerRegistry
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New constructs a Gateway over the given named providers.
func New(provs map[string]agent.LLMProvider, cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bc := cfg.BreakerConfig
	if bc.FailureThreshold <= 0 {
		bc.FailureThreshold = 5
	}
	if bc.Timeout <= 0 {
		bc.Timeout = 60 * time.Second
	}

	g := &Gateway{
		providers:       make(map[string]agent.LLMProvider, len(provs)),
		defaultProvider: cfg.DefaultProvider,
		modelRoutes:     cfg.ModelRoutes,
		fallbackChain:   cfg.FallbackChain,
		breakers:        infra.NewCircuitBreakerRegistry(bc),
		metrics:         cfg.Metrics,
		logger:          logger.With("component", "gateway"),
	}
	for name, p := range provs {
		if p != nil {
			g.providers[name] = p
		}
	}
	return g
}

// ReinitWithPooledClient swaps the named provider's underlying
// implementation after startup — e.g. once C2's pooled HTTP client
// becomes available — without disturbing the provider's circuit breaker
// state or the rest of the routing table.
func (g *Gateway) ReinitWithPooledClient(name string, provider agent.LLMProvider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[name] = provider
}

// route picks the provider that should serve model, per an explicit
// ModelRoutes entry (exact match, then longest "prefix*" match), falling
// back to the default provider.
func (g *Gateway) route(model string) (agent.LLMProvider, string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if name, ok := g.modelRoutes[model]; ok {
		if p, ok := g.providers[name]; ok {
			return p, name, nil
		}
	}
	var bestName string
	var bestLen int
	for pattern, name := range g.modelRoutes {
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			if _, ok := g.providers[name]; ok {
				bestName, bestLen = name, len(prefix)
			}
		}
	}
	if bestName != "" {
		return g.providers[bestName], bestName, nil
	}

	name := g.defaultProvider
	if p, ok := g.providers[name]; ok {
		return p, name, nil
	}
	return nil, "", fmt.Errorf("%w: %q", ErrNoProvider, model)
}

// candidateChain returns the ordered list of (provider, name) pairs to
// try for a request: the routed provider first, then FallbackChain
// entries that aren't already the routed provider.
func (g *Gateway) candidateChain(model string) ([]agent.LLMProvider, []string, error) {
	primary, primaryName, err := g.route(model)
	if err != nil {
		return nil, nil, err
	}
	provs := []agent.LLMProvider{primary}
	names := []string{primaryName}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, name := range g.fallbackChain {
		if name == primaryName {
			continue
		}
		if p, ok := g.providers[name]; ok {
			provs = append(provs, p)
			names = append(names, name)
		}
	}
	return provs, names, nil
}

// StreamWithTools routes req to a provider and returns its streaming
// completion channel, retrying transient failures with exponential
// backoff (honoring a provider-reported Retry-After) up to 3 attempts,
// then falling through req's FallbackChain if every attempt against the
// routed provider fails.
func (g *Gateway) StreamWithTools(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, string, error) {
	provs, names, err := g.candidateChain(req.Model)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for i, p := range provs {
		name := names[i]
		ch, err := g.streamFromProvider(ctx, p, name, req)
		if err == nil {
			return ch, name, nil
		}
		lastErr = err
		if !shouldFailover(err) {
			return nil, name, err
		}
		g.logger.Warn("gateway failing over to next provider", "from", name, "error", err)
	}
	return nil, "", fmt.Errorf("gateway: all providers exhausted: %w", lastErr)
}

func (g *Gateway) streamFromProvider(ctx context.Context, provider agent.LLMProvider, name string, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	cb := g.breakers.Get(name)
	start := time.Now()

	cfg := &infra.RetryConfig{
		MaxAttempts:    maxAttempts - 1,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Strategy:       infra.BackoffExponential,
		JitterFraction: 0.2,
		RetryIf:        isRetryableCompletionError,
	}

	var attempt int
	var lastErr error
	ch, result := infra.Retry(ctx, cfg, func(ctx context.Context) (<-chan *agent.CompletionChunk, error) {
		attempt++
		if wait := retryAfterOf(lastErr); attempt > 1 && wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		out, err := infra.ExecuteWithResult(cb, ctx, func(ctx context.Context) (<-chan *agent.CompletionChunk, error) {
			return provider.Complete(ctx, req)
		})
		lastErr = err
		return out, err
	})
	if g.metrics != nil {
		g.metrics.SetCircuitBreakerState(name, circuitStateValue(cb.State()))
	}
	if result.LastError != nil {
		if g.metrics != nil {
			g.metrics.RecordLLMRequest(name, req.Model, "error", time.Since(start).Seconds(), 0, 0)
		}
		return nil, result.LastError
	}
	if g.metrics != nil {
		g.metrics.RecordLLMRequest(name, req.Model, "success", time.Since(start).Seconds(), 0, 0)
	}
	return ch, nil
}

func retryAfterOf(err error) time.Duration {
	var perr *providers.ProviderError
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}

func isRetryableCompletionError(err error) bool {
	if err == nil {
		return false
	}
	if coe, ok := infra.AsCircuitOpenError(err); ok {
		_ = coe
		return false // circuit already open, no point burning retries here
	}
	return providers.IsRetryable(err)
}

// circuitStateValue maps a CircuitBreaker.State() string onto the gauge
// value Metrics.SetCircuitBreakerState expects: 0=closed, 1=half-open,
// 2=open.
func circuitStateValue(state string) int {
	switch state {
	case infra.CircuitHalfOpen:
		return 1
	case infra.CircuitOpen:
		return 2
	default:
		return 0
	}
}

func shouldFailover(err error) bool {
	if errors.Is(err, infra.ErrCircuitOpen) {
		return true
	}
	return providers.ShouldFailover(err)
}

// ListModels returns the models offered by provider, or by every
// registered provider if provider is empty ("list_models(provider?)"
// per spec §4.7).
func (g *Gateway) ListModels(provider string) map[string][]agent.Model {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string][]agent.Model)
	if provider != "" {
		if p, ok := g.providers[provider]; ok {
			out[provider] = p.Models()
		}
		return out
	}
	for name, p := range g.providers {
		out[name] = p.Models()
	}
	return out
}

// Problem classifies a gateway error onto the RFC 7807 taxonomy so the
// chat turn orchestrator can emit the right SSE `error` payload.
func Problem(err error) *problem.Problem {
	if p, ok := problem.From(err); ok {
		return p
	}
	var perr *providers.ProviderError
	if errors.As(err, &perr) {
		return perr.Problem()
	}
	if coe, ok := infra.AsCircuitOpenError(err); ok {
		return problem.NewUnavailable(coe.Error(), int(coe.RetryAfter/time.Second))
	}
	return problem.Wrap(problem.Internal, "completion failed", err)
}
