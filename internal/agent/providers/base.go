package providers

import (
	"context"
	"time"

	"github.com/nexusmcp/orchestrator/internal/infra"
)

// BaseProvider holds shared retry configuration for LLM providers.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Retry executes op with exponential backoff and jitter if isRetryable
// returns true for the error op produced.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	cfg := &infra.RetryConfig{
		MaxAttempts:    b.maxRetries - 1,
		InitialDelay:   b.retryDelay,
		MaxDelay:       b.retryDelay * time.Duration(1<<uint(b.maxRetries)),
		Strategy:       infra.BackoffExponential,
		JitterFraction: 0.1,
		RetryIf:        isRetryable,
	}
	result := infra.RetryVoid(ctx, cfg, func(context.Context) error {
		return op()
	})
	return result.LastError
}
