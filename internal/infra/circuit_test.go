package infra

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if cb.State() != CircuitClosed {
		t.Errorf("expected initial state to be closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})
	testErr := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			return testErr
		})
	}

	if cb.State() != CircuitOpen {
		t.Fatalf("expected circuit open after 3 failures, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen while open, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          10 * time.Millisecond,
	})

	_ = cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after first failure")
	}

	time.Sleep(15 * time.Millisecond)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	probeErr := make(chan error, 1)
	go func() {
		probeErr <- cb.Execute(context.Background(), func(ctx context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// A second caller arriving while the probe is in flight must be
	// rejected rather than admitted alongside it.
	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected second half-open caller to be rejected, got %v", err)
	}

	close(release)
	if err := <-probeErr; err != nil {
		t.Fatalf("probe itself should have succeeded: %v", err)
	}

	if cb.State() != CircuitClosed {
		t.Errorf("expected circuit closed after a successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          5 * time.Millisecond,
	})

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(10 * time.Millisecond)

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("still broken") })

	if cb.State() != CircuitOpen {
		t.Errorf("expected circuit to reopen after a failed probe, got %s", cb.State())
	}
}

func TestCircuitBreakerRegistry_GetIsStableByName(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{})

	a := reg.Get("anthropic")
	b := reg.Get("anthropic")
	c := reg.Get("openai")

	if a != b {
		t.Error("expected repeated Get for the same name to return the same breaker")
	}
	if a == c {
		t.Error("expected distinct names to get distinct breakers")
	}
}
