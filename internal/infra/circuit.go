package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned by canExecute when the circuit is open and
// its timeout has not yet elapsed. Use AsCircuitOpenError to recover the
// retry-after duration a caller should report to its own client.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError wraps ErrCircuitOpen with the name of the breaker and
// how long until it will admit a half-open probe, so an HTTP-facing
// caller (the LLM Gateway) can report "temporarily unavailable; retry in
// N seconds" instead of a bare sentinel.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	secs := int(e.RetryAfter.Round(time.Second) / time.Second)
	if secs < 0 {
		secs = 0
	}
	if e.Name != "" {
		return fmt.Sprintf("circuit breaker %q is open: temporarily unavailable, retry in %ds", e.Name, secs)
	}
	return fmt.Sprintf("circuit breaker is open: temporarily unavailable, retry in %ds", secs)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// AsCircuitOpenError extracts the *CircuitOpenError from err's chain.
func AsCircuitOpenError(err error) (*CircuitOpenError, bool) {
	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		return coe, true
	}
	return nil, false
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker.
	Name string

	// FailureThreshold is the number of failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open to close.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before trying half-open.
	Timeout time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to string)
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.RWMutex
	state           string
	failures        int
	successes       int
	lastFailure     time.Time
	lastStateChange time.Time
	probing         bool // true while a half-open probe is in flight; admits exactly one
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs the given function with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.canExecute(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// ExecuteWithResult runs a function that returns a value with circuit breaker protection.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.canExecute(); err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	cb.recordResult(err)
	return result, err
}

// canExecute checks if execution is allowed and transitions state if needed.
func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		// Check if timeout has elapsed
		if time.Since(cb.lastStateChange) >= cb.config.Timeout {
			cb.transitionTo(CircuitHalfOpen)
			cb.probing = true
			return nil
		}
		return &CircuitOpenError{Name: cb.config.Name, RetryAfter: cb.config.Timeout - time.Since(cb.lastStateChange)}

	case CircuitHalfOpen:
		// Only the first caller into the recovery window gets to probe;
		// everyone else is rejected until it resolves.
		if cb.probing {
			return &CircuitOpenError{Name: cb.config.Name, RetryAfter: cb.config.Timeout}
		}
		cb.probing = true
		return nil

	default:
		return nil
	}
}

// recordResult records the result of an execution.
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

// recordFailure records a failed execution.
func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}

	case CircuitHalfOpen:
		cb.probing = false
		cb.transitionTo(CircuitOpen)
	}
}

// recordSuccess records a successful execution.
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.probing = false
			cb.transitionTo(CircuitClosed)
		} else {
			cb.probing = false
		}
	}
}

// transitionTo changes the circuit breaker state.
func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
	if newState != CircuitHalfOpen {
		cb.probing = false
	}

	if cb.config.OnStateChange != nil {
		// Call asynchronously to avoid blocking
		go cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := CircuitBreakerStats{
		Name:            cb.config.Name,
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
	if cb.state == CircuitOpen {
		if remaining := cb.config.Timeout - time.Since(cb.lastStateChange); remaining > 0 {
			stats.SecondsUntilRetry = int(remaining.Round(time.Second) / time.Second)
		}
	}
	return stats
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
	cb.lastStateChange = time.Now()
}

// CircuitBreakerStats contains statistics about a circuit breaker.
type CircuitBreakerStats struct {
	Name            string
	State           string
	Failures        int
	Successes       int
	LastFailure     time.Time
	LastStateChange time.Time
	// SecondsUntilRetry is how long until the breaker admits a half-open
	// probe, zero unless State is "open".
	SecondsUntilRetry int
}

// CircuitBreakerRegistry manages multiple circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with default config.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig) *CircuitBreakerRegistry {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = 5
	}
	if defaults.SuccessThreshold <= 0 {
		defaults.SuccessThreshold = 1
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = 60 * time.Second
	}

	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns or creates a circuit breaker with the given name.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.defaults
	config.Name = name
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// GetWithConfig returns or creates a circuit breaker with custom config.
func (r *CircuitBreakerRegistry) GetWithConfig(name string, config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config.Name = name
	cb := NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Stats returns statistics for all circuit breakers.
func (r *CircuitBreakerRegistry) Stats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// OpenCircuits returns names of all open circuit breakers.
func (r *CircuitBreakerRegistry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, cb := range r.breakers {
		if cb.State() == CircuitOpen {
			open = append(open, name)
		}
	}
	return open
}

// ResetAll resets all circuit breakers to closed state.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// DefaultCircuitBreakerRegistry is the global circuit breaker registry.
var DefaultCircuitBreakerRegistry = NewCircuitBreakerRegistry(CircuitBreakerConfig{})

// GetCircuitBreaker returns a circuit breaker from the default registry.
func GetCircuitBreaker(name string) *CircuitBreaker {
	return DefaultCircuitBreakerRegistry.Get(name)
}
