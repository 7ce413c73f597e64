package infra

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker implements the circuit breaker pattern for fault isolation.
// Thread-safe for concurrent use.
type CircuitBreaker struct {
	name string
	mu   sync.RWMutex

	state        State
	failureCount int
	successCount int
	probeCount   int // in-flight probes granted while half-open
	lastFailure  time.Time

	// Configuration
	failureThreshold int           // Consecutive failures before opening
	successThreshold int           // Successes before closing (in half-open)
	halfOpenProbes   int           // Max requests allowed through while half-open
	timeout          time.Duration // Time before trying half-open

	// Observability hook, invoked outside slog for the engine event stream.
	onStateChange func(name string, from, to State)
}

// CircuitBreakerConfig holds configuration for creating a circuit breaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	HalfOpenProbes   int
	Timeout          time.Duration
	OnStateChange    func(name string, from, to State)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		HalfOpenProbes:   3,
		Timeout:          30 * time.Second,
	}
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = cfg.SuccessThreshold
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		halfOpenProbes:   cfg.HalfOpenProbes,
		timeout:          cfg.Timeout,
		onStateChange:    cfg.OnStateChange,
	}
}

// Allow checks if a request should be allowed.
// Returns true if the request can proceed, false if it should be rejected.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		// Check if timeout has passed
		if time.Since(cb.lastFailure) > cb.timeout {
			cb.transition(StateHalfOpen)
			cb.successCount = 0
			cb.probeCount = 1
			return true
		}
		return false

	case StateHalfOpen:
		// Only a limited number of probe requests may pass.
		if cb.probeCount < cb.halfOpenProbes {
			cb.probeCount++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.probeCount = 0
		}
	}
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(StateOpen)
		}

	case StateHalfOpen:
		// Any failure in half-open returns to open
		cb.transition(StateOpen)
		cb.successCount = 0
		cb.probeCount = 0
	}
}

// transition moves to a new state and notifies observers.
// Must be called with mutex held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	switch to {
	case StateOpen:
		slog.Warn("Circuit breaker OPEN",
			slog.String("name", cb.name),
			slog.Int("failures", cb.failureCount))
	case StateHalfOpen:
		slog.Info("Circuit breaker transitioning to HALF_OPEN",
			slog.String("name", cb.name))
	case StateClosed:
		slog.Info("Circuit breaker CLOSED (recovered)",
			slog.String("name", cb.name))
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// GetState returns the current state (for monitoring).
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the circuit breaker to closed state (for testing/admin).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.probeCount = 0
}
