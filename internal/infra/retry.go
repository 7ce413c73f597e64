package infra

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"venuelink/internal/domain"
)

// RetryEvent describes one retry decision, for observability.
type RetryEvent struct {
	Name    string
	Attempt int
	Delay   time.Duration
	Err     error
}

// RetryConfig holds configuration for a RetryExecutor.
type RetryConfig struct {
	MaxRetries int           // total number of call attempts
	BaseDelay  time.Duration // first backoff step
	MaxDelay   time.Duration // backoff cap

	// Retryable classifies errors. Defaults to domain.IsRetryable.
	Retryable func(error) bool

	// OnRetry is invoked before each backoff sleep. Optional.
	OnRetry func(RetryEvent)

	// Jitter returns a random float64 in [0, 1). Injectable for tests;
	// defaults to rand.Float64.
	Jitter func() float64
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// RetryExecutor wraps an outbound call with exponential backoff, jitter
// and a circuit breaker. Non-retryable failures propagate immediately;
// retryable ones are re-attempted until the retry budget is exhausted.
type RetryExecutor struct {
	cfg     RetryConfig
	breaker *CircuitBreaker
}

// NewRetryExecutor creates a retry executor around the given breaker.
// breaker may be nil, in which case only backoff applies.
func NewRetryExecutor(cfg RetryConfig, breaker *CircuitBreaker) *RetryExecutor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Retryable == nil {
		cfg.Retryable = domain.IsRetryable
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.Float64
	}
	return &RetryExecutor{cfg: cfg, breaker: breaker}
}

// Execute runs op, retrying transient failures.
// The delay before attempt n+1 is min(base*2^n, maxDelay) * (0.5 + jitter).
func (r *RetryExecutor) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if r.breaker != nil && !r.breaker.Allow() {
			return fmt.Errorf("%w: %s", domain.ErrCircuitOpen, name)
		}

		err := op(ctx)
		if err == nil {
			if r.breaker != nil {
				r.breaker.RecordSuccess()
			}
			return nil
		}

		if r.breaker != nil {
			r.breaker.RecordFailure()
		}

		if !r.cfg.Retryable(err) {
			return err
		}
		lastErr = err

		// No sleep after the final attempt.
		if attempt == r.cfg.MaxRetries-1 {
			break
		}

		delay := CalculateBackoff(attempt, r.cfg.BaseDelay, r.cfg.MaxDelay)
		delay = time.Duration(float64(delay) * (0.5 + r.cfg.Jitter()))

		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(RetryEvent{Name: name, Attempt: attempt, Delay: delay, Err: err})
		}
		slog.Warn("Retrying operation",
			slog.String("name", name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("retries exhausted for %s: %w", name, lastErr)
}
