package infra

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter.
// Thread-safe and suitable for concurrent API calls; rate-limit pressure
// is absorbed as waiting, never surfaced as an error.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter.
// burst: maximum burst size
// perSecond: refill rate (requests per second)
func NewRateLimiter(burst int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// NewRateLimiterForWindow creates a limiter from a venue rate budget
// expressed as N requests per window. Burst equals the full window budget,
// so in any rolling window no more than requestsPerWindow acquisitions
// can succeed.
func NewRateLimiterForWindow(requestsPerWindow int, window time.Duration) *RateLimiter {
	perSecond := float64(requestsPerWindow) / window.Seconds()
	return NewRateLimiter(requestsPerWindow, perSecond)
}

// Acquire blocks until n tokens are available or ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context, n int) error {
	need := float64(n)

	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= need {
			r.tokens -= need
			r.mu.Unlock()
			return nil
		}
		// Time until the missing tokens have been refilled.
		wait := time.Duration((need - r.tokens) / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Wait blocks until a single token is available.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.Acquire(ctx, 1)
}

// TryAcquire attempts to acquire n tokens without blocking.
// Returns true if the tokens were acquired, false otherwise.
func (r *RateLimiter) TryAcquire(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	need := float64(n)
	if r.tokens >= need {
		r.tokens -= need
		return true
	}
	return false
}

// refill adds tokens based on elapsed time.
// Must be called with mutex held.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.refillRate

	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}

	r.lastRefill = now
}
