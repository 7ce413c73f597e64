package infra

import (
	"math/rand"
	"time"
)

const (
	// Standard backoff constants
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 60 * time.Second
)

// CalculateBackoff returns the exponential backoff duration for a given retry count.
// Logic: base * 2^retryCount, capped at max.
// If retryCount is negative, it returns base.
func CalculateBackoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		return base
	}

	// 2^30 seconds is already far beyond any sane max, cap early to
	// avoid shift overflow.
	if retryCount > 30 {
		return max
	}

	backoff := base * time.Duration(1<<retryCount)

	if backoff > max || backoff < 0 {
		return max
	}

	return backoff
}

// JitteredBackoff returns CalculateBackoff scaled by a random factor in
// [0.5, 1.5) so that concurrent retriers do not reconnect in lockstep.
func JitteredBackoff(retryCount int, base, max time.Duration) time.Duration {
	d := CalculateBackoff(retryCount, base, max)
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(d) * factor)
}
