package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine-wide failure taxonomy.
var (
	// ErrTransient marks failures worth retrying (timeouts, resets, 5xx).
	ErrTransient = errors.New("transient network error")

	// ErrVenueRejected marks a venue-side rejection of the request itself
	// (bad parameters, insufficient balance). Never retried.
	ErrVenueRejected = errors.New("venue rejected request")

	// ErrAuth marks an authentication failure. Fatal for the engine.
	ErrAuth = errors.New("authentication failed")

	// ErrCircuitOpen is returned when the circuit breaker is failing fast.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrOrderNotFound is returned for lookups of unknown orders.
	ErrOrderNotFound = errors.New("order not found")
)

// Transient wraps err so that IsRetryable reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Rejected wraps a venue rejection with its reason.
func Rejected(reason string) error {
	return fmt.Errorf("%w: %s", ErrVenueRejected, reason)
}

// IsRetryable reports whether err should be retried by the retry executor.
// Authentication failures and venue rejections are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrVenueRejected) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrCircuitOpen)
}

// StateConsistencyError reports an attempted illegal order transition.
// The offending update is discarded; state is never overwritten.
type StateConsistencyError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *StateConsistencyError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s (order %s)", e.From, e.To, e.OrderID)
}
