package utils

import (
	"errors"
	"fmt"
	"time"
)

var ErrorRecordNotFound = errors.New("record not found")

// Replication error taxonomy. Leaf storage errors are wrapped into one of
// these so callers can switch on errors.Is/As instead of string matching.
var (
	// ErrSequenceGap is fatal: the local log head and the appended seq
	// disagree, which means the device log is corrupted or the caller is
	// replaying out of order. Never retried.
	ErrSequenceGap = errors.New("event sequence gap")

	// ErrInsufficientEscrow means the device's stock escrow is spent and no
	// re-reservation was possible (offline).
	ErrInsufficientEscrow = errors.New("insufficient stock escrow")

	// ErrRangeExhausted means the device's fiscal sequence range is spent
	// and no re-reservation was possible (offline).
	ErrRangeExhausted = errors.New("fiscal sequence range exhausted")

	// ErrRelayDeliveryFailed wraps a transient remote delivery failure.
	// The outbox worker converts it into backoff state.
	ErrRelayDeliveryFailed = errors.New("relay delivery failed")

	// ErrManualReviewRequired marks a conflict parked for an operator.
	ErrManualReviewRequired = errors.New("conflict requires manual review")
)

// CircuitOpenError is returned instead of attempting a remote call while the
// breaker is open. RetryAfter tells the caller when a trial call is allowed.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry in %s", e.RetryAfter.Round(time.Second))
}

func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}
