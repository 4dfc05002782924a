package federation

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

func newTestBreaker(clock *time.Time) *CircuitBreaker {
	b := NewCircuitBreaker(nil)
	b.now = func() time.Time { return *clock }
	return b
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(&clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != BreakerClosed {
			t.Fatalf("state after %d failures = %s, want CLOSED", i+1, b.State())
		}
	}
	b.RecordFailure() // fifth
	if b.State() != BreakerOpen {
		t.Fatalf("state after 5 failures = %s, want OPEN", b.State())
	}

	err := b.Allow()
	if !utils.IsCircuitOpen(err) {
		t.Fatalf("Allow while OPEN = %v, want CircuitOpenError", err)
	}
	var coe *utils.CircuitOpenError
	if !errors.As(err, &coe) || coe.RetryAfter <= 0 {
		t.Fatalf("open error carries no retry-after: %v", err)
	}
}

func TestBreakerSuccessInClosedResetsFailureStreak(t *testing.T) {
	clock := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(&clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess() // streak broken
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want CLOSED (failures not consecutive)", b.State())
	}
}

func TestBreakerHalfOpenRecoversAfterSuccesses(t *testing.T) {
	clock := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(&clock)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}

	// Timeout elapses: the next Allow admits a trial call.
	clock = clock.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after timeout: %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state after timeout = %s, want HALF_OPEN", b.State())
	}

	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state after 2 successes = %s, want HALF_OPEN", b.State())
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state after 3 successes = %s, want CLOSED", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(&clock)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock = clock.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after timeout: %v", err)
	}

	b.RecordSuccess()
	b.RecordFailure() // trial traffic still failing
	if b.State() != BreakerOpen {
		t.Fatalf("state after half-open failure = %s, want OPEN", b.State())
	}
	if err := b.Allow(); !utils.IsCircuitOpen(err) {
		t.Fatalf("Allow after reopen = %v, want CircuitOpenError", err)
	}
}

func TestBreakerDoWrapsOutcomes(t *testing.T) {
	clock := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	b := newTestBreaker(&clock)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Do returned %v, want wrapped fn error", err)
		}
	}
	// Now OPEN: the fn must not run at all.
	ran := false
	err := b.Do(func() error { ran = true; return nil })
	if !utils.IsCircuitOpen(err) {
		t.Fatalf("Do while OPEN = %v, want CircuitOpenError", err)
	}
	if ran {
		t.Fatal("fn executed while breaker OPEN")
	}
}
