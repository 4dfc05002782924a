package federation

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	default:
		return "HALF_OPEN"
	}
}

// CircuitBreaker wraps every remote call. CLOSED trips to OPEN after
// FailureThreshold consecutive failures; OPEN fails fast until Timeout
// elapses, then HALF_OPEN admits trial calls; SuccessThreshold consecutive
// successes close it again, and any HALF_OPEN failure reopens it.
type CircuitBreaker struct {
	Logger *logrus.Logger

	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

func NewCircuitBreaker(logger *logrus.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		Logger:           logger,
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. While OPEN it returns a
// CircuitOpenError carrying the retry-after hint; once the timeout elapses
// the breaker moves to HALF_OPEN and admits the call as a trial.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.Timeout {
		b.transition(BreakerHalfOpen)
		return nil
	}
	return &utils.CircuitOpenError{RetryAfter: b.Timeout - elapsed}
}

// RecordSuccess feeds a successful call outcome back into the state machine.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.SuccessThreshold {
			b.transition(BreakerClosed)
		}
	}
}

// RecordFailure feeds a failed call outcome back into the state machine.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.FailureThreshold {
			b.openedAt = b.now()
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	}
}

// Do wraps fn with the breaker.
func (b *CircuitBreaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must run with the mutex held.
func (b *CircuitBreaker) transition(next BreakerState) {
	prev := b.state
	b.state = next
	b.failures = 0
	b.successes = 0
	if b.Logger != nil && prev != next {
		b.Logger.WithFields(logrus.Fields{
			"field": "CircuitBreaker",
			"from":  prev.String(),
			"to":    next.String(),
		}).Warn("circuit breaker state change")
	}
}
