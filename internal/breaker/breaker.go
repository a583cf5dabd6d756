// Package breaker guards calls to the lock store. After a run of consecutive
// failures it fails fast instead of piling requests onto a dead backend, then
// probes with a single call once the open timeout elapses.
package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without invoking the guarded call while the
// breaker is open. Callers treat it as a signal to degrade, never as a user
// error.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State enumerates the breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker tracks consecutive failures of a single dependency. One instance
// guards all lock-store calls.
type Breaker struct {
	mu               sync.Mutex
	failureThreshold int
	openTimeout      time.Duration
	nowFn            func() time.Time
	log              *zap.Logger

	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New builds a closed breaker.
func New(failureThreshold int, openTimeout time.Duration, log *zap.Logger) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		nowFn:            time.Now,
		log:              log,
		state:            StateClosed,
	}
}

// WithClock overrides the clock; tests use it to force the open timeout.
func (breaker *Breaker) WithClock(now func() time.Time) *Breaker {
	breaker.nowFn = now
	return breaker
}

// State reports the current state, applying the open -> half-open timeout.
func (breaker *Breaker) State() State {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	breaker.maybeHalfOpen()
	return breaker.state
}

// Do runs fn unless the breaker is open. In half-open state exactly one call
// is let through as the probe; concurrent calls during the probe fail fast.
func (breaker *Breaker) Do(fn func() error) error {
	if err := breaker.admit(); err != nil {
		return err
	}
	err := fn()
	breaker.record(err)
	return err
}

func (breaker *Breaker) admit() error {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	breaker.maybeHalfOpen()
	switch breaker.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if breaker.probing {
			return ErrCircuitOpen
		}
		breaker.probing = true
	}
	return nil
}

func (breaker *Breaker) record(err error) {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	if breaker.state == StateHalfOpen {
		breaker.probing = false
		if err != nil {
			breaker.state = StateOpen
			breaker.openedAt = breaker.nowFn()
			breaker.log.Warn("circuit breaker probe failed, reopening", zap.Error(err))
			return
		}
		breaker.state = StateClosed
		breaker.failures = 0
		breaker.log.Info("circuit breaker closed after successful probe")
		return
	}
	if err == nil {
		breaker.failures = 0
		return
	}
	breaker.failures++
	if breaker.state == StateClosed && breaker.failures >= breaker.failureThreshold {
		breaker.state = StateOpen
		breaker.openedAt = breaker.nowFn()
		breaker.log.Error("circuit breaker opened",
			zap.Int("consecutive_failures", breaker.failures))
	}
}

func (breaker *Breaker) maybeHalfOpen() {
	if breaker.state == StateOpen && breaker.nowFn().Sub(breaker.openedAt) > breaker.openTimeout {
		breaker.state = StateHalfOpen
		breaker.probing = false
	}
}
