package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func failing() error { return errBackend }
func succeeding() error { return nil }

func TestOpensAfterConsecutiveFailures(test *testing.T) {
	test.Parallel()
	circuit := New(5, time.Minute, nil)

	for attempt := 0; attempt < 5; attempt++ {
		if err := circuit.Do(failing); !errors.Is(err, errBackend) {
			test.Fatalf("attempt %d: expected backend error, got %v", attempt, err)
		}
	}
	if circuit.State() != StateOpen {
		test.Fatalf("expected open after threshold, got %s", circuit.State())
	}
	if err := circuit.Do(succeeding); !errors.Is(err, ErrCircuitOpen) {
		test.Fatalf("open breaker must fail fast, got %v", err)
	}
}

func TestSuccessResetsFailureCounter(test *testing.T) {
	test.Parallel()
	circuit := New(3, time.Minute, nil)

	_ = circuit.Do(failing)
	_ = circuit.Do(failing)
	if err := circuit.Do(succeeding); err != nil {
		test.Fatalf("success call: %v", err)
	}
	_ = circuit.Do(failing)
	_ = circuit.Do(failing)
	if circuit.State() != StateClosed {
		test.Fatalf("counter must reset on success, state=%s", circuit.State())
	}
}

func TestHalfOpenProbeClosesOnSuccess(test *testing.T) {
	test.Parallel()
	now := time.Now()
	circuit := New(2, 30*time.Second, nil).WithClock(func() time.Time { return now })

	_ = circuit.Do(failing)
	_ = circuit.Do(failing)
	if circuit.State() != StateOpen {
		test.Fatalf("expected open, got %s", circuit.State())
	}

	now = now.Add(31 * time.Second)
	if circuit.State() != StateHalfOpen {
		test.Fatalf("expected half-open after timeout, got %s", circuit.State())
	}
	if err := circuit.Do(succeeding); err != nil {
		test.Fatalf("probe call: %v", err)
	}
	if circuit.State() != StateClosed {
		test.Fatalf("successful probe must close the breaker, got %s", circuit.State())
	}
}

func TestHalfOpenProbeReopensOnFailure(test *testing.T) {
	test.Parallel()
	now := time.Now()
	circuit := New(2, 30*time.Second, nil).WithClock(func() time.Time { return now })

	_ = circuit.Do(failing)
	_ = circuit.Do(failing)
	now = now.Add(31 * time.Second)

	if err := circuit.Do(failing); !errors.Is(err, errBackend) {
		test.Fatalf("probe should reach backend, got %v", err)
	}
	if circuit.State() != StateOpen {
		test.Fatalf("failed probe must reopen, got %s", circuit.State())
	}

	// The timer restarts from the failed probe.
	now = now.Add(29 * time.Second)
	if err := circuit.Do(succeeding); !errors.Is(err, ErrCircuitOpen) {
		test.Fatalf("breaker must stay open until the timeout elapses again, got %v", err)
	}
}

func TestHalfOpenAllowsExactlyOneProbe(test *testing.T) {
	test.Parallel()
	now := time.Now()
	circuit := New(1, time.Second, nil).WithClock(func() time.Time { return now })

	_ = circuit.Do(failing)
	now = now.Add(2 * time.Second)

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- circuit.Do(func() error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted
	if err := circuit.Do(succeeding); !errors.Is(err, ErrCircuitOpen) {
		test.Fatalf("second call during probe must fail fast, got %v", err)
	}
	close(probeRelease)
	if err := <-probeDone; err != nil {
		test.Fatalf("probe: %v", err)
	}
	if circuit.State() != StateClosed {
		test.Fatalf("expected closed after probe, got %s", circuit.State())
	}
}
