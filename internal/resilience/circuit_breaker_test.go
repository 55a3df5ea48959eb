package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests move past the reset timeout without sleeping
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("live_connect", maxFailures, 30*time.Second)
	cb.now = clock.Now
	return cb, clock
}

var errDial = errors.New("dial tcp: connection refused")

func failing(ctx context.Context) error { return errDial }
func succeeding(ctx context.Context) error { return nil }

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}

	if err := cb.Execute(context.Background(), succeeding); err != nil {
		t.Errorf("Expected call to pass in Closed state, got %v", err)
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	_ = cb.Execute(ctx, failing)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected guarded call to be skipped while Open")
	}
}

func TestCircuitBreaker_HalfOpenProbeCloses(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	if cb.GetState() != StateOpen {
		t.Fatal("Expected circuit to be Open")
	}

	clock.Advance(31 * time.Second)

	if err := cb.Execute(ctx, succeeding); err != nil {
		t.Fatalf("Expected probe to pass, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected Closed after successful probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenProbeFails(t *testing.T) {
	cb, clock := newTestBreaker(2)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	clock.Advance(31 * time.Second)

	_ = cb.Execute(ctx, failing)
	if cb.GetState() != StateOpen {
		t.Errorf("Expected a failed probe to reopen the circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.Advance(31 * time.Second)

	release := make(chan struct{})
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- cb.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected second call during probe to be rejected, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("Expected probe to succeed, got %v", err)
	}
}

func TestCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected cancellation to leave the circuit Closed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1)
	var transitions []CircuitState
	cb.OnStateChange = func(name string, state CircuitState) {
		if name != "live_connect" {
			t.Errorf("Expected name 'live_connect', got '%s'", name)
		}
		transitions = append(transitions, state)
	}
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.Advance(31 * time.Second)
	_ = cb.Execute(ctx, succeeding)

	expected := []CircuitState{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(expected) {
		t.Fatalf("Expected %d transitions, got %v", len(expected), transitions)
	}
	for i := range expected {
		if transitions[i] != expected[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, expected[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1)
	_ = cb.Execute(context.Background(), failing)

	cb.Reset()

	state, requests, failures := cb.GetStats()
	if state != StateClosed {
		t.Errorf("Expected Closed after reset, got %s", state)
	}
	if requests != 0 || failures != 0 {
		t.Errorf("Expected counters cleared, got requests=%d failures=%d", requests, failures)
	}
}
