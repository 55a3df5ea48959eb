package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the guarded call while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Calls fail fast with ErrCircuitOpen
	StateHalfOpen                     // One probe call is allowed through
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards connection attempts to one endpoint. After maxFailures
// consecutive failures it opens for resetTimeout, then lets a single probe through.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	// OnStateChange, when set, is called (outside the lock) after each transition
	OnStateChange func(name string, state CircuitState)

	now func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
	requests      int64
	failuresTotal int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Name returns the guarded service name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn if the breaker allows it and records the outcome.
// Context cancellation is not counted as a failure of the guarded service.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}
	cb.RecordResult(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	var changed bool
	defer func() {
		state := cb.state
		cb.mu.Unlock()
		if changed {
			cb.notify(state)
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		changed = true
		cb.probeInFlight = true
		return nil
	case StateHalfOpen:
		if cb.probeInFlight {
			return ErrCircuitOpen
		}
		cb.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// release frees a half-open probe slot without recording an outcome
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probeInFlight = false
	cb.mu.Unlock()
}

// RecordResult records the outcome of a guarded call
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	before := cb.state
	cb.requests++
	cb.probeInFlight = false

	if success {
		cb.failures = 0
		cb.state = StateClosed
	} else {
		cb.failuresTotal++
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	}
	after := cb.state
	cb.mu.Unlock()

	if after != before {
		cb.notify(after)
	}
}

func (cb *CircuitBreaker) notify(state CircuitState) {
	if cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, state)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns the state, total recorded calls, and total failures
func (cb *CircuitBreaker) GetStats() (state CircuitState, requestCount, failureCount int64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.requests, cb.failuresTotal
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probeInFlight = false
	cb.requests = 0
	cb.failuresTotal = 0
	cb.mu.Unlock()
}
