// Package resiliency provides the shared circuit breaker used whenever the
// decision engine or the recovery orchestrator calls an unreliable
// downstream (trust store, model endpoint). Repeated failures fail fast
// instead of cascading into the decision path.
package resiliency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned when a call is rejected because the circuit is open.
type ErrOpen struct {
	Name       string
	RetryAfter time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("resiliency: circuit %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// StateChangeFunc is notified on every breaker state transition.
type StateChangeFunc func(name string, from, to State)

// Config holds breaker tuning. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int           // failures in CLOSED before opening (default 5)
	SuccessThreshold int           // consecutive HALF_OPEN successes to close (default 2)
	Timeout          time.Duration // OPEN duration before a probe is allowed (default 60s)
	OnStateChange    StateChangeFunc
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Breaker is a CLOSED -> OPEN -> HALF_OPEN -> CLOSED circuit breaker.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	nextAttemptTime time.Time
}

// NewBreaker creates a breaker in the CLOSED state.
func NewBreaker(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the OPEN -> HALF_OPEN timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. The first call after the OPEN
// timeout elapses transitions the breaker to HALF_OPEN and is let through
// as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Now().Before(b.nextAttemptTime) {
			return &ErrOpen{Name: b.name, RetryAfter: time.Until(b.nextAttemptTime)}
		}
		b.transition(StateHalfOpen)
		b.successes = 0
		return nil
	default:
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// Failure records a failed call. In CLOSED it counts toward the failure
// threshold; in HALF_OPEN any failure reopens the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.transition(StateOpen)
	b.nextAttemptTime = time.Now().Add(b.cfg.Timeout)
	b.successes = 0
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		cb := b.cfg.OnStateChange
		// Callbacks observe only; run outside the lock to keep a slow
		// observer from stalling callers.
		go cb(b.name, from, to)
	}
}

// Execute runs fn under the breaker. A rejected call returns *ErrOpen
// without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
