// Package execution implements the lifecycle state machine for governed
// actions. Once the decision engine allows an intent, the corresponding
// execution moves through this machine; every accepted transition is kept
// in a readable history and fanned out to registered listeners.
package execution

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is an execution lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInitializing     Status = "initializing"
	StatusRunning          Status = "running"
	StatusPaused           Status = "paused"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusTerminated       Status = "terminated"
	StatusTimedOut         Status = "timed_out"
	StatusResourceExceeded Status = "resource_exceeded"
)

// transitions is the allowed-edge table. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusPending:      {StatusInitializing, StatusFailed, StatusTerminated},
	StatusInitializing: {StatusRunning, StatusFailed, StatusTerminated},
	StatusRunning:      {StatusPaused, StatusCompleted, StatusFailed, StatusTerminated, StatusTimedOut, StatusResourceExceeded},
	StatusPaused:       {StatusRunning, StatusTerminated, StatusFailed},
}

var terminal = map[Status]bool{
	StatusCompleted:        true,
	StatusFailed:           true,
	StatusTerminated:       true,
	StatusTimedOut:         true,
	StatusResourceExceeded: true,
}

// TerminalStates returns every state with no outgoing edges.
func TerminalStates() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusTerminated, StatusTimedOut, StatusResourceExceeded}
}

// ActiveStates returns every non-terminal state.
func ActiveStates() []Status {
	return []Status{StatusPending, StatusInitializing, StatusRunning, StatusPaused}
}

// ValidTransitions returns the allowed target states from a given state.
// Terminal states return nil.
func ValidTransitions(from Status) []Status {
	targets, ok := transitions[from]
	if !ok {
		return nil
	}
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether s has no outgoing edges.
func IsTerminalStatus(s Status) bool { return terminal[s] }

// TransitionError signals an illegal edge. It carries the attempted edge and
// the valid targets so a caller bug is immediately diagnosable.
type TransitionError struct {
	From  Status
	To    Status
	Valid []Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution: invalid transition %s -> %s (valid: %v)", e.From, e.To, e.Valid)
}

// TransitionEvent is one accepted transition in the machine's history.
type TransitionEvent struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Listener receives accepted transitions. Listener panics and errors are
// caught and logged; they never corrupt the machine.
type Listener func(ev TransitionEvent)

type subscription struct {
	target Status // empty = any
	fn     Listener
}

// Record is the persistent view of one execution. It is owned exclusively
// by the machine while active and becomes read-only once terminal.
type Record struct {
	ID          string          `json:"id"`
	IntentID    string          `json:"intent_id"`
	Status      Status          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Machine drives one execution through its lifecycle.
type Machine struct {
	mu        sync.Mutex
	record    Record
	history   []TransitionEvent
	listeners map[int]subscription
	nextToken int
	enteredAt time.Time
	logger    *slog.Logger
}

// NewMachine creates a machine in the pending state.
func NewMachine(id, intentID string) *Machine {
	now := time.Now().UTC()
	return &Machine{
		record: Record{
			ID:        id,
			IntentID:  intentID,
			Status:    StatusPending,
			StartedAt: now,
		},
		listeners: make(map[int]subscription),
		enteredAt: now,
		logger:    slog.Default().With("component", "execution", "execution_id", id),
	}
}

// Status returns the current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Status
}

// Record returns a copy of the execution record.
func (m *Machine) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// IsTerminal reports whether the machine has reached a terminal state.
func (m *Machine) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return terminal[m.record.Status]
}

// CurrentStateDuration returns how long the machine has been in its
// current state.
func (m *Machine) CurrentStateDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.enteredAt)
}

// TotalElapsed returns the time since the execution was created.
func (m *Machine) TotalElapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.record.StartedAt)
}

// History returns a copy of every accepted transition.
func (m *Machine) History() []TransitionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionEvent, len(m.history))
	copy(out, m.history)
	return out
}

// Subscribe registers a listener for a specific target state. The returned
// token unsubscribes via Unsubscribe.
func (m *Machine) Subscribe(target Status, fn Listener) int {
	return m.subscribe(subscription{target: target, fn: fn})
}

// SubscribeAny registers a listener for every transition.
func (m *Machine) SubscribeAny(fn Listener) int {
	return m.subscribe(subscription{fn: fn})
}

func (m *Machine) subscribe(sub subscription) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextToken++
	m.listeners[m.nextToken] = sub
	return m.nextToken
}

// Unsubscribe removes a listener.
func (m *Machine) Unsubscribe(token int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, token)
}

// Transition moves the machine to the target state, appending to history
// and dispatching listeners. An invalid edge returns *TransitionError and
// leaves state unchanged.
func (m *Machine) Transition(to Status, reason string) error {
	m.mu.Lock()

	from := m.record.Status
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return &TransitionError{From: from, To: to, Valid: ValidTransitions(from)}
	}

	now := time.Now().UTC()
	m.record.Status = to
	m.enteredAt = now
	if terminal[to] {
		t := now
		m.record.CompletedAt = &t
		if to != StatusCompleted && reason != "" {
			m.record.Error = reason
		}
	}

	ev := TransitionEvent{From: from, To: to, Reason: reason, At: now}
	m.history = append(m.history, ev)

	subs := make([]subscription, 0, len(m.listeners))
	for _, sub := range m.listeners {
		if sub.target == "" || sub.target == to {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range subs {
		m.dispatch(sub.fn, ev)
	}
	return nil
}

// SetResult records the execution's output. Only meaningful before the
// terminal transition that freezes the record.
func (m *Machine) SetResult(result map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !terminal[m.record.Status] {
		m.record.Result = result
	}
}

func (m *Machine) dispatch(fn Listener, ev TransitionEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener panicked", "from", ev.From, "to", ev.To, "panic", r)
		}
	}()
	fn(ev)
}
