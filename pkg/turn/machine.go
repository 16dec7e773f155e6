package turn

import (
	"sync"
	"sync/atomic"
	"time"
)

// Machine holds the Talking flag. It has a single writer, the event router;
// reads are lock-free.
type Machine struct {
	state atomic.Int32
	since atomic.Int64

	mu        sync.Mutex
	listeners []StateListener
	now       func() time.Time
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	m := &Machine{now: time.Now}
	m.since.Store(m.now().UnixNano())
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Talking reports whether an utterance currently owns the avatar.
func (m *Machine) Talking() bool {
	return m.State() == StateTalking
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	return time.Unix(0, m.since.Load())
}

// transitionValid reports whether from may move to to. Talking to Talking is
// a restart when a new reply preempts the current one.
func transitionValid(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateTalking
	case StateTalking:
		return to == StateTalking || to == StateIdle
	}
	return false
}

// Transition moves to a new state with validation and notifies listeners.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.State()
	if !transitionValid(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	now := m.now()
	m.state.Store(int32(to))
	m.since.Store(now.UnixNano())
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	event := StateChange{FromState: from, ToState: to, Timestamp: now, Reason: reason}
	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

// Start enters Talking, restarting if already Talking.
func (m *Machine) Start(reason string) error {
	return m.Transition(StateTalking, reason)
}

// Finish returns to Idle.
func (m *Machine) Finish(reason string) error {
	return m.Transition(StateIdle, reason)
}

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener StateListener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

var _ Reader = (*Machine)(nil)
