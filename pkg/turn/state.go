package turn

import "time"

// State is the companion's conversational state.
type State int32

const (
	StateIdle State = iota
	StateTalking
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTalking:
		return "TALKING"
	default:
		return "UNKNOWN"
	}
}

// Reader is the read-only view handed to collaborators that must not
// change the state, such as the camera uploader and transcript dispatcher.
type Reader interface {
	State() State
	Talking() bool
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
