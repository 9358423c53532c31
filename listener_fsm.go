package solo

import "fmt"

// listenerState represents a small finite state machine. It has the following transitions:
// ∅          → NotStarted
// NotStarted → Listening
// NotStarted → Stopped
// Listening  → Stopped
//
// The meaning of each state is described above the state's definition below.
type listenerState string

const (
	// NotStarted is the initial state. The channel is owned but nothing is
	// accepting on it yet.
	listenerStateNotStarted listenerState = "not-started"
	// Listening is the state of a primary that is accepting handoffs. In
	// normal operation it lasts until the process exits.
	listenerStateListening listenerState = "listening"
	// Stopped is the state after the instance has been closed and the channel
	// released.
	listenerStateStopped listenerState = "stopped"
)

var validTransitions = map[listenerState][]listenerState{
	listenerStateNotStarted: {
		listenerStateListening,
		listenerStateStopped,
	},
	listenerStateListening: {
		listenerStateStopped,
	},
	listenerStateStopped: {
		listenerStateStopped,
	},
}

func (s *listenerState) canTransitionTo(state listenerState) error {
	for _, target := range validTransitions[*s] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *listenerState) transitionTo(state listenerState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
