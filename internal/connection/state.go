package connection

import (
	"github.com/wagiedev/lspproxy/internal/errors"
)

// State is the lifecycle state of a Manager.
type State int

const (
	// StateDisconnected means no connection and no attempt in flight.
	StateDisconnected State = iota
	// StateConnecting means an attempt is in flight.
	StateConnecting
	// StateConnected means a live channel is available.
	StateConnected
	// StateClosed means the manager was closed and will never connect again.
	StateClosed
)

// AllStates lists every state, in declaration order.
var AllStates = []State{StateDisconnected, StateConnecting, StateConnected, StateClosed}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// event drives a state transition.
type event int

const (
	eventAttempt event = iota
	eventEstablished
	eventAborted
	eventDropped
	eventClose
)

func (e event) String() string {
	switch e {
	case eventAttempt:
		return "attempt"
	case eventEstablished:
		return "established"
	case eventAborted:
		return "aborted"
	case eventDropped:
		return "dropped"
	case eventClose:
		return "close"
	default:
		return "unknown"
	}
}

var transitions = map[State]map[event]State{
	StateDisconnected: {
		eventAttempt: StateConnecting,
		eventClose:   StateClosed,
	},
	StateConnecting: {
		eventEstablished: StateConnected,
		eventAborted:     StateDisconnected,
		eventClose:       StateClosed,
	},
	StateConnected: {
		eventDropped: StateDisconnected,
		eventClose:   StateClosed,
	},
	StateClosed: {},
}

// next returns the state reached from s on ev.
func next(s State, ev event) (State, error) {
	to, ok := transitions[s][ev]
	if !ok {
		return s, &errors.TransitionError{From: s.String(), Event: ev.String()}
	}

	return to, nil
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}

	return names
}
