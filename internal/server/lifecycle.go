package server

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// legal lists the states reachable from each state.
var legal = map[State][]State{
	StateConnecting:     {StateAuthenticating},
	StateAuthenticating: {StateActive, StateRejected},
	StateActive:         {StateClosing},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether from → to is a lifecycle edge.
func CanTransition(from, to State) bool {
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}

// lifecycle holds a State that only moves along legal edges.
type lifecycle struct {
	v atomic.Int32
}

func (l *lifecycle) load() State {
	return State(l.v.Load())
}

// transition moves from → to. It fails when the edge is illegal or when the
// current state is no longer from.
func (l *lifecycle) transition(from, to State) bool {
	if !CanTransition(from, to) {
		return false
	}
	return l.v.CompareAndSwap(int32(from), int32(to))
}
