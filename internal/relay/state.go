package relay

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidTransition is returned when a session is asked to move between
// two states the lifecycle does not connect.
var ErrInvalidTransition = errors.New("relay: invalid state transition")

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateIdle is a fresh session waiting for the client's init.
	StateIdle State = iota

	// StateConnecting is dialing the remote peer and waiting for it to
	// accept the session configuration.
	StateConnecting

	// StateActive relays audio and events in both directions.
	StateActive

	// StateStopping flushes the last audio and waits out the close grace.
	StateStopping

	// StateClosed is terminal.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// transitions lists the legal successor states. Every non-terminal state may
// move to Closed on an unrecoverable error.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateClosed},
	StateConnecting: {StateActive, StateStopping, StateClosed},
	StateActive:     {StateStopping, StateClosed},
	StateStopping:   {StateClosed},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// checkTransition returns a wrapped [ErrInvalidTransition] when s may not
// move to next.
func checkTransition(s, next State) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}
