package subscription

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not permit. Callers log and reject; they never apply it.
	ErrInvalidTransition = errors.New("invalid subscription status transition")

	// ErrTerminalState is returned for any transition attempted out of the
	// canceled state.
	ErrTerminalState = errors.New("subscription is canceled; no further transitions")
)

// transitions is the full lifecycle table. Initial state on creation is
// trialing; canceled is terminal. A status maps to the set of states it may
// move to.
var transitions = map[Status][]Status{
	StatusTrialing: {StatusActive, StatusPastDue, StatusUnpaid, StatusCanceled},
	StatusActive:   {StatusPastDue, StatusUnpaid, StatusCanceled},
	StatusPastDue:  {StatusActive, StatusUnpaid, StatusCanceled},
	StatusUnpaid:   {StatusActive, StatusCanceled},
	StatusCanceled: nil,
}

// CanTransition reports whether from may move to to. A same-status
// "transition" is allowed for every non-terminal state: the processor reports
// the full status on every update, and period advances arrive as
// active -> active.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == StatusCanceled {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a status change and returns the resulting status.
func Transition(from, to Status) (Status, error) {
	if from == StatusCanceled {
		return from, fmt.Errorf("%w: attempted %s -> %s", ErrTerminalState, from, to)
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
