package fsm

import "errors"

// Errors.
var (
	// ErrNotInitialized is returned when an event or tick reaches a machine
	// before Init.
	ErrNotInitialized = errors.New("fsm: machine not initialized")

	// ErrNoTransition is returned when no transition from the current state
	// matches the event.
	ErrNoTransition = errors.New("fsm: no matching transition")

	// ErrUnknownState is returned by SetState for a state the definition
	// does not declare.
	ErrUnknownState = errors.New("fsm: unknown state")
)
