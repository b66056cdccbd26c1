package registry

import "errors"

// Errors.
var (
	// ErrAlreadyPresent is returned by Register for an id that is already
	// live in memory.
	ErrAlreadyPresent = errors.New("registry: machine already present")

	// ErrAlreadyTerminated is returned when an id exists only in the history
	// store: the machine finished its lifecycle and cannot be revived.
	ErrAlreadyTerminated = errors.New("registry: machine already terminated")

	// ErrDefinitionMismatch is returned when a persisted state name is not
	// declared by the current definition. Fatal for that machine id.
	ErrDefinitionMismatch = errors.New("registry: snapshot state not in definition")

	// ErrQuarantined is returned for ids that previously produced a fatal
	// rehydration failure (corrupt snapshot or definition mismatch).
	ErrQuarantined = errors.New("registry: machine id quarantined")

	// ErrNoFactory is returned by SendEvent when the target machine must be
	// rehydrated but the registry has no default factory configured.
	ErrNoFactory = errors.New("registry: no factory for rehydration")
)
