package runs

import "errors"

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("agent run not found")

	// ErrAlreadyExists is returned when creating a run with a taken ID.
	ErrAlreadyExists = errors.New("agent run already exists")

	// ErrInvalidTransition is returned when a status transition is attempted
	// from a state that does not permit it. Terminal states are sticky.
	ErrInvalidTransition = errors.New("invalid run status transition")
)
