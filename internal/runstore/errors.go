package runstore

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is matched by every InvalidStateError.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotFound reports a missing batch, unit, run, or prompt.
	ErrNotFound = errors.New("not found")
	// ErrRunHasChildren rejects deleting a run that other runs retry from.
	ErrRunHasChildren = errors.New("run has retry children")
	// ErrRunTerminal rejects writes to a run that already finished.
	ErrRunTerminal = errors.New("run is terminal")
	// ErrNoActivePrompt reports that no prompt is marked active.
	ErrNoActivePrompt = errors.New("no active prompt")
)

// InvalidStateError describes a rejected state transition.
type InvalidStateError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ErrorKind classifies the error for services.Kind-style reporting.
func (e *InvalidStateError) ErrorKind() string {
	return "validation"
}
