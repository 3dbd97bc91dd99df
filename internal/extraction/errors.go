package extraction

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRetry is matched by every InvalidRetryError.
	ErrInvalidRetry = errors.New("invalid retry")
	// ErrRetryExhausted reports that a lineage reached the maximum depth.
	ErrRetryExhausted = errors.New("retry depth exhausted")
	// ErrLineageCycle reports a parent chain that loops or never ends.
	ErrLineageCycle = errors.New("run lineage cycle")
	// ErrRunFailed wraps extractor failures that were recorded on the run.
	ErrRunFailed = errors.New("extraction run failed")
)

// InvalidRetryError describes a rejected retry request.
type InvalidRetryError struct {
	ParentRunID string
	UnitID      string
	Reason      string
}

func (e *InvalidRetryError) Error() string {
	return fmt.Sprintf("cannot retry run %s for unit %s: %s", e.ParentRunID, e.UnitID, e.Reason)
}

// Is lets errors.Is match ErrInvalidRetry.
func (e *InvalidRetryError) Is(target error) bool {
	return target == ErrInvalidRetry
}

// ErrorKind classifies the error as a caller mistake.
func (e *InvalidRetryError) ErrorKind() string {
	return "validation"
}
