package batch

import (
	"errors"
)

var (
	// ErrBatchNotFound reports an unknown batch id.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchNotActive reports a batch that is not being dispatched by this
	// process.
	ErrBatchNotActive = errors.New("batch not active")
	// ErrEmptyBatch rejects submissions without units.
	ErrEmptyBatch = errors.New("batch has no units")
)
