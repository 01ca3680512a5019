package executor

import "errors"

var (
	// ErrWorkPanicked wraps the value recovered from a panicking work function
	ErrWorkPanicked = errors.New("work function panicked")

	// ErrNoWork is returned for tasks registered without a work function
	ErrNoWork = errors.New("task has no work function")
)
