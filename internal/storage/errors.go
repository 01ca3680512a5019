package storage

import "errors"

var (
	// ErrStoreUnavailable is returned when the backing tables have not been provisioned
	ErrStoreUnavailable = errors.New("task stat store unavailable")

	// ErrRecordNotFound is returned when no record exists for a task name
	ErrRecordNotFound = errors.New("task record not found")
)
