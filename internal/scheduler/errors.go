package scheduler

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not registered
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when a task name is registered twice
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrConfiguration is returned for task definitions that can never be scheduled
	ErrConfiguration = errors.New("invalid task configuration")

	// ErrLifecycle is returned when tasks are registered after the registry was sealed
	ErrLifecycle = errors.New("task registration is closed")
)
