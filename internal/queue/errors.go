package queue

import "errors"

var (
	// ErrNotFound is returned when a task id is unknown to the store.
	ErrNotFound = errors.New("task not found")

	// ErrEmptyTaskType rejects enqueue requests without a task type.
	ErrEmptyTaskType = errors.New("task type must not be empty")

	// ErrInvalidStatus rejects completion statuses outside completed/failed.
	ErrInvalidStatus = errors.New("invalid completion status")

	// ErrAlreadyTerminal rejects a second completion of the same task.
	ErrAlreadyTerminal = errors.New("task already in a terminal status")

	// ErrUnknownStrategy rejects claiming-strategy names outside the valid set.
	ErrUnknownStrategy = errors.New("unknown claiming strategy")
)
