package task

import (
	"errors"
	"fmt"
)

// Common errors returned by the task core
var (
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStaleTransition is returned when a compare-and-set transition finds
	// the task in a different status than expected. The losing writer must
	// abandon its update.
	ErrStaleTransition = errors.New("stale task transition")

	// ErrIllegalTransition is returned for an edge the state machine does not allow.
	ErrIllegalTransition = errors.New("illegal task transition")

	// ErrActiveTaskExists is returned when a live task already targets the
	// same (item_id, task_type) pair.
	ErrActiveTaskExists = errors.New("an active task already exists for this item")

	// ErrUnknownTaskType is returned for task types the router has no profile for.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInvalidTask is returned when a task record violates an invariant.
	ErrInvalidTask = errors.New("invalid task")

	// ErrBrokerClosed is returned by a broker after Close.
	ErrBrokerClosed = errors.New("task broker is closed")

	// ErrQueueFull is returned when a bounded broker queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")
)

// DuplicateTaskError rejects an enqueue that would create a second live task
// for the same item. It matches ErrActiveTaskExists with errors.Is.
type DuplicateTaskError struct {
	Existing *GenerationTask
}

// Error implements the error interface.
func (e *DuplicateTaskError) Error() string {
	if e.Existing == nil {
		return ErrActiveTaskExists.Error()
	}
	return fmt.Sprintf("%s: task %s is %s", ErrActiveTaskExists, e.Existing.ID, e.Existing.Status)
}

// Is reports whether target is ErrActiveTaskExists.
func (e *DuplicateTaskError) Is(target error) bool {
	return target == ErrActiveTaskExists
}
