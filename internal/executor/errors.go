package executor

import "errors"

var (
	// ErrDuplicateTask is returned by Submit when a task with the same ID
	// is already in flight.
	ErrDuplicateTask = errors.New("task id already in flight")

	// ErrTaskTimeout marks a task that breached its deadline. It is the
	// terminal error of the Failed notification, distinct from cancellation.
	ErrTaskTimeout = errors.New("task deadline exceeded")

	// ErrPoolClosed is returned by Submit after Shutdown has begun.
	ErrPoolClosed = errors.New("executor pool is shut down")

	// ErrQueueFull is returned by Submit when the pending queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")
)
