package queue

import "errors"

// Failure taxonomy. Handlers may wrap these to steer classification; anything
// unclassified defaults to transient up to the retry budget.
var (
	// ErrTransient marks a retryable failure (network, upstream busy).
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks a non-retryable failure (invalid input,
	// business-rule violation). The task fails without further attempts.
	ErrPermanent = errors.New("permanent failure")

	// ErrTimeout is recorded when an attempt exceeds its execution timeout.
	ErrTimeout = errors.New("execution timed out")

	// ErrWorkerCrash is recorded on the open attempt of a task whose worker
	// stopped heartbeating. It does not count against the retry budget.
	ErrWorkerCrash = errors.New("worker crashed mid-execution")

	// ErrLeaseLost is returned by lease renewal when another instance took
	// over. It is an expected condition, not a fault.
	ErrLeaseLost = errors.New("scheduler lease lost")
)

// Submission-time and query errors, returned synchronously to callers.
var (
	// ErrRouting is returned when a task name resolves to a queue with no
	// corresponding QueueDefinition.
	ErrRouting = errors.New("no queue definition for resolved queue")

	// ErrQueueFull is returned under the reject backpressure policy when a
	// queue's backlog is at capacity.
	ErrQueueFull = errors.New("queue is at capacity")

	// ErrTaskNotFound is returned by status queries for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskCancelled is the cancellation cause delivered to a running
	// handler's context.
	ErrTaskCancelled = errors.New("task cancelled")
)

// Construction and registration errors.
var (
	// ErrRepositoryNil is returned when a nil repository is provided.
	ErrRepositoryNil = errors.New("repository cannot be nil")

	// ErrInvalidPriority is returned when priority is outside valid range.
	ErrInvalidPriority = errors.New("priority must be between 0 and 100")

	// ErrHandlerNotFound is returned when no handler is registered for a task name.
	ErrHandlerNotFound = errors.New("no handler registered for task name")

	// ErrHandlerExists is returned on duplicate handler registration.
	ErrHandlerExists = errors.New("handler already registered for task name")

	// ErrNoHandlers is returned when a worker pool starts with an empty registry.
	ErrNoHandlers = errors.New("no task handlers registered")

	// ErrScheduleExists is returned when registering a duplicate schedule name.
	ErrScheduleExists = errors.New("schedule already registered")

	// ErrScheduleNotFound is returned when unregistering an unknown schedule.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidSchedule is returned when a recurrence rule cannot be parsed.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrNoTaskToClaim signals an empty claim; it is normal, not a fault.
	ErrNoTaskToClaim = errors.New("no task available to claim")

	// ErrInvalidTransition is returned by storage when a status change would
	// violate the task lifecycle.
	ErrInvalidTransition = errors.New("invalid task status transition")
)
