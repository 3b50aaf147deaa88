package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubmitterRepository defines the storage operations behind the external
// submit/query/cancel interface.
type SubmitterRepository interface {
	// CreateTask persists a new task in the queued state, enforcing the
	// target queue's backpressure policy.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask returns the last durably recorded state of a task.
	GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error)

	// ListAttempts returns all execution records of a task, ordered by
	// attempt number.
	ListAttempts(ctx context.Context, taskID uuid.UUID) ([]ExecutionRecord, error)

	// CancelTask transitions a queued or retry-scheduled task to cancelled.
	// It reports false for running or terminal tasks without mutating them.
	CancelTask(ctx context.Context, taskID uuid.UUID) (bool, error)

	// QueueStats returns live backlog figures per configured queue.
	QueueStats(ctx context.Context) ([]QueueStats, error)
}

// WorkerRepository defines the storage operations used by worker slots. All
// task status mutations go through these single-writer claim-and-close
// operations so two slots can never execute the same attempt concurrently.
type WorkerRepository interface {
	// ClaimTask atomically claims the next eligible task of a queue (highest
	// priority first, earliest enqueue on ties) and opens its execution
	// record. Returns ErrNoTaskToClaim when nothing is eligible.
	ClaimTask(ctx context.Context, workerID uuid.UUID, queue string) (*Task, int, error)

	// CompleteTask closes the attempt as succeeded and finishes the task.
	CompleteTask(ctx context.Context, taskID uuid.UUID, attempt int) error

	// FailTask closes the attempt and moves the task to terminal failure.
	FailTask(ctx context.Context, taskID uuid.UUID, attempt int, class ErrorClass, errMsg string) error

	// RescheduleTask closes the attempt as failed and schedules the next
	// attempt at nextAttemptAt, preserving queue and priority.
	RescheduleTask(ctx context.Context, taskID uuid.UUID, attempt int, class ErrorClass, errMsg string, nextAttemptAt time.Time) error

	// CancelRunningTask closes the attempt as cancelled after a running
	// handler observed its cancellation token.
	CancelRunningTask(ctx context.Context, taskID uuid.UUID, attempt int, errMsg string) error
}

// MonitorRepository defines the storage operations used by the health monitor.
type MonitorRepository interface {
	QueueStats(ctx context.Context) ([]QueueStats, error)

	// RequeueTask returns a running task to the queued state after its worker
	// was declared dead. The open attempt is closed as a worker crash and the
	// retry budget is left untouched; this is liveness recovery, not an
	// execution failure.
	RequeueTask(ctx context.Context, taskID uuid.UUID) error
}

// SchedulerRepository persists periodic schedule progress so firings survive
// process restarts.
type SchedulerRepository interface {
	// LastFired returns the last fire time of a schedule, or the zero time
	// when it has never fired.
	LastFired(ctx context.Context, name string) (time.Time, error)

	// SetLastFired durably records the last fire time of a schedule.
	SetLastFired(ctx context.Context, name string, firedAt time.Time) error
}

// Storage aggregates every repository interface; implemented by MemoryStorage
// and the pg adapter.
type Storage interface {
	SubmitterRepository
	WorkerRepository
	MonitorRepository
	SchedulerRepository
}
