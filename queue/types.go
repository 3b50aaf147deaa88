package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueName is the queue used when routing resolves no explicit rule
// and no default is configured.
const DefaultQueueName = "default"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending is the construction state of a task before it is
	// persisted. It never appears in storage.
	TaskStatusPending TaskStatus = "pending"

	TaskStatusQueued         TaskStatus = "queued"
	TaskStatusRunning        TaskStatus = "running"
	TaskStatusRetryScheduled TaskStatus = "retry_scheduled"
	TaskStatusSucceeded      TaskStatus = "succeeded"
	TaskStatusFailed         TaskStatus = "failed"
	TaskStatusCancelled      TaskStatus = "cancelled"
)

// Terminal reports whether no further transition may leave this status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// taskTransitions is the only source of truth for legal status changes.
// RUNNING -> QUEUED exists solely for dead-worker recovery (see Monitor).
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:        {TaskStatusQueued},
	TaskStatusQueued:         {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning:        {TaskStatusSucceeded, TaskStatusRetryScheduled, TaskStatusFailed, TaskStatusCancelled, TaskStatusQueued},
	TaskStatusRetryScheduled: {TaskStatusQueued, TaskStatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Priority represents task priority (0-100, higher is served first).
// Using int8 provides sufficient range while keeping memory footprint minimal.
type Priority int8

const (
	PriorityMin     Priority = 0
	PriorityLow     Priority = 25
	PriorityMedium  Priority = 50
	PriorityHigh    Priority = 75
	PriorityMax     Priority = 100
	PriorityDefault Priority = PriorityMedium
)

// Valid checks if the priority is within valid range.
func (p Priority) Valid() bool {
	return p >= PriorityMin && p <= PriorityMax
}

// BackoffPolicy holds the retry backoff parameters of a task.
// Delay for attempt k (0-indexed) is min(MaxDelay, BaseDelay*2^k)
// scaled by a uniform jitter in [-JitterFraction, +JitterFraction].
type BackoffPolicy struct {
	BaseDelay      time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay       time.Duration `json:"max_delay" yaml:"max_delay"`
	JitterFraction float64       `json:"jitter_fraction" yaml:"jitter_fraction"`
}

// DefaultBackoffPolicy is applied when neither the registry policy nor the
// submission specifies backoff parameters.
var DefaultBackoffPolicy = BackoffPolicy{
	BaseDelay:      time.Second,
	MaxDelay:       5 * time.Minute,
	JitterFraction: 0.1,
}

// Task is the descriptor of a single unit of work. It is immutable after
// creation except for its lifecycle fields (Status, RetryCount, NextAttemptAt,
// LastError), which are mutated only through storage operations.
type Task struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Queue         string          `json:"queue"`
	Priority      Priority        `json:"priority"`
	Args          json.RawMessage `json:"args,omitempty"`
	Status        TaskStatus      `json:"status"`
	RetryCount    int8            `json:"retry_count"`
	MaxRetries    int8            `json:"max_retries"`
	Backoff       BackoffPolicy   `json:"backoff"`
	Timeout       time.Duration   `json:"timeout"`
	NotBefore     time.Time       `json:"not_before,omitzero"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LastError     *string         `json:"error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AttemptStatus represents the outcome of a single execution attempt.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptCancelled AttemptStatus = "cancelled"
	AttemptRequeued  AttemptStatus = "requeued"
)

// ErrorClass labels a failure for the retry policy engine.
type ErrorClass string

const (
	ClassNone        ErrorClass = ""
	ClassTransient   ErrorClass = "transient"
	ClassPermanent   ErrorClass = "permanent"
	ClassTimeout     ErrorClass = "timeout"
	ClassWorkerCrash ErrorClass = "worker_crash"
)

// ExecutionRecord captures one execution attempt of a task. Attempt numbers
// start at 0 and form a contiguous increasing sequence per task; at most one
// record per task is in the running state at any time.
type ExecutionRecord struct {
	TaskID       uuid.UUID     `json:"task_id"`
	Attempt      int           `json:"attempt"`
	WorkerID     uuid.UUID     `json:"worker_id"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Status       AttemptStatus `json:"status"`
	ErrorClass   ErrorClass    `json:"error_class,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// FullPolicy governs producer behavior when a queue's backlog reaches capacity.
type FullPolicy string

const (
	// FullPolicyReject fails the submission with ErrQueueFull.
	FullPolicyReject FullPolicy = "reject"
	// FullPolicyBlock blocks the producer until capacity frees up or its
	// context is cancelled.
	FullPolicyBlock FullPolicy = "block"
)

// QueueDefinition is the static configuration of a single queue. Loaded at
// startup; changes require an explicit router reload, never in-place mutation.
type QueueDefinition struct {
	Name        string     `json:"name" yaml:"name"`
	Concurrency int        `json:"concurrency" yaml:"concurrency"`
	Capacity    int        `json:"capacity" yaml:"capacity"` // 0 means unbounded
	FullPolicy  FullPolicy `json:"full_policy" yaml:"full_policy"`
}

// QueueStats is a QueueDefinition together with its live backlog figures.
type QueueStats struct {
	Definition   QueueDefinition `json:"definition"`
	Queued       int             `json:"queued"`
	Running      int             `json:"running"`
	RetryPending int             `json:"retry_pending"`
	OldestQueued time.Time       `json:"oldest_queued,omitzero"`
}

// Depth is the number of queued plus running tasks.
func (s QueueStats) Depth() int {
	return s.Queued + s.Running
}

// WorkerStatus represents the liveness state of a worker slot.
type WorkerStatus string

const (
	WorkerIdle WorkerStatus = "idle"
	WorkerBusy WorkerStatus = "busy"
	WorkerDead WorkerStatus = "dead"
)

// WorkerSlot is a point-in-time snapshot of one concurrent execution unit.
type WorkerSlot struct {
	ID            uuid.UUID    `json:"id"`
	Queue         string       `json:"queue"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID *uuid.UUID   `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	TasksHandled  int          `json:"tasks_handled"`
}

// RouteRule maps task names matching Pattern (longest-prefix wins) to a queue
// and priority.
type RouteRule struct {
	Pattern  string   `json:"pattern" yaml:"pattern"`
	Queue    string   `json:"queue" yaml:"queue"`
	Priority Priority `json:"priority" yaml:"priority"`
}
