package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements every repository interface for testing and local
// development. All state is guarded by a single mutex; returned tasks and
// records are copies so callers can never mutate stored state.
type MemoryStorage struct {
	mu   sync.RWMutex
	cond *sync.Cond

	queues   map[string]QueueDefinition
	tasks    map[uuid.UUID]*Task
	attempts map[uuid.UUID][]*ExecutionRecord
	fired    map[string]time.Time

	nowFn func() time.Time
}

// NewMemoryStorage creates an in-memory storage for the given queue
// definitions. Tasks targeting unknown queues are accepted without capacity
// limits; the router is expected to have validated them already.
func NewMemoryStorage(defs ...QueueDefinition) *MemoryStorage {
	ms := &MemoryStorage{
		queues:   make(map[string]QueueDefinition, len(defs)),
		tasks:    make(map[uuid.UUID]*Task),
		attempts: make(map[uuid.UUID][]*ExecutionRecord),
		fired:    make(map[string]time.Time),
		nowFn:    time.Now,
	}
	ms.cond = sync.NewCond(&ms.mu)
	for _, def := range defs {
		ms.queues[def.Name] = def
	}
	return ms
}

// CreateTask implements SubmitterRepository. Under the block policy the call
// waits for capacity until the context is cancelled; under reject it fails
// immediately with ErrQueueFull. Submissions are never silently dropped.
func (ms *MemoryStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	def, bounded := ms.queues[task.Queue]
	if bounded && def.Capacity > 0 {
		if def.FullPolicy == FullPolicyBlock {
			// Wake the waiter when the producer's context ends so the wait
			// stays bounded.
			stop := context.AfterFunc(ctx, func() {
				ms.mu.Lock()
				ms.cond.Broadcast()
				ms.mu.Unlock()
			})
			defer stop()

			for ms.depthLocked(task.Queue) >= def.Capacity {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrQueueFull, err)
				}
				ms.cond.Wait()
			}
		} else if ms.depthLocked(task.Queue) >= def.Capacity {
			return fmt.Errorf("%w: queue %q", ErrQueueFull, task.Queue)
		}
	}

	taskCopy := *task
	taskCopy.Status = TaskStatusQueued
	if taskCopy.EnqueuedAt.IsZero() {
		taskCopy.EnqueuedAt = ms.nowFn()
	}
	ms.tasks[task.ID] = &taskCopy

	return nil
}

// GetTask implements SubmitterRepository.
func (ms *MemoryStorage) GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}
	taskCopy := *task
	return &taskCopy, nil
}

// ListAttempts implements SubmitterRepository.
func (ms *MemoryStorage) ListAttempts(ctx context.Context, taskID uuid.UUID) ([]ExecutionRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if _, exists := ms.tasks[taskID]; !exists {
		return nil, ErrTaskNotFound
	}

	records := make([]ExecutionRecord, 0, len(ms.attempts[taskID]))
	for _, rec := range ms.attempts[taskID] {
		records = append(records, *rec)
	}
	return records, nil
}

// CancelTask implements SubmitterRepository.
func (ms *MemoryStorage) CancelTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return false, ErrTaskNotFound
	}

	switch task.Status {
	case TaskStatusQueued, TaskStatusRetryScheduled:
		task.Status = TaskStatusCancelled
		task.NextAttemptAt = nil
		ms.cond.Broadcast()
		return true, nil
	default:
		return false, nil
	}
}

// QueueStats implements SubmitterRepository and MonitorRepository.
func (ms *MemoryStorage) QueueStats(ctx context.Context) ([]QueueStats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	byQueue := make(map[string]*QueueStats, len(ms.queues))
	for name, def := range ms.queues {
		byQueue[name] = &QueueStats{Definition: def}
	}

	for _, task := range ms.tasks {
		stats, ok := byQueue[task.Queue]
		if !ok {
			stats = &QueueStats{Definition: QueueDefinition{Name: task.Queue, Concurrency: 1, FullPolicy: FullPolicyReject}}
			byQueue[task.Queue] = stats
		}
		switch task.Status {
		case TaskStatusQueued:
			stats.Queued++
			if stats.OldestQueued.IsZero() || task.EnqueuedAt.Before(stats.OldestQueued) {
				stats.OldestQueued = task.EnqueuedAt
			}
		case TaskStatusRunning:
			stats.Running++
		case TaskStatusRetryScheduled:
			stats.RetryPending++
		}
	}

	names := make([]string, 0, len(byQueue))
	for name := range byQueue {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]QueueStats, 0, len(names))
	for _, name := range names {
		out = append(out, *byQueue[name])
	}
	return out, nil
}

// ClaimTask implements WorkerRepository. Due retries are promoted to queued
// first, then the highest-priority eligible task is claimed; ties go to the
// earliest-enqueued task. The claim opens the next execution record so at
// most one attempt per task can ever be running.
func (ms *MemoryStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queue string) (*Task, int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.nowFn()
	ms.promoteDueRetriesLocked(now)

	var best *Task
	for _, task := range ms.tasks {
		if task.Queue != queue || task.Status != TaskStatusQueued {
			continue
		}
		if !task.NotBefore.IsZero() && task.NotBefore.After(now) {
			continue
		}
		if best == nil ||
			task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = task
		}
	}

	if best == nil {
		return nil, 0, ErrNoTaskToClaim
	}

	best.Status = TaskStatusRunning
	best.NextAttemptAt = nil

	attempt := len(ms.attempts[best.ID])
	ms.attempts[best.ID] = append(ms.attempts[best.ID], &ExecutionRecord{
		TaskID:    best.ID,
		Attempt:   attempt,
		WorkerID:  workerID,
		StartedAt: now,
		Status:    AttemptRunning,
	})

	taskCopy := *best
	return &taskCopy, attempt, nil
}

// CompleteTask implements WorkerRepository.
func (ms *MemoryStorage) CompleteTask(ctx context.Context, taskID uuid.UUID, attempt int) error {
	return ms.closeAttempt(taskID, attempt, AttemptSucceeded, ClassNone, "", TaskStatusSucceeded, nil)
}

// FailTask implements WorkerRepository.
func (ms *MemoryStorage) FailTask(ctx context.Context, taskID uuid.UUID, attempt int, class ErrorClass, errMsg string) error {
	return ms.closeAttempt(taskID, attempt, AttemptFailed, class, errMsg, TaskStatusFailed, nil)
}

// RescheduleTask implements WorkerRepository. The task keeps its original
// queue and priority; only the next-attempt time moves.
func (ms *MemoryStorage) RescheduleTask(ctx context.Context, taskID uuid.UUID, attempt int, class ErrorClass, errMsg string, nextAttemptAt time.Time) error {
	return ms.closeAttempt(taskID, attempt, AttemptFailed, class, errMsg, TaskStatusRetryScheduled, &nextAttemptAt)
}

// CancelRunningTask implements WorkerRepository.
func (ms *MemoryStorage) CancelRunningTask(ctx context.Context, taskID uuid.UUID, attempt int, errMsg string) error {
	return ms.closeAttempt(taskID, attempt, AttemptCancelled, ClassNone, errMsg, TaskStatusCancelled, nil)
}

// RequeueTask implements MonitorRepository. The open attempt is closed as a
// worker crash and the task becomes claimable again without touching its
// retry count.
func (ms *MemoryStorage) RequeueTask(ctx context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}
	if task.Status != TaskStatusRunning {
		return fmt.Errorf("%w: task %s is %s, not running", ErrInvalidTransition, taskID, task.Status)
	}

	now := ms.nowFn()
	if records := ms.attempts[taskID]; len(records) > 0 {
		last := records[len(records)-1]
		if last.Status == AttemptRunning {
			last.Status = AttemptRequeued
			last.ErrorClass = ClassWorkerCrash
			last.ErrorMessage = ErrWorkerCrash.Error()
			last.FinishedAt = &now
		}
	}

	task.Status = TaskStatusQueued
	ms.cond.Broadcast()
	return nil
}

// LastFired implements SchedulerRepository.
func (ms *MemoryStorage) LastFired(ctx context.Context, name string) (time.Time, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.fired[name], nil
}

// SetLastFired implements SchedulerRepository.
func (ms *MemoryStorage) SetLastFired(ctx context.Context, name string, firedAt time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.fired[name] = firedAt
	return nil
}

func (ms *MemoryStorage) closeAttempt(taskID uuid.UUID, attempt int, attemptStatus AttemptStatus, class ErrorClass, errMsg string, taskStatus TaskStatus, nextAttemptAt *time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}
	if !task.Status.CanTransition(taskStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, taskStatus)
	}

	records := ms.attempts[taskID]
	if attempt < 0 || attempt >= len(records) {
		return fmt.Errorf("unknown attempt %d for task %s", attempt, taskID)
	}

	now := ms.nowFn()
	rec := records[attempt]
	rec.Status = attemptStatus
	rec.ErrorClass = class
	rec.ErrorMessage = errMsg
	rec.FinishedAt = &now

	task.Status = taskStatus
	task.NextAttemptAt = nextAttemptAt
	if errMsg != "" {
		msg := errMsg
		task.LastError = &msg
	}
	if taskStatus == TaskStatusRetryScheduled {
		task.RetryCount++
	}

	ms.cond.Broadcast()
	return nil
}

// depthLocked counts queued plus running tasks of a queue.
func (ms *MemoryStorage) depthLocked(queue string) int {
	depth := 0
	for _, task := range ms.tasks {
		if task.Queue != queue {
			continue
		}
		if task.Status == TaskStatusQueued || task.Status == TaskStatusRunning {
			depth++
		}
	}
	return depth
}

// promoteDueRetriesLocked flips retry-scheduled tasks whose backoff elapsed
// back to queued so claims observe the documented lifecycle.
func (ms *MemoryStorage) promoteDueRetriesLocked(now time.Time) {
	for _, task := range ms.tasks {
		if task.Status == TaskStatusRetryScheduled &&
			task.NextAttemptAt != nil && !task.NextAttemptAt.After(now) {
			task.Status = TaskStatusQueued
			task.NextAttemptAt = nil
		}
	}
}
