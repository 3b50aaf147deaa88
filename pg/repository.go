package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowmint/taskcore/queue"
)

// Repository is the durable PostgreSQL implementation of every queue
// repository interface. Claims use FOR UPDATE SKIP LOCKED so a task can be
// claimed by exactly one slot; every status mutation is a guarded single-row
// update, never a blind write.
type Repository struct {
	pool   *pgxpool.Pool
	queues map[string]queue.QueueDefinition
	logger *slog.Logger
}

// NewRepository creates a repository over an established pool. The queue
// definitions drive capacity enforcement on CreateTask.
func NewRepository(pool *pgxpool.Pool, defs []queue.QueueDefinition, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	queues := make(map[string]queue.QueueDefinition, len(defs))
	for _, def := range defs {
		queues[def.Name] = def
	}
	return &Repository{pool: pool, queues: queues, logger: logger}
}

// dbRetry wraps a storage operation in bounded exponential backoff at the
// transport boundary; once the budget is spent the caller gets
// ErrStorageUnavailable rather than an unbounded local queue.
func (r *Repository) dbRetry(ctx context.Context, opName string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 15 * time.Second

	notify := func(err error, next time.Duration) {
		r.logger.Warn("retrying storage operation",
			slog.String("op", opName),
			slog.Duration("in", next),
			slog.String("error", err.Error()))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		// Domain errors come back unwrapped from backoff.Permanent; anything
		// else survived the whole budget and is an availability problem.
		if isDomainErr(err) {
			return err
		}
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}

func isDomainErr(err error) bool {
	return errors.Is(err, queue.ErrQueueFull) ||
		errors.Is(err, queue.ErrTaskNotFound) ||
		errors.Is(err, queue.ErrInvalidTransition)
}

// CreateTask implements queue.SubmitterRepository. The block policy polls for
// capacity until the producer's context ends; reject fails immediately.
func (r *Repository) CreateTask(ctx context.Context, task *queue.Task) error {
	def, bounded := r.queues[task.Queue]
	if bounded && def.Capacity > 0 {
		for {
			var depth int
			if err := r.pool.QueryRow(ctx, queueDepthQuery, task.Queue).Scan(&depth); err != nil {
				return fmt.Errorf("failed to read queue depth: %w", err)
			}
			if depth < def.Capacity {
				break
			}
			if def.FullPolicy != queue.FullPolicyBlock {
				return fmt.Errorf("%w: queue %q", queue.ErrQueueFull, task.Queue)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", queue.ErrQueueFull, ctx.Err())
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	var notBefore *time.Time
	if !task.NotBefore.IsZero() {
		t := task.NotBefore
		notBefore = &t
	}

	return r.dbRetry(ctx, "CreateTask", func() error {
		_, err := r.pool.Exec(ctx, createTaskQuery,
			task.ID, task.Name, task.Queue, int16(task.Priority), task.Args,
			int16(task.MaxRetries),
			task.Backoff.BaseDelay.Milliseconds(), task.Backoff.MaxDelay.Milliseconds(),
			task.Backoff.JitterFraction, task.Timeout.Milliseconds(), notBefore)
		return err
	})
}

// GetTask implements queue.SubmitterRepository.
func (r *Repository) GetTask(ctx context.Context, taskID uuid.UUID) (*queue.Task, error) {
	var task *queue.Task
	err := r.dbRetry(ctx, "GetTask", func() error {
		row := r.pool.QueryRow(ctx, getTaskQuery, taskID)
		t, err := scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return backoff.Permanent(queue.ErrTaskNotFound)
		}
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// ListAttempts implements queue.SubmitterRepository.
func (r *Repository) ListAttempts(ctx context.Context, taskID uuid.UUID) ([]queue.ExecutionRecord, error) {
	var records []queue.ExecutionRecord
	err := r.dbRetry(ctx, "ListAttempts", func() error {
		rows, err := r.pool.Query(ctx, listAttemptsQuery, taskID)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			var rec queue.ExecutionRecord
			var status, class string
			if err := rows.Scan(&rec.TaskID, &rec.Attempt, &rec.WorkerID, &rec.StartedAt,
				&rec.FinishedAt, &status, &class, &rec.ErrorMessage); err != nil {
				return err
			}
			rec.Status = queue.AttemptStatus(status)
			rec.ErrorClass = queue.ErrorClass(class)
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CancelTask implements queue.SubmitterRepository.
func (r *Repository) CancelTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	var cancelled bool
	err := r.dbRetry(ctx, "CancelTask", func() error {
		tag, err := r.pool.Exec(ctx, cancelTaskQuery, taskID)
		if err != nil {
			return err
		}
		cancelled = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		return true, nil
	}
	// Distinguish "not cancellable" from "unknown id".
	if _, err := r.GetTask(ctx, taskID); err != nil {
		return false, err
	}
	return false, nil
}

// QueueStats implements queue.SubmitterRepository and queue.MonitorRepository.
func (r *Repository) QueueStats(ctx context.Context) ([]queue.QueueStats, error) {
	var out []queue.QueueStats
	err := r.dbRetry(ctx, "QueueStats", func() error {
		rows, err := r.pool.Query(ctx, queueStatsQuery)
		if err != nil {
			return err
		}
		defer rows.Close()

		byQueue := make(map[string]*queue.QueueStats, len(r.queues))
		for name, def := range r.queues {
			byQueue[name] = &queue.QueueStats{Definition: def}
		}

		for rows.Next() {
			var name, status string
			var count int
			var oldest *time.Time
			if err := rows.Scan(&name, &status, &count, &oldest); err != nil {
				return err
			}
			stats, ok := byQueue[name]
			if !ok {
				stats = &queue.QueueStats{Definition: queue.QueueDefinition{Name: name, Concurrency: 1, FullPolicy: queue.FullPolicyReject}}
				byQueue[name] = stats
			}
			switch queue.TaskStatus(status) {
			case queue.TaskStatusQueued:
				stats.Queued = count
				if oldest != nil {
					stats.OldestQueued = *oldest
				}
			case queue.TaskStatusRunning:
				stats.Running = count
			case queue.TaskStatusRetryScheduled:
				stats.RetryPending = count
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		out = make([]queue.QueueStats, 0, len(byQueue))
		for _, stats := range byQueue {
			out = append(out, *stats)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimTask implements queue.WorkerRepository. The claim and the opening of
// the execution record happen in one transaction. No backoff wrapper here:
// the worker slot's poll loop already re-issues the claim on every tick, so
// a transient failure only costs one poll interval.
func (r *Repository) ClaimTask(ctx context.Context, workerID uuid.UUID, queueName string) (*queue.Task, int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, claimTaskQuery, queueName)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, queue.ErrNoTaskToClaim
	}
	if err != nil {
		return nil, 0, err
	}

	var attempt int
	if err := tx.QueryRow(ctx, openAttemptQuery, task.ID, workerID).Scan(&attempt); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	task.Status = queue.TaskStatusRunning
	return task, attempt, nil
}

// CompleteTask implements queue.WorkerRepository.
func (r *Repository) CompleteTask(ctx context.Context, taskID uuid.UUID, attempt int) error {
	return r.closeAttempt(ctx, "CompleteTask", taskID, attempt,
		queue.AttemptSucceeded, queue.ClassNone, "", completeTaskQuery, nil)
}

// FailTask implements queue.WorkerRepository.
func (r *Repository) FailTask(ctx context.Context, taskID uuid.UUID, attempt int, class queue.ErrorClass, errMsg string) error {
	return r.closeAttempt(ctx, "FailTask", taskID, attempt,
		queue.AttemptFailed, class, errMsg, failTaskQuery, []any{errMsg})
}

// RescheduleTask implements queue.WorkerRepository.
func (r *Repository) RescheduleTask(ctx context.Context, taskID uuid.UUID, attempt int, class queue.ErrorClass, errMsg string, nextAttemptAt time.Time) error {
	return r.closeAttempt(ctx, "RescheduleTask", taskID, attempt,
		queue.AttemptFailed, class, errMsg, rescheduleTaskQuery, []any{nextAttemptAt, errMsg})
}

// CancelRunningTask implements queue.WorkerRepository.
func (r *Repository) CancelRunningTask(ctx context.Context, taskID uuid.UUID, attempt int, errMsg string) error {
	return r.closeAttempt(ctx, "CancelRunningTask", taskID, attempt,
		queue.AttemptCancelled, queue.ClassNone, errMsg, cancelRunningTaskQuery, []any{errMsg})
}

// RequeueTask implements queue.MonitorRepository. The open attempt is closed
// as a worker crash; retry_count stays untouched.
func (r *Repository) RequeueTask(ctx context.Context, taskID uuid.UUID) error {
	return r.dbRetry(ctx, "RequeueTask", func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx, requeueTaskQuery, taskID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return backoff.Permanent(fmt.Errorf("%w: task %s is not running", queue.ErrInvalidTransition, taskID))
		}

		var lastAttempt int
		err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(attempt), -1) FROM task_attempts WHERE task_id = $1`, taskID).Scan(&lastAttempt)
		if err != nil {
			return err
		}
		if lastAttempt >= 0 {
			if _, err := tx.Exec(ctx, closeAttemptQuery, taskID, lastAttempt,
				string(queue.AttemptRequeued), string(queue.ClassWorkerCrash), queue.ErrWorkerCrash.Error()); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
}

// LastFired implements queue.SchedulerRepository.
func (r *Repository) LastFired(ctx context.Context, name string) (time.Time, error) {
	var firedAt time.Time
	err := r.dbRetry(ctx, "LastFired", func() error {
		err := r.pool.QueryRow(ctx, lastFiredQuery, name).Scan(&firedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			firedAt = time.Time{}
			return nil
		}
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return firedAt, nil
}

// SetLastFired implements queue.SchedulerRepository.
func (r *Repository) SetLastFired(ctx context.Context, name string, firedAt time.Time) error {
	return r.dbRetry(ctx, "SetLastFired", func() error {
		_, err := r.pool.Exec(ctx, setLastFiredQuery, name, firedAt)
		return err
	})
}

// closeAttempt finishes the attempt row and applies the guarded task status
// update in one transaction.
func (r *Repository) closeAttempt(ctx context.Context, opName string, taskID uuid.UUID, attempt int, attemptStatus queue.AttemptStatus, class queue.ErrorClass, errMsg string, taskQuery string, extraArgs []any) error {
	return r.dbRetry(ctx, opName, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		args := append([]any{taskID}, extraArgs...)
		tag, err := tx.Exec(ctx, taskQuery, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return backoff.Permanent(fmt.Errorf("%w: task %s", queue.ErrInvalidTransition, taskID))
		}

		if _, err := tx.Exec(ctx, closeAttemptQuery, taskID, attempt,
			string(attemptStatus), string(class), errMsg); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}

func scanTask(row pgx.Row) (*queue.Task, error) {
	var task queue.Task
	var priority, maxRetries int16
	var baseDelayMs, maxDelayMs, timeoutMs int64
	var status string
	var notBefore *time.Time
	var retryCount int16

	err := row.Scan(&task.ID, &task.Name, &task.Queue, &priority, &task.Args, &status,
		&retryCount, &maxRetries, &baseDelayMs, &maxDelayMs, &task.Backoff.JitterFraction,
		&timeoutMs, &notBefore, &task.NextAttemptAt, &task.LastError,
		&task.EnqueuedAt, &task.CreatedAt)
	if err != nil {
		return nil, err
	}

	task.Priority = queue.Priority(priority)
	task.MaxRetries = int8(maxRetries)
	task.RetryCount = int8(retryCount)
	task.Status = queue.TaskStatus(status)
	task.Backoff.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	task.Backoff.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	task.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if notBefore != nil {
		task.NotBefore = *notBefore
	}
	return &task, nil
}
