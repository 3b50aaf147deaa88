package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmint/taskcore/queue"
)

func newTestTask(name, queueName string, priority queue.Priority) *queue.Task {
	return &queue.Task{
		ID:         uuid.New(),
		Name:       name,
		Queue:      queueName,
		Priority:   priority,
		Status:     queue.TaskStatusPending,
		MaxRetries: 3,
		Backoff:    queue.DefaultBackoffPolicy,
		Timeout:    time.Minute,
	}
}

func TestMemoryStorageLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("create then claim opens an execution record", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		task := newTestTask("email.send", "default", 50)
		require.NoError(t, store.CreateTask(ctx, task))

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.TaskStatusQueued, stored.Status)

		workerID := uuid.New()
		claimed, attempt, err := store.ClaimTask(ctx, workerID, "default")
		require.NoError(t, err)
		assert.Equal(t, task.ID, claimed.ID)
		assert.Equal(t, queue.TaskStatusRunning, claimed.Status)
		assert.Equal(t, 0, attempt)

		records, err := store.ListAttempts(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, queue.AttemptRunning, records[0].Status)
		assert.Equal(t, workerID, records[0].WorkerID)
	})

	t.Run("empty queue yields ErrNoTaskToClaim", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		_, _, err := store.ClaimTask(ctx, uuid.New(), "default")
		assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)
	})

	t.Run("complete closes attempt and finishes task", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		task := newTestTask("email.send", "default", 50)
		require.NoError(t, store.CreateTask(ctx, task))

		_, attempt, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)
		require.NoError(t, store.CompleteTask(ctx, task.ID, attempt))

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.TaskStatusSucceeded, stored.Status)

		records, err := store.ListAttempts(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, queue.AttemptSucceeded, records[0].Status)
		require.NotNil(t, records[0].FinishedAt)
	})

	t.Run("reschedule increments retry count and gates claim on next attempt time", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		task := newTestTask("email.send", "default", 50)
		require.NoError(t, store.CreateTask(ctx, task))

		_, attempt, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)

		// Far future: not claimable yet.
		nextAt := time.Now().Add(time.Hour)
		require.NoError(t, store.RescheduleTask(ctx, task.ID, attempt, queue.ClassTransient, "boom", nextAt))

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.TaskStatusRetryScheduled, stored.Status)
		assert.Equal(t, int8(1), stored.RetryCount)
		require.NotNil(t, stored.LastError)
		assert.Equal(t, "boom", *stored.LastError)

		_, _, err = store.ClaimTask(ctx, uuid.New(), "default")
		assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)
	})

	t.Run("due retry is promoted and attempt numbers stay contiguous", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		task := newTestTask("email.send", "default", 50)
		require.NoError(t, store.CreateTask(ctx, task))

		_, attempt, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)
		require.NoError(t, store.RescheduleTask(ctx, task.ID, attempt, queue.ClassTransient, "boom", time.Now().Add(-time.Second)))

		claimed, attempt, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)
		assert.Equal(t, task.ID, claimed.ID)
		assert.Equal(t, 1, attempt)
	})

	t.Run("fail is terminal", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		task := newTestTask("email.send", "default", 50)
		require.NoError(t, store.CreateTask(ctx, task))

		_, attempt, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)
		require.NoError(t, store.FailTask(ctx, task.ID, attempt, queue.ClassPermanent, "bad payload"))

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.TaskStatusFailed, stored.Status)

		err = store.CompleteTask(ctx, task.ID, attempt)
		assert.ErrorIs(t, err, queue.ErrInvalidTransition)
	})

	t.Run("unknown task", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage()
		_, err := store.GetTask(ctx, uuid.New())
		assert.ErrorIs(t, err, queue.ErrTaskNotFound)
	})
}

func TestMemoryStorageClaimOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("highest priority first", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		low := newTestTask("low", "default", 1)
		high := newTestTask("high", "default", 90)
		require.NoError(t, store.CreateTask(ctx, low))
		require.NoError(t, store.CreateTask(ctx, high))

		claimed, _, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)
		assert.Equal(t, high.ID, claimed.ID)
	})

	t.Run("equal priority is FIFO by enqueue time", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		first := newTestTask("first", "default", 50)
		first.EnqueuedAt = time.Now().Add(-time.Minute)
		second := newTestTask("second", "default", 50)
		second.EnqueuedAt = time.Now()
		require.NoError(t, store.CreateTask(ctx, second))
		require.NoError(t, store.CreateTask(ctx, first))

		claimed, _, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)
		assert.Equal(t, first.ID, claimed.ID)
	})

	t.Run("not-before gates eligibility", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		deferred := newTestTask("deferred", "default", 90)
		deferred.NotBefore = time.Now().Add(time.Hour)
		ready := newTestTask("ready", "default", 10)
		require.NoError(t, store.CreateTask(ctx, deferred))
		require.NoError(t, store.CreateTask(ctx, ready))

		claimed, _, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)
		assert.Equal(t, ready.ID, claimed.ID)
	})

	t.Run("concurrent claims never hand out the same task", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 8})
		const n = 50
		for range n {
			require.NoError(t, store.CreateTask(ctx, newTestTask("job", "default", 50)))
		}

		var mu sync.Mutex
		seen := make(map[uuid.UUID]int)
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, _, err := store.ClaimTask(ctx, uuid.New(), "default")
					if err != nil {
						return
					}
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for id, count := range seen {
			assert.Equal(t, 1, count, "task %s claimed more than once", id)
		}
	})
}

func TestMemoryStorageBackpressure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("reject policy fails fast when full", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{
			Name: "bounded", Concurrency: 1, Capacity: 2, FullPolicy: queue.FullPolicyReject,
		})
		require.NoError(t, store.CreateTask(ctx, newTestTask("a", "bounded", 50)))
		require.NoError(t, store.CreateTask(ctx, newTestTask("b", "bounded", 50)))

		err := store.CreateTask(ctx, newTestTask("c", "bounded", 50))
		assert.ErrorIs(t, err, queue.ErrQueueFull)
	})

	t.Run("block policy waits for capacity", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{
			Name: "bounded", Concurrency: 1, Capacity: 1, FullPolicy: queue.FullPolicyBlock,
		})
		first := newTestTask("a", "bounded", 50)
		require.NoError(t, store.CreateTask(ctx, first))

		unblocked := make(chan error, 1)
		go func() {
			unblocked <- store.CreateTask(ctx, newTestTask("b", "bounded", 50))
		}()

		select {
		case <-unblocked:
			t.Fatal("producer should have blocked on a full queue")
		case <-time.After(50 * time.Millisecond):
		}

		// Draining the queue frees capacity and wakes the producer.
		_, attempt, err := store.ClaimTask(ctx, uuid.New(), "bounded")
		require.NoError(t, err)
		require.NoError(t, store.CompleteTask(ctx, first.ID, attempt))

		select {
		case err := <-unblocked:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("producer never unblocked after capacity freed")
		}
	})

	t.Run("blocked producer respects context cancellation", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{
			Name: "bounded", Concurrency: 1, Capacity: 1, FullPolicy: queue.FullPolicyBlock,
		})
		require.NoError(t, store.CreateTask(ctx, newTestTask("a", "bounded", 50)))

		cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		err := store.CreateTask(cancelCtx, newTestTask("b", "bounded", 50))
		assert.ErrorIs(t, err, queue.ErrQueueFull)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestMemoryStorageCancelAndRequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("cancel queued task", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		task := newTestTask("email.send", "default", 50)
		require.NoError(t, store.CreateTask(ctx, task))

		accepted, err := store.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, accepted)

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.TaskStatusCancelled, stored.Status)

		records, err := store.ListAttempts(ctx, task.ID)
		require.NoError(t, err)
		assert.Empty(t, records, "cancelled before execution, no attempts")
	})

	t.Run("cancel running task is not accepted by storage", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		task := newTestTask("email.send", "default", 50)
		require.NoError(t, store.CreateTask(ctx, task))
		_, _, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)

		accepted, err := store.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, accepted, "running tasks need cooperative cancellation")
	})

	t.Run("requeue returns running task without consuming retry budget", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		task := newTestTask("email.send", "default", 50)
		require.NoError(t, store.CreateTask(ctx, task))
		_, _, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)

		require.NoError(t, store.RequeueTask(ctx, task.ID))

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.TaskStatusQueued, stored.Status)
		assert.Equal(t, int8(0), stored.RetryCount)

		records, err := store.ListAttempts(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, queue.AttemptRequeued, records[0].Status)
		assert.Equal(t, queue.ClassWorkerCrash, records[0].ErrorClass)

		// Claimable again with the next attempt number.
		_, attempt, err := store.ClaimTask(ctx, uuid.New(), "default")
		require.NoError(t, err)
		assert.Equal(t, 1, attempt)
	})

	t.Run("requeue of a non-running task is an invalid transition", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		task := newTestTask("email.send", "default", 50)
		require.NoError(t, store.CreateTask(ctx, task))

		assert.ErrorIs(t, store.RequeueTask(ctx, task.ID), queue.ErrInvalidTransition)
	})
}

func TestMemoryStorageQueueStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemoryStorage(
		queue.QueueDefinition{Name: "a", Concurrency: 1},
		queue.QueueDefinition{Name: "b", Concurrency: 1},
	)

	require.NoError(t, store.CreateTask(ctx, newTestTask("x", "a", 50)))
	require.NoError(t, store.CreateTask(ctx, newTestTask("y", "a", 50)))
	running := newTestTask("z", "b", 50)
	require.NoError(t, store.CreateTask(ctx, running))
	_, _, err := store.ClaimTask(ctx, uuid.New(), "b")
	require.NoError(t, err)

	stats, err := store.QueueStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "a", stats[0].Definition.Name)
	assert.Equal(t, 2, stats[0].Queued)
	assert.Equal(t, 2, stats[0].Depth())
	assert.False(t, stats[0].OldestQueued.IsZero())

	assert.Equal(t, "b", stats[1].Definition.Name)
	assert.Equal(t, 1, stats[1].Running)
	assert.Equal(t, 0, stats[1].Queued)
}

func TestMemoryStorageSchedulerState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemoryStorage()

	last, err := store.LastFired(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	firedAt := time.Now().Truncate(time.Second)
	require.NoError(t, store.SetLastFired(ctx, "nightly", firedAt))

	last, err = store.LastFired(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, firedAt, last)
}
