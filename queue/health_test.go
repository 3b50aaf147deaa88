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

type captureNotifier struct {
	mu     sync.Mutex
	alerts []queue.Alert
}

func (n *captureNotifier) Notify(ctx context.Context, alert queue.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *captureNotifier) byKind(kind queue.AlertKind) []queue.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []queue.Alert
	for _, a := range n.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// fakeSupervisor stands in for the worker pool in monitor tests.
type fakeSupervisor struct {
	mu      sync.Mutex
	slots   []queue.WorkerSlot
	declare map[uuid.UUID]*uuid.UUID
	dead    []uuid.UUID
}

func (s *fakeSupervisor) Workers() []queue.WorkerSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.WorkerSlot(nil), s.slots...)
}

func (s *fakeSupervisor) MarkWorkerDead(workerID uuid.UUID) (*uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].ID == workerID && s.slots[i].Status != queue.WorkerDead {
			s.slots[i].Status = queue.WorkerDead
			s.dead = append(s.dead, workerID)
			return s.declare[workerID], true
		}
	}
	return nil, false
}

func TestMonitorDeadWorkerRecovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})

	// A running task held by a worker that stopped heartbeating.
	task := newTestTask("stuck", "default", 50)
	require.NoError(t, store.CreateTask(ctx, task))
	workerID := uuid.New()
	_, _, err := store.ClaimTask(ctx, workerID, "default")
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	taskID := task.ID
	supervisor := &fakeSupervisor{
		slots: []queue.WorkerSlot{{
			ID:            workerID,
			Queue:         "default",
			Status:        queue.WorkerBusy,
			CurrentTaskID: &taskID,
			LastHeartbeat: now.Add(-time.Minute),
		}},
		declare: map[uuid.UUID]*uuid.UUID{workerID: &taskID},
	}
	notifier := &captureNotifier{}

	monitor, err := queue.NewMonitor(store,
		queue.WithWorkerSupervisor(supervisor),
		queue.WithNotifier(notifier),
		queue.WithThresholds(queue.Thresholds{DeadWorkerAfter: 30 * time.Second}),
		queue.WithMonitorTimeSource(func() time.Time { return now }),
	)
	require.NoError(t, err)

	monitor.CheckNow(ctx)

	// The worker is declared dead and its task is requeued with the retry
	// budget untouched.
	assert.Equal(t, []uuid.UUID{workerID}, supervisor.dead)

	stored, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusQueued, stored.Status)
	assert.Equal(t, int8(0), stored.RetryCount)

	records, err := store.ListAttempts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, queue.AttemptRequeued, records[0].Status)
	assert.Equal(t, queue.ClassWorkerCrash, records[0].ErrorClass)

	alerts := notifier.byKind(queue.AlertWorkerDead)
	require.Len(t, alerts, 1)
	require.NotNil(t, alerts[0].WorkerID)
	assert.Equal(t, workerID, *alerts[0].WorkerID)

	// A second pass is a no-op; the worker is already dead.
	monitor.CheckNow(ctx)
	assert.Len(t, supervisor.dead, 1)
}

func TestMonitorHealthyWorkerUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})

	now := time.Now()
	supervisor := &fakeSupervisor{
		slots: []queue.WorkerSlot{{
			ID:            uuid.New(),
			Queue:         "default",
			Status:        queue.WorkerBusy,
			LastHeartbeat: now.Add(-time.Second),
		}},
	}

	monitor, err := queue.NewMonitor(store,
		queue.WithWorkerSupervisor(supervisor),
		queue.WithThresholds(queue.Thresholds{DeadWorkerAfter: 30 * time.Second}),
		queue.WithMonitorTimeSource(func() time.Time { return now }),
	)
	require.NoError(t, err)

	monitor.CheckNow(ctx)
	assert.Empty(t, supervisor.dead)
}

func TestMonitorQueueAlerts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("depth threshold", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		for range 3 {
			require.NoError(t, store.CreateTask(ctx, newTestTask("job", "default", 50)))
		}

		notifier := &captureNotifier{}
		monitor, err := queue.NewMonitor(store,
			queue.WithNotifier(notifier),
			queue.WithThresholds(queue.Thresholds{MaxQueueDepth: 2}),
		)
		require.NoError(t, err)

		monitor.CheckNow(ctx)

		alerts := notifier.byKind(queue.AlertQueueDepth)
		require.Len(t, alerts, 1)
		assert.Equal(t, "default", alerts[0].Queue)
		assert.Equal(t, 3.0, alerts[0].Value)
		assert.Equal(t, 2.0, alerts[0].Threshold)
	})

	t.Run("oldest age threshold", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		stale := newTestTask("job", "default", 50)
		stale.EnqueuedAt = time.Now().Add(-time.Hour)
		require.NoError(t, store.CreateTask(ctx, stale))

		notifier := &captureNotifier{}
		monitor, err := queue.NewMonitor(store,
			queue.WithNotifier(notifier),
			queue.WithThresholds(queue.Thresholds{MaxOldestAge: 10 * time.Minute}),
		)
		require.NoError(t, err)

		monitor.CheckNow(ctx)
		require.Len(t, notifier.byKind(queue.AlertQueueAge), 1)
	})

	t.Run("failure ratio needs minimum samples", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		notifier := &captureNotifier{}
		monitor, err := queue.NewMonitor(store,
			queue.WithNotifier(notifier),
			queue.WithThresholds(queue.Thresholds{
				MaxFailureRatio: 0.5,
				FailureWindow:   5 * time.Minute,
				MinSamples:      10,
			}),
		)
		require.NoError(t, err)

		// Nine failures: below the sample floor, no alert.
		for range 9 {
			monitor.ObserveResult("default", false)
		}
		monitor.CheckNow(ctx)
		assert.Empty(t, notifier.byKind(queue.AlertFailureRate))

		// Tenth sample crosses the floor with ratio 1.0.
		monitor.ObserveResult("default", false)
		monitor.CheckNow(ctx)
		alerts := notifier.byKind(queue.AlertFailureRate)
		require.Len(t, alerts, 1)
		assert.Equal(t, 1.0, alerts[0].Value)

		ratio, samples := monitor.FailureRatio("default")
		assert.Equal(t, 1.0, ratio)
		assert.Equal(t, 10, samples)
	})

	t.Run("healthy ratio stays silent", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
		notifier := &captureNotifier{}
		monitor, err := queue.NewMonitor(store,
			queue.WithNotifier(notifier),
			queue.WithThresholds(queue.Thresholds{
				MaxFailureRatio: 0.5,
				FailureWindow:   5 * time.Minute,
				MinSamples:      4,
			}),
		)
		require.NoError(t, err)

		for range 8 {
			monitor.ObserveResult("default", true)
		}
		monitor.ObserveResult("default", false)
		monitor.CheckNow(ctx)
		assert.Empty(t, notifier.byKind(queue.AlertFailureRate))
	})
}

func TestMonitorAlertCooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
	for range 3 {
		require.NoError(t, store.CreateTask(ctx, newTestTask("job", "default", 50)))
	}

	now := time.Now()
	notifier := &captureNotifier{}
	monitor, err := queue.NewMonitor(store,
		queue.WithNotifier(notifier),
		queue.WithThresholds(queue.Thresholds{MaxQueueDepth: 1}),
		queue.WithAlertCooldown(time.Minute),
		queue.WithMonitorTimeSource(func() time.Time { return now }),
	)
	require.NoError(t, err)

	monitor.CheckNow(ctx)
	monitor.CheckNow(ctx)
	assert.Len(t, notifier.byKind(queue.AlertQueueDepth), 1, "repeat within cooldown is suppressed")

	now = now.Add(2 * time.Minute)
	monitor.CheckNow(ctx)
	assert.Len(t, notifier.byKind(queue.AlertQueueDepth), 2, "alert re-fires after cooldown")
}

func TestMonitorLeaseChanged(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStorage(queue.QueueDefinition{Name: "default", Concurrency: 1})
	notifier := &captureNotifier{}
	monitor, err := queue.NewMonitor(store, queue.WithNotifier(notifier))
	require.NoError(t, err)

	monitor.LeaseChanged(true)
	monitor.LeaseChanged(false)

	require.Len(t, notifier.byKind(queue.AlertLeaseAcquired), 1)
	require.Len(t, notifier.byKind(queue.AlertLeaseLost), 1)
}
