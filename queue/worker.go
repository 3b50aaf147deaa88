package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionObserver receives the outcome of every finished attempt. The
// health monitor implements it to maintain rolling success/failure ratios.
type ExecutionObserver interface {
	ObserveResult(queue string, success bool)
}

// WorkerLister exposes worker slot snapshots. Implemented by *Pool.
type WorkerLister interface {
	Workers() []WorkerSlot
}

// Pool executes ready tasks within per-queue concurrency limits, in priority
// order. Each queue gets an independent set of execution slots sized by its
// QueueDefinition; a free slot immediately attempts to claim the next
// eligible task through the storage claim operation, which is atomic.
type Pool struct {
	repo     WorkerRepository
	registry *Registry
	retry    *RetryPolicy
	defs     []QueueDefinition

	mu      sync.RWMutex
	slots   map[uuid.UUID]*slotState
	running map[uuid.UUID]context.CancelCauseFunc

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	recycleAfter      int
	idleRecycleAfter  time.Duration
	observer          ExecutionObserver
	logger            *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
}

type slotState struct {
	slot WorkerSlot
}

// NewPool creates a worker pool over the given queue definitions. The
// registry is the only handler lookup path; no ambient global state.
func NewPool(repo WorkerRepository, registry *Registry, defs []QueueDefinition, opts ...PoolOption) (*Pool, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if registry == nil {
		return nil, ErrNoHandlers
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no queue definitions provided")
	}

	options := &poolOptions{
		pollInterval:      200 * time.Millisecond,
		heartbeatInterval: 5 * time.Second,
		recycleAfter:      1000,
		idleRecycleAfter:  10 * time.Minute,
		retry:             NewRetryPolicy(nil),
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	// Normalize concurrency the same way the router does its snapshot, so a
	// definition with the field omitted still gets a serving slot instead of
	// a queue the pool silently never drains.
	normalized := make([]QueueDefinition, len(defs))
	copy(normalized, defs)
	for i := range normalized {
		if normalized[i].Concurrency <= 0 {
			normalized[i].Concurrency = 1
		}
	}

	return &Pool{
		repo:              repo,
		registry:          registry,
		retry:             options.retry,
		defs:              normalized,
		slots:             make(map[uuid.UUID]*slotState),
		running:           make(map[uuid.UUID]context.CancelCauseFunc),
		pollInterval:      options.pollInterval,
		heartbeatInterval: options.heartbeatInterval,
		recycleAfter:      options.recycleAfter,
		idleRecycleAfter:  options.idleRecycleAfter,
		observer:          options.observer,
		logger:            options.logger,
	}, nil
}

// Start spawns the execution slots and returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("worker pool already started")
	}
	if p.registry.Len() == 0 {
		return ErrNoHandlers
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	for _, def := range p.defs {
		for i := 0; i < def.Concurrency; i++ {
			state := &slotState{
				slot: WorkerSlot{
					ID:            uuid.New(),
					Queue:         def.Name,
					Status:        WorkerIdle,
					LastHeartbeat: time.Now(),
				},
			}
			p.mu.Lock()
			p.slots[state.slot.ID] = state
			p.mu.Unlock()

			p.wg.Add(1)
			go p.runSlot(state)
		}
		p.logger.Info("queue slots started",
			slog.String("queue", def.Name),
			slog.Int("concurrency", def.Concurrency))
	}

	return nil
}

// Stop cancels all slots and waits for in-flight attempts to finish.
func (p *Pool) Stop() error {
	p.startMu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.startMu.Unlock()

	if cancel == nil {
		return fmt.Errorf("worker pool not started")
	}

	cancel()
	p.logger.Info("worker pool stopping, waiting for active tasks")
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

// Run returns a function suitable for errgroup.
func (p *Pool) Run(ctx context.Context) func() error {
	return func() error {
		if err := p.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return p.Stop()
	}
}

// Workers returns a snapshot of all worker slots.
func (p *Pool) Workers() []WorkerSlot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]WorkerSlot, 0, len(p.slots))
	for _, state := range p.slots {
		out = append(out, state.slot)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queue != out[j].Queue {
			return out[i].Queue < out[j].Queue
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// CancelRunning implements RunningCanceller: it delivers the cooperative
// cancellation cause to the handler context of an in-flight task. The handler
// is expected to observe it and exit promptly; if it instead runs into its
// timeout, the timeout path takes precedence.
func (p *Pool) CancelRunning(taskID uuid.UUID) bool {
	p.mu.RLock()
	cancel, ok := p.running[taskID]
	p.mu.RUnlock()

	if !ok {
		return false
	}
	cancel(ErrTaskCancelled)
	return true
}

// MarkWorkerDead flags a slot as dead and returns its in-flight task id, if
// any. Called by the health monitor when heartbeats stop; the slot goroutine,
// if still alive, retires itself on its next loop iteration.
func (p *Pool) MarkWorkerDead(workerID uuid.UUID) (*uuid.UUID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.slots[workerID]
	if !ok || state.slot.Status == WorkerDead {
		return nil, false
	}
	state.slot.Status = WorkerDead
	return state.slot.CurrentTaskID, true
}

// runSlot is the lifetime of one execution slot: claim, execute, repeat.
// The slot recycles (tears down and rebuilds its execution session) after a
// configured number of completed tasks or a long idle period to bound
// resource growth.
func (p *Pool) runSlot(state *slotState) {
	defer p.wg.Done()

	for {
		recycled := p.runSlotSession(state)
		if p.ctx.Err() != nil || !recycled {
			return
		}
		p.logger.Debug("worker slot recycled",
			slog.String("worker_id", state.slot.ID.String()),
			slog.String("queue", state.slot.Queue))
	}
}

// runSlotSession processes tasks until the session is recycled (true) or the
// slot shuts down or dies (false).
func (p *Pool) runSlotSession(state *slotState) bool {
	completed := 0
	idleSince := time.Now()

	for {
		if p.ctx.Err() != nil {
			return false
		}
		if p.slotStatus(state) == WorkerDead {
			p.logger.Warn("worker slot retired after dead declaration",
				slog.String("worker_id", state.slot.ID.String()))
			return false
		}

		p.beat(state)

		task, attempt, err := p.repo.ClaimTask(p.ctx, state.slot.ID, state.slot.Queue)
		if err != nil {
			if !errors.Is(err, ErrNoTaskToClaim) && !errors.Is(err, context.Canceled) {
				p.logger.Error("failed to claim task",
					slog.String("worker_id", state.slot.ID.String()),
					slog.String("queue", state.slot.Queue),
					slog.String("error", err.Error()))
			}
			select {
			case <-p.ctx.Done():
				return false
			case <-time.After(p.pollInterval):
			}
			if p.idleRecycleAfter > 0 && time.Since(idleSince) >= p.idleRecycleAfter {
				return true
			}
			continue
		}

		p.markBusy(state, task.ID)
		p.execute(state, task, attempt)
		p.markIdle(state)

		completed++
		idleSince = time.Now()
		if p.recycleAfter > 0 && completed >= p.recycleAfter {
			return true
		}
	}
}

// execute runs one attempt under its timeout and cancellation contexts and
// records the outcome. Storage writes use a background-derived context so
// graceful shutdown can still persist results of in-flight attempts.
func (p *Pool) execute(state *slotState, task *Task, attempt int) {
	workerID := state.slot.ID
	start := time.Now()

	handler, _, err := p.registry.Lookup(task.Name)
	if err != nil {
		// No handler: retrying cannot help, fail permanently.
		p.logger.Error("no handler registered for task name",
			slog.String("task_id", task.ID.String()),
			slog.String("task_name", task.Name))
		p.finishFailure(task, attempt, ClassPermanent, ErrHandlerNotFound.Error())
		return
	}

	baseCtx, cancelCause := context.WithCancelCause(context.Background())
	execCtx, cancelTimeout := context.WithTimeout(baseCtx, task.Timeout)
	defer cancelTimeout()
	defer cancelCause(nil)

	p.trackRunning(task.ID, cancelCause)
	defer p.untrackRunning(task.ID)

	stopBeats := p.beatWhileRunning(state)
	execErr := safeHandle(handler, execCtx, task)
	stopBeats()

	duration := time.Since(start)
	cause := context.Cause(execCtx)

	switch {
	case execErr == nil:
		if err := p.repo.CompleteTask(p.opCtx(), task.ID, attempt); err != nil {
			p.logger.Error("failed to record task success",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
			return
		}
		p.observe(task.Queue, true)
		p.logger.Info("task completed",
			slog.String("worker_id", workerID.String()),
			slog.String("task_id", task.ID.String()),
			slog.String("task_name", task.Name),
			slog.String("queue", task.Queue),
			slog.Int("attempt", attempt),
			slog.Duration("duration", duration))

	case errors.Is(cause, context.DeadlineExceeded):
		// Timeout takes precedence over a cancellation the handler never
		// observed before the deadline.
		p.handleFailure(state, task, attempt, fmt.Errorf("%w after %s: %w", ErrTimeout, task.Timeout, execErr), duration)

	case errors.Is(cause, ErrTaskCancelled):
		if err := p.repo.CancelRunningTask(p.opCtx(), task.ID, attempt, ErrTaskCancelled.Error()); err != nil {
			p.logger.Error("failed to record task cancellation",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
			return
		}
		p.logger.Info("task cancelled during execution",
			slog.String("worker_id", workerID.String()),
			slog.String("task_id", task.ID.String()),
			slog.Int("attempt", attempt))

	default:
		p.handleFailure(state, task, attempt, execErr, duration)
	}
}

// handleFailure delegates classification and the retry decision to the retry
// policy engine and records the verdict.
func (p *Pool) handleFailure(state *slotState, task *Task, attempt int, execErr error, duration time.Duration) {
	class := p.retry.Classify(execErr)
	decision := p.retry.Decide(task, attempt, class)

	p.logger.Error("task attempt failed",
		slog.String("worker_id", state.slot.ID.String()),
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.Name),
		slog.Int("attempt", attempt),
		slog.Int("max_retries", int(task.MaxRetries)),
		slog.String("class", string(class)),
		slog.Bool("retry", decision.Retry),
		slog.Duration("duration", duration),
		slog.String("error", execErr.Error()))

	if decision.Retry {
		nextAt := time.Now().Add(decision.Delay)
		if err := p.repo.RescheduleTask(p.opCtx(), task.ID, attempt, class, execErr.Error(), nextAt); err != nil {
			p.logger.Error("failed to reschedule task",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
		}
		p.observe(task.Queue, false)
		return
	}

	p.finishFailure(task, attempt, class, execErr.Error())
}

func (p *Pool) finishFailure(task *Task, attempt int, class ErrorClass, msg string) {
	if err := p.repo.FailTask(p.opCtx(), task.ID, attempt, class, msg); err != nil {
		p.logger.Error("failed to record task failure",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	p.observe(task.Queue, false)
}

// safeHandle invokes the handler with panic recovery; a panic is an attempt
// failure, never a pool crash.
func safeHandle(handler Handler, ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return handler.Handle(ctx, task.Args)
}

func (p *Pool) opCtx() context.Context {
	return context.Background()
}

func (p *Pool) observe(queue string, success bool) {
	if p.observer != nil {
		p.observer.ObserveResult(queue, success)
	}
}

func (p *Pool) trackRunning(taskID uuid.UUID, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[taskID] = cancel
}

func (p *Pool) untrackRunning(taskID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, taskID)
}

func (p *Pool) beat(state *slotState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state.slot.LastHeartbeat = time.Now()
}

// beatWhileRunning keeps heartbeats flowing during long executions so the
// monitor does not mistake a busy worker for a dead one.
func (p *Pool) beatWhileRunning(state *slotState) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.beat(state)
			}
		}
	}()
	return func() { close(done) }
}

func (p *Pool) slotStatus(state *slotState) WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return state.slot.Status
}

func (p *Pool) markBusy(state *slotState, taskID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := taskID
	state.slot.Status = WorkerBusy
	state.slot.CurrentTaskID = &id
	state.slot.LastHeartbeat = time.Now()
}

func (p *Pool) markIdle(state *slotState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state.slot.Status != WorkerDead {
		state.slot.Status = WorkerIdle
	}
	state.slot.CurrentTaskID = nil
	state.slot.TasksHandled++
	state.slot.LastHeartbeat = time.Now()
}
