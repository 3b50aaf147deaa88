package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CatchUpPolicy governs scheduler behavior when the process was down past one
// or more fire times.
type CatchUpPolicy string

const (
	// CatchUpSkipMissed advances directly to the next future fire time
	// without backfilling.
	CatchUpSkipMissed CatchUpPolicy = "skip-missed"

	// CatchUpFireOnce fires exactly one missed occurrence immediately on
	// recovery, then resumes normal cadence. Never more than one backlog
	// occurrence.
	CatchUpFireOnce CatchUpPolicy = "fire-once-on-recovery"
)

// ScheduleEntry is a named periodic task template. Its last-fired timestamp
// is persisted through the SchedulerRepository so firings survive restarts.
type ScheduleEntry struct {
	Name     string
	TaskName string
	Args     json.RawMessage
	Schedule Schedule
	CatchUp  CatchUpPolicy

	// SubmitOptions carry queue/priority/retry overrides applied to every
	// instance fired from this entry.
	SubmitOptions []SubmitOption
}

// Scheduler converts schedule entries into concrete task instances at the
// correct time, exactly once per logical occurrence, even across restarts.
// A min-heap orders entries by next fire time; a time-bounded lease ensures
// at most one instance dispatches when several run for availability.
type Scheduler struct {
	submitter *Submitter
	repo      SchedulerRepository
	lease     Lease
	holder    string

	mu      sync.Mutex
	entries map[string]*ScheduleEntry
	heap    fireHeap
	started bool

	leaseHeld     atomic.Bool
	lastRenew     time.Time
	checkInterval time.Duration
	leaseTTL      time.Duration
	renewEvery    time.Duration
	nowFn         func() time.Time
	onLeaseChange func(held bool)
	logger        *slog.Logger
}

// NewScheduler creates a periodic dispatcher. A nil lease falls back to an
// in-process lease, appropriate for single-instance deployments.
func NewScheduler(submitter *Submitter, repo SchedulerRepository, lease Lease, opts ...SchedulerOption) (*Scheduler, error) {
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if lease == nil {
		lease = NewMemoryLease()
	}

	options := &schedulerOptions{
		checkInterval: time.Second,
		leaseTTL:      30 * time.Second,
		nowFn:         time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.renewEvery <= 0 {
		options.renewEvery = options.leaseTTL / 3
	}

	return &Scheduler{
		submitter:     submitter,
		repo:          repo,
		lease:         lease,
		holder:        uuid.New().String(),
		entries:       make(map[string]*ScheduleEntry),
		checkInterval: options.checkInterval,
		leaseTTL:      options.leaseTTL,
		renewEvery:    options.renewEvery,
		nowFn:         options.nowFn,
		onLeaseChange: options.onLeaseChange,
		logger:        options.logger,
	}, nil
}

// Register adds a schedule entry. When called on a started scheduler the
// entry's first fire time is computed under the same catch-up discipline as
// at startup.
func (s *Scheduler) Register(ctx context.Context, entry ScheduleEntry) error {
	if entry.Name == "" || entry.TaskName == "" {
		return fmt.Errorf("%w: schedule needs a name and a task name", ErrInvalidSchedule)
	}
	if entry.Schedule == nil {
		return fmt.Errorf("%w: no recurrence rule", ErrInvalidSchedule)
	}
	if entry.CatchUp == "" {
		entry.CatchUp = CatchUpSkipMissed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.Name]; exists {
		return ErrScheduleExists
	}
	s.entries[entry.Name] = &entry

	if s.started {
		at := s.initialFireTime(ctx, &entry, s.nowFn())
		heap.Push(&s.heap, fireTime{at: at, name: entry.Name})
	}

	s.logger.Info("registered schedule",
		slog.String("schedule", entry.Name),
		slog.String("task_name", entry.TaskName),
		slog.String("recurrence", entry.Schedule.String()),
		slog.String("catch_up", string(entry.CatchUp)))

	return nil
}

// Unregister removes a schedule entry. Its heap slot is dropped lazily on the
// next pop.
func (s *Scheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; !exists {
		return ErrScheduleNotFound
	}
	delete(s.entries, name)
	s.logger.Info("unregistered schedule", slog.String("schedule", name))
	return nil
}

// Schedules returns the names of all registered entries.
func (s *Scheduler) Schedules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// LeaseHeld reports whether this instance currently holds the dispatch lease.
func (s *Scheduler) LeaseHeld() bool {
	return s.leaseHeld.Load()
}

// Start runs the dispatch loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	now := s.nowFn()
	s.heap = s.heap[:0]
	for _, entry := range s.entries {
		heap.Push(&s.heap, fireTime{at: s.initialFireTime(ctx, entry, now), name: entry.Name})
	}
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		slog.String("holder", s.holder),
		slog.Duration("check_interval", s.checkInterval))

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stop()
			return ctx.Err()
		case <-ticker.C:
			now := s.nowFn()
			s.ensureLease(ctx, now)
			if s.leaseHeld.Load() {
				s.dispatchDue(ctx, now)
			}
		}
	}
}

// Run returns a function suitable for errgroup.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		if err := s.Start(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}

func (s *Scheduler) stop() {
	if s.leaseHeld.Swap(false) {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lease.Release(releaseCtx, s.holder); err != nil {
			s.logger.Warn("failed to release scheduler lease", slog.String("error", err.Error()))
		}
		s.notifyLease(false)
	}
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.logger.Info("scheduler shutting down")
}

// ensureLease acquires the lease when not held and renews it when due.
// Renewal failure means another instance took over; dispatch stops
// immediately to prevent duplicate firing.
func (s *Scheduler) ensureLease(ctx context.Context, now time.Time) {
	if !s.leaseHeld.Load() {
		acquired, err := s.lease.Acquire(ctx, s.holder, s.leaseTTL)
		if err != nil {
			s.logger.Error("lease acquire failed", slog.String("error", err.Error()))
			return
		}
		if acquired {
			s.leaseHeld.Store(true)
			s.lastRenew = now
			s.logger.Info("scheduler lease acquired", slog.String("holder", s.holder))
			s.notifyLease(true)
		}
		return
	}

	if now.Sub(s.lastRenew) < s.renewEvery {
		return
	}
	renewed, err := s.lease.Renew(ctx, s.holder, s.leaseTTL)
	if err != nil {
		s.logger.Error("lease renew failed", slog.String("error", err.Error()))
		return
	}
	if !renewed {
		s.leaseHeld.Store(false)
		s.logger.Warn("scheduler lease lost, dispatch paused",
			slog.String("holder", s.holder),
			slog.String("error", ErrLeaseLost.Error()))
		s.notifyLease(false)
		return
	}
	s.lastRenew = now
}

// dispatchDue pops every entry whose fire time has arrived, enqueues an
// instance through the router path, persists last-fired, and reinserts the
// entry at its next fire time.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 && !s.heap[0].at.After(now) {
		item := heap.Pop(&s.heap).(fireTime)
		entry, ok := s.entries[item.name]
		if !ok {
			continue // unregistered since scheduled
		}

		s.fire(ctx, entry, item.at)

		next := entry.Schedule.Next(item.at)
		// Guard against loop stalls: never backfill more than the occurrence
		// just fired.
		for !next.After(now) {
			next = entry.Schedule.Next(next)
		}
		heap.Push(&s.heap, fireTime{at: next, name: entry.Name})
	}
}

func (s *Scheduler) fire(ctx context.Context, entry *ScheduleEntry, at time.Time) {
	taskID, err := s.submitter.Submit(ctx, entry.TaskName, entry.Args, entry.SubmitOptions...)
	if err != nil {
		s.logger.Error("failed to fire schedule",
			slog.String("schedule", entry.Name),
			slog.String("task_name", entry.TaskName),
			slog.String("error", err.Error()))
		return
	}

	if err := s.repo.SetLastFired(ctx, entry.Name, at); err != nil {
		s.logger.Error("failed to persist last-fired",
			slog.String("schedule", entry.Name),
			slog.String("error", err.Error()))
	}

	s.logger.Info("schedule fired",
		slog.String("schedule", entry.Name),
		slog.String("task_id", taskID.String()),
		slog.Time("fire_time", at))
}

// initialFireTime computes an entry's first heap slot from its persisted
// last-fired timestamp and catch-up policy.
func (s *Scheduler) initialFireTime(ctx context.Context, entry *ScheduleEntry, now time.Time) time.Time {
	last, err := s.repo.LastFired(ctx, entry.Name)
	if err != nil {
		s.logger.Error("failed to load last-fired, treating schedule as new",
			slog.String("schedule", entry.Name),
			slog.String("error", err.Error()))
		last = time.Time{}
	}

	if last.IsZero() {
		return entry.Schedule.Next(now)
	}

	next := entry.Schedule.Next(last)
	if next.After(now) {
		return next
	}

	switch entry.CatchUp {
	case CatchUpFireOnce:
		// One missed occurrence fires immediately; dispatchDue then computes
		// the following fire time from now, skipping the rest of the backlog.
		return now
	default:
		for !next.After(now) {
			next = entry.Schedule.Next(next)
		}
		return next
	}
}

func (s *Scheduler) notifyLease(held bool) {
	if s.onLeaseChange != nil {
		s.onLeaseChange(held)
	}
}

// fireHeap is a min-heap of (next fire time, schedule name).
type fireTime struct {
	at   time.Time
	name string
}

type fireHeap []fireTime

func (h fireHeap) Len() int            { return len(h) }
func (h fireHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h fireHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x any)         { *h = append(*h, x.(fireTime)) }
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
