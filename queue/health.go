package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertKind identifies the threshold a health alert crossed.
type AlertKind string

const (
	AlertQueueDepth    AlertKind = "queue_depth"
	AlertQueueAge      AlertKind = "queue_oldest_age"
	AlertFailureRate   AlertKind = "failure_rate"
	AlertWorkerDead    AlertKind = "worker_dead"
	AlertLeaseLost     AlertKind = "scheduler_lease_lost"
	AlertLeaseAcquired AlertKind = "scheduler_lease_acquired"
)

// Alert is the payload delivered to the notification collaborator.
type Alert struct {
	Kind      AlertKind  `json:"kind"`
	Queue     string     `json:"queue,omitempty"`
	WorkerID  *uuid.UUID `json:"worker_id,omitempty"`
	Message   string     `json:"message"`
	Value     float64    `json:"value,omitempty"`
	Threshold float64    `json:"threshold,omitempty"`
	At        time.Time  `json:"at"`
}

// Notifier is the narrow alert-delivery interface; implementations forward
// alerts to whatever channel operations uses.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, alert Alert) error

func (f NotifierFunc) Notify(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}

// Thresholds configures when the monitor raises alerts. Zero values disable
// the corresponding check. DeadWorkerAfter must be strictly greater than the
// pool's worst-case heartbeat interval to avoid false positives.
type Thresholds struct {
	MaxQueueDepth   int           `env:"MONITOR_MAX_QUEUE_DEPTH" envDefault:"1000"`
	MaxOldestAge    time.Duration `env:"MONITOR_MAX_OLDEST_AGE" envDefault:"10m"`
	MaxFailureRatio float64       `env:"MONITOR_MAX_FAILURE_RATIO" envDefault:"0.5"`
	DeadWorkerAfter time.Duration `env:"MONITOR_DEAD_WORKER_AFTER" envDefault:"30s"`
	FailureWindow   time.Duration `env:"MONITOR_FAILURE_WINDOW" envDefault:"5m"`
	MinSamples      int           `env:"MONITOR_MIN_SAMPLES" envDefault:"10"`
}

// WorkerSupervisor is the monitor's view of the worker pool. Implemented by *Pool.
type WorkerSupervisor interface {
	WorkerLister
	MarkWorkerDead(workerID uuid.UUID) (*uuid.UUID, bool)
}

// Monitor is a passive aggregator of queue and worker health; it observes
// state transitions and raises alerts, it never steers dispatch. The single
// exception is liveness recovery: a task held by a dead worker is returned to
// the queued state for re-dispatch, which does not consume retry budget.
type Monitor struct {
	repo       MonitorRepository
	workers    WorkerSupervisor
	notifier   Notifier
	thresholds Thresholds

	winMu   sync.Mutex
	windows map[string]*outcomeWindow

	coolMu   sync.Mutex
	lastSent map[string]time.Time
	cooldown time.Duration

	checkInterval time.Duration
	nowFn         func() time.Time
	logger        *slog.Logger
}

// NewMonitor creates a health monitor over the given storage.
func NewMonitor(repo MonitorRepository, opts ...MonitorOption) (*Monitor, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &monitorOptions{
		thresholds: Thresholds{
			MaxQueueDepth:   1000,
			MaxOldestAge:    10 * time.Minute,
			MaxFailureRatio: 0.5,
			DeadWorkerAfter: 30 * time.Second,
			FailureWindow:   5 * time.Minute,
			MinSamples:      10,
		},
		checkInterval: 10 * time.Second,
		cooldown:      time.Minute,
		nowFn:         time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	m := &Monitor{
		repo:          repo,
		workers:       options.workers,
		notifier:      options.notifier,
		thresholds:    options.thresholds,
		windows:       make(map[string]*outcomeWindow),
		lastSent:      make(map[string]time.Time),
		cooldown:      options.cooldown,
		checkInterval: options.checkInterval,
		nowFn:         options.nowFn,
		logger:        options.logger,
	}
	if m.notifier == nil {
		m.notifier = m.logNotifier()
	}
	return m, nil
}

// AttachWorkers wires the worker pool after construction. The monitor and the
// pool reference each other (observer one way, supervisor the other), so one
// side has to be attached late. Must be called before Start.
func (m *Monitor) AttachWorkers(ws WorkerSupervisor) {
	m.workers = ws
}

// Start runs the monitoring loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", slog.Duration("check_interval", m.checkInterval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor shutting down")
			return ctx.Err()
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// Run returns a function suitable for errgroup.
func (m *Monitor) Run(ctx context.Context) func() error {
	return func() error {
		if err := m.Start(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}

// CheckNow performs one evaluation pass over workers and queues.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.checkWorkers(ctx)
	m.checkQueues(ctx)
}

// ObserveResult implements ExecutionObserver; the pool reports every finished
// attempt here.
func (m *Monitor) ObserveResult(queue string, success bool) {
	m.winMu.Lock()
	defer m.winMu.Unlock()

	win, ok := m.windows[queue]
	if !ok {
		win = &outcomeWindow{span: m.thresholds.FailureWindow}
		m.windows[queue] = win
	}
	win.add(m.nowFn(), success)
}

// FailureRatio returns the failure fraction of a queue over the trailing
// window, plus the number of samples it is based on.
func (m *Monitor) FailureRatio(queue string) (float64, int) {
	m.winMu.Lock()
	defer m.winMu.Unlock()

	win, ok := m.windows[queue]
	if !ok {
		return 0, 0
	}
	return win.ratio(m.nowFn())
}

// LeaseChanged is wired to the scheduler's lease-change handler; lease loss
// is surfaced as a state change, not a crash.
func (m *Monitor) LeaseChanged(held bool) {
	kind := AlertLeaseLost
	msg := "scheduler lease lost, dispatch paused"
	if held {
		kind = AlertLeaseAcquired
		msg = "scheduler lease acquired"
	}
	m.emit(context.Background(), Alert{
		Kind:    kind,
		Message: msg,
		At:      m.nowFn(),
	})
}

func (m *Monitor) checkWorkers(ctx context.Context) {
	if m.workers == nil || m.thresholds.DeadWorkerAfter <= 0 {
		return
	}

	now := m.nowFn()
	for _, slot := range m.workers.Workers() {
		if slot.Status == WorkerDead {
			continue
		}
		if now.Sub(slot.LastHeartbeat) <= m.thresholds.DeadWorkerAfter {
			continue
		}

		taskID, declared := m.workers.MarkWorkerDead(slot.ID)
		if !declared {
			continue
		}

		m.logger.Warn("worker declared dead",
			slog.String("worker_id", slot.ID.String()),
			slog.String("queue", slot.Queue),
			slog.Time("last_heartbeat", slot.LastHeartbeat))

		if taskID != nil {
			if err := m.repo.RequeueTask(ctx, *taskID); err != nil {
				m.logger.Error("failed to requeue task of dead worker",
					slog.String("task_id", taskID.String()),
					slog.String("error", err.Error()))
			} else {
				m.logger.Info("in-flight task requeued after worker death",
					slog.String("task_id", taskID.String()),
					slog.String("worker_id", slot.ID.String()))
			}
		}

		workerID := slot.ID
		m.emit(ctx, Alert{
			Kind:      AlertWorkerDead,
			Queue:     slot.Queue,
			WorkerID:  &workerID,
			Message:   fmt.Sprintf("worker %s missed heartbeats for %s", slot.ID, now.Sub(slot.LastHeartbeat)),
			Value:     now.Sub(slot.LastHeartbeat).Seconds(),
			Threshold: m.thresholds.DeadWorkerAfter.Seconds(),
			At:        now,
		})
	}
}

func (m *Monitor) checkQueues(ctx context.Context) {
	stats, err := m.repo.QueueStats(ctx)
	if err != nil {
		m.logger.Error("failed to read queue stats", slog.String("error", err.Error()))
		return
	}

	now := m.nowFn()
	for _, qs := range stats {
		name := qs.Definition.Name

		if m.thresholds.MaxQueueDepth > 0 && qs.Depth() > m.thresholds.MaxQueueDepth {
			m.emit(ctx, Alert{
				Kind:      AlertQueueDepth,
				Queue:     name,
				Message:   fmt.Sprintf("queue %q depth %d exceeds %d", name, qs.Depth(), m.thresholds.MaxQueueDepth),
				Value:     float64(qs.Depth()),
				Threshold: float64(m.thresholds.MaxQueueDepth),
				At:        now,
			})
		}

		if m.thresholds.MaxOldestAge > 0 && !qs.OldestQueued.IsZero() {
			if age := now.Sub(qs.OldestQueued); age > m.thresholds.MaxOldestAge {
				m.emit(ctx, Alert{
					Kind:      AlertQueueAge,
					Queue:     name,
					Message:   fmt.Sprintf("oldest queued task in %q is %s old", name, age.Round(time.Second)),
					Value:     age.Seconds(),
					Threshold: m.thresholds.MaxOldestAge.Seconds(),
					At:        now,
				})
			}
		}

		if ratio, samples := m.FailureRatio(name); m.thresholds.MaxFailureRatio > 0 &&
			samples >= m.thresholds.MinSamples && ratio > m.thresholds.MaxFailureRatio {
			m.emit(ctx, Alert{
				Kind:      AlertFailureRate,
				Queue:     name,
				Message:   fmt.Sprintf("queue %q failure ratio %.2f over trailing window", name, ratio),
				Value:     ratio,
				Threshold: m.thresholds.MaxFailureRatio,
				At:        now,
			})
		}
	}
}

// emit delivers an alert through the notifier, suppressing repeats of the
// same (kind, queue, worker) within the cooldown period.
func (m *Monitor) emit(ctx context.Context, alert Alert) {
	key := string(alert.Kind) + "/" + alert.Queue
	if alert.WorkerID != nil {
		key += "/" + alert.WorkerID.String()
	}

	m.coolMu.Lock()
	if last, ok := m.lastSent[key]; ok && alert.At.Sub(last) < m.cooldown {
		m.coolMu.Unlock()
		return
	}
	m.lastSent[key] = alert.At
	m.coolMu.Unlock()

	if err := m.notifier.Notify(ctx, alert); err != nil {
		m.logger.Error("alert delivery failed",
			slog.String("kind", string(alert.Kind)),
			slog.String("error", err.Error()))
	}
}

func (m *Monitor) logNotifier() Notifier {
	return NotifierFunc(func(_ context.Context, alert Alert) error {
		m.logger.Warn("health alert",
			slog.String("kind", string(alert.Kind)),
			slog.String("queue", alert.Queue),
			slog.String("message", alert.Message))
		return nil
	})
}

// outcomeWindow is a trailing window of attempt outcomes for one queue.
type outcomeWindow struct {
	span    time.Duration
	samples []outcome
}

type outcome struct {
	at time.Time
	ok bool
}

func (w *outcomeWindow) add(now time.Time, ok bool) {
	w.prune(now)
	w.samples = append(w.samples, outcome{at: now, ok: ok})
}

func (w *outcomeWindow) ratio(now time.Time) (float64, int) {
	w.prune(now)
	if len(w.samples) == 0 {
		return 0, 0
	}
	failures := 0
	for _, s := range w.samples {
		if !s.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(w.samples)), len(w.samples)
}

func (w *outcomeWindow) prune(now time.Time) {
	if w.span <= 0 {
		return
	}
	cutoff := now.Add(-w.span)
	i := 0
	for ; i < len(w.samples); i++ {
		if w.samples[i].at.After(cutoff) {
			break
		}
	}
	w.samples = w.samples[i:]
}
