package queue

import (
	"log/slog"
	"time"
)

// MonitorOption is a functional option for configuring the health monitor.
type MonitorOption func(*monitorOptions)

type monitorOptions struct {
	workers       WorkerSupervisor
	notifier      Notifier
	thresholds    Thresholds
	checkInterval time.Duration
	cooldown      time.Duration
	nowFn         func() time.Time
	logger        *slog.Logger
}

// WithWorkerSupervisor attaches the worker pool so the monitor can track
// heartbeats and declare dead workers.
func WithWorkerSupervisor(ws WorkerSupervisor) MonitorOption {
	return func(o *monitorOptions) {
		if ws != nil {
			o.workers = ws
		}
	}
}

// WithNotifier sets the alert delivery collaborator. Defaults to warn-level
// log output.
func WithNotifier(n Notifier) MonitorOption {
	return func(o *monitorOptions) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithThresholds sets the alerting thresholds.
func WithThresholds(t Thresholds) MonitorOption {
	return func(o *monitorOptions) {
		o.thresholds = t
	}
}

// WithMonitorCheckInterval sets how often the monitor evaluates health.
func WithMonitorCheckInterval(d time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		if d > 0 {
			o.checkInterval = d
		}
	}
}

// WithAlertCooldown sets the suppression period for repeated alerts of the
// same kind and subject.
func WithAlertCooldown(d time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		if d >= 0 {
			o.cooldown = d
		}
	}
}

// WithMonitorTimeSource overrides the monitor's clock; used in tests.
func WithMonitorTimeSource(nowFn func() time.Time) MonitorOption {
	return func(o *monitorOptions) {
		if nowFn != nil {
			o.nowFn = nowFn
		}
	}
}

// WithMonitorLogger sets the logger for the monitor.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(o *monitorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
