package queue

import (
	"log/slog"
	"time"
)

// SchedulerOption is a functional option for configuring a scheduler.
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	checkInterval time.Duration
	leaseTTL      time.Duration
	renewEvery    time.Duration
	nowFn         func() time.Time
	onLeaseChange func(held bool)
	logger        *slog.Logger
}

// WithCheckInterval sets how often the scheduler evaluates due entries.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		if d > 0 {
			o.checkInterval = d
		}
	}
}

// WithLeaseTTL sets the lease duration. The renew interval defaults to a
// third of it.
func WithLeaseTTL(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		if d > 0 {
			o.leaseTTL = d
		}
	}
}

// WithLeaseRenewInterval sets how often the held lease is renewed.
func WithLeaseRenewInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		if d > 0 {
			o.renewEvery = d
		}
	}
}

// WithTimeSource overrides the scheduler's clock; used in tests.
func WithTimeSource(nowFn func() time.Time) SchedulerOption {
	return func(o *schedulerOptions) {
		if nowFn != nil {
			o.nowFn = nowFn
		}
	}
}

// WithLeaseChangeHandler registers a callback fired on lease acquisition and
// loss; the health monitor uses it to surface lease state.
func WithLeaseChangeHandler(fn func(held bool)) SchedulerOption {
	return func(o *schedulerOptions) {
		o.onLeaseChange = fn
	}
}

// WithSchedulerLogger sets the logger for the scheduler.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
