package queue

import (
	"log/slog"
	"time"
)

// PoolOption is a functional option for configuring a worker pool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	recycleAfter      int
	idleRecycleAfter  time.Duration
	retry             *RetryPolicy
	observer          ExecutionObserver
	logger            *slog.Logger
}

// WithPollInterval sets how long an idle slot waits before the next claim.
func WithPollInterval(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithHeartbeatInterval sets how often slots refresh their heartbeat.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithRecycleAfter sets the number of completed tasks after which a slot's
// execution session is torn down and rebuilt. Zero disables count-based
// recycling.
func WithRecycleAfter(n int) PoolOption {
	return func(o *poolOptions) {
		if n >= 0 {
			o.recycleAfter = n
		}
	}
}

// WithIdleRecycleAfter sets the idle period after which a slot recycles.
// Zero disables idle recycling.
func WithIdleRecycleAfter(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d >= 0 {
			o.idleRecycleAfter = d
		}
	}
}

// WithRetryPolicy sets the retry policy engine consulted on failures.
func WithRetryPolicy(rp *RetryPolicy) PoolOption {
	return func(o *poolOptions) {
		if rp != nil {
			o.retry = rp
		}
	}
}

// WithObserver attaches an execution observer, typically the health monitor.
func WithObserver(obs ExecutionObserver) PoolOption {
	return func(o *poolOptions) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithPoolLogger sets the logger for the pool.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(o *poolOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
