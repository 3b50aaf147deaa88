package queue

import (
	"log/slog"
	"time"
)

// SubmitterOption is a functional option for configuring a Submitter.
type SubmitterOption func(*submitterOptions)

type submitterOptions struct {
	canceller RunningCanceller
	logger    *slog.Logger
}

// WithRunningCanceller attaches the worker pool so Cancel can signal
// cooperative cancellation to in-flight tasks.
func WithRunningCanceller(c RunningCanceller) SubmitterOption {
	return func(o *submitterOptions) {
		if c != nil {
			o.canceller = c
		}
	}
}

// WithSubmitterLogger sets the logger for the submitter.
func WithSubmitterLogger(logger *slog.Logger) SubmitterOption {
	return func(o *submitterOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// SubmitOption is a functional option for a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	queue      string
	priority   *Priority
	maxRetries *int8
	timeout    time.Duration
	backoff    *BackoffPolicy
	notBefore  time.Time
}

// WithQueueOverride routes the task to an explicit queue instead of the
// routing-rule match.
func WithQueueOverride(queue string) SubmitOption {
	return func(o *submitOptions) {
		o.queue = queue
	}
}

// WithPriorityOverride sets an explicit priority for the task.
func WithPriorityOverride(p Priority) SubmitOption {
	return func(o *submitOptions) {
		o.priority = &p
	}
}

// WithMaxRetries overrides the registry's default retry budget.
func WithMaxRetries(n int8) SubmitOption {
	return func(o *submitOptions) {
		if n >= 0 {
			o.maxRetries = &n
		}
	}
}

// WithTimeout overrides the registry's default execution timeout.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBackoff overrides the registry's default backoff parameters.
func WithBackoff(b BackoffPolicy) SubmitOption {
	return func(o *submitOptions) {
		o.backoff = &b
	}
}

// WithNotBefore sets the earliest dispatch time of the task.
func WithNotBefore(t time.Time) SubmitOption {
	return func(o *submitOptions) {
		o.notBefore = t
	}
}
