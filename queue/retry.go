package queue

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Classifier labels handler errors for the retry policy engine. Unclassified
// errors are treated as transient so unexpected failures still get the benefit
// of the retry budget.
type Classifier interface {
	Classify(err error) ErrorClass
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) ErrorClass

func (f ClassifierFunc) Classify(err error) ErrorClass {
	return f(err)
}

// DefaultClassifier resolves the failure taxonomy from error wrapping:
// ErrPermanent means no retry, deadline errors are timeouts, everything else
// is transient.
func DefaultClassifier() Classifier {
	return ClassifierFunc(func(err error) ErrorClass {
		switch {
		case err == nil:
			return ClassNone
		case errors.Is(err, ErrPermanent):
			return ClassPermanent
		case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return ClassTimeout
		default:
			return ClassTransient
		}
	})
}

// Decision is the retry policy engine's verdict on a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy classifies failures and computes next-attempt delays. It never
// produces cancellations; those are an explicit lifecycle triggered by
// cancellation requests only.
type RetryPolicy struct {
	classifier Classifier
}

// NewRetryPolicy creates a retry policy engine. A nil classifier falls back
// to DefaultClassifier.
func NewRetryPolicy(classifier Classifier) *RetryPolicy {
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	return &RetryPolicy{classifier: classifier}
}

// Classify labels a single failure.
func (p *RetryPolicy) Classify(err error) ErrorClass {
	return p.classifier.Classify(err)
}

// Decide resolves what happens after attempt number `attempt` (0-indexed) of
// a task failed with the given class. Permanent failures and exhausted retry
// budgets fail the task; otherwise the task is retried after a backoff delay.
func (p *RetryPolicy) Decide(task *Task, attempt int, class ErrorClass) Decision {
	if class == ClassPermanent {
		return Decision{Retry: false}
	}
	if attempt >= int(task.MaxRetries) {
		return Decision{Retry: false}
	}
	return Decision{
		Retry: true,
		Delay: BackoffDelay(task.Backoff, attempt),
	}
}

// BackoffDelay computes the delay before the attempt following attempt k:
// min(MaxDelay, BaseDelay*2^k) scaled by a uniform jitter in
// [-JitterFraction, +JitterFraction] to avoid thundering-herd re-enqueue.
func BackoffDelay(policy BackoffPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = DefaultBackoffPolicy.BaseDelay
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffPolicy.MaxDelay
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay < 0 { // overflow guard
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if policy.JitterFraction > 0 {
		jitter := (rand.Float64()*2 - 1) * policy.JitterFraction
		delay = time.Duration(float64(delay) * (1 + jitter))
	}
	return delay
}
