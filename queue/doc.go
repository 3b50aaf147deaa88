// Package queue provides a repository-agnostic task scheduling and queue
// management core: priority dispatch to bounded per-queue worker slots,
// retry with exponential backoff and jitter, lease-guarded periodic
// scheduling, and passive health monitoring.
//
// The package is organised around a small set of cooperating components:
//
//   - Registry    — maps task names to handlers and default execution policies
//   - Router      — resolves (queue, priority) from task names and overrides
//   - Submitter   — the producer-facing submit/query/cancel surface
//   - Pool        — per-queue execution slots claiming tasks in priority order
//   - RetryPolicy — classifies failures and computes backoff delays
//   - Scheduler   — fires periodic schedule entries behind a distributed lease
//   - Monitor     — aggregates queue depth, heartbeats, and failure ratios
//
// Components interact only through narrow repository interfaces, keeping the
// core decoupled from persistence. MemoryStorage implements all of them for
// tests and local development; the pg package provides the durable
// PostgreSQL implementation and the redis package the distributed lease.
//
// # Task lifecycle
//
// A submitted task moves through
//
//	QUEUED -> RUNNING -> {SUCCEEDED | RETRY_SCHEDULED | FAILED | CANCELLED}
//
// with RETRY_SCHEDULED returning to QUEUED once its backoff elapses. The only
// other way back to QUEUED is dead-worker recovery, which does not consume
// retry budget. Terminal states are never left.
//
// # Usage
//
//	registry := queue.NewRegistry()
//	_ = registry.Register(queue.NewNamedTaskHandler("email.send", sendEmail))
//
//	router, _ := queue.NewRouter(defs, rules, "default")
//	store := queue.NewMemoryStorage(defs...)
//
//	pool, _ := queue.NewPool(store, registry, defs)
//	submitter, _ := queue.NewSubmitter(store, router, registry,
//		queue.WithRunningCanceller(pool))
//
//	taskID, err := submitter.Submit(ctx, "email.send", payload,
//		queue.WithMaxRetries(5))
//
// Handler errors are classified transient by default; wrap ErrPermanent to
// fail without retries. Package-level sentinel errors (ErrRouting,
// ErrQueueFull, ErrTaskNotFound, ...) can be checked with errors.Is.
package queue
