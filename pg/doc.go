// Package pg provides the durable PostgreSQL storage for the task core:
// connection pooling with startup retry, goose-driven schema migrations, and
// a Repository implementing every queue repository interface.
//
// Claims use a CTE with FOR UPDATE SKIP LOCKED so concurrent worker slots
// never receive the same task, and the execution record is opened in the same
// transaction as the claim. Every status mutation is a guarded single-row
// update whose WHERE clause encodes the legal lifecycle transition; a zero
// row count surfaces as queue.ErrInvalidTransition instead of silently
// overwriting state.
//
// Transient database failures are retried with bounded exponential backoff;
// once the budget is exhausted operations fail with ErrStorageUnavailable so
// callers can apply backpressure instead of queueing locally without bound.
package pg
