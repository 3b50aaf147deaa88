package queue

import (
	"context"
	"sync"
	"time"
)

// Lease is a time-bounded exclusive-ownership token used to pick a single
// active scheduler instance. Held by exactly one holder at a time, renewed
// periodically, expiring if not renewed. Losing a lease is a normal, expected
// condition, never an error: Acquire and Renew report false instead.
type Lease interface {
	// Acquire attempts to take the lease for ttl via an atomic conditional
	// write. It succeeds when the lease is free, expired, or already held by
	// this holder.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// Renew extends the lease iff it is still held by this holder.
	Renew(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// Release gives up the lease iff it is held by this holder.
	Release(ctx context.Context, holder string) error
}

// MemoryLease is an in-process Lease for tests and single-node deployments.
type MemoryLease struct {
	mu      sync.Mutex
	holder  string
	expires time.Time
	nowFn   func() time.Time
}

// NewMemoryLease creates an in-process lease.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{nowFn: time.Now}
}

func (l *MemoryLease) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if l.holder != "" && l.holder != holder && l.expires.After(now) {
		return false, nil
	}
	l.holder = holder
	l.expires = now.Add(ttl)
	return true, nil
}

func (l *MemoryLease) Renew(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if l.holder != holder || !l.expires.After(now) {
		return false, nil
	}
	l.expires = now.Add(ttl)
	return true, nil
}

func (l *MemoryLease) Release(ctx context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder == holder {
		l.holder = ""
		l.expires = time.Time{}
	}
	return nil
}
