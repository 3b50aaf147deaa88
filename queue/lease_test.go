package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmint/taskcore/queue"
)

func TestMemoryLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("exclusive acquisition", func(t *testing.T) {
		t.Parallel()

		lease := queue.NewMemoryLease()
		ok, err := lease.Acquire(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = lease.Acquire(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "live lease must not be stolen")
	})

	t.Run("holder can re-acquire and renew", func(t *testing.T) {
		t.Parallel()

		lease := queue.NewMemoryLease()
		ok, err := lease.Acquire(ctx, "a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = lease.Acquire(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = lease.Renew(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non-holder cannot renew", func(t *testing.T) {
		t.Parallel()

		lease := queue.NewMemoryLease()
		ok, err := lease.Acquire(ctx, "a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = lease.Renew(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expired lease is claimable", func(t *testing.T) {
		t.Parallel()

		lease := queue.NewMemoryLease()
		ok, err := lease.Acquire(ctx, "a", time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		require.Eventually(t, func() bool {
			ok, err := lease.Acquire(ctx, "b", time.Minute)
			return err == nil && ok
		}, time.Second, time.Millisecond)

		// The previous holder's renewal must now fail.
		ok, err = lease.Renew(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("release frees the lease", func(t *testing.T) {
		t.Parallel()

		lease := queue.NewMemoryLease()
		ok, err := lease.Acquire(ctx, "a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, lease.Release(ctx, "a"))

		ok, err = lease.Acquire(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release by non-holder is a no-op", func(t *testing.T) {
		t.Parallel()

		lease := queue.NewMemoryLease()
		ok, err := lease.Acquire(ctx, "a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, lease.Release(ctx, "b"))

		ok, err = lease.Acquire(ctx, "c", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "lease must survive a stranger's release")
	})
}
