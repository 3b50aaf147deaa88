package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmint/taskcore/queue"
)

type sendEmailArgs struct {
	To string `json:"to"`
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("register and lookup", func(t *testing.T) {
		t.Parallel()

		registry := queue.NewRegistry()
		handler := queue.NewNamedTaskHandler("email.send", func(ctx context.Context, args sendEmailArgs) error {
			return nil
		})
		require.NoError(t, registry.Register(handler))

		got, policy, err := registry.Lookup("email.send")
		require.NoError(t, err)
		assert.Equal(t, "email.send", got.Name())
		assert.Equal(t, queue.DefaultExecutionPolicy, policy)
		assert.Equal(t, 1, registry.Len())
	})

	t.Run("duplicate name is rejected", func(t *testing.T) {
		t.Parallel()

		registry := queue.NewRegistry()
		handler := queue.NewPeriodicTaskHandler("cleanup", func(ctx context.Context) error { return nil })
		require.NoError(t, registry.Register(handler))
		assert.ErrorIs(t, registry.Register(handler), queue.ErrHandlerExists)
	})

	t.Run("unknown name", func(t *testing.T) {
		t.Parallel()

		registry := queue.NewRegistry()
		_, _, err := registry.Lookup("missing")
		assert.ErrorIs(t, err, queue.ErrHandlerNotFound)
	})

	t.Run("explicit policy with defaults filled in", func(t *testing.T) {
		t.Parallel()

		registry := queue.NewRegistry()
		handler := queue.NewNamedTaskHandler("email.send", func(ctx context.Context, args sendEmailArgs) error {
			return nil
		})
		require.NoError(t, registry.RegisterWithPolicy(handler, queue.ExecutionPolicy{
			MaxRetries: 5,
		}))

		policy := registry.Policy("email.send")
		assert.Equal(t, int8(5), policy.MaxRetries)
		assert.Equal(t, queue.DefaultExecutionPolicy.Timeout, policy.Timeout)
		assert.Equal(t, queue.DefaultBackoffPolicy.BaseDelay, policy.Backoff.BaseDelay)
	})

	t.Run("policy for unregistered name falls back to default", func(t *testing.T) {
		t.Parallel()

		registry := queue.NewRegistry()
		assert.Equal(t, queue.DefaultExecutionPolicy, registry.Policy("anything"))
	})

	t.Run("register all", func(t *testing.T) {
		t.Parallel()

		registry := queue.NewRegistry()
		err := registry.RegisterAll(
			queue.NewPeriodicTaskHandler("a", func(ctx context.Context) error { return nil }),
			queue.NewPeriodicTaskHandler("b", func(ctx context.Context) error { return nil }),
		)
		require.NoError(t, err)
		assert.Equal(t, 2, registry.Len())
	})

	t.Run("nil handler", func(t *testing.T) {
		t.Parallel()

		registry := queue.NewRegistry()
		assert.ErrorIs(t, registry.Register(nil), queue.ErrNoHandlers)
	})
}

func TestTypedHandler(t *testing.T) {
	t.Parallel()

	t.Run("decodes args", func(t *testing.T) {
		t.Parallel()

		var got sendEmailArgs
		handler := queue.NewNamedTaskHandler("email.send", func(ctx context.Context, args sendEmailArgs) error {
			got = args
			return nil
		})

		require.NoError(t, handler.Handle(context.Background(), []byte(`{"to":"ops@example.com"}`)))
		assert.Equal(t, "ops@example.com", got.To)
	})

	t.Run("malformed args fail the attempt", func(t *testing.T) {
		t.Parallel()

		handler := queue.NewNamedTaskHandler("email.send", func(ctx context.Context, args sendEmailArgs) error {
			return nil
		})
		assert.Error(t, handler.Handle(context.Background(), []byte(`{not json`)))
	})

	t.Run("derived name from args type", func(t *testing.T) {
		t.Parallel()

		handler := queue.NewTaskHandler(func(ctx context.Context, args sendEmailArgs) error { return nil })
		assert.Contains(t, handler.Name(), "sendEmailArgs")
	})
}

func TestExecutionPolicyDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5*time.Minute, queue.DefaultExecutionPolicy.Timeout)
	assert.Equal(t, int8(3), queue.DefaultExecutionPolicy.MaxRetries)
}
