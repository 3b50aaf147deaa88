package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only when the key still belongs to the
// holder. Comparing before writing keeps a slow renewer from stealing a
// lease another instance acquired after expiry.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only when the key still belongs to the
// holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a Redis-backed exclusive lease. Acquire is SET NX with a TTL;
// renewal and release are holder-checked Lua scripts so an expired holder can
// never clobber a new one.
type Lease struct {
	client redis.UniversalClient
	key    string
}

// NewLease creates a lease stored under the given key.
func NewLease(client redis.UniversalClient, key string) *Lease {
	return &Lease{client: client, key: key}
}

func (l *Lease) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, holder, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-acquiring our own live lease counts as success.
	return renewScript.Run(ctx, l.client, []string{l.key}, holder, ttl.Milliseconds()).Bool()
}

func (l *Lease) Renew(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	return renewScript.Run(ctx, l.client, []string{l.key}, holder, ttl.Milliseconds()).Bool()
}

func (l *Lease) Release(ctx context.Context, holder string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, holder).Err()
}
