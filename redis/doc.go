// Package redis provides the Redis-backed pieces of the task core: a
// retrying Connect helper and the distributed scheduler Lease.
//
// The lease is the standard single-key lock recipe: acquisition is SET NX
// with a TTL, renewal and release compare the holder token in a Lua script
// so a holder whose lease already expired can never clobber its successor.
//
// # Usage
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	lease := redis.NewLease(client, "taskcore:scheduler:lease")
//	scheduler, err := queue.NewScheduler(submitter, store, lease)
//
// Configuration is described by the Config struct whose fields are populated
// from environment variables via github.com/caarlos0/env.
package redis
