// Package redis implements lease.Store on Redis so leases survive control
// plane restarts and are visible across worker pools.
//
// Acquire is SET NX PX; heartbeat and release are compare-and-set Lua
// scripts so only the current owner can extend or free a lease.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noetl/noetl/runtime/workflow/lease"
)

// Store implements lease.Store backed by Redis. It also implements
// health.Pinger for liveness probes.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ lease.Store = (*Store)(nil)

var (
	// heartbeatScript extends the ttl only while owner still holds the key.
	heartbeatScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	// releaseScript deletes the key only if owner still holds it.
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// New returns a Redis-backed lease store. Keys are namespaced under prefix
// (default "noetl:lease:").
func New(rdb redis.UniversalClient, prefix string) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "noetl:lease:"
	}
	return &Store{rdb: rdb, prefix: prefix}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "lease-redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Acquire implements lease.Store.
func (s *Store) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// SetNX lost: the lease may already be ours (redelivered command).
	cur, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return s.rdb.SetNX(ctx, s.prefix+key, owner, ttl).Result()
	}
	if err != nil {
		return false, err
	}
	if cur != owner {
		return false, nil
	}
	return true, s.rdb.PExpire(ctx, s.prefix+key, ttl).Err()
}

// Heartbeat implements lease.Store.
func (s *Store) Heartbeat(ctx context.Context, key, owner string, ttl time.Duration) error {
	n, err := heartbeatScript.Run(ctx, s.rdb, []string{s.prefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return lease.ErrNotHeld
	}
	return nil
}

// Release implements lease.Store.
func (s *Store) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.prefix + key}, owner).Err()
}

// Revoke implements lease.Store.
func (s *Store) Revoke(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}
