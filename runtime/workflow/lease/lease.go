// Package lease defines the step-run lease that gives one worker exclusive
// execution of a step run. Workers acquire the lease before running, extend
// it with heartbeats while work is in flight, and release it on completion.
// Cancellation revokes the lease; the next heartbeat fails and the worker
// aborts the run.
package lease

import (
	"context"
	"errors"
	"time"
)

type (
	// Store manages step-run leases. Keys are step_run ids (or iteration
	// ids in distributed loops); ttl bounds how long a crashed worker can
	// block redelivery.
	Store interface {
		// Acquire takes the lease for owner if it is free or expired.
		// Returns false when another live owner holds it.
		Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
		// Heartbeat extends the lease. Returns ErrNotHeld when the lease
		// expired, was revoked, or belongs to another owner.
		Heartbeat(ctx context.Context, key, owner string, ttl time.Duration) error
		// Release frees the lease if owner still holds it. Releasing a
		// lease held by someone else is a no-op, not an error.
		Release(ctx context.Context, key, owner string) error
		// Revoke removes the lease regardless of owner. The control plane
		// uses it to cancel in-flight step runs.
		Revoke(ctx context.Context, key string) error
	}
)

// ErrNotHeld reports a heartbeat on a lease the caller no longer holds.
var ErrNotHeld = errors.New("lease not held")

// Keep heartbeats the lease every ttl/3 until ctx ends or the lease is
// lost. The returned context is cancelled on loss, so callers can pass it to
// the work being protected and observe revocation as context cancellation.
// The returned stop function releases the lease.
func Keep(ctx context.Context, store Store, key, owner string, ttl time.Duration) (context.Context, func()) {
	held, cancel := context.WithCancel(ctx)
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-held.Done():
				return
			case <-ticker.C:
				if err := store.Heartbeat(ctx, key, owner, ttl); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	return held, func() {
		cancel()
		_ = store.Release(context.WithoutCancel(ctx), key, owner)
	}
}
