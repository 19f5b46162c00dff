package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/runtime/workflow/lease"
)

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	ok, err := s.Acquire(ctx, "sr-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Acquire(ctx, "sr-1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Re-acquire by the same owner extends rather than conflicts.
	ok, err = s.Acquire(ctx, "sr-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpiredLeaseIsFree(t *testing.T) {
	t.Parallel()

	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := s.Acquire(ctx, "sr-1", "worker-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = s.Acquire(ctx, "sr-1", "worker-b", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, s.Heartbeat(ctx, "sr-1", "worker-a", time.Second), lease.ErrNotHeld)
	require.NoError(t, s.Heartbeat(ctx, "sr-1", "worker-b", time.Second))
}

func TestReleaseAndRevoke(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	ok, err := s.Acquire(ctx, "sr-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Release by a non-owner leaves the lease in place.
	require.NoError(t, s.Release(ctx, "sr-1", "worker-b"))
	require.NoError(t, s.Heartbeat(ctx, "sr-1", "worker-a", time.Minute))

	// Revoke removes it regardless of owner.
	require.NoError(t, s.Revoke(ctx, "sr-1"))
	require.ErrorIs(t, s.Heartbeat(ctx, "sr-1", "worker-a", time.Minute), lease.ErrNotHeld)
}

func TestKeepCancelsOnRevocation(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	ok, err := s.Acquire(ctx, "sr-1", "worker-a", 30*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	held, stop := lease.Keep(ctx, s, "sr-1", "worker-a", 30*time.Millisecond)
	defer stop()

	require.NoError(t, s.Revoke(ctx, "sr-1"))

	select {
	case <-held.Done():
	case <-time.After(time.Second):
		t.Fatal("lease loss did not cancel the held context")
	}
}
