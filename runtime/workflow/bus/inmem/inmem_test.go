package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/runtime/workflow/bus"
)

func receive(t *testing.T, ch <-chan bus.Delivery) bus.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return bus.Delivery{}
	}
}

func TestEnqueueSubscribe(t *testing.T) {
	t.Parallel()

	b := New(0)
	ctx := context.Background()

	ch, stop, err := b.Subscribe(ctx, bus.DefaultQueue, "workers")
	require.NoError(t, err)
	defer stop()

	cmd := &bus.StepCommand{ID: "c1", ExecutionID: "exec-1", Step: "fetch", StepRunID: "sr-1"}
	require.NoError(t, b.Enqueue(ctx, bus.DefaultQueue, cmd))

	d := receive(t, ch)
	require.Equal(t, cmd, d.Command)
	require.NoError(t, d.Ack(ctx))
}

func TestNackRedelivers(t *testing.T) {
	t.Parallel()

	b := New(0)
	ctx := context.Background()

	ch, stop, err := b.Subscribe(ctx, "steps", "workers")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, b.Enqueue(ctx, "steps", &bus.StepCommand{ID: "c1", Step: "fetch"}))

	first := receive(t, ch)
	require.NoError(t, first.Nack(ctx))

	second := receive(t, ch)
	require.Equal(t, "c1", second.Command.ID)
}

func TestQueuesAreIndependent(t *testing.T) {
	t.Parallel()

	b := New(0)
	ctx := context.Background()

	gpu, stopGPU, err := b.Subscribe(ctx, "gpu", "workers")
	require.NoError(t, err)
	defer stopGPU()

	require.NoError(t, b.Enqueue(ctx, "steps", &bus.StepCommand{ID: "c1"}))
	require.NoError(t, b.Enqueue(ctx, "gpu", &bus.StepCommand{ID: "c2"}))

	d := receive(t, gpu)
	require.Equal(t, "c2", d.Command.ID)
}

func TestSubscribeStopClosesChannel(t *testing.T) {
	t.Parallel()

	b := New(0)
	ch, stop, err := b.Subscribe(context.Background(), "steps", "workers")
	require.NoError(t, err)
	stop()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after stop")
	}
}
