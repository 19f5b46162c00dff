// Package pulse implements bus.Bus on Pulse streams over Redis, giving the
// scheduler a durable at-least-once queue with consumer groups: every worker
// pool subscribing with the same group name competes for commands, and
// unacknowledged commands are redelivered after the ack grace period.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/noetl/noetl/runtime/workflow/bus"
)

type (
	// Options configures the Pulse command bus.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per queue stream. Zero uses
		// Pulse defaults.
		StreamMaxLen int
		// Buffer is the delivery channel capacity. Defaults to 64.
		Buffer int
	}

	// Bus implements bus.Bus on Pulse streams. It also implements
	// health.Pinger for liveness probes.
	Bus struct {
		rdb    *redis.Client
		maxLen int
		buffer int

		mu      sync.Mutex
		streams map[string]*streaming.Stream
	}
)

const eventName = "step.command"

var _ bus.Bus = (*Bus)(nil)

// New returns a Pulse-backed command bus.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		rdb:     opts.Redis,
		maxLen:  opts.StreamMaxLen,
		buffer:  buffer,
		streams: make(map[string]*streaming.Stream),
	}, nil
}

// Name implements health.Pinger.
func (b *Bus) Name() string { return "bus-pulse" }

// Ping implements health.Pinger.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Enqueue implements bus.Bus.
func (b *Bus) Enqueue(ctx context.Context, queue string, cmd *bus.StepCommand) error {
	if cmd == nil {
		return errors.New("command is required")
	}
	str, err := b.stream(queue)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if _, err := str.Add(ctx, eventName, payload); err != nil {
		return fmt.Errorf("enqueue command: %w", err)
	}
	return nil
}

// Subscribe implements bus.Bus. Ack removes the command from the group's
// pending list; Nack leaves it pending so Pulse redelivers it after the ack
// grace period.
func (b *Bus) Subscribe(ctx context.Context, queue, group string) (<-chan bus.Delivery, func(), error) {
	if group == "" {
		return nil, nil, errors.New("consumer group is required")
	}
	str, err := b.stream(queue)
	if err != nil {
		return nil, nil, err
	}
	// Start at the oldest entry so commands enqueued before the worker pool
	// came up are still delivered.
	sink, err := str.NewSink(ctx, group, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, fmt.Errorf("create sink: %w", err)
	}

	out := make(chan bus.Delivery, b.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	go b.consume(runCtx, sink, out)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, stop, nil
}

func (b *Bus) consume(ctx context.Context, sink *streaming.Sink, out chan<- bus.Delivery) {
	defer close(out)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var cmd bus.StepCommand
			if err := json.Unmarshal(evt.Payload, &cmd); err != nil {
				// Undecodable commands are acked away rather than poisoning
				// the pending list forever.
				_ = sink.Ack(ctx, evt)
				continue
			}
			d := bus.Delivery{
				Command: &cmd,
				Ack: func(ctx context.Context) error {
					return sink.Ack(ctx, evt)
				},
				Nack: func(context.Context) error {
					// Leaving the event unacked is the redelivery signal.
					return nil
				},
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// stream returns the Pulse stream for the queue, creating it on first use.
func (b *Bus) stream(queue string) (*streaming.Stream, error) {
	if queue == "" {
		queue = bus.DefaultQueue
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if str, ok := b.streams[queue]; ok {
		return str, nil
	}
	var opts []streamopts.Stream
	if b.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(b.maxLen))
	}
	str, err := streaming.NewStream("noetl:cmd:"+queue, b.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("create command stream: %w", err)
	}
	b.streams[queue] = str
	return str, nil
}
