// Package inmem provides the in-process command bus used by tests and
// single-binary deployments where server and workers share a process.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/noetl/noetl/runtime/workflow/bus"
)

// Bus implements bus.Bus with per-queue in-memory channels. Nack re-enqueues
// the command at the back of the queue.
type Bus struct {
	mu     sync.Mutex
	queues map[string]chan *bus.StepCommand
	buffer int
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

// New returns an in-memory bus whose queues buffer up to buffer commands
// (default 256).
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{queues: make(map[string]chan *bus.StepCommand), buffer: buffer}
}

// Enqueue implements bus.Bus.
func (b *Bus) Enqueue(ctx context.Context, queue string, cmd *bus.StepCommand) error {
	if cmd == nil {
		return errors.New("command is required")
	}
	ch, err := b.queue(queue)
	if err != nil {
		return err
	}
	select {
	case ch <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements bus.Bus. The group name is ignored: all subscribers
// of a queue compete for its commands, which is the consumer-group semantics
// a single process needs.
func (b *Bus) Subscribe(ctx context.Context, queue, _ string) (<-chan bus.Delivery, func(), error) {
	ch, err := b.queue(queue)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan bus.Delivery)
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		for {
			select {
			case <-runCtx.Done():
				return
			case cmd := <-ch:
				d := bus.Delivery{
					Command: cmd,
					Ack:     func(context.Context) error { return nil },
					Nack: func(ctx context.Context) error {
						return b.Enqueue(ctx, queue, cmd)
					},
				}
				select {
				case out <- d:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// Close marks the bus closed; further Enqueue calls fail.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *Bus) queue(name string) (chan *bus.StepCommand, error) {
	if name == "" {
		name = bus.DefaultQueue
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus is closed")
	}
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan *bus.StepCommand, b.buffer)
		b.queues[name] = ch
	}
	return ch, nil
}
