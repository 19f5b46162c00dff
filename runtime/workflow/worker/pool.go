package worker

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/noetl/noetl/runtime/workflow/bus"
	"github.com/noetl/noetl/runtime/workflow/telemetry"
)

type (
	// PoolOptions configures a worker pool.
	PoolOptions struct {
		// Runner handles commands. Required.
		Runner *StepRunner
		// Bus delivers commands. Required.
		Bus bus.Bus
		// Queue is the queue to consume. Defaults to bus.DefaultQueue.
		Queue string
		// Group is the consumer group. Defaults to "workers".
		Group string
		// Concurrency is the number of concurrent handlers. Defaults to 4.
		Concurrency int
		// Telemetry instruments the pool. Nil fields become no-ops.
		Telemetry telemetry.Set
	}

	// Pool consumes step commands and hands them to the step runner,
	// acking settled commands and nacking failed ones for redelivery.
	Pool struct {
		runner      *StepRunner
		bus         bus.Bus
		queue       string
		group       string
		concurrency int
		tel         telemetry.Set
	}
)

// NewPool returns a worker pool.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Runner == nil {
		return nil, errors.New("step runner is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	queue := opts.Queue
	if queue == "" {
		queue = bus.DefaultQueue
	}
	group := opts.Group
	if group == "" {
		group = "workers"
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Pool{
		runner:      opts.Runner,
		bus:         opts.Bus,
		queue:       queue,
		group:       group,
		concurrency: concurrency,
		tel:         opts.Telemetry.OrNoop(),
	}, nil
}

// Run consumes commands until ctx ends. It returns nil on clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, stop, err := p.bus.Subscribe(ctx, p.queue, p.group)
	if err != nil {
		return err
	}
	defer stop()

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				p.handle(ctx, d)
				return nil
			})
		}
	}
}

func (p *Pool) handle(ctx context.Context, d bus.Delivery) {
	err := p.runner.Handle(ctx, d.Command)
	if err != nil {
		p.tel.Logger.Error(ctx, "step command failed, redelivering",
			"execution_id", d.Command.ExecutionID,
			"step", d.Command.Step,
			"err", err)
		p.tel.Metrics.IncCounter("noetl.worker.nack", 1, "step", d.Command.Step)
		if nerr := d.Nack(ctx); nerr != nil {
			p.tel.Logger.Error(ctx, "nack failed", "err", nerr)
		}
		return
	}
	if aerr := d.Ack(ctx); aerr != nil {
		p.tel.Logger.Error(ctx, "ack failed", "err", aerr)
	}
}
