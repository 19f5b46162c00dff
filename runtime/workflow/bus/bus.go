// Package bus defines the command bus carrying step execution commands from
// the control plane scheduler to worker pools. Delivery is at-least-once;
// workers deduplicate through the step-run lease and the event log's
// idempotent append.
package bus

import (
	"context"
)

type (
	// IterationSeed carries the loop slice of a distributed iteration
	// command: the worker runs exactly one iteration of the parent step's
	// loop instead of the whole loop.
	IterationSeed struct {
		// Index is the 0-based iteration index.
		Index int `json:"index"`
		// Value is the collection element bound to the iterator.
		Value any `json:"value"`
		// Iterator is the binding name from loop.iterator.
		Iterator string `json:"iterator"`
		// StepRunID is the parent step run coordinating the loop.
		StepRunID string `json:"step_run_id"`
	}

	// StepCommand instructs a worker to execute one step run (or one
	// distributed iteration of it).
	StepCommand struct {
		// ID is the command idempotency key; redeliveries carry the same ID.
		ID string `json:"id"`
		// ExecutionID identifies the execution.
		ExecutionID string `json:"execution_id"`
		// Step is the target step name.
		Step string `json:"step"`
		// StepRunID is the pre-assigned run id the worker must use, so
		// redelivered commands reuse lease keys and event entity ids.
		StepRunID string `json:"step_run_id"`
		// Args is the rendered token payload delivered by the arriving arc.
		Args map[string]any `json:"args,omitempty"`
		// TraceID propagates the telemetry trace across the bus hop.
		TraceID string `json:"trace_id,omitempty"`
		// ParentEventID is the event that caused this command.
		ParentEventID string `json:"parent_event_id,omitempty"`
		// Iteration is set on distributed loop iteration commands.
		Iteration *IterationSeed `json:"iteration,omitempty"`
	}

	// Delivery is one received command plus its settlement callbacks. Ack
	// confirms processing; Nack returns the command for redelivery.
	Delivery struct {
		Command *StepCommand
		Ack     func(ctx context.Context) error
		Nack    func(ctx context.Context) error
	}

	// Bus is the transport between scheduler and workers.
	Bus interface {
		// Enqueue publishes a command on the named queue.
		Enqueue(ctx context.Context, queue string, cmd *StepCommand) error
		// Subscribe joins the named consumer group on a queue and returns a
		// delivery channel. The returned stop function ends consumption and
		// closes the channel.
		Subscribe(ctx context.Context, queue, group string) (<-chan Delivery, func(), error)
	}
)

// DefaultQueue is the queue steps run on unless the playbook's executor
// block routes them elsewhere.
const DefaultQueue = "steps"
