// Package eventlog defines the append-only, idempotent event log contract.
//
// The log is the single source of truth for an execution: every other piece
// of state is a projection over it. Append assigns a monotonic per-execution
// sequence number and deduplicates by (execution_id, event_id), so
// at-least-once ingestion from workers converges to exactly one entry per
// event.
package eventlog

import (
	"context"

	"github.com/noetl/noetl/runtime/workflow/event"
)

type (
	// Filter narrows List results. Zero values mean "no constraint".
	Filter struct {
		// FromSeq returns events with Seq strictly greater than this value.
		FromSeq int64
		// Limit bounds the number of events returned. Zero means no limit.
		Limit int
		// Name restricts to one event name.
		Name event.Name
		// EntityType restricts to one entity type.
		EntityType string
		// EntityID restricts to one entity (e.g. a step_run_id).
		EntityID string
	}

	// Log is the durable event log.
	Log interface {
		// Append stores the event and assigns its Seq. When the
		// (execution_id, event_id) pair already exists, Append returns the
		// previously assigned Seq with duplicate=true and stores nothing.
		// Append must be durable before returning.
		Append(ctx context.Context, e *event.Event) (seq int64, duplicate bool, err error)

		// List returns the execution's events in Seq order, narrowed by the
		// filter.
		List(ctx context.Context, executionID string, f Filter) ([]*event.Event, error)
	}
)
