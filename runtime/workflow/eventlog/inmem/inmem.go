// Package inmem provides an in-memory implementation of eventlog.Log.
//
// The in-memory log is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/noetl/noetl/runtime/workflow/event"
	"github.com/noetl/noetl/runtime/workflow/eventlog"
)

// Log implements eventlog.Log in memory.
type Log struct {
	mu sync.Mutex
	// per-execution ordered events.
	events map[string][]*event.Event
	// (execution_id, event_id) -> assigned seq.
	index map[string]map[string]int64
}

// New returns a new in-memory event log.
func New() *Log {
	return &Log{
		events: make(map[string][]*event.Event),
		index:  make(map[string]map[string]int64),
	}
}

// Append implements eventlog.Log.
func (l *Log) Append(_ context.Context, e *event.Event) (int64, bool, error) {
	if e == nil {
		return 0, false, fmt.Errorf("event is required")
	}
	if e.ExecutionID == "" || e.EventID == "" {
		return 0, false, fmt.Errorf("execution_id and event_id are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	byID := l.index[e.ExecutionID]
	if byID == nil {
		byID = make(map[string]int64)
		l.index[e.ExecutionID] = byID
	}
	if seq, ok := byID[e.EventID]; ok {
		return seq, true, nil
	}

	seq := int64(len(l.events[e.ExecutionID]) + 1)
	stored := *e
	stored.Seq = seq
	l.events[e.ExecutionID] = append(l.events[e.ExecutionID], &stored)
	byID[e.EventID] = seq
	e.Seq = seq
	return seq, false, nil
}

// List implements eventlog.Log.
func (l *Log) List(_ context.Context, executionID string, f eventlog.Filter) ([]*event.Event, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution_id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*event.Event
	for _, e := range l.events[executionID] {
		if e.Seq <= f.FromSeq {
			continue
		}
		if f.Name != "" && e.Name != f.Name {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		dup := *e
		out = append(out, &dup)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
