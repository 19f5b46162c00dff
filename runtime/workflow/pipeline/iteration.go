package pipeline

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/runtime/workflow/event"
	"github.com/noetl/noetl/runtime/workflow/scope"
)

// Iteration is one loop element bound for execution.
type Iteration struct {
	// Index is the 0-based position in the collection.
	Index int
	// Value is the collection element.
	Value any
	// Iterator is the binding name from loop.iterator.
	Iterator string
}

// IterationID derives the stable id of a loop iteration within a step run.
func IterationID(stepRunID string, index int) string {
	return fmt.Sprintf("%s-i%d", stepRunID, index)
}

// ExecuteIteration runs the step pipeline for one loop element. It builds
// the iteration scope (iter.<iterator>, iter.index) on a deep copy of base
// so parallel iterations never share state, and brackets the run with
// loop.iteration.* events.
func (r *Runner) ExecuteIteration(ctx context.Context, step *playbook.Step, run *Run, base *scope.Scope, it Iteration) (*Result, error) {
	iterationID := IterationID(run.StepRunID, it.Index)
	idx := it.Index

	iterRun := *run
	iterRun.IterationID = iterationID
	iterRun.Iteration = &idx

	sc := base.WithIter(map[string]any{
		it.Iterator: it.Value,
		"index":     it.Index,
	})
	sc.Ctx = scope.Clone(base.Ctx)
	sc.Args = scope.Clone(base.Args)

	startEvt := event.New(run.ExecutionID, event.SourceWorker, event.LoopIterationStart, event.EntityIteration, iterationID).
		WithParent(run.ParentEventID).
		WithIteration(it.Index).
		WithPayload(map[string]any{"step": run.Step, it.Iterator: it.Value})
	if err := r.sink.Append(ctx, startEvt); err != nil {
		return nil, fmt.Errorf("append loop.iteration.started: %w", err)
	}

	res, err := r.Execute(ctx, step, &iterRun, sc)
	if err != nil {
		return nil, err
	}

	name := event.LoopIterationDone
	payload := map[string]any{"step": run.Step}
	if res.OK {
		payload["result"] = res.Value
	} else {
		name = event.LoopIterationFail
		payload["error"] = map[string]any{
			"kind":      res.Error.Kind,
			"retryable": res.Error.Retryable,
			"message":   res.Error.Message,
		}
	}
	done := event.New(run.ExecutionID, event.SourceWorker, name, event.EntityIteration, iterationID).
		WithParent(run.ParentEventID).
		WithIteration(it.Index).
		WithPayload(payload)
	if err := r.sink.Append(ctx, done); err != nil {
		return nil, fmt.Errorf("append iteration terminal event: %w", err)
	}
	return res, nil
}
