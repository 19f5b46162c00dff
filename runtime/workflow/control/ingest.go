package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/noetl/noetl/runtime/workflow/event"
)

// Append implements event.Sink. It is the single ingestion point for the
// control plane: events are made durable, deduplicated by
// (execution_id, event_id), projected into execution state, and reacted to,
// all under the execution's ingest lock so per-execution processing is
// serialized in log order.
func (e *Engine) Append(ctx context.Context, evt *event.Event) error {
	mu := e.lockFor(evt.ExecutionID)
	mu.Lock()
	err := e.appendLocked(ctx, evt)
	mu.Unlock()
	if err != nil {
		return err
	}
	return e.flushCommands(ctx, evt.ExecutionID)
}

// flushCommands drains commands staged by the scheduler and enqueues them
// with no lock held: workers appending events through the same lock can make
// progress even when the bus is full. An enqueue failure is recorded as
// step.failed for the scheduled run, so routing and completion detection
// treat it like any other step failure. Reactions to those failures may
// stage more commands, hence the loop.
func (e *Engine) flushCommands(ctx context.Context, executionID string) error {
	mu := e.lockFor(executionID)
	for {
		mu.Lock()
		st, ok := e.reg.get(executionID)
		if !ok {
			mu.Unlock()
			return nil
		}
		cmds := st.pending
		st.pending = nil
		mu.Unlock()
		if len(cmds) == 0 {
			return nil
		}
		for _, cmd := range cmds {
			err := e.bus.Enqueue(ctx, e.queue, cmd)
			if err == nil {
				continue
			}
			failed := event.New(executionID, event.SourceServer, event.StepFailed, event.EntityStepRun, cmd.StepRunID).
				WithPayload(map[string]any{
					"step":  cmd.Step,
					"error": map[string]any{"kind": "tool", "retryable": true, "message": err.Error()},
				})
			failed.Status = "failed"
			mu.Lock()
			aerr := e.appendLocked(ctx, failed)
			mu.Unlock()
			if aerr != nil {
				return aerr
			}
		}
	}
}

// appendLocked ingests one event with the execution lock held. Engine
// internals (router, scheduler, completion detection) emit through it so
// reaction stays re-entrant without re-locking.
func (e *Engine) appendLocked(ctx context.Context, evt *event.Event) error {
	seq, duplicate, err := e.log.Append(ctx, evt)
	if err != nil {
		return fmt.Errorf("append event %s: %w", evt.Name, err)
	}
	if duplicate {
		return nil
	}
	evt.Seq = seq

	st, ok := e.reg.get(evt.ExecutionID)
	if !ok {
		return fmt.Errorf("event for unknown execution %s", evt.ExecutionID)
	}
	e.proj.apply(st, evt)
	return e.react(ctx, st, evt)
}

// react advances the workflow after a projected event: terminal step events
// drive routing and admission, and quiescence turns into workflow.finished.
func (e *Engine) react(ctx context.Context, st *ExecutionState, evt *event.Event) error {
	if st.Status.Terminal() {
		return nil
	}

	switch evt.Name {
	case event.StepDone, event.StepFailed:
		tokens, err := e.router.route(ctx, st, evt)
		if err != nil {
			return e.failWorkflow(ctx, st, evt, err)
		}
		if evt.Name == event.StepFailed && len(tokens) == 0 {
			// A failed step with no arc taking the failure path fails the
			// whole execution.
			return e.failStepwise(ctx, st, evt)
		}
		for _, tok := range tokens {
			if err := e.sched.dispatch(ctx, st, tok); err != nil {
				return e.failWorkflow(ctx, st, evt, err)
			}
		}
		return e.maybeFinish(ctx, st, evt)
	case event.AdmissionDenied:
		return e.maybeFinish(ctx, st, evt)
	}
	return nil
}

// maybeFinish appends workflow.finished once nothing remains in flight.
func (e *Engine) maybeFinish(ctx context.Context, st *ExecutionState, cause *event.Event) error {
	if st.Status != StatusRunning || len(st.InFlight) > 0 {
		return nil
	}
	finished := event.New(st.ExecutionID, event.SourceServer, event.WorkflowFinished, event.EntityExecution, st.ExecutionID).
		WithParent(cause.EventID).
		WithPayload(map[string]any{"result": st.FinalResult})
	return e.appendLocked(ctx, finished)
}

func (e *Engine) failWorkflow(ctx context.Context, st *ExecutionState, cause *event.Event, err error) error {
	failed := event.New(st.ExecutionID, event.SourceServer, event.WorkflowFailed, event.EntityExecution, st.ExecutionID).
		WithParent(cause.EventID).
		WithPayload(map[string]any{"error": map[string]any{"message": err.Error()}})
	if aerr := e.appendLocked(ctx, failed); aerr != nil {
		return aerr
	}
	return err
}

// failStepwise fails the execution with the failed step's error payload.
func (e *Engine) failStepwise(ctx context.Context, st *ExecutionState, cause *event.Event) error {
	errPayload := map[string]any{"message": "step failed"}
	if run, ok := st.StepRuns[cause.EntityID]; ok {
		for k, v := range run.Error {
			errPayload[k] = v
		}
		errPayload["step"] = run.Step
	}
	failed := event.New(st.ExecutionID, event.SourceServer, event.WorkflowFailed, event.EntityExecution, st.ExecutionID).
		WithParent(cause.EventID).
		WithPayload(map[string]any{"error": errPayload})
	return e.appendLocked(ctx, failed)
}

// lockFor returns the per-execution ingest lock, creating it on first use.
func (e *Engine) lockFor(executionID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[executionID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[executionID] = mu
	}
	return mu
}

// internalSink lets the router and scheduler emit events while the caller
// already holds the execution lock.
type internalSink struct{ eng *Engine }

func (s internalSink) Append(ctx context.Context, evt *event.Event) error {
	return s.eng.appendLocked(ctx, evt)
}
