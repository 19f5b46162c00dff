package control

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/runtime/workflow/bus"
	"github.com/noetl/noetl/runtime/workflow/event"
	"github.com/noetl/noetl/runtime/workflow/policy"
	"github.com/noetl/noetl/runtime/workflow/scope"
)

// scheduler admits tokens into steps and dispatches admitted runs to the
// command bus. A denied token is recorded as a terminal step.admission.denied
// event; routing still ran, so siblings of a denied step proceed normally.
type scheduler struct {
	policy *policy.Evaluator
	sink   event.Sink
}

// dispatch evaluates the target step's admission gate for one token and, if
// admitted, appends step.scheduled and stages the command on the execution
// state. The scheduled event is what carries the run into InFlight, so a
// replayed log reconstructs dispatched work; the engine enqueues staged
// commands after the ingest lock is released.
func (s *scheduler) dispatch(ctx context.Context, st *ExecutionState, tok Token) error {
	step := st.Playbook.Step(tok.Step)
	if step == nil {
		return fmt.Errorf("token targets unknown step %q", tok.Step)
	}
	stepRunID := uuid.NewString()

	sc := &scope.Scope{
		ExecutionID: st.ExecutionID,
		Workload:    st.Workload,
		Ctx:         st.Ctx,
		Args:        tok.Args,
		Keychain:    st.Keychain,
		Event:       tok.Event,
	}
	admit, err := s.policy.Admission(admissionGate(step), sc)
	if err != nil {
		evt := event.New(st.ExecutionID, event.SourceServer, event.AdmissionError, event.EntityStepRun, stepRunID).
			WithParent(tok.ParentEventID).
			WithPayload(map[string]any{"step": tok.Step, "error": err.Error()})
		_ = s.sink.Append(ctx, evt)
		return fmt.Errorf("admission for step %q: %w", tok.Step, err)
	}
	if !admit.Allow {
		evt := event.New(st.ExecutionID, event.SourceServer, event.AdmissionDenied, event.EntityStepRun, stepRunID).
			WithParent(tok.ParentEventID).
			WithPayload(map[string]any{"step": tok.Step, "reason": admit.Reason})
		return s.sink.Append(ctx, evt)
	}

	scheduled := event.New(st.ExecutionID, event.SourceServer, event.StepScheduled, event.EntityStepRun, stepRunID).
		WithParent(tok.ParentEventID).
		WithPayload(map[string]any{"step": tok.Step})
	if err := s.sink.Append(ctx, scheduled); err != nil {
		return fmt.Errorf("schedule step %q: %w", tok.Step, err)
	}
	st.pending = append(st.pending, &bus.StepCommand{
		ID:            stepRunID,
		ExecutionID:   st.ExecutionID,
		Step:          tok.Step,
		StepRunID:     stepRunID,
		Args:          tok.Args,
		ParentEventID: scheduled.EventID,
	})
	return nil
}

func admissionGate(step *playbook.Step) *playbook.Admission {
	if step.Spec == nil || step.Spec.Policy == nil {
		return nil
	}
	return step.Spec.Policy.Admit
}
