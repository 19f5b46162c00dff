package control

import (
	"github.com/noetl/noetl/runtime/workflow/event"
)

// projector folds events into ExecutionState. Apply is a pure reduction
// over the event stream: replaying the log from seq 1 rebuilds the same
// state, which is what makes the control plane restartable.
type projector struct{}

// apply folds one event into the state. Events the projector does not care
// about (task.started, next.evaluated, ...) leave the state untouched.
func (projector) apply(st *ExecutionState, e *event.Event) {
	switch e.Name {
	case event.WorkflowStarted:
		st.Status = StatusRunning
	case event.WorkflowFinished:
		st.Status = StatusCompleted
		if result, ok := e.PayloadMap()["result"]; ok {
			st.FinalResult = result
		}
	case event.WorkflowFailed:
		st.Status = StatusFailed
		if errMap, ok := e.PayloadMap()["error"].(map[string]any); ok {
			st.Failure = errMap
		}
	case event.WorkflowCancelled:
		st.Status = StatusCancelled

	case event.StepScheduled:
		run := st.run(e.EntityID)
		run.Status = StepScheduled
		if step, ok := e.PayloadMap()["step"].(string); ok {
			run.Step = step
		}
		st.InFlight[e.EntityID] = run.Step
	case event.StepStarted:
		run := st.run(e.EntityID)
		run.Status = StepRunning
		if step, ok := e.PayloadMap()["step"].(string); ok {
			run.Step = step
		}
	case event.StepDone:
		run := st.run(e.EntityID)
		run.Status = StepDone
		delete(st.InFlight, e.EntityID)
		payload := e.PayloadMap()
		if step, ok := payload["step"].(string); ok {
			run.Step = step
		}
		run.Result = payload["result"]
		if ref, ok := payload["ref"].(map[string]any); ok {
			run.Result = ref
		}
		st.FinalResult = run.Result
	case event.StepFailed:
		run := st.run(e.EntityID)
		run.Status = StepFailed
		delete(st.InFlight, e.EntityID)
		payload := e.PayloadMap()
		if step, ok := payload["step"].(string); ok {
			run.Step = step
		}
		if errMap, ok := payload["error"].(map[string]any); ok {
			run.Error = errMap
		}
	case event.AdmissionDenied:
		run := st.run(e.EntityID)
		run.Status = StepDenied
		delete(st.InFlight, e.EntityID)
		if step, ok := e.PayloadMap()["step"].(string); ok {
			run.Step = step
		}

	case event.TaskDone, event.TaskFailed:
		st.indexResult(e)
		st.applyCtxPatches(e)

	case event.LoopIterationDone:
		if run, ok := st.StepRuns[parentRunID(e.EntityID)]; ok {
			run.IterationsDone++
		}
	case event.LoopIterationFail:
		if run, ok := st.StepRuns[parentRunID(e.EntityID)]; ok {
			run.IterationsFailed++
		}
	}
}

func (st *ExecutionState) run(stepRunID string) *StepRunState {
	run, ok := st.StepRuns[stepRunID]
	if !ok {
		run = &StepRunState{StepRunID: stepRunID}
		st.StepRuns[stepRunID] = run
	}
	return run
}

// indexResult records the task outcome under its coordinates.
func (st *ExecutionState) indexResult(e *event.Event) {
	payload := e.PayloadMap()
	oc, _ := payload["outcome"].(map[string]any)
	if oc == nil {
		return
	}
	key := ResultKey{
		ActionID: e.EntityID,
		Attempt:  e.Attempt,
		Page:     e.Page,
	}
	if step, ok := payload["step"].(string); ok {
		key.Step = step
	}
	if e.Iteration != nil {
		key.Iteration = *e.Iteration
	}
	entry := &ResultEntry{OK: e.Name == event.TaskDone}
	if ref, ok := oc["ref"].(map[string]any); ok {
		entry.Ref = ref
	} else {
		entry.Value = oc["result"]
	}
	st.Results[key] = entry
}

// applyCtxPatches folds set_ctx patches from a task event into the ctx
// store. Writes outside loops apply in event order, last writer wins. Writes
// from loop iterations are write-once per key: the first writer wins and
// later writers from a different action are recorded as conflicts, so
// parallel iterations cannot silently race on shared state.
func (st *ExecutionState) applyCtxPatches(e *event.Event) {
	patches, ok := e.PayloadMap()["set_ctx"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range patches {
		if e.Iteration != nil {
			holder, written := st.ctxWriter[k]
			if written && holder != e.EntityID {
				st.Conflicts = append(st.Conflicts, CtxConflict{Key: k, Writer: e.EntityID, Holder: holder})
				continue
			}
		}
		st.Ctx[k] = v
		st.ctxWriter[k] = e.EntityID
	}
}

// parentRunID strips the iteration suffix from an iteration entity id.
func parentRunID(iterationID string) string {
	for i := len(iterationID) - 1; i >= 0; i-- {
		if iterationID[i] == '-' {
			return iterationID[:i]
		}
	}
	return iterationID
}
