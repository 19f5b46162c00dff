package control

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/runtime/workflow/event"
)

func taskDone(executionID, actionID string, attempt int, payload map[string]any) *event.Event {
	e := event.New(executionID, event.SourceWorker, event.TaskDone, event.EntityTask, actionID).
		WithPayload(payload)
	e.Attempt = attempt
	return e
}

func TestProjectorCtxSequentialRewrites(t *testing.T) {
	t.Parallel()

	st := newExecutionState("ex1", nil, nil, nil)
	var p projector

	p.apply(st, taskDone("ex1", "action-a", 1, map[string]any{
		"set_ctx": map[string]any{"total": 10},
	}))
	require.EqualValues(t, 10, st.Ctx["total"])

	// Outside loops the ctx store is mutable: a later step rewrites the key
	// in event order, no conflict recorded.
	p.apply(st, taskDone("ex1", "action-b", 1, map[string]any{
		"set_ctx": map[string]any{"total": 20},
	}))
	require.EqualValues(t, 20, st.Ctx["total"])
	require.Empty(t, st.Conflicts)
}

func TestProjectorCtxLoopWriteOnce(t *testing.T) {
	t.Parallel()

	st := newExecutionState("ex1", nil, nil, nil)
	var p projector

	p.apply(st, taskDone("ex1", "action-a", 1, map[string]any{
		"set_ctx": map[string]any{"total": 10},
	}).WithIteration(0))
	require.EqualValues(t, 10, st.Ctx["total"])

	// The same action may rewrite its own key on a later attempt.
	p.apply(st, taskDone("ex1", "action-a", 2, map[string]any{
		"set_ctx": map[string]any{"total": 20},
	}).WithIteration(0))
	require.EqualValues(t, 20, st.Ctx["total"])
	require.Empty(t, st.Conflicts)

	// Another iteration hitting the key is a conflict; the holder's value
	// stays.
	p.apply(st, taskDone("ex1", "action-b", 1, map[string]any{
		"set_ctx": map[string]any{"total": 99},
	}).WithIteration(1))
	require.EqualValues(t, 20, st.Ctx["total"])
	require.Len(t, st.Conflicts, 1)
	require.Equal(t, "total", st.Conflicts[0].Key)
	require.Equal(t, "action-b", st.Conflicts[0].Writer)
	require.Equal(t, "action-a", st.Conflicts[0].Holder)
}

func TestProjectorRebuildsInFlightFromScheduled(t *testing.T) {
	t.Parallel()

	st := newExecutionState("ex1", nil, nil, nil)
	var p projector

	scheduled := event.New("ex1", event.SourceServer, event.StepScheduled, event.EntityStepRun, "run-1").
		WithPayload(map[string]any{"step": "fetch"})
	p.apply(st, scheduled)
	require.Equal(t, map[string]string{"run-1": "fetch"}, st.InFlight)
	require.Equal(t, StepScheduled, st.StepRuns["run-1"].Status)

	done := event.New("ex1", event.SourceWorker, event.StepDone, event.EntityStepRun, "run-1").
		WithPayload(map[string]any{"step": "fetch", "result": 1})
	p.apply(st, done)
	require.Empty(t, st.InFlight)
	require.Equal(t, StepDone, st.StepRuns["run-1"].Status)
}

func TestProjectorIndexesResultsByCoordinates(t *testing.T) {
	t.Parallel()

	st := newExecutionState("ex1", nil, nil, nil)
	var p projector

	e := taskDone("ex1", "action-a", 2, map[string]any{
		"step":    "fetch",
		"outcome": map[string]any{"status": "ok", "result": "page-2"},
	})
	e.Page = 2
	e = e.WithIteration(1)
	p.apply(st, e)

	entry, ok := st.Results[ResultKey{Step: "fetch", ActionID: "action-a", Iteration: 1, Attempt: 2, Page: 2}]
	require.True(t, ok)
	require.True(t, entry.OK)
	require.Equal(t, "page-2", entry.Value)
}

func TestProjectorCountsIterations(t *testing.T) {
	t.Parallel()

	st := newExecutionState("ex1", nil, nil, nil)
	var p projector

	st.run("run-1").Step = "visit"
	p.apply(st, event.New("ex1", event.SourceWorker, event.LoopIterationDone, event.EntityIteration, "run-1-i0"))
	p.apply(st, event.New("ex1", event.SourceWorker, event.LoopIterationDone, event.EntityIteration, "run-1-i1"))
	p.apply(st, event.New("ex1", event.SourceWorker, event.LoopIterationFail, event.EntityIteration, "run-1-i2"))

	run := st.StepRuns["run-1"]
	require.Equal(t, 2, run.IterationsDone)
	require.Equal(t, 1, run.IterationsFailed)
}
