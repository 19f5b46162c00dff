package control

import (
	"sync"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/runtime/workflow/bus"
	"github.com/noetl/noetl/runtime/workflow/outcome"
)

type (
	// ExecutionStatus is the control plane's view of one execution.
	ExecutionStatus string

	// ExecutionState is the projected state of one execution, rebuilt at
	// any time by replaying the event log. All mutation goes through the
	// projector under the execution's ingest lock.
	ExecutionState struct {
		ExecutionID string
		Playbook    *playbook.Playbook
		Status      ExecutionStatus
		// Workload is the immutable merged input.
		Workload map[string]any
		// Keychain holds resolved credentials. Never projected from events;
		// the orchestrator sets it once at start.
		Keychain map[string]any
		// Ctx is the execution-wide store built from set_ctx patches in
		// event order.
		Ctx map[string]any
		// ctxWriter records which action first wrote each ctx key.
		ctxWriter map[string]string
		// Conflicts lists write-once violations observed on the ctx store.
		Conflicts []CtxConflict
		// StepRuns indexes run state by step_run_id.
		StepRuns map[string]*StepRunState
		// InFlight tracks scheduled step runs not yet terminal, keyed by
		// step_run_id. Projected from step.scheduled and cleared by terminal
		// step events, so replaying the log rebuilds it; drives completion
		// detection.
		InFlight map[string]string
		// pending holds step commands scheduled during ingestion but not yet
		// on the bus. Not projected state: the engine drains it after
		// releasing the ingest lock so a full bus never blocks ingestion.
		pending []*bus.StepCommand
		// Results indexes task results by their coordinates.
		Results map[ResultKey]*ResultEntry
		// FinalResult is the last terminal step's result value.
		FinalResult any
		// Failure is the error that failed the execution, when it did.
		Failure map[string]any
	}

	// CtxConflict records a rejected ctx write.
	CtxConflict struct {
		Key    string
		Writer string
		Holder string
	}

	// StepRunState tracks one step run from admission to its terminal
	// event.
	StepRunState struct {
		StepRunID string
		Step      string
		Status    string
		// Result is the step result value (inline or reference map).
		Result any
		// Ref is the step's result reference, when externalized.
		Ref *outcome.ResultRef
		// Error is the step failure payload, when failed.
		Error map[string]any
		// Iterations counts terminal iterations, for loop visibility.
		IterationsDone   int
		IterationsFailed int
	}

	// ResultKey addresses one task result.
	ResultKey struct {
		Step      string
		StepRunID string
		ActionID  string
		Iteration int
		Attempt   int
		Page      int
	}

	// ResultEntry is one indexed task result: inline value or reference.
	ResultEntry struct {
		Value any
		Ref   map[string]any
		OK    bool
	}

	// Token is a unit of control flow: a step to consider for admission
	// plus the args payload delivered by the arc that produced it.
	Token struct {
		Step          string
		Args          map[string]any
		ParentEventID string
		// Event is the boundary event view for admission guards, when the
		// token came from routing.
		Event map[string]any
	}

	// registry holds execution state for the control plane, guarded by its
	// own lock; per-execution work is serialized by the ingestor.
	registry struct {
		mu     sync.RWMutex
		states map[string]*ExecutionState
	}
)

// Execution status values.
const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Step run status values.
const (
	StepScheduled = "scheduled"
	StepRunning   = "running"
	StepDone      = "done"
	StepFailed    = "failed"
	StepDenied    = "denied"
)

func newRegistry() *registry {
	return &registry{states: make(map[string]*ExecutionState)}
}

func (r *registry) get(executionID string) (*ExecutionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[executionID]
	return st, ok
}

func (r *registry) put(st *ExecutionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[st.ExecutionID] = st
}

func newExecutionState(executionID string, pb *playbook.Playbook, workload, keychain map[string]any) *ExecutionState {
	return &ExecutionState{
		ExecutionID: executionID,
		Playbook:    pb,
		Status:      StatusRunning,
		Workload:    workload,
		Keychain:    keychain,
		Ctx:         make(map[string]any),
		ctxWriter:   make(map[string]string),
		StepRuns:    make(map[string]*StepRunState),
		InFlight:    make(map[string]string),
		Results:     make(map[ResultKey]*ResultEntry),
	}
}

// Terminal reports whether the execution reached a terminal status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
