// Package control implements the control plane: the ingestor that makes
// events durable and projects them into execution state, the router that
// evaluates outgoing arcs on terminal step events, the admission scheduler
// that turns tokens into step commands, and the orchestrator API used by the
// server to start, cancel and observe executions.
//
// The control plane executes no tools. It reacts to events: workers append
// step and task events through the Sink, the projector folds them into
// state, and the router and scheduler decide what runs next.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/runtime/workflow/bus"
	"github.com/noetl/noetl/runtime/workflow/event"
	"github.com/noetl/noetl/runtime/workflow/eventlog"
	"github.com/noetl/noetl/runtime/workflow/keychain"
	"github.com/noetl/noetl/runtime/workflow/lease"
	"github.com/noetl/noetl/runtime/workflow/policy"
	"github.com/noetl/noetl/runtime/workflow/scope"
	"github.com/noetl/noetl/runtime/workflow/telemetry"
	"github.com/noetl/noetl/runtime/workflow/tmpl"
	"github.com/noetl/noetl/runtime/workflow/worker"
)

type (
	// Options configures the engine.
	Options struct {
		// Log is the durable event log. Required.
		Log eventlog.Log
		// Bus carries step commands to workers. Required.
		Bus bus.Bus
		// Tmpl evaluates routing guards and arc args. Required.
		Tmpl tmpl.Evaluator
		// Keys resolves playbook keychain declarations. Optional; playbooks
		// declaring a keychain fail to start without it.
		Keys *keychain.Chain
		// Kinds validates task kinds at start. Optional.
		Kinds playbook.KindChecker
		// Leases revokes step leases on cancellation. Optional.
		Leases lease.Store
		// Queue is the command queue. Defaults to bus.DefaultQueue.
		Queue string
		// Telemetry instruments the engine. Nil fields become no-ops.
		Telemetry telemetry.Set
	}

	// Engine is the control plane for a set of executions. It implements
	// event.Sink for ingestion, worker.StateReader for snapshots and
	// worker.IterationWatcher for distributed loop coordination.
	Engine struct {
		log    eventlog.Log
		bus    bus.Bus
		queue  string
		keys   *keychain.Chain
		kinds  playbook.KindChecker
		leases lease.Store
		tel    telemetry.Set

		reg    *registry
		proj   projector
		router *router
		sched  *scheduler

		locksMu sync.Mutex
		locks   map[string]*sync.Mutex
	}

	// StepPart is one indexed task result exposed by the parts query.
	StepPart struct {
		Step      string `json:"step"`
		ActionID  string `json:"action_id"`
		Iteration int    `json:"iteration"`
		Attempt   int    `json:"attempt"`
		Page      int    `json:"page,omitempty"`
		OK        bool   `json:"ok"`
		Value     any    `json:"value,omitempty"`
		Ref       any    `json:"ref,omitempty"`
	}

	// Summary is a point-in-time copy of an execution's projected state,
	// safe to hand to the API while ingestion continues.
	Summary struct {
		ExecutionID string         `json:"execution_id"`
		Playbook    string         `json:"playbook"`
		Status      string         `json:"status"`
		Result      any            `json:"result,omitempty"`
		Error       map[string]any `json:"error,omitempty"`
		Steps       []StepSummary  `json:"steps"`
		Conflicts   []CtxConflict  `json:"ctx_conflicts,omitempty"`
	}

	// StepSummary is the per-run slice of a Summary.
	StepSummary struct {
		StepRunID        string         `json:"step_run_id"`
		Step             string         `json:"step"`
		Status           string         `json:"status"`
		Error            map[string]any `json:"error,omitempty"`
		IterationsDone   int            `json:"iterations_done,omitempty"`
		IterationsFailed int            `json:"iterations_failed,omitempty"`
	}
)

// ErrNotFound reports an unknown execution or step.
var ErrNotFound = errors.New("not found")

// New returns an engine.
func New(opts Options) (*Engine, error) {
	if opts.Log == nil {
		return nil, errors.New("event log is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Tmpl == nil {
		return nil, errors.New("template evaluator is required")
	}
	queue := opts.Queue
	if queue == "" {
		queue = bus.DefaultQueue
	}
	e := &Engine{
		log:    opts.Log,
		bus:    opts.Bus,
		queue:  queue,
		keys:   opts.Keys,
		kinds:  opts.Kinds,
		leases: opts.Leases,
		tel:    opts.Telemetry.OrNoop(),
		reg:    newRegistry(),
		locks:  make(map[string]*sync.Mutex),
	}
	sink := internalSink{eng: e}
	e.router = &router{tmpl: opts.Tmpl, sink: sink}
	e.sched = &scheduler{policy: policy.New(opts.Tmpl), sink: sink}
	return e, nil
}

// Start begins an execution of pb with the given request payload. The payload
// is deep-merged over the playbook's workload defaults, the keychain is
// resolved, execution.requested and workflow.started are appended, and a
// token is seeded at the first workflow step.
func (e *Engine) Start(ctx context.Context, pb *playbook.Playbook, payload map[string]any) (string, error) {
	if len(pb.Workflow) == 0 {
		return "", errors.New("playbook has no workflow steps")
	}
	if e.kinds != nil {
		if err := pb.Validate(e.kinds); err != nil {
			return "", err
		}
	}
	keys, err := e.resolveKeychain(ctx, pb)
	if err != nil {
		return "", err
	}
	executionID := uuid.NewString()
	workload := scope.Merge(pb.Workload, payload)
	st := newExecutionState(executionID, pb, workload, keys)
	e.reg.put(st)

	mu := e.lockFor(executionID)
	mu.Lock()
	err = func() error {
		requested := event.New(executionID, event.SourceServer, event.ExecutionRequested, event.EntityExecution, executionID).
			WithPayload(map[string]any{"playbook": pb.Metadata.Name, "workload": workload})
		if err := e.appendLocked(ctx, requested); err != nil {
			return err
		}
		started := event.New(executionID, event.SourceServer, event.WorkflowStarted, event.EntityExecution, executionID).
			WithParent(requested.EventID)
		if err := e.appendLocked(ctx, started); err != nil {
			return err
		}
		first := Token{Step: pb.Workflow[0].Name, ParentEventID: started.EventID}
		return e.sched.dispatch(ctx, st, first)
	}()
	mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := e.flushCommands(ctx, executionID); err != nil {
		return "", err
	}
	e.tel.Logger.Info(ctx, "execution started",
		"execution_id", executionID, "playbook", pb.Metadata.Name)
	return executionID, nil
}

// Cancel marks a running execution cancelled and revokes the leases of its
// in-flight step runs so workers observe revocation as cancellation. Events
// arriving after cancellation are still recorded but drive no routing.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	st, ok := e.reg.get(executionID)
	if !ok {
		return ErrNotFound
	}
	mu := e.lockFor(executionID)
	mu.Lock()
	defer mu.Unlock()
	if st.Status.Terminal() {
		return nil
	}
	cancelled := event.New(executionID, event.SourceServer, event.WorkflowCancelled, event.EntityExecution, executionID)
	if err := e.appendLocked(ctx, cancelled); err != nil {
		return err
	}
	if e.leases != nil {
		for stepRunID := range st.InFlight {
			if err := e.leases.Revoke(ctx, stepRunID); err != nil {
				e.tel.Logger.Error(ctx, "lease revoke failed",
					"execution_id", executionID, "step_run_id", stepRunID, "err", err)
			}
		}
	}
	e.tel.Logger.Info(ctx, "execution cancelled", "execution_id", executionID)
	return nil
}

// Resume rebuilds an execution's state by replaying its log, then re-resolves
// the keychain. It is the restart path: projection is pure, so replay
// converges to the state the process crashed with.
func (e *Engine) Resume(ctx context.Context, executionID string, pb *playbook.Playbook) error {
	events, err := e.log.List(ctx, executionID, eventlog.Filter{})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return ErrNotFound
	}
	keys, err := e.resolveKeychain(ctx, pb)
	if err != nil {
		return err
	}
	workload := pb.Workload
	if wl, ok := events[0].PayloadMap()["workload"].(map[string]any); ok {
		workload = wl
	}
	st := newExecutionState(executionID, pb, workload, keys)
	for _, evt := range events {
		e.proj.apply(st, evt)
	}
	e.reg.put(st)
	return nil
}

// Snapshot implements worker.StateReader.
func (e *Engine) Snapshot(_ context.Context, executionID string) (*worker.Snapshot, error) {
	st, ok := e.reg.get(executionID)
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	mu := e.lockFor(executionID)
	mu.Lock()
	defer mu.Unlock()
	return &worker.Snapshot{
		Playbook: st.Playbook,
		Workload: st.Workload,
		Ctx:      scope.Clone(st.Ctx),
		Keychain: st.Keychain,
	}, nil
}

// Terminal implements worker.IterationWatcher over the event log.
func (e *Engine) Terminal(ctx context.Context, executionID, stepRunID string) (map[int]*event.Event, error) {
	events, err := e.log.List(ctx, executionID, eventlog.Filter{EntityType: event.EntityIteration})
	if err != nil {
		return nil, err
	}
	terminal := make(map[int]*event.Event)
	for _, evt := range events {
		if evt.Name != event.LoopIterationDone && evt.Name != event.LoopIterationFail {
			continue
		}
		if parentRunID(evt.EntityID) != stepRunID || evt.Iteration == nil {
			continue
		}
		terminal[*evt.Iteration] = evt
	}
	return terminal, nil
}

// Events lists an execution's log, narrowed by the filter.
func (e *Engine) Events(ctx context.Context, executionID string, f eventlog.Filter) ([]*event.Event, error) {
	if _, ok := e.reg.get(executionID); !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return e.log.List(ctx, executionID, f)
}

// Describe returns a point-in-time summary of the execution.
func (e *Engine) Describe(executionID string) (*Summary, error) {
	st, ok := e.reg.get(executionID)
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	mu := e.lockFor(executionID)
	mu.Lock()
	defer mu.Unlock()
	s := &Summary{
		ExecutionID: st.ExecutionID,
		Playbook:    st.Playbook.Metadata.Name,
		Status:      string(st.Status),
		Result:      st.FinalResult,
		Error:       st.Failure,
		Conflicts:   append([]CtxConflict(nil), st.Conflicts...),
	}
	for _, run := range st.StepRuns {
		s.Steps = append(s.Steps, StepSummary{
			StepRunID:        run.StepRunID,
			Step:             run.Step,
			Status:           run.Status,
			Error:            run.Error,
			IterationsDone:   run.IterationsDone,
			IterationsFailed: run.IterationsFailed,
		})
	}
	return s, nil
}

// StepResult returns the result of the most recent completed run of the
// named step.
func (e *Engine) StepResult(executionID, step string) (any, error) {
	st, ok := e.reg.get(executionID)
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	mu := e.lockFor(executionID)
	mu.Lock()
	defer mu.Unlock()
	var result any
	found := false
	for _, run := range st.StepRuns {
		if run.Step == step && run.Status == StepDone {
			result = run.Result
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("step %s: %w", step, ErrNotFound)
	}
	return result, nil
}

// StepParts returns every indexed task result recorded for the named step,
// one part per (iteration, attempt, page) coordinate.
func (e *Engine) StepParts(executionID, step string) ([]StepPart, error) {
	st, ok := e.reg.get(executionID)
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	mu := e.lockFor(executionID)
	mu.Lock()
	defer mu.Unlock()
	var parts []StepPart
	for key, entry := range st.Results {
		if key.Step != step {
			continue
		}
		part := StepPart{
			Step:      key.Step,
			ActionID:  key.ActionID,
			Iteration: key.Iteration,
			Attempt:   key.Attempt,
			Page:      key.Page,
			OK:        entry.OK,
			Value:     entry.Value,
		}
		if entry.Ref != nil {
			part.Ref = entry.Ref
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("step %s: %w", step, ErrNotFound)
	}
	sort.Slice(parts, func(i, j int) bool {
		a, b := parts[i], parts[j]
		if a.Iteration != b.Iteration {
			return a.Iteration < b.Iteration
		}
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		return a.Attempt < b.Attempt
	})
	return parts, nil
}

func (e *Engine) resolveKeychain(ctx context.Context, pb *playbook.Playbook) (map[string]any, error) {
	if len(pb.Keychain) == 0 {
		return nil, nil
	}
	if e.keys == nil {
		return nil, errors.New("playbook declares a keychain but no resolver chain is configured")
	}
	return e.keys.Resolve(ctx, pb.Keychain)
}
