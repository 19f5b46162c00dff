// Package worker implements the data plane: a pool of workers consuming
// step-run commands from the bus, executing pipelines and loops under a
// step-run lease, and reporting progress through events. Delivery is
// at-least-once; the lease keeps concurrent executions of one step run out,
// and idempotent event ingestion absorbs replays.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/runtime/workflow/bus"
	"github.com/noetl/noetl/runtime/workflow/event"
	"github.com/noetl/noetl/runtime/workflow/lease"
	"github.com/noetl/noetl/runtime/workflow/outcome"
	"github.com/noetl/noetl/runtime/workflow/pipeline"
	"github.com/noetl/noetl/runtime/workflow/scope"
	"github.com/noetl/noetl/runtime/workflow/telemetry"
	"github.com/noetl/noetl/runtime/workflow/tmpl"
)

type (
	// Snapshot is the execution state a worker needs to run a step: the
	// playbook and the current evaluation context.
	Snapshot struct {
		Playbook *playbook.Playbook
		Workload map[string]any
		Ctx      map[string]any
		Keychain map[string]any
	}

	// StateReader provides execution snapshots. The control plane serves it
	// directly in single-process deployments and over the API otherwise.
	StateReader interface {
		Snapshot(ctx context.Context, executionID string) (*Snapshot, error)
	}

	// Options configures a step runner.
	Options struct {
		// ID identifies this worker as a lease owner. Defaults to a UUID.
		ID string
		// Pipelines executes task pipelines. Required.
		Pipelines *pipeline.Runner
		// Tmpl evaluates loop collections. Required.
		Tmpl tmpl.Evaluator
		// State provides execution snapshots. Required.
		State StateReader
		// Sink receives step and loop events. Required.
		Sink event.Sink
		// Leases guards step runs. Required.
		Leases lease.Store
		// Bus enqueues distributed iteration commands. Required only for
		// playbooks using loop.spec.policy.exec: distributed.
		Bus bus.Bus
		// Watcher observes iteration completions for distributed loops.
		// Required only alongside Bus.
		Watcher IterationWatcher
		// LeaseTTL bounds how long a crashed worker blocks redelivery.
		// Defaults to 30s.
		LeaseTTL time.Duration
		// Telemetry instruments runs. Nil fields become no-ops.
		Telemetry telemetry.Set
	}

	// StepRunner executes one step-run command end to end.
	StepRunner struct {
		id        string
		pipelines *pipeline.Runner
		tmpl      tmpl.Evaluator
		state     StateReader
		sink      event.Sink
		leases    lease.Store
		bus       bus.Bus
		watcher   IterationWatcher
		ttl       time.Duration
		tel       telemetry.Set
	}

	// IterationWatcher reports which iterations of a step run have reached
	// a terminal event. The control plane implements it over the event log.
	IterationWatcher interface {
		// Terminal returns the terminal iteration events recorded for the
		// step run, keyed by iteration index.
		Terminal(ctx context.Context, executionID, stepRunID string) (map[int]*event.Event, error)
	}

	// loopSummary accumulates iteration results. succeeded counts
	// iterations that actually completed, so a fail-fast stop does not
	// inflate the loop summary with iterations that never ran.
	loopSummary struct {
		results   []any
		succeeded int
		failed    int
		firstErr  *outcome.Error
	}
)

// New returns a step runner.
func New(opts Options) (*StepRunner, error) {
	if opts.Pipelines == nil {
		return nil, errors.New("pipeline runner is required")
	}
	if opts.Tmpl == nil {
		return nil, errors.New("template evaluator is required")
	}
	if opts.State == nil {
		return nil, errors.New("state reader is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("event sink is required")
	}
	if opts.Leases == nil {
		return nil, errors.New("lease store is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StepRunner{
		id:        id,
		pipelines: opts.Pipelines,
		tmpl:      opts.Tmpl,
		state:     opts.State,
		sink:      opts.Sink,
		leases:    opts.Leases,
		bus:       opts.Bus,
		watcher:   opts.Watcher,
		ttl:       ttl,
		tel:       opts.Telemetry.OrNoop(),
	}, nil
}

// Handle executes one command. A nil return means the command is settled
// (including the case where another worker holds the lease); a non-nil error
// asks the pool to nack for redelivery.
func (w *StepRunner) Handle(ctx context.Context, cmd *bus.StepCommand) error {
	if cmd == nil || cmd.ExecutionID == "" || cmd.Step == "" || cmd.StepRunID == "" {
		// Malformed commands cannot succeed on redelivery.
		w.tel.Logger.Warn(ctx, "dropping malformed step command")
		return nil
	}

	leaseKey := cmd.StepRunID
	if cmd.Iteration != nil {
		leaseKey = pipeline.IterationID(cmd.Iteration.StepRunID, cmd.Iteration.Index)
	}
	ok, err := w.leases.Acquire(ctx, leaseKey, w.id, w.ttl)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		w.tel.Logger.Debug(ctx, "lease held elsewhere", "key", leaseKey)
		return nil
	}
	held, release := lease.Keep(ctx, w.leases, leaseKey, w.id, w.ttl)
	defer release()

	snap, err := w.state.Snapshot(held, cmd.ExecutionID)
	if err != nil {
		return fmt.Errorf("snapshot execution %s: %w", cmd.ExecutionID, err)
	}
	step := snap.Playbook.Step(cmd.Step)
	if step == nil {
		w.tel.Logger.Warn(held, "unknown step in command", "step", cmd.Step)
		return nil
	}

	sc := &scope.Scope{
		ExecutionID: cmd.ExecutionID,
		Workload:    snap.Workload,
		Ctx:         scope.Clone(snap.Ctx),
		Args:        scope.Clone(cmd.Args),
		Keychain:    snap.Keychain,
	}

	if cmd.Iteration != nil {
		return w.runIteration(held, step, cmd, sc)
	}
	return w.runStep(held, step, cmd, sc)
}

// runStep executes a full step run: step.started, the pipeline or loop, and
// the terminal step event.
func (w *StepRunner) runStep(ctx context.Context, step *playbook.Step, cmd *bus.StepCommand, sc *scope.Scope) error {
	if timeout := stepTimeout(step); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := event.New(cmd.ExecutionID, event.SourceWorker, event.StepStarted, event.EntityStepRun, cmd.StepRunID).
		WithParent(cmd.ParentEventID).
		WithPayload(map[string]any{"step": step.Name, "worker": w.id})
	if err := w.sink.Append(ctx, started); err != nil {
		return fmt.Errorf("append step.started: %w", err)
	}

	run := &pipeline.Run{
		ExecutionID:   cmd.ExecutionID,
		StepRunID:     cmd.StepRunID,
		Step:          step.Name,
		ParentEventID: started.EventID,
	}

	start := time.Now()
	var (
		value any
		ref   *outcome.ResultRef
		fail  *outcome.Error
	)
	switch {
	case step.HasLoop():
		value, fail = w.runLoop(ctx, step, run, sc)
	case len(step.Tool) > 0:
		res, err := w.pipelines.Execute(ctx, step, run, sc)
		if err != nil {
			return err
		}
		if res.OK {
			value, ref = res.Value, res.Ref
		} else {
			fail = res.Error
		}
	default:
		// Router-only step: nothing to execute.
	}
	w.tel.Metrics.RecordTimer("noetl.step.duration", time.Since(start), "step", step.Name)

	if fail == nil && ctx.Err() != nil {
		fail = cancellationError(ctx)
	}
	return w.emitStepTerminal(ctx, cmd, step.Name, started.EventID, value, ref, fail)
}

// runIteration executes one distributed loop iteration on behalf of the
// coordinating step run.
func (w *StepRunner) runIteration(ctx context.Context, step *playbook.Step, cmd *bus.StepCommand, sc *scope.Scope) error {
	run := &pipeline.Run{
		ExecutionID:   cmd.ExecutionID,
		StepRunID:     cmd.Iteration.StepRunID,
		Step:          step.Name,
		ParentEventID: cmd.ParentEventID,
	}
	_, err := w.pipelines.ExecuteIteration(ctx, step, run, sc, pipeline.Iteration{
		Index:    cmd.Iteration.Index,
		Value:    cmd.Iteration.Value,
		Iterator: cmd.Iteration.Iterator,
	})
	return err
}

// runLoop evaluates the collection and dispatches iterations per the loop
// spec. It emits loop.started and loop.done and returns the aggregated
// result or the failure that fails the step.
func (w *StepRunner) runLoop(ctx context.Context, step *playbook.Step, run *pipeline.Run, sc *scope.Scope) (any, *outcome.Error) {
	loop := step.Loop
	items, err := w.collection(loop, sc)
	if err != nil {
		return nil, &outcome.Error{Kind: outcome.KindTemplate, Message: err.Error()}
	}

	startEvt := event.New(run.ExecutionID, event.SourceWorker, event.LoopStarted, event.EntityStepRun, run.StepRunID).
		WithParent(run.ParentEventID).
		WithPayload(map[string]any{"step": step.Name, "count": len(items), "mode": string(loop.Mode())})
	if err := w.sink.Append(ctx, startEvt); err != nil {
		return nil, &outcome.Error{Kind: outcome.KindTool, Retryable: true, Message: err.Error()}
	}

	var summary *loopSummary
	var runErr error
	switch {
	case loop.Exec() == playbook.ExecDistributed:
		summary, runErr = w.distributedLoop(ctx, step, run, items)
	case loop.Mode() == playbook.LoopParallel:
		summary, runErr = w.parallelLoop(ctx, step, run, sc, items)
	default:
		summary, runErr = w.sequentialLoop(ctx, step, run, sc, items)
	}
	if runErr != nil {
		return nil, &outcome.Error{Kind: outcome.KindTool, Retryable: true, Message: runErr.Error()}
	}

	doneEvt := event.New(run.ExecutionID, event.SourceWorker, event.LoopDone, event.EntityStepRun, run.StepRunID).
		WithParent(run.ParentEventID).
		WithPayload(map[string]any{
			"step":    step.Name,
			"count":   len(items),
			"success": summary.succeeded,
			"failed":  summary.failed,
		})
	if err := w.sink.Append(ctx, doneEvt); err != nil {
		return nil, &outcome.Error{Kind: outcome.KindTool, Retryable: true, Message: err.Error()}
	}

	if summary.failed > 0 && loop.OnError() == playbook.FailFast {
		return nil, summary.firstErr
	}
	return summary.results, nil
}

// sequentialLoop runs iterations one at a time in collection order. Under
// fail-fast the first failure stops the loop.
func (w *StepRunner) sequentialLoop(ctx context.Context, step *playbook.Step, run *pipeline.Run, sc *scope.Scope, items []any) (*loopSummary, error) {
	failFast := step.Loop.OnError() == playbook.FailFast
	summary := &loopSummary{results: make([]any, len(items))}
	for i, item := range items {
		res, err := w.pipelines.ExecuteIteration(ctx, step, run, sc, pipeline.Iteration{
			Index:    i,
			Value:    item,
			Iterator: step.Loop.Iterator,
		})
		if err != nil {
			return nil, err
		}
		if res.OK {
			summary.results[i] = res.Value
			summary.succeeded++
			continue
		}
		summary.record(res.Error)
		if failFast {
			break
		}
	}
	return summary, nil
}

// parallelLoop runs up to max_in_flight iterations concurrently. Fail-fast
// cancels in-flight iterations on the first failure; best-effort lets all
// iterations finish.
func (w *StepRunner) parallelLoop(ctx context.Context, step *playbook.Step, run *pipeline.Run, sc *scope.Scope, items []any) (*loopSummary, error) {
	limit := step.Loop.Spec.MaxInFlight
	if limit <= 0 {
		limit = len(items)
	}
	failFast := step.Loop.OnError() == playbook.FailFast

	sem := semaphore.NewWeighted(int64(limit))
	g, runCtx := errgroup.WithContext(ctx)
	summary := &loopSummary{results: make([]any, len(items))}
	var mu sync.Mutex
	for i, item := range items {
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			res, err := w.pipelines.ExecuteIteration(runCtx, step, run, sc, pipeline.Iteration{
				Index:    i,
				Value:    item,
				Iterator: step.Loop.Iterator,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if res.OK {
				summary.results[i] = res.Value
				summary.succeeded++
				return nil
			}
			summary.record(res.Error)
			if failFast {
				return fmt.Errorf("iteration %d failed: %s", i, res.Error.Message)
			}
			return nil
		})
	}
	err := g.Wait()
	if err != nil && summary.firstErr != nil {
		// Fail-fast stop: the iteration failure is the step failure; the
		// errgroup error only served as the cancellation signal.
		return summary, nil
	}
	return summary, err
}

// distributedLoop enqueues one command per iteration and waits for their
// terminal events through the watcher.
func (w *StepRunner) distributedLoop(ctx context.Context, step *playbook.Step, run *pipeline.Run, items []any) (*loopSummary, error) {
	if w.bus == nil || w.watcher == nil {
		return nil, errors.New("distributed loops require a bus and an iteration watcher")
	}
	for i, item := range items {
		cmd := &bus.StepCommand{
			ID:            pipeline.IterationID(run.StepRunID, i),
			ExecutionID:   run.ExecutionID,
			Step:          step.Name,
			StepRunID:     run.StepRunID,
			ParentEventID: run.ParentEventID,
			Iteration: &bus.IterationSeed{
				Index:     i,
				Value:     item,
				Iterator:  step.Loop.Iterator,
				StepRunID: run.StepRunID,
			},
		}
		if err := w.bus.Enqueue(ctx, bus.DefaultQueue, cmd); err != nil {
			return nil, fmt.Errorf("enqueue iteration %d: %w", i, err)
		}
	}

	summary := &loopSummary{results: make([]any, len(items))}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		terminal, err := w.watcher.Terminal(ctx, run.ExecutionID, run.StepRunID)
		if err != nil {
			return nil, err
		}
		if len(terminal) >= len(items) {
			for i := range items {
				e, ok := terminal[i]
				if !ok {
					continue
				}
				if e.Name == event.LoopIterationFail {
					payload := e.PayloadMap()
					msg, _ := payload["error"].(map[string]any)
					summary.record(&outcome.Error{
						Kind:    fmt.Sprint(msg["kind"]),
						Message: fmt.Sprint(msg["message"]),
					})
					continue
				}
				summary.results[i] = e.PayloadMap()["result"]
				summary.succeeded++
			}
			return summary, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// collection evaluates loop.in into an ordered slice. Both template form
// ("{{ workload.cities }}") and bare expression form ("workload.cities")
// are accepted.
func (w *StepRunner) collection(loop *playbook.Loop, sc *scope.Scope) ([]any, error) {
	env := sc.Env()
	v, err := w.tmpl.RenderValue(loop.In, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate loop.in: %w", err)
	}
	if s, ok := v.(string); ok && s == loop.In {
		if v, err = w.tmpl.Eval(loop.In, env); err != nil {
			return nil, fmt.Errorf("evaluate loop.in: %w", err)
		}
	}
	switch items := v.(type) {
	case []any:
		return items, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("loop.in must yield a sequence, got %T", v)
	}
}

func (w *StepRunner) emitStepTerminal(ctx context.Context, cmd *bus.StepCommand, stepName, parentID string, value any, ref *outcome.ResultRef, fail *outcome.Error) error {
	payload := map[string]any{"step": stepName}
	name := event.StepDone
	status := "done"
	if fail != nil {
		name = event.StepFailed
		status = "failed"
		payload["error"] = map[string]any{
			"kind":      fail.Kind,
			"retryable": fail.Retryable,
			"message":   fail.Message,
		}
	} else {
		if ref != nil {
			payload["ref"] = ref.AsMap()
		} else {
			payload["result"] = value
		}
	}
	e := event.New(cmd.ExecutionID, event.SourceWorker, name, event.EntityStepRun, cmd.StepRunID).
		WithParent(parentID).
		WithPayload(payload)
	e.Status = status
	// Terminal step events must land even when the run context expired.
	return w.sink.Append(context.WithoutCancel(ctx), e)
}

func stepTimeout(step *playbook.Step) time.Duration {
	if step.Spec == nil {
		return 0
	}
	return time.Duration(step.Spec.Timeout)
}

func cancellationError(ctx context.Context) *outcome.Error {
	kind := outcome.KindCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = outcome.KindTimeout
	}
	return &outcome.Error{Kind: kind, Message: ctx.Err().Error()}
}

func (s *loopSummary) record(err *outcome.Error) {
	s.failed++
	if s.firstErr == nil {
		s.firstErr = err
	}
}
