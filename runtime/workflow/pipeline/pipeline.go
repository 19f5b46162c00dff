// Package pipeline executes a step's labeled task list: a program counter
// walks the tasks in order, each outcome is fed to the task policy, and the
// resulting directive drives retries, jumps, breaks and failures. The runner
// owns the pipeline locals (_prev, _task, _attempt) and emits task.* events.
//
// Attempt counters are keyed by action id, which folds in the jump epoch:
// jumping back to a task starts a fresh action with a fresh attempt counter,
// which is what makes policy-driven pagination loops possible.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/runtime/workflow/artifact"
	"github.com/noetl/noetl/runtime/workflow/driver"
	"github.com/noetl/noetl/runtime/workflow/event"
	"github.com/noetl/noetl/runtime/workflow/outcome"
	"github.com/noetl/noetl/runtime/workflow/policy"
	"github.com/noetl/noetl/runtime/workflow/scope"
	"github.com/noetl/noetl/runtime/workflow/telemetry"
	"github.com/noetl/noetl/runtime/workflow/tmpl"
)

type (
	// Options configures a pipeline runner.
	Options struct {
		// Tmpl renders task configs and policy patches. Required.
		Tmpl tmpl.Evaluator
		// Policy evaluates task policies. Required.
		Policy *policy.Evaluator
		// Drivers resolves task kinds. Required.
		Drivers *driver.Registry
		// Sink receives task and iteration events. Required.
		Sink event.Sink
		// Artifacts externalizes oversized results. Optional; without it
		// oversized results fail the task.
		Artifacts artifact.Store
		// InlinePolicy is the reference-first cap. Zero values use defaults.
		InlinePolicy artifact.Policy
		// Telemetry instruments runs. Nil fields become no-ops.
		Telemetry telemetry.Set
		// Sleep waits between retry attempts. Defaults to a context-aware
		// timer; tests inject a fake.
		Sleep func(ctx context.Context, d time.Duration) error
	}

	// Runner executes pipelines.
	Runner struct {
		tmpl    tmpl.Evaluator
		policy  *policy.Evaluator
		drivers *driver.Registry
		sink    event.Sink
		store   artifact.Store
		inline  artifact.Policy
		tel     telemetry.Set
		sleep   func(ctx context.Context, d time.Duration) error
	}

	// Run identifies one pipeline execution within an execution.
	Run struct {
		// ExecutionID identifies the execution.
		ExecutionID string
		// StepRunID identifies the step run.
		StepRunID string
		// Step is the step name, for event payloads.
		Step string
		// IterationID is set when the pipeline runs inside a loop.
		IterationID string
		// Iteration is the 0-based loop index; nil outside loops.
		Iteration *int
		// ParentEventID links emitted events to their cause.
		ParentEventID string
	}

	// Result is the terminal state of one pipeline run.
	Result struct {
		// OK reports pipeline success (end of list or break).
		OK bool
		// Value is the step result: the last successful task's result value
		// (inline value or reference map).
		Value any
		// Ref is the last successful task's reference, when externalized.
		Ref *outcome.ResultRef
		// Error is the failure cause when OK is false.
		Error *outcome.Error
	}
)

// New returns a pipeline runner.
func New(opts Options) (*Runner, error) {
	if opts.Tmpl == nil {
		return nil, errors.New("template evaluator is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("policy evaluator is required")
	}
	if opts.Drivers == nil {
		return nil, errors.New("driver registry is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("event sink is required")
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = waitFor
	}
	inline := opts.InlinePolicy
	if inline.InlineMaxBytes <= 0 {
		inline = artifact.DefaultPolicy()
	}
	return &Runner{
		tmpl:    opts.Tmpl,
		policy:  opts.Policy,
		drivers: opts.Drivers,
		sink:    opts.Sink,
		store:   opts.Artifacts,
		inline:  inline,
		tel:     opts.Telemetry.OrNoop(),
		sleep:   sleep,
	}, nil
}

// ActionID derives the stable identity of a task invocation site. Attempts
// of the same task share it; a jump bumps the epoch and yields a new one.
func ActionID(executionID, stepRunID, iterationID, label string, epoch int) string {
	h := xxhash.New()
	for _, part := range []string{executionID, stepRunID, iterationID, label, strconv.Itoa(epoch)} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0x1f})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Execute runs the step's pipeline to a terminal state. sc is the evaluation
// scope for the run; its Iter and Ctx maps are updated in place as policy
// patches apply, so callers observe iteration state after the run.
func (r *Runner) Execute(ctx context.Context, step *playbook.Step, run *Run, sc *scope.Scope) (*Result, error) {
	pc := 0
	epoch := 0
	attempts := make(map[string]int)
	var last *outcome.Outcome

	for pc < len(step.Tool) {
		task := step.Tool[pc]
		actionID := ActionID(run.ExecutionID, run.StepRunID, run.IterationID, task.Label, epoch)
		attempts[actionID]++
		attempt := attempts[actionID]

		sc.Task = task.Label
		sc.Attempt = attempt

		oc := r.invoke(ctx, task, run, sc, actionID, attempt)

		decision, err := r.policy.Task(taskPolicy(task), oc, sc)
		if err != nil {
			// A broken guard is a template error: deterministic, so not
			// retryable.
			oc = outcome.Fail(&outcome.Error{
				Kind:    outcome.KindTemplate,
				Message: err.Error(),
			}, oc.Meta)
			decision = &policy.Decision{Directive: playbook.DirectiveFail}
		}

		r.applyPatches(sc, decision)
		if err := r.emitTerminal(ctx, task, run, oc, decision, actionID, attempt); err != nil {
			return nil, err
		}

		switch decision.Directive {
		case playbook.DirectiveContinue:
			sc.Prev = oc.Value()
			last = oc
			pc++
		case playbook.DirectiveRetry:
			if decision.Delay > 0 {
				if err := r.sleep(ctx, decision.Delay); err != nil {
					return cancelledResult(), nil
				}
			}
		case playbook.DirectiveJump:
			target := indexOf(step.Tool, decision.To)
			if target < 0 {
				// Validated at parse time; a miss here means the playbook
				// changed under us.
				return &Result{Error: &outcome.Error{
					Kind:    outcome.KindTemplate,
					Message: fmt.Sprintf("jump target %q not in pipeline", decision.To),
				}}, nil
			}
			sc.Prev = oc.Value()
			last = oc
			pc = target
			epoch++
		case playbook.DirectiveBreak:
			sc.Prev = oc.Value()
			return success(oc), nil
		case playbook.DirectiveFail:
			return &Result{Error: failureOf(oc)}, nil
		default:
			return &Result{Error: &outcome.Error{
				Kind:    outcome.KindTemplate,
				Message: fmt.Sprintf("unknown directive %q", decision.Directive),
			}}, nil
		}

		if ctx.Err() != nil {
			return cancelledResult(), nil
		}
	}
	return success(last), nil
}

// invoke renders the task, emits task.started and runs the driver. Driver
// and rendering failures come back as error outcomes, never as Go errors,
// so policy always gets a say.
func (r *Runner) invoke(ctx context.Context, task *playbook.Task, run *Run, sc *scope.Scope, actionID string, attempt int) *outcome.Outcome {
	started := event.New(run.ExecutionID, event.SourceWorker, event.TaskStarted, event.EntityTask, actionID).
		WithParent(run.ParentEventID).
		WithPayload(map[string]any{"step": run.Step, "task": task.Label, "kind": task.Kind})
	started.Attempt = attempt
	if run.Iteration != nil {
		started.WithIteration(*run.Iteration)
	}
	if err := r.sink.Append(ctx, started); err != nil {
		return infraFailure(attempt, fmt.Errorf("append task.started: %w", err))
	}

	meta := outcome.Meta{Attempt: attempt, TS: time.Now().UTC()}
	env := sc.Env()

	config, err := r.renderConfig(task.Config, env)
	if err != nil {
		return outcome.Fail(&outcome.Error{Kind: outcome.KindTemplate, Message: err.Error()}, meta)
	}
	timeout := taskTimeout(task.Spec)

	d, ok := r.drivers.Lookup(task.Kind)
	if !ok {
		return outcome.Fail(&outcome.Error{
			Kind:    outcome.KindTool,
			Message: fmt.Sprintf("no driver for kind %q", task.Kind),
		}, meta)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	oc, err := d.Execute(callCtx, &driver.Request{
		Kind:      task.Kind,
		Label:     task.Label,
		Config:    config,
		Timeout:   timeout,
		Attempt:   attempt,
		Artifacts: r.store,
		Policy:    r.inline,
	})
	r.tel.Metrics.RecordTimer("noetl.task.duration", time.Since(start), "kind", task.Kind)
	switch {
	case err != nil && ctx.Err() != nil:
		return outcome.Fail(&outcome.Error{Kind: outcome.KindCancelled, Message: ctx.Err().Error()}, meta)
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return outcome.Fail(&outcome.Error{Kind: outcome.KindTimeout, Retryable: true, Message: err.Error()}, meta)
	case err != nil:
		return infraFailure(attempt, err)
	case oc == nil:
		return infraFailure(attempt, errors.New("driver returned no outcome"))
	}
	if oc.Meta.Attempt == 0 {
		oc.Meta.Attempt = attempt
	}
	return oc
}

// emitTerminal appends task.done or task.failed carrying the outcome and the
// policy verdict. Ctx patches ride in the event so the projector applies
// them in event order.
func (r *Runner) emitTerminal(ctx context.Context, task *playbook.Task, run *Run, oc *outcome.Outcome, decision *policy.Decision, actionID string, attempt int) error {
	name := event.TaskDone
	status := string(outcome.StatusOK)
	if oc.Failed() {
		name = event.TaskFailed
		status = string(outcome.StatusError)
	}
	payload := map[string]any{
		"step":      run.Step,
		"task":      task.Label,
		"outcome":   oc.AsMap(),
		"directive": string(decision.Directive),
	}
	if len(decision.SetCtx) > 0 {
		payload["set_ctx"] = decision.SetCtx
	}
	if len(decision.SetIter) > 0 {
		payload["set_iter"] = decision.SetIter
	}
	e := event.New(run.ExecutionID, event.SourceWorker, name, event.EntityTask, actionID).
		WithParent(run.ParentEventID).
		WithPayload(payload)
	e.Status = status
	e.Attempt = attempt
	if run.Iteration != nil {
		e.WithIteration(*run.Iteration)
	}
	return r.sink.Append(ctx, e)
}

// applyPatches folds the decision's patches into the live scope so later
// tasks in this run read their own writes. The projector applies the same
// patches durably from the task event.
func (r *Runner) applyPatches(sc *scope.Scope, decision *policy.Decision) {
	if len(decision.SetIter) > 0 {
		if sc.Iter == nil {
			sc.Iter = make(map[string]any, len(decision.SetIter))
		}
		for k, v := range decision.SetIter {
			sc.Iter[k] = v
		}
	}
	if len(decision.SetCtx) > 0 {
		if sc.Ctx == nil {
			sc.Ctx = make(map[string]any, len(decision.SetCtx))
		}
		for k, v := range decision.SetCtx {
			sc.Ctx[k] = v
		}
	}
}

func (r *Runner) renderConfig(config map[string]any, env map[string]any) (map[string]any, error) {
	if len(config) == 0 {
		return map[string]any{}, nil
	}
	rendered, err := r.tmpl.RenderValue(config, env)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	m, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rendered config is not a map")
	}
	return m, nil
}

func taskTimeout(spec *playbook.TaskSpec) time.Duration {
	if spec == nil {
		return 0
	}
	return time.Duration(spec.Timeout)
}

func taskPolicy(task *playbook.Task) *playbook.TaskPolicy {
	if task.Spec == nil {
		return nil
	}
	return task.Spec.Policy
}

func indexOf(tasks playbook.TaskList, label string) int {
	for i, t := range tasks {
		if t.Label == label {
			return i
		}
	}
	return -1
}

func success(last *outcome.Outcome) *Result {
	res := &Result{OK: true}
	if last != nil {
		res.Value = last.Value()
		res.Ref = last.Ref
	}
	return res
}

func failureOf(oc *outcome.Outcome) *outcome.Error {
	if oc.Error != nil {
		return oc.Error
	}
	return &outcome.Error{Kind: outcome.KindTool, Message: "task failed"}
}

func cancelledResult() *Result {
	return &Result{Error: &outcome.Error{Kind: outcome.KindCancelled, Message: "pipeline cancelled"}}
}

func infraFailure(attempt int, err error) *outcome.Outcome {
	return outcome.Fail(&outcome.Error{
		Kind:      outcome.KindTool,
		Retryable: true,
		Message:   err.Error(),
	}, outcome.Meta{Attempt: attempt, TS: time.Now().UTC()})
}

// waitFor sleeps for d or until ctx ends.
func waitFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
