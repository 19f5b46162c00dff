package control

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/runtime/workflow/event"
	"github.com/noetl/noetl/runtime/workflow/scope"
	"github.com/noetl/noetl/runtime/workflow/tmpl"
)

// router turns terminal step events into new tokens by evaluating the
// step's outgoing arcs. Exclusive mode fires the first truthy arc in YAML
// order; inclusive mode fires every truthy arc.
type router struct {
	tmpl tmpl.Evaluator
	sink event.Sink
}

// route evaluates the arcs of the step that produced the terminal event e
// and returns the tokens to forward to admission. It emits next.evaluated
// (or route.error when a guard is broken).
func (r *router) route(ctx context.Context, st *ExecutionState, e *event.Event) ([]Token, error) {
	run, ok := st.StepRuns[e.EntityID]
	if !ok || run.Step == "" {
		return nil, nil
	}
	step := st.Playbook.Step(run.Step)
	if step == nil || step.Next == nil || len(step.Next.Arcs) == 0 {
		return nil, nil
	}

	sc := &scope.Scope{
		ExecutionID: st.ExecutionID,
		Workload:    st.Workload,
		Ctx:         st.Ctx,
		Keychain:    st.Keychain,
		Event:       e.AsMap(),
	}
	env := sc.Env()

	mode := step.Next.Mode()
	exclusive := mode != playbook.RouteInclusive
	var tokens []Token
	var fired []string
	for i, arc := range step.Next.Arcs {
		truthy := true
		if arc.When != "" {
			var err error
			truthy, err = r.tmpl.EvalBool(arc.When, env)
			if err != nil {
				r.emitRouteError(ctx, st, e, run.Step, i, err)
				return nil, fmt.Errorf("arc %d of step %q: %w", i, run.Step, err)
			}
		}
		if !truthy {
			continue
		}
		args, err := r.renderArgs(arc.Args, env)
		if err != nil {
			r.emitRouteError(ctx, st, e, run.Step, i, err)
			return nil, fmt.Errorf("arc %d of step %q: %w", i, run.Step, err)
		}
		tokens = append(tokens, Token{
			Step:          arc.Step,
			Args:          args,
			ParentEventID: e.EventID,
			Event:         e.AsMap(),
		})
		fired = append(fired, arc.Step)
		if exclusive {
			break
		}
	}

	evaluated := event.New(st.ExecutionID, event.SourceServer, event.NextEvaluated, event.EntityStepRun, e.EntityID).
		WithParent(e.EventID).
		WithPayload(map[string]any{
			"step":  run.Step,
			"mode":  string(mode),
			"fired": fired,
		})
	if err := r.sink.Append(ctx, evaluated); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *router) renderArgs(args map[string]any, env map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	rendered, err := r.tmpl.RenderValue(args, env)
	if err != nil {
		return nil, fmt.Errorf("render args: %w", err)
	}
	m, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rendered args are not a map")
	}
	return m, nil
}

func (r *router) emitRouteError(ctx context.Context, st *ExecutionState, e *event.Event, step string, arc int, cause error) {
	evt := event.New(st.ExecutionID, event.SourceServer, event.RouteError, event.EntityStepRun, e.EntityID).
		WithParent(e.EventID).
		WithPayload(map[string]any{"step": step, "arc": arc, "error": cause.Error()})
	_ = r.sink.Append(ctx, evt)
}
