// Package policy implements the two rule engines driven by playbook data:
// the task policy evaluator that turns a tool outcome into a pipeline
// directive, and the admission gate that decides whether a token enters a
// step. Both evaluate ordered rules top to bottom; the first truthy guard
// wins.
package policy

import (
	"fmt"
	"time"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/runtime/workflow/outcome"
	"github.com/noetl/noetl/runtime/workflow/scope"
	"github.com/noetl/noetl/runtime/workflow/tmpl"
)

type (
	// Decision is the policy verdict for one task outcome: the directive to
	// apply, retry timing when the directive is retry, and the rendered
	// scoped patches. Patches apply atomically with the directive.
	Decision struct {
		// Directive is continue, retry, jump, break or fail.
		Directive playbook.Directive
		// To is the jump target when Directive is jump.
		To string
		// Delay is the wait before the next attempt when Directive is retry.
		Delay time.Duration
		// SetIter holds rendered iteration-local patches.
		SetIter map[string]any
		// SetCtx holds rendered execution-wide patches.
		SetCtx map[string]any
		// Exhausted reports a retry rule downgraded to fail because the
		// attempts bound was reached.
		Exhausted bool
	}

	// Admit is the admission gate verdict.
	Admit struct {
		Allow  bool
		Reason string
	}

	// Evaluator evaluates task policies and admission gates.
	Evaluator struct {
		tmpl tmpl.Evaluator
	}
)

// DefaultAttempts bounds retries when a retry rule does not set attempts.
const DefaultAttempts = 3

// New returns an evaluator using the given template engine.
func New(t tmpl.Evaluator) *Evaluator {
	return &Evaluator{tmpl: t}
}

// Task evaluates the task policy against an outcome. sc must carry the
// pipeline locals (_prev, _task, _attempt); the outcome view is added here.
// A nil policy yields the defaults: continue on ok, fail on error.
func (e *Evaluator) Task(pol *playbook.TaskPolicy, oc *outcome.Outcome, sc *scope.Scope) (*Decision, error) {
	env := sc.WithOutcome(oc.AsMap()).Env()

	then, err := e.selectRule(pol, env)
	if err != nil {
		return nil, err
	}
	if then == nil {
		if oc.Failed() {
			return &Decision{Directive: playbook.DirectiveFail}, nil
		}
		return &Decision{Directive: playbook.DirectiveContinue}, nil
	}

	d := &Decision{Directive: then.Do, To: then.To}
	if d.SetIter, err = e.renderPatch(then.SetIter, env); err != nil {
		return nil, err
	}
	if d.SetCtx, err = e.renderPatch(then.SetCtx, env); err != nil {
		return nil, err
	}

	if then.Do == playbook.DirectiveRetry {
		attempts := then.Attempts
		if attempts <= 0 {
			attempts = DefaultAttempts
		}
		if sc.Attempt >= attempts {
			// Retries exhausted: canonical behavior is fail. Patches still
			// apply so counters written by the rule survive.
			d.Directive = playbook.DirectiveFail
			d.Exhausted = true
			return d, nil
		}
		d.Delay = retryDelay(then, sc.Attempt)
	}
	return d, nil
}

// Admission evaluates the step's admission gate against an arriving token.
// An omitted gate allows. sc carries workload, ctx, args and optionally the
// boundary event view.
func (e *Evaluator) Admission(gate *playbook.Admission, sc *scope.Scope) (*Admit, error) {
	if gate == nil || len(gate.Rules) == 0 {
		return &Admit{Allow: true}, nil
	}
	env := sc.Env()
	for i, rule := range gate.Rules {
		if rule == nil {
			continue
		}
		ok, err := e.match(rule.When, env)
		if err != nil {
			return nil, fmt.Errorf("admission rule %d: %w", i, err)
		}
		if ok {
			return &Admit{Allow: rule.Allow, Reason: rule.Reason}, nil
		}
	}
	if gate.Else != nil {
		return &Admit{Allow: gate.Else.Allow, Reason: gate.Else.Reason}, nil
	}
	return &Admit{Allow: true}, nil
}

// selectRule returns the matched rule's then clause, the else clause when no
// rule matches, or nil for the built-in defaults.
func (e *Evaluator) selectRule(pol *playbook.TaskPolicy, env map[string]any) (*playbook.Then, error) {
	if pol == nil {
		return nil, nil
	}
	for i, rule := range pol.Rules {
		if rule == nil || rule.Then == nil {
			continue
		}
		ok, err := e.match(rule.When, env)
		if err != nil {
			return nil, fmt.Errorf("policy rule %d: %w", i, err)
		}
		if ok {
			return rule.Then, nil
		}
	}
	return pol.Else, nil
}

// match treats an omitted guard as always true.
func (e *Evaluator) match(when string, env map[string]any) (bool, error) {
	if when == "" {
		return true, nil
	}
	return e.tmpl.EvalBool(when, env)
}

func (e *Evaluator) renderPatch(patch map[string]any, env map[string]any) (map[string]any, error) {
	if len(patch) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		rendered, err := e.tmpl.RenderValue(v, env)
		if err != nil {
			return nil, fmt.Errorf("render patch %q: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

// retryDelay computes the wait before attempt n+1 from the rule's backoff
// curve: none is the fixed delay, linear is delay*n, exponential is
// delay*2^(n-1), where n is the attempt that just failed.
func retryDelay(then *playbook.Then, attempt int) time.Duration {
	base := time.Duration(then.Delay)
	if base <= 0 || attempt < 1 {
		return 0
	}
	switch then.Backoff {
	case playbook.BackoffLinear:
		return base * time.Duration(attempt)
	case playbook.BackoffExponential:
		return base << (attempt - 1)
	default:
		return base
	}
}
