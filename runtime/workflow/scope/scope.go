// Package scope assembles the layered evaluation context exposed to
// templates and guards: the immutable merged workload, the execution-wide
// ctx store, iteration-local state, token args, pipeline locals, resolved
// keychain values, and the eval-only outcome and event views.
package scope

type (
	// Scope is one evaluation context. Values are plain JSON-shaped Go
	// values (nil, bool, int64/float64, string, []any, map[string]any).
	// Scope fields are never mutated by the evaluator; the runners build a
	// fresh Scope per evaluation site.
	Scope struct {
		// ExecutionID identifies the running execution.
		ExecutionID string
		// Workload is the immutable merged input.
		Workload map[string]any
		// Ctx is the execution-wide mutable map projected from set_ctx
		// patches.
		Ctx map[string]any
		// Iter is the iteration-local map. Nil outside loops.
		Iter map[string]any
		// Args is the token payload delivered by the arriving arc.
		Args map[string]any
		// Keychain holds resolved credentials, read-only.
		Keychain map[string]any
		// Prev is the previous task's outcome result (pipeline local _prev).
		Prev any
		// Task is the current task label (pipeline local _task).
		Task string
		// Attempt is the 1-based attempt counter (pipeline local _attempt).
		Attempt int
		// Outcome is the policy-eval-only view of the current task outcome.
		Outcome map[string]any
		// Event is the routing-eval-only view of the terminal step event.
		Event map[string]any
	}
)

// Env flattens the scope into a template environment. Named scopes are
// always addressable (workload.x, ctx.y, iter.z, args.a, keychain.k) and
// bare keys resolve by the documented read precedence: args over ctx over
// iter over workload.
func (s *Scope) Env() map[string]any {
	env := make(map[string]any, 16)
	for _, layer := range []map[string]any{s.Workload, s.Iter, s.Ctx, s.Args} {
		for k, v := range layer {
			env[k] = v
		}
	}
	env["execution_id"] = s.ExecutionID
	env["workload"] = orEmpty(s.Workload)
	env["ctx"] = orEmpty(s.Ctx)
	env["iter"] = orEmpty(s.Iter)
	env["args"] = orEmpty(s.Args)
	env["keychain"] = orEmpty(s.Keychain)
	env["_prev"] = s.Prev
	env["_task"] = s.Task
	env["_attempt"] = s.Attempt
	if s.Outcome != nil {
		env["outcome"] = s.Outcome
	}
	if s.Event != nil {
		env["event"] = s.Event
	}
	return env
}

// WithIter returns a shallow copy of the scope with the given iteration map.
func (s *Scope) WithIter(iter map[string]any) *Scope {
	dup := *s
	dup.Iter = iter
	return &dup
}

// WithOutcome returns a shallow copy of the scope exposing the outcome view.
func (s *Scope) WithOutcome(oc map[string]any) *Scope {
	dup := *s
	dup.Outcome = oc
	return &dup
}

// WithEvent returns a shallow copy of the scope exposing the event view.
func (s *Scope) WithEvent(ev map[string]any) *Scope {
	dup := *s
	dup.Event = ev
	return &dup
}

// Merge deep-merges overlay into base and returns a new map; overlay wins on
// scalar conflicts, nested maps merge recursively. Neither input is mutated.
// The orchestrator uses it to fold the request payload into the playbook
// workload defaults.
func Merge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = Merge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of a JSON-shaped map. Runners use it to hand
// iteration-local state to concurrent iterations without sharing.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Clone(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
