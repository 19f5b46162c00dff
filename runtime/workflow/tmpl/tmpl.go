// Package tmpl implements the template evaluator contract used throughout
// the engine: rendering {{ expr }} interpolations and evaluating boolean
// guards against a context map.
//
// Expressions are compiled with expr-lang and cached, so guards declared in
// playbook policies compile once and evaluate many times. The evaluator never
// mutates the context it is given.
package tmpl

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type (
	// Evaluator renders templates and evaluates guard expressions against a
	// context map. Implementations must be safe for concurrent use and must
	// not mutate the context.
	Evaluator interface {
		// Render interpolates {{ expr }} segments in s and returns the
		// resulting string.
		Render(s string, env map[string]any) (string, error)
		// RenderValue deep-renders v: strings are interpolated (a string that
		// is a single {{ expr }} yields the expression's value, preserving
		// its type), maps and lists are rendered element-wise.
		RenderValue(v any, env map[string]any) (any, error)
		// Eval evaluates a bare expression and returns its value.
		Eval(expression string, env map[string]any) (any, error)
		// EvalBool evaluates a guard expression and coerces the result to a
		// boolean using truthiness rules (nil, false, zero, empty are false).
		EvalBool(expression string, env map[string]any) (bool, error)
	}

	// ExprEvaluator is the expr-lang backed Evaluator. Compiled programs are
	// cached by expression text.
	ExprEvaluator struct {
		mu    sync.RWMutex
		cache map[string]*vm.Program
	}
)

// New returns an ExprEvaluator with an empty compile cache.
func New() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// interpolation matches {{ expr }} segments, non-greedy.
var interpolation = regexp.MustCompile(`\{\{(.*?)\}\}`)

// builtins are helper functions available to every expression.
var builtins = map[string]any{
	// default returns fallback when v is nil or the empty string, mirroring
	// the Jinja "| default" filter playbooks ported from v1 rely on.
	"default": func(v, fallback any) any {
		if v == nil || v == "" {
			return fallback
		}
		return v
	},
}

// Eval implements Evaluator.
func (e *ExprEvaluator) Eval(expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, withBuiltins(env))
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", expression, err)
	}
	return out, nil
}

// EvalBool implements Evaluator.
func (e *ExprEvaluator) EvalBool(expression string, env map[string]any) (bool, error) {
	out, err := e.Eval(expression, env)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Render implements Evaluator.
func (e *ExprEvaluator) Render(s string, env map[string]any) (string, error) {
	v, err := e.RenderValue(s, env)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// RenderValue implements Evaluator.
func (e *ExprEvaluator) RenderValue(v any, env map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return e.renderString(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := e.RenderValue(item, env)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := e.RenderValue(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func (e *ExprEvaluator) renderString(s string, env map[string]any) (any, error) {
	matches := interpolation.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	// A string that is exactly one interpolation yields the raw value so
	// loop collections and numeric patches keep their types.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return e.Eval(strings.TrimSpace(s[matches[0][2]:matches[0][3]]), env)
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		out, err := e.Eval(strings.TrimSpace(s[m[2]:m[3]]), env)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(out))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// withBuiltins overlays helper functions on the caller's env without
// mutating it.
func withBuiltins(env map[string]any) map[string]any {
	out := make(map[string]any, len(env)+len(builtins))
	for k, v := range builtins {
		out[k] = v
	}
	for k, v := range env {
		out[k] = v
	}
	return out
}

// Truthy reports the guard truthiness of a value: nil, false, zero numbers,
// empty strings and empty collections are false; everything else is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Array:
			return rv.Len() > 0
		}
		return true
	}
}

// Stringify renders a value for string interpolation: strings pass through,
// scalars use their Go form, and composites render as compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", val)
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(out)
	}
}
