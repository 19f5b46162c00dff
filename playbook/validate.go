package playbook

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON string

// KindChecker reports whether a tool kind has a registered driver. The
// driver registry satisfies this interface.
type KindChecker interface {
	Registered(kind string) bool
}

// deprecatedStepKeys are legacy v1 step attributes removed from the v2 model.
var deprecatedStepKeys = []string{"when", "case", "retry", "sink", "eval", "expr"}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("playbook-v2.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("playbook-v2.json")
	})
	return schema, schemaErr
}

// Validate enforces the playbook invariants:
//
//   - the document identifies the canonical v2 apiVersion and kind and
//     conforms to the embedded JSON Schema
//   - step names are unique and every step declares tool or next
//   - arcs reference known steps
//   - loops declare both in and iterator
//   - task labels are unique within their pipeline
//   - no deprecated v1 keys (root vars, step.when, case, retry, sink, eval,
//     expr, step.spec.next_mode)
//   - task policies are objects with rules, every then clause has a known
//     directive, jump targets stay inside the same pipeline
//   - every task kind is registered (skipped when kinds is nil)
//
// It returns nil or a ValidationErrors value listing every defect found.
func (p *Playbook) Validate(kinds KindChecker) error {
	var errs ValidationErrors

	errs = append(errs, p.validateDocument()...)
	errs = append(errs, p.validateDeprecated()...)

	seen := make(map[string]struct{}, len(p.Workflow))
	for _, s := range p.Workflow {
		path := "workflow." + s.Name
		if _, dup := seen[s.Name]; dup {
			errs = append(errs, &ValidationError{Kind: DuplicateName, Path: path, Message: "step name is not unique"})
		}
		seen[s.Name] = struct{}{}
		if len(s.Tool) == 0 && s.Next == nil {
			errs = append(errs, &ValidationError{Kind: BadDocument, Path: path, Message: "step must declare tool or next"})
		}
		if s.Loop != nil && (s.Loop.In == "" || s.Loop.Iterator == "") {
			errs = append(errs, &ValidationError{Kind: MissingLoopField, Path: path + ".loop", Message: "loop requires both in and iterator"})
		}
		errs = append(errs, validatePipeline(path, s.Tool, p.Workbook, kinds)...)
	}

	for _, s := range p.Workflow {
		if s.Next == nil {
			continue
		}
		for i, arc := range s.Next.Arcs {
			if _, ok := seen[arc.Step]; !ok {
				errs = append(errs, &ValidationError{
					Kind:    UnknownStep,
					Path:    fmt.Sprintf("workflow.%s.next.arcs[%d]", s.Name, i),
					Message: fmt.Sprintf("arc targets unknown step %q", arc.Step),
				})
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (p *Playbook) validateDocument() ValidationErrors {
	var errs ValidationErrors
	if p.APIVersion != APIVersion {
		errs = append(errs, &ValidationError{Kind: BadDocument, Path: "apiVersion", Message: fmt.Sprintf("must be %q", APIVersion)})
	}
	if p.Kind != Kind {
		errs = append(errs, &ValidationError{Kind: BadDocument, Path: "kind", Message: fmt.Sprintf("must be %q", Kind)})
	}
	if p.raw != nil {
		sch, err := compiledSchema()
		if err != nil {
			errs = append(errs, &ValidationError{Kind: BadDocument, Message: fmt.Sprintf("schema compile: %v", err)})
		} else if err := sch.Validate(p.raw); err != nil {
			errs = append(errs, &ValidationError{Kind: BadDocument, Message: err.Error()})
		}
	}
	return errs
}

// validateDeprecated scans the untyped document for legacy keys that the
// typed model deliberately does not carry.
func (p *Playbook) validateDeprecated() ValidationErrors {
	var errs ValidationErrors
	if p.raw == nil {
		return nil
	}
	if _, ok := p.raw["vars"]; ok {
		errs = append(errs, &ValidationError{Kind: DeprecatedKey, Path: "vars", Message: "root vars is not supported; use workload or ctx"})
	}
	steps, _ := p.raw["workflow"].([]any)
	for _, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := step["step"].(string)
		for _, key := range deprecatedStepKeys {
			if _, found := step[key]; found {
				errs = append(errs, &ValidationError{
					Kind:    DeprecatedKey,
					Path:    fmt.Sprintf("workflow.%s.%s", name, key),
					Message: fmt.Sprintf("step.%s was removed in v2", key),
				})
			}
		}
		if spec, ok := step["spec"].(map[string]any); ok {
			if _, found := spec["next_mode"]; found {
				errs = append(errs, &ValidationError{
					Kind:    DeprecatedKey,
					Path:    fmt.Sprintf("workflow.%s.spec.next_mode", name),
					Message: "step.spec.next_mode was replaced by next.spec.mode",
				})
			}
		}
	}
	return errs
}

func validatePipeline(path string, tasks TaskList, workbook map[string]*Task, kinds KindChecker) ValidationErrors {
	var errs ValidationErrors

	labels := make(map[string]struct{}, len(tasks))
	for i, t := range tasks {
		label := effectiveLabel(t, i)
		if _, dup := labels[label]; dup {
			errs = append(errs, &ValidationError{Kind: DuplicateName, Path: path + ".tool." + label, Message: "task label is not unique"})
		}
		labels[label] = struct{}{}
	}

	for i, t := range tasks {
		tpath := path + ".tool." + effectiveLabel(t, i)
		kind := t.Kind
		if kind == WorkbookKind {
			tpl, ok := workbook[t.Name]
			if !ok {
				errs = append(errs, &ValidationError{Kind: UnknownTaskKind, Path: tpath, Message: fmt.Sprintf("unknown workbook template %q", t.Name)})
				continue
			}
			kind = tpl.Kind
		}
		if kind == "" {
			errs = append(errs, &ValidationError{Kind: UnknownTaskKind, Path: tpath, Message: "task has no kind"})
		} else if kinds != nil && !kinds.Registered(kind) {
			errs = append(errs, &ValidationError{Kind: UnknownTaskKind, Path: tpath, Message: fmt.Sprintf("no driver registered for kind %q", kind)})
		}
		if t.Spec == nil || t.Spec.Policy == nil {
			continue
		}
		errs = append(errs, validatePolicy(tpath, t.Spec.Policy, labels)...)
	}
	return errs
}

func validatePolicy(path string, policy *TaskPolicy, labels map[string]struct{}) ValidationErrors {
	var errs ValidationErrors
	if len(policy.Rules) == 0 && policy.Else == nil {
		errs = append(errs, &ValidationError{Kind: BadPolicyShape, Path: path + ".spec.policy", Message: "policy must declare rules"})
		return errs
	}
	clauses := make([]*Then, 0, len(policy.Rules)+1)
	for i, r := range policy.Rules {
		if r.Then == nil {
			errs = append(errs, &ValidationError{Kind: BadPolicyShape, Path: fmt.Sprintf("%s.spec.policy.rules[%d]", path, i), Message: "rule requires a then clause"})
			continue
		}
		clauses = append(clauses, r.Then)
	}
	if policy.Else != nil {
		clauses = append(clauses, policy.Else)
	}
	for _, then := range clauses {
		switch then.Do {
		case DirectiveContinue, DirectiveRetry, DirectiveBreak, DirectiveFail:
		case DirectiveJump:
			if then.To == "" {
				errs = append(errs, &ValidationError{Kind: BadPolicyShape, Path: path + ".spec.policy", Message: "jump requires a target label"})
			} else if _, ok := labels[then.To]; !ok {
				errs = append(errs, &ValidationError{
					Kind:    UnknownJumpTarget,
					Path:    path + ".spec.policy",
					Message: fmt.Sprintf("jump target %q is not a label in this pipeline", then.To),
				})
			}
		case "":
			errs = append(errs, &ValidationError{Kind: BadPolicyShape, Path: path + ".spec.policy", Message: "then requires a do directive"})
		default:
			errs = append(errs, &ValidationError{Kind: BadPolicyShape, Path: path + ".spec.policy", Message: fmt.Sprintf("unknown directive %q", then.Do)})
		}
	}
	return errs
}

// effectiveLabel mirrors the label Normalize would generate so Validate can
// run before or after normalization.
func effectiveLabel(t *Task, index int) string {
	if t.Label != "" {
		return t.Label
	}
	return fmt.Sprintf("task_%d", index+1)
}
