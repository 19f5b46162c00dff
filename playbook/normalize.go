package playbook

import "fmt"

// WorkbookKind is the task kind that references a reusable workbook template
// by name. Normalize resolves these references in place.
const WorkbookKind = "workbook"

// Normalize canonicalizes the playbook in place and returns it:
//
//   - every pipeline task gets a label; missing labels are generated as
//     task_1, task_2, ... by YAML order
//   - workbook references are resolved into concrete task configs
//   - zero-value spec defaults (loop mode, route mode) are left implicit and
//     resolved through accessor methods
//
// Normalize is idempotent: normalizing a normalized playbook is a no-op.
func (p *Playbook) Normalize() (*Playbook, error) {
	for _, s := range p.Workflow {
		for i, t := range s.Tool {
			if t.Label == "" {
				t.Label = fmt.Sprintf("task_%d", i+1)
			}
			if t.Kind == WorkbookKind {
				resolved, err := p.resolveWorkbook(t)
				if err != nil {
					return nil, fmt.Errorf("step %q task %q: %w", s.Name, t.Label, err)
				}
				s.Tool[i] = resolved
			}
		}
	}
	return p, nil
}

// resolveWorkbook replaces a workbook reference with a copy of the referenced
// template, overlaying the reference's config and keeping its label. The
// reference's spec wins over the template's when both are set.
func (p *Playbook) resolveWorkbook(ref *Task) (*Task, error) {
	if ref.Name == "" {
		return nil, fmt.Errorf("workbook reference requires a name")
	}
	tpl, ok := p.Workbook[ref.Name]
	if !ok {
		return nil, fmt.Errorf("unknown workbook template %q", ref.Name)
	}
	resolved := &Task{
		Label: ref.Label,
		Kind:  tpl.Kind,
		Spec:  tpl.Spec,
	}
	if ref.Spec != nil {
		resolved.Spec = ref.Spec
	}
	resolved.Config = make(map[string]any, len(tpl.Config)+len(ref.Config))
	for k, v := range tpl.Config {
		resolved.Config[k] = v
	}
	for k, v := range ref.Config {
		resolved.Config[k] = v
	}
	return resolved, nil
}
