package playbook

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse performs lexical and structural parsing of a YAML playbook document.
// It accepts the shorthand task list forms (single mapping, bare list of
// configs) and records the untyped document for later structural validation.
// Parse does not validate semantics; call Validate and Normalize afterwards.
func Parse(doc []byte) (*Playbook, error) {
	var p Playbook
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	p.raw = raw
	return &p, nil
}

// Serialize renders the playbook in canonical YAML form. Serializing a
// normalized playbook and parsing the output yields an equivalent playbook:
// labels are stable and the task list shape is canonical.
func Serialize(p *Playbook) ([]byte, error) {
	out, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("serialize playbook: %w", err)
	}
	return out, nil
}

// taskFields are the reserved task keys that never act as labels in the
// single-key shorthand form.
var taskFields = map[string]struct{}{
	"kind": {}, "name": {}, "spec": {},
}

// UnmarshalYAML accepts the three task list shapes:
//
//   - a single mapping holding one task config
//   - a bare list of task configs
//   - the canonical list of single-key {label: config} mappings
//
// Labels found in the canonical form are preserved; missing labels are left
// empty for Normalize to generate.
func (tl *TaskList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var t Task
		if err := node.Decode(&t); err != nil {
			return err
		}
		*tl = TaskList{&t}
		return nil
	case yaml.SequenceNode:
		tasks := make(TaskList, 0, len(node.Content))
		for _, item := range node.Content {
			t, err := decodeTaskItem(item)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		*tl = tasks
		return nil
	default:
		return fmt.Errorf("line %d: tool must be a mapping or a list", node.Line)
	}
}

// decodeTaskItem decodes one sequence element, distinguishing the labeled
// {label: config} form from a bare config mapping.
func decodeTaskItem(node *yaml.Node) (*Task, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: task entry must be a mapping", node.Line)
	}
	if len(node.Content) == 2 {
		key, value := node.Content[0], node.Content[1]
		_, reserved := taskFields[key.Value]
		if !reserved && value.Kind == yaml.MappingNode {
			var t Task
			if err := value.Decode(&t); err != nil {
				return nil, err
			}
			t.Label = key.Value
			return &t, nil
		}
	}
	var t Task
	if err := node.Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// MarshalYAML emits the canonical task list shape: a list of single-key
// {label: config} mappings in pipeline order.
func (tl TaskList) MarshalYAML() (any, error) {
	out := make([]map[string]*Task, 0, len(tl))
	for _, t := range tl {
		label := t.Label
		if label == "" {
			return nil, fmt.Errorf("task of kind %q has no label; normalize before serializing", t.Kind)
		}
		out = append(out, map[string]*Task{label: t})
	}
	return out, nil
}
