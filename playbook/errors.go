package playbook

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a playbook validation failure.
type ErrorKind string

// Validation error kinds.
const (
	// DuplicateName flags a repeated step name or task label.
	DuplicateName ErrorKind = "duplicate_name"
	// UnknownStep flags an arc targeting a step that does not exist.
	UnknownStep ErrorKind = "unknown_step"
	// MissingLoopField flags a loop without both "in" and "iterator".
	MissingLoopField ErrorKind = "missing_loop_field"
	// UnknownTaskKind flags a task kind with no registered driver.
	UnknownTaskKind ErrorKind = "unknown_task_kind"
	// BadPolicyShape flags a policy that is not an object with rules, or a
	// rule whose then clause lacks a directive.
	BadPolicyShape ErrorKind = "bad_policy_shape"
	// UnknownJumpTarget flags a jump directive targeting a label outside the
	// task's own pipeline.
	UnknownJumpTarget ErrorKind = "unknown_jump_target"
	// DeprecatedKey flags a legacy key removed from the v2 document model.
	DeprecatedKey ErrorKind = "deprecated_key"
	// BadDocument flags a document that fails schema-level checks
	// (apiVersion, kind, missing workflow).
	BadDocument ErrorKind = "bad_document"
)

type (
	// ValidationError describes a single playbook defect.
	ValidationError struct {
		// Kind classifies the defect.
		Kind ErrorKind
		// Path locates the defect in the document (dotted form).
		Path string
		// Message is a human-readable description.
		Message string
	}

	// ValidationErrors aggregates every defect found in one Validate pass.
	ValidationErrors []*ValidationError
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Path, e.Message)
}

// Error implements the error interface by joining all defects.
func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("playbook invalid: %s", strings.Join(msgs, "; "))
}

// Has reports whether any defect of the given kind was found.
func (es ValidationErrors) Has(kind ErrorKind) bool {
	for _, e := range es {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
