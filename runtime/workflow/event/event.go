// Package event defines the immutable event envelope appended to the
// execution log and the canonical event names emitted by the control and
// data planes. The pair (ExecutionID, EventID) is the idempotency key: the
// log stores at most one entry per pair regardless of redelivery.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// Name is a canonical event name.
	Name string

	// Source identifies which plane emitted the event.
	Source string

	// Event is the append-only log envelope. Seq is assigned by the ingestor
	// on first append and is monotonic within an execution.
	Event struct {
		// EventID is globally unique; together with ExecutionID it forms the
		// idempotency key.
		EventID string `json:"event_id"`
		// ExecutionID identifies the execution this event belongs to.
		ExecutionID string `json:"execution_id"`
		// Seq is the ingestor-assigned monotonic sequence within the
		// execution. Zero until appended.
		Seq int64 `json:"seq,omitempty"`
		// Timestamp is the event time (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Source is server or worker.
		Source Source `json:"source"`
		// Name is the canonical event name.
		Name Name `json:"name"`
		// EntityType classifies the subject (execution, step_run, iteration,
		// task).
		EntityType string `json:"entity_type"`
		// EntityID identifies the subject (step_run_id, action_id, ...).
		EntityID string `json:"entity_id"`
		// ParentID links to the causing event, when known.
		ParentID string `json:"parent_id,omitempty"`
		// Status summarizes the subject state at emission time.
		Status string `json:"status,omitempty"`
		// Attempt is the 1-based task attempt, for task events.
		Attempt int `json:"attempt,omitempty"`
		// Iteration is the 0-based loop index; nil outside loops.
		Iteration *int `json:"iteration,omitempty"`
		// Page is the 1-based pagination counter, when applicable.
		Page int `json:"page,omitempty"`
		// Payload is the bounded JSON payload. Oversized results are carried
		// by reference, never inline.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// Sink accepts events for durable ingestion. The control plane's
	// ingestor implements it directly; remote workers wrap it with a
	// transport.
	Sink interface {
		// Append ingests one event. Append is idempotent by
		// (ExecutionID, EventID) and must be durable before returning nil.
		Append(ctx context.Context, e *Event) error
	}
)

// Source values.
const (
	SourceServer Source = "server"
	SourceWorker Source = "worker"
)

// Entity types.
const (
	EntityExecution = "execution"
	EntityStepRun   = "step_run"
	EntityIteration = "iteration"
	EntityTask      = "task"
)

// Canonical event names.
const (
	ExecutionRequested Name = "playbook.execution.requested"
	WorkflowStarted    Name = "workflow.started"
	WorkflowFinished   Name = "workflow.finished"
	WorkflowFailed     Name = "workflow.failed"
	WorkflowCancelled  Name = "workflow.cancelled"

	StepScheduled      Name = "step.scheduled"
	StepStarted        Name = "step.started"
	StepDone           Name = "step.done"
	StepFailed         Name = "step.failed"
	AdmissionDenied    Name = "step.admission.denied"
	AdmissionError     Name = "step.admission.error"

	TaskStarted Name = "task.started"
	TaskDone    Name = "task.done"
	TaskFailed  Name = "task.failed"

	LoopStarted        Name = "loop.started"
	LoopIterationStart Name = "loop.iteration.started"
	LoopIterationDone  Name = "loop.iteration.done"
	LoopIterationFail  Name = "loop.iteration.failed"
	LoopDone           Name = "loop.done"

	NextEvaluated Name = "next.evaluated"
	RouteError    Name = "route.error"
)

// Terminal reports whether the event name is a step-boundary terminal event
// that triggers routing.
func (n Name) Terminal() bool {
	switch n {
	case StepDone, StepFailed:
		return true
	}
	return false
}

// New builds an event with a fresh EventID and UTC timestamp.
func New(executionID string, source Source, name Name, entityType, entityID string) *Event {
	return &Event{
		EventID:     uuid.NewString(),
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Source:      source,
		Name:        name,
		EntityType:  entityType,
		EntityID:    entityID,
	}
}

// WithPayload marshals p into the event payload and returns the event. A
// marshal failure leaves the payload empty; payloads are always
// engine-constructed maps, so this is not a runtime error path.
func (e *Event) WithPayload(p any) *Event {
	if p == nil {
		return e
	}
	raw, err := json.Marshal(p)
	if err == nil {
		e.Payload = raw
	}
	return e
}

// WithParent sets the causing event id.
func (e *Event) WithParent(parentID string) *Event {
	e.ParentID = parentID
	return e
}

// WithIteration records the 0-based loop index.
func (e *Event) WithIteration(index int) *Event {
	e.Iteration = &index
	return e
}

// PayloadMap decodes the payload into a generic map for guard evaluation.
// Returns an empty map when the payload is absent or not an object.
func (e *Event) PayloadMap() map[string]any {
	if len(e.Payload) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// AsMap renders the envelope for routing guards (event.name, event.status,
// event.payload...).
func (e *Event) AsMap() map[string]any {
	m := map[string]any{
		"event_id":     e.EventID,
		"execution_id": e.ExecutionID,
		"seq":          e.Seq,
		"timestamp":    e.Timestamp,
		"source":       string(e.Source),
		"name":         string(e.Name),
		"entity_type":  e.EntityType,
		"entity_id":    e.EntityID,
		"status":       e.Status,
		"payload":      e.PayloadMap(),
	}
	if e.Iteration != nil {
		m["iteration"] = *e.Iteration
	}
	if e.Attempt > 0 {
		m["attempt"] = e.Attempt
	}
	if e.Page > 0 {
		m["page"] = e.Page
	}
	return m
}
