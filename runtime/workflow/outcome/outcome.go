// Package outcome defines the canonical result envelope produced by every
// tool invocation, the error taxonomy carried inside it, and the
// reference-first types (ResultRef, Manifest) used to keep large payloads
// out of the event log.
package outcome

import (
	"encoding/json"
	"time"
)

// Status is the binary outcome status.
type Status string

// Status values.
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Error kinds shared across drivers and the engine. Drivers may add their
// own kinds; these are the ones the engine itself produces or interprets.
const (
	KindTimeout     = "timeout"
	KindCancelled   = "cancelled"
	KindTemplate    = "template"
	KindTool        = "tool"
	KindCtxConflict = "ctx_conflict"
	KindHTTP        = "http"
	KindPG          = "pg"
)

type (
	// Outcome is the single canonical result of a tool invocation. Exactly
	// one of Result/Ref is set on ok; Error is set on error. Kind-specific
	// blocks (http.status, pg.code, ...) are carried in Blocks and flattened
	// into the JSON form at the top level.
	Outcome struct {
		// Status is ok or error.
		Status Status `json:"status"`
		// Result is the inline result value. Nil when Ref is set.
		Result any `json:"result,omitempty"`
		// Ref points at an externally stored result when the inline cap was
		// exceeded.
		Ref *ResultRef `json:"ref,omitempty"`
		// Error describes the failure on error status.
		Error *Error `json:"error,omitempty"`
		// Meta carries attempt accounting and timing.
		Meta Meta `json:"meta"`
		// Blocks holds stable kind-specific blocks keyed by kind name.
		Blocks map[string]any `json:"-"`
	}

	// Error is the canonical tool error shape.
	Error struct {
		// Kind classifies the error (timeout, http, pg, template, ...).
		Kind string `json:"kind"`
		// Retryable hints whether a retry may succeed.
		Retryable bool `json:"retryable,omitempty"`
		// Message is a human-readable description.
		Message string `json:"message,omitempty"`
		// Details carries structured driver-specific context.
		Details map[string]any `json:"details,omitempty"`
	}

	// Meta carries attempt accounting and timing for one invocation.
	Meta struct {
		// Attempt is the 1-based attempt counter.
		Attempt int `json:"attempt"`
		// DurationMS is the wall-clock invocation duration.
		DurationMS int64 `json:"duration_ms"`
		// TS is the invocation completion time (UTC).
		TS time.Time `json:"ts"`
		// TraceID correlates the invocation with distributed traces.
		TraceID string `json:"trace_id,omitempty"`
	}

	// ResultRef points at result bytes held in an external artifact store.
	// It is bounded-size by construction.
	ResultRef struct {
		// Store names the artifact store that holds the payload.
		Store string `json:"store"`
		// Key addresses the payload within the store.
		Key string `json:"key"`
		// Size is the stored payload size in bytes.
		Size int64 `json:"size"`
		// Checksum is the xxhash64 digest of the payload, hex-encoded.
		Checksum string `json:"checksum"`
		// ContentType is the payload media type, when known.
		ContentType string `json:"content_type,omitempty"`
		// Preview is a bounded prefix of the payload for display.
		Preview string `json:"preview,omitempty"`
	}

	// Manifest aggregates per-iteration or per-page parts without
	// materializing the whole dataset.
	Manifest struct {
		// Strategy is append, replace or merge.
		Strategy MergeStrategy `json:"strategy"`
		// MergePath selects the merge location for strategy merge.
		MergePath string `json:"merge_path,omitempty"`
		// Parts lists the aggregated references in production order.
		Parts []*ResultRef `json:"parts"`
	}

	// MergeStrategy selects how manifest parts combine.
	MergeStrategy string
)

// MergeStrategy values.
const (
	StrategyAppend  MergeStrategy = "append"
	StrategyReplace MergeStrategy = "replace"
	StrategyMerge   MergeStrategy = "merge"
)

// OK builds a successful outcome with an inline result.
func OK(result any, meta Meta) *Outcome {
	return &Outcome{Status: StatusOK, Result: result, Meta: meta}
}

// Fail builds a failed outcome.
func Fail(err *Error, meta Meta) *Outcome {
	return &Outcome{Status: StatusError, Error: err, Meta: meta}
}

// Failed reports whether the outcome carries an error status.
func (o *Outcome) Failed() bool { return o.Status == StatusError }

// Block returns the kind-specific block with the given name, or nil.
func (o *Outcome) Block(name string) any {
	if o.Blocks == nil {
		return nil
	}
	return o.Blocks[name]
}

// SetBlock attaches a kind-specific block (e.g. "http" -> {status: 200}).
func (o *Outcome) SetBlock(name string, block any) {
	if o.Blocks == nil {
		o.Blocks = make(map[string]any, 1)
	}
	o.Blocks[name] = block
}

// AsMap renders the outcome as the map exposed to policy guards:
// outcome.status, outcome.result, outcome.error.*, outcome.meta.*, and each
// kind block under its own name (outcome.http.status, ...).
func (o *Outcome) AsMap() map[string]any {
	m := map[string]any{
		"status": string(o.Status),
		"meta": map[string]any{
			"attempt":     o.Meta.Attempt,
			"duration_ms": o.Meta.DurationMS,
			"ts":          o.Meta.TS,
			"trace_id":    o.Meta.TraceID,
		},
	}
	if o.Ref != nil {
		m["ref"] = o.Ref.AsMap()
	} else {
		m["result"] = o.Result
	}
	if o.Error != nil {
		m["error"] = map[string]any{
			"kind":      o.Error.Kind,
			"retryable": o.Error.Retryable,
			"message":   o.Error.Message,
			"details":   o.Error.Details,
		}
	}
	for name, block := range o.Blocks {
		m[name] = block
	}
	return m
}

// AsMap renders the reference for template and event payloads.
func (r *ResultRef) AsMap() map[string]any {
	m := map[string]any{
		"store":    r.Store,
		"key":      r.Key,
		"size":     r.Size,
		"checksum": r.Checksum,
	}
	if r.ContentType != "" {
		m["content_type"] = r.ContentType
	}
	if r.Preview != "" {
		m["preview"] = r.Preview
	}
	return m
}

// Value returns the value policy guards and _prev see: the inline result, or
// the reference map when the result was externalized.
func (o *Outcome) Value() any {
	if o.Ref != nil {
		return o.Ref.AsMap()
	}
	return o.Result
}

// MarshalJSON flattens kind blocks to the top level alongside the canonical
// fields, matching the wire shape guards address as outcome.<kind>.
func (o *Outcome) MarshalJSON() ([]byte, error) {
	type alias Outcome
	base, err := json.Marshal((*alias)(o))
	if err != nil {
		return nil, err
	}
	if len(o.Blocks) == 0 {
		return base, nil
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for name, block := range o.Blocks {
		m[name] = block
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits unknown top-level fields back into kind blocks.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	type alias Outcome
	if err := json.Unmarshal(data, (*alias)(o)); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	known := map[string]struct{}{
		"status": {}, "result": {}, "ref": {}, "error": {}, "meta": {},
	}
	for name, raw := range m {
		if _, ok := known[name]; ok {
			continue
		}
		var block any
		if err := json.Unmarshal(raw, &block); err != nil {
			return err
		}
		o.SetBlock(name, block)
	}
	return nil
}
