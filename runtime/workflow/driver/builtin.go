package driver

import (
	"context"
	"time"

	"github.com/noetl/noetl/runtime/workflow/outcome"
)

type (
	// Noop is the no-op driver. It succeeds immediately and echoes the
	// config's data field, making it useful for control-flow-only steps and
	// tests.
	Noop struct{}

	// Transform returns the rendered data field as its result. Because
	// configs arrive fully rendered, a transform task is simply a template
	// projection over the current scope.
	Transform struct{}
)

// NoopKind and TransformKind are the builtin task kinds.
const (
	NoopKind      = "noop"
	TransformKind = "transform"
)

// Kind implements Driver.
func (Noop) Kind() string { return NoopKind }

// Execute implements Driver.
func (Noop) Execute(_ context.Context, req *Request) (*outcome.Outcome, error) {
	meta := outcome.Meta{Attempt: req.Attempt, TS: time.Now().UTC()}
	return outcome.OK(req.Config["data"], meta), nil
}

// Kind implements Driver.
func (Transform) Kind() string { return TransformKind }

// Execute implements Driver.
func (Transform) Execute(ctx context.Context, req *Request) (*outcome.Outcome, error) {
	start := time.Now()
	result, ok := req.Config["data"]
	if !ok {
		result = req.Config
	}
	meta := outcome.Meta{
		Attempt:    req.Attempt,
		DurationMS: time.Since(start).Milliseconds(),
		TS:         time.Now().UTC(),
	}
	return Finalize(ctx, req, result, meta)
}
