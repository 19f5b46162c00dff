// Package artifact defines the pluggable store for result payloads that
// exceed the inline cap, and the reference-first policy helper that decides
// between inlining a value and externalizing it behind a ResultRef.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/noetl/noetl/runtime/workflow/outcome"
)

type (
	// Metadata describes stored payload bytes.
	Metadata struct {
		// ContentType is the payload media type.
		ContentType string
		// Size is the payload size in bytes.
		Size int64
		// Checksum is the xxhash64 digest, hex-encoded.
		Checksum string
	}

	// Store persists artifact bytes addressed by ResultRef.
	Store interface {
		// Put stores the payload and returns its reference. The store
		// computes size and checksum; ContentType is taken from meta.
		Put(ctx context.Context, r io.Reader, meta Metadata) (*outcome.ResultRef, error)
		// Get streams the payload addressed by ref.
		Get(ctx context.Context, ref *outcome.ResultRef) (io.ReadCloser, error)
		// Head returns the stored metadata without reading the payload.
		Head(ctx context.Context, ref *outcome.ResultRef) (Metadata, error)
	}

	// Policy is the reference-first size discrimination applied to every
	// outcome before it reaches the event log.
	Policy struct {
		// InlineMaxBytes is the largest JSON encoding stored inline.
		InlineMaxBytes int
		// PreviewBytes bounds the preview carried on references.
		PreviewBytes int
	}
)

// Default caps. Both are configurable per deployment.
const (
	DefaultInlineMax = 64 * 1024
	DefaultPreview   = 1024
)

// DefaultPolicy returns the default reference-first policy.
func DefaultPolicy() Policy {
	return Policy{InlineMaxBytes: DefaultInlineMax, PreviewBytes: DefaultPreview}
}

// Apply enforces the reference-first policy on a result value: values whose
// JSON encoding fits the inline cap come back unchanged with a nil ref;
// larger values are written to the store and replaced by a ResultRef
// carrying a bounded preview.
func (p Policy) Apply(ctx context.Context, store Store, value any) (any, *outcome.ResultRef, error) {
	if value == nil {
		return nil, nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	max := p.InlineMaxBytes
	if max <= 0 {
		max = DefaultInlineMax
	}
	if len(encoded) <= max {
		return value, nil, nil
	}
	if store == nil {
		return nil, nil, fmt.Errorf("result of %d bytes exceeds inline cap %d and no artifact store is configured", len(encoded), max)
	}
	ref, err := store.Put(ctx, bytes.NewReader(encoded), Metadata{ContentType: "application/json"})
	if err != nil {
		return nil, nil, fmt.Errorf("externalize result: %w", err)
	}
	preview := p.PreviewBytes
	if preview <= 0 {
		preview = DefaultPreview
	}
	if preview > len(encoded) {
		preview = len(encoded)
	}
	ref.Preview = string(encoded[:preview])
	return nil, ref, nil
}

// Checksum returns the hex-encoded xxhash64 digest of the payload. Store
// implementations use it so references are verifiable across stores.
func Checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
