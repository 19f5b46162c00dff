package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/runtime/workflow/artifact"
	"github.com/noetl/noetl/runtime/workflow/outcome"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(Noop{}, Transform{})
	require.NoError(t, err)

	require.True(t, r.Registered(NoopKind))
	require.True(t, r.Registered(TransformKind))
	require.False(t, r.Registered("http"))

	d, ok := r.Lookup(NoopKind)
	require.True(t, ok)
	require.Equal(t, NoopKind, d.Kind())

	require.Equal(t, []string{NoopKind, TransformKind}, r.Kinds())

	require.Error(t, r.Register(Noop{}))
	require.Error(t, r.Register(nil))
}

func TestNoopEchoesData(t *testing.T) {
	t.Parallel()

	oc, err := Noop{}.Execute(context.Background(), &Request{
		Kind:    NoopKind,
		Config:  map[string]any{"data": map[string]any{"ready": true}},
		Attempt: 1,
	})
	require.NoError(t, err)
	require.Equal(t, outcome.StatusOK, oc.Status)
	require.Equal(t, map[string]any{"ready": true}, oc.Result)
	require.Equal(t, 1, oc.Meta.Attempt)
}

func TestTransformReturnsRenderedData(t *testing.T) {
	t.Parallel()

	oc, err := Transform{}.Execute(context.Background(), &Request{
		Kind:    TransformKind,
		Config:  map[string]any{"data": []any{"a", "b"}},
		Attempt: 2,
		Policy:  artifact.DefaultPolicy(),
	})
	require.NoError(t, err)
	require.Equal(t, outcome.StatusOK, oc.Status)
	require.Equal(t, []any{"a", "b"}, oc.Result)
	require.Equal(t, 2, oc.Meta.Attempt)
}
