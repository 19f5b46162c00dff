package fs

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/runtime/workflow/artifact"
)

func TestPutGetHead(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte(`{"rows": [1, 2, 3]}`)
	ref, err := s.Put(ctx, bytes.NewReader(payload), artifact.Metadata{ContentType: "application/json"})
	require.NoError(t, err)
	require.Equal(t, StoreName, ref.Store)
	require.Equal(t, int64(len(payload)), ref.Size)
	require.Equal(t, artifact.Checksum(payload), ref.Checksum)

	rc, err := s.Get(ctx, ref)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, payload, got)

	meta, err := s.Head(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "application/json", meta.ContentType)
	require.Equal(t, ref.Size, meta.Size)
	require.Equal(t, ref.Checksum, meta.Checksum)
}

func TestPutIsContentAddressed(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte("same bytes")
	ref1, err := s.Put(ctx, bytes.NewReader(payload), artifact.Metadata{})
	require.NoError(t, err)
	ref2, err := s.Put(ctx, bytes.NewReader(payload), artifact.Metadata{})
	require.NoError(t, err)
	require.Equal(t, ref1.Key, ref2.Key)
}

func TestGetRejectsForeignRef(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), nil)
	require.Error(t, err)
}

func TestPolicyExternalizesLargeResults(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	policy := artifact.Policy{InlineMaxBytes: 16, PreviewBytes: 8}

	// Small value stays inline.
	inline, ref, err := policy.Apply(ctx, s, map[string]any{"a": 1})
	require.NoError(t, err)
	require.Nil(t, ref)
	require.NotNil(t, inline)

	// Large value is replaced by a reference with a bounded preview.
	big := map[string]any{"data": "0123456789012345678901234567890123456789"}
	inline, ref, err = policy.Apply(ctx, s, big)
	require.NoError(t, err)
	require.Nil(t, inline)
	require.NotNil(t, ref)
	require.Len(t, ref.Preview, 8)

	rc, err := s.Get(ctx, ref)
	require.NoError(t, err)
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, ref.Size, int64(len(stored)))
	require.Equal(t, artifact.Checksum(stored), ref.Checksum)
}
