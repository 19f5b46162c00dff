// Package fs implements artifact.Store on the local filesystem.
//
// Payloads are content-addressed: the key is the xxhash64 digest of the
// bytes, so storing the same payload twice is a no-op and references remain
// verifiable. Metadata sits next to the payload as a small JSON sidecar.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/noetl/noetl/runtime/workflow/artifact"
	"github.com/noetl/noetl/runtime/workflow/outcome"
)

// StoreName identifies filesystem references.
const StoreName = "fs"

// Store implements artifact.Store under a root directory.
type Store struct {
	root string
}

// New returns a filesystem store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Put implements artifact.Store.
func (s *Store) Put(_ context.Context, r io.Reader, meta artifact.Metadata) (*outcome.ResultRef, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	key := artifact.Checksum(payload)
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return nil, fmt.Errorf("write payload: %w", err)
	}
	stored := artifact.Metadata{
		ContentType: meta.ContentType,
		Size:        int64(len(payload)),
		Checksum:    key,
	}
	sidecar, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path+".meta", sidecar, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	return &outcome.ResultRef{
		Store:       StoreName,
		Key:         key,
		Size:        stored.Size,
		Checksum:    stored.Checksum,
		ContentType: stored.ContentType,
	}, nil
}

// Get implements artifact.Store.
func (s *Store) Get(_ context.Context, ref *outcome.ResultRef) (io.ReadCloser, error) {
	if err := s.check(ref); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(ref.Key))
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", ref.Key, err)
	}
	return f, nil
}

// Head implements artifact.Store.
func (s *Store) Head(_ context.Context, ref *outcome.ResultRef) (artifact.Metadata, error) {
	if err := s.check(ref); err != nil {
		return artifact.Metadata{}, err
	}
	sidecar, err := os.ReadFile(s.path(ref.Key) + ".meta")
	if err != nil {
		return artifact.Metadata{}, fmt.Errorf("read artifact metadata %s: %w", ref.Key, err)
	}
	var meta artifact.Metadata
	if err := json.Unmarshal(sidecar, &meta); err != nil {
		return artifact.Metadata{}, err
	}
	return meta, nil
}

func (s *Store) check(ref *outcome.ResultRef) error {
	if ref == nil {
		return errors.New("ref is required")
	}
	if ref.Store != StoreName {
		return fmt.Errorf("ref belongs to store %q, not %q", ref.Store, StoreName)
	}
	if ref.Key == "" {
		return errors.New("ref key is required")
	}
	return nil
}

// path shards keys by their first two hex digits to keep directories small.
func (s *Store) path(key string) string {
	shard := "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(s.root, shard, key)
}
