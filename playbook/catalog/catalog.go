// Package catalog holds registered playbooks addressable by path and
// version, backed by a directory of YAML documents. The orchestration API
// resolves execution requests against it.
package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/noetl/noetl/playbook"
)

type (
	// Catalog indexes normalized playbooks by (path, version). An empty
	// version resolves to the most recently registered version of the path.
	Catalog struct {
		mu      sync.RWMutex
		entries map[ref]*playbook.Playbook
		latest  map[string]*playbook.Playbook
	}

	ref struct {
		path    string
		version string
	}
)

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		entries: make(map[ref]*playbook.Playbook),
		latest:  make(map[string]*playbook.Playbook),
	}
}

// Load builds a catalog from every .yaml/.yml document under dir. Documents
// are parsed, normalized and validated against the given kind checker before
// registration; one bad document fails the load.
func Load(dir string, kinds playbook.KindChecker) (*Catalog, error) {
	c := New()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		doc, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		pb, err := playbook.Parse(doc)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		pb, err = pb.Normalize()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := pb.Validate(kinds); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		c.Register(pb)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Register adds a playbook under its metadata path (falling back to the
// metadata name) and version. Re-registering the same pair replaces it.
func (c *Catalog) Register(pb *playbook.Playbook) {
	path := pb.Metadata.Path
	if path == "" {
		path = pb.Metadata.Name
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref{path: path, version: pb.Metadata.Version}] = pb
	c.latest[path] = pb
}

// Lookup resolves a playbook by path and version. An empty version returns
// the most recently registered one.
func (c *Catalog) Lookup(path, version string) (*playbook.Playbook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if version == "" {
		if pb, ok := c.latest[path]; ok {
			return pb, nil
		}
		return nil, fmt.Errorf("playbook %q not found", path)
	}
	if pb, ok := c.entries[ref{path: path, version: version}]; ok {
		return pb, nil
	}
	return nil, fmt.Errorf("playbook %q version %q not found", path, version)
}

// Paths lists the registered playbook paths.
func (c *Catalog) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	paths := make([]string, 0, len(c.latest))
	for p := range c.latest {
		paths = append(paths, p)
	}
	return paths
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
