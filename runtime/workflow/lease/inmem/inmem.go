// Package inmem provides the in-memory lease store used by tests and
// single-process deployments.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/noetl/noetl/runtime/workflow/lease"
)

// Store implements lease.Store in memory.
type Store struct {
	mu     sync.Mutex
	leases map[string]entry
	now    func() time.Time
}

type entry struct {
	owner   string
	expires time.Time
}

var _ lease.Store = (*Store)(nil)

// New returns an empty in-memory lease store.
func New() *Store {
	return &Store{leases: make(map[string]entry), now: time.Now}
}

// Acquire implements lease.Store.
func (s *Store) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.leases[key]; ok && cur.owner != owner && cur.expires.After(now) {
		return false, nil
	}
	s.leases[key] = entry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Heartbeat implements lease.Store.
func (s *Store) Heartbeat(_ context.Context, key, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cur, ok := s.leases[key]
	if !ok || cur.owner != owner || !cur.expires.After(now) {
		return lease.ErrNotHeld
	}
	s.leases[key] = entry{owner: owner, expires: now.Add(ttl)}
	return nil
}

// Release implements lease.Store.
func (s *Store) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[key]; ok && cur.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// Revoke implements lease.Store.
func (s *Store) Revoke(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, key)
	return nil
}
