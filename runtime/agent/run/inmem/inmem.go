// Package inmem provides an in-memory implementation of run.Store for testing
// and local development. Records are kept in a map keyed by run ID with no
// persistence across process restarts; production deployments should use a
// durable backend such as features/run/mongo.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/runwait/runtime/agent/run"
)

// Store implements run.Store in memory. All operations are guarded by a
// single mutex, which also makes Save an atomic compare-and-swap on
// run.Version. Records are copied on the way in and out so callers never
// share memory with the store.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*run.Run
}

// New constructs an empty Store.
func New() *Store {
	return &Store{runs: make(map[string]*run.Run)}
}

// Create inserts r with version 1.
func (s *Store) Create(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return run.ErrAlreadyExists
	}
	r.Version = 1
	s.runs[r.ID] = r.Clone()
	return nil
}

// Load returns a copy of the stored run.
func (s *Store) Load(_ context.Context, runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, run.ErrNotFound
	}
	return r.Clone(), nil
}

// Save replaces the stored run when versions match.
func (s *Store) Save(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[r.ID]
	if !ok {
		return run.ErrNotFound
	}
	if current.Version != r.Version {
		return run.ErrVersionConflict
	}
	r.Version++
	s.runs[r.ID] = r.Clone()
	return nil
}

// ListExpired returns runs whose required action deadline elapsed, oldest
// deadline first.
func (s *Store) ListExpired(_ context.Context, now time.Time, limit int) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.Run
	for _, r := range s.runs {
		if r.Expired(now) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequiredAction.ExpiresAt.Before(out[j].RequiredAction.ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset clears all stored runs. Useful for test isolation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]*run.Run)
}
