// Package store provides the thread-safe keyed container of NodeEntry
// records the rest of the engine builds on: the graph store.
//
// Grounded on dag.Graph's single sync.RWMutex guarding a map[string]*node
// (get-or-create, no whole-graph lock held during traversal), generalized
// from string ids to nodekey.Key, and collapsed into one map of
// *graphstate.Entry rather than splitting structure from mutable state
// across two stores, since for an incrementally-rebuilt node structure
// and state are both mutable parts of the same record.
package store

import (
	"sync"

	"github.com/vk/skygraph/internal/graphstate"
	"github.com/vk/skygraph/internal/nodekey"
)

// Store is the thread-safe keyed container of node entries.
type Store struct {
	mu      sync.RWMutex
	entries map[nodekey.Key]*graphstate.Entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[nodekey.Key]*graphstate.Entry)}
}

// GetOrCreate returns the entry for key, creating it if absent. Exactly one
// creation wins for concurrent callers of the same key: callers that lose
// the race get the winner's entry, never a duplicate.
func (s *Store) GetOrCreate(key nodekey.Key) *graphstate.Entry {
	s.mu.RLock()
	if e, ok := s.entries[key]; ok {
		s.mu.RUnlock()
		return e
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e := graphstate.NewEntry(key)
	s.entries[key] = e
	return e
}

// Get returns the entry for key without creating one. It never blocks
// behind a build — it only takes the store's own map lock, never an
// entry's lock.
func (s *Store) Get(key nodekey.Key) (*graphstate.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Remove deletes key from the store. Only the invalidator calls this, and
// only during delete-predicate propagation, after the entry has already
// been marked Deleted.
func (s *Store) Remove(key nodekey.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Snapshot returns a point-in-time copy of every (key, entry) pair in the
// store. Consistent per-key, but not globally: concurrent GetOrCreate calls
// during iteration may or may not be reflected.
func (s *Store) Snapshot() map[nodekey.Key]*graphstate.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[nodekey.Key]*graphstate.Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Len returns the number of entries currently in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
