package uidcache

import (
	"context"
	"sync"
)

// MemoryStore is a Store that keeps drained entries in a plain map. It does
// not bound memory; use it for tests and small runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	drains  int
	lookups int
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Drain(ctx context.Context, snap Snapshot, target int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drains++
	keys := make([]string, 0, target)
	snap.Range(func(k string, e *Entry) bool {
		if len(keys) >= target {
			return false
		}
		s.entries[k] = NewEntry(e.ID(), e.RootID(), e.Reverse(), e.Mapping(), e.ObjectClassID())
		keys = append(keys, k)
		return true
	})
	return keys, nil
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return NewEntry(e.ID(), e.RootID(), e.Reverse(), e.Mapping(), e.ObjectClassID()), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of persisted entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Drains returns how many times Drain was called.
func (s *MemoryStore) Drains() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drains
}

// Lookups returns how many times Lookup was called.
func (s *MemoryStore) Lookups() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookups
}

func (s *MemoryStore) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
