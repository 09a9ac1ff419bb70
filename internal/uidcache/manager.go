package uidcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"citydb/internal/event"
)

// Kind names one identifier cache of a pipeline run.
type Kind string

const (
	KindFeature      Kind = "feature"
	KindGeometry     Kind = "geometry"
	KindAppearance   Kind = "appearance"
	KindTextureImage Kind = "texture_image"
)

// StoreFactory opens the backing store of one cache kind.
type StoreFactory func(ctx context.Context, kind Kind) (Store, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Settings returns capacity and drain factor per kind.
	Settings func(kind Kind) (capacity int, drainFactor float64)
	// NewStore opens a backing store. It is called on the first drain of a
	// kind, not when the cache is created.
	NewStore   StoreFactory
	Dispatcher *event.Dispatcher
	Logger     Logger
}

// Manager owns the caches of one pipeline run, one per Kind.
type Manager struct {
	cfg ManagerConfig

	mu     sync.Mutex
	caches map[Kind]*Cache
	closed bool
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, caches: make(map[Kind]*Cache)}
}

// Cache returns the cache for kind, creating it on first use.
func (m *Manager) Cache(kind Kind) (*Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if c, ok := m.caches[kind]; ok {
		return c, nil
	}
	if m.cfg.Settings == nil || m.cfg.NewStore == nil {
		return nil, fmt.Errorf("uidcache: manager needs Settings and NewStore")
	}

	capacity, factor := m.cfg.Settings(kind)
	c, err := New(Config{
		Name:        string(kind),
		Capacity:    capacity,
		DrainFactor: factor,
		Store:       &lazyStore{kind: kind, open: m.cfg.NewStore},
		Dispatcher:  m.cfg.Dispatcher,
		Logger:      m.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("uidcache %s: %w", kind, err)
	}
	m.caches[kind] = c
	return c, nil
}

// Stats returns the stats of every created cache, ordered by kind.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	kinds := make([]string, 0, len(m.caches))
	for k := range m.caches {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	caches := make([]*Cache, 0, len(kinds))
	for _, k := range kinds {
		caches = append(caches, m.caches[Kind(k)])
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(caches))
	for _, c := range caches {
		out = append(out, c.Stats())
	}
	return out
}

// Shutdown shuts down every cache and returns the joined close errors.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	caches := make([]*Cache, 0, len(m.caches))
	for _, c := range m.caches {
		caches = append(caches, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range caches {
		if err := c.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// lazyStore defers opening the real store until something is drained into
// it. Before that there is nothing to look up and nothing to close.
type lazyStore struct {
	kind Kind
	open StoreFactory

	mu    sync.Mutex
	store Store
}

func (s *lazyStore) get() Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func (s *lazyStore) Drain(ctx context.Context, snap Snapshot, target int) ([]string, error) {
	s.mu.Lock()
	if s.store == nil {
		st, err := s.open(ctx, s.kind)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("open store: %w", err)
		}
		s.store = st
	}
	st := s.store
	s.mu.Unlock()
	return st.Drain(ctx, snap, target)
}

func (s *lazyStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	st := s.get()
	if st == nil {
		return nil, nil
	}
	return st.Lookup(ctx, key)
}

func (s *lazyStore) Close() error {
	st := s.get()
	if st == nil {
		return nil
	}
	return st.Close()
}
