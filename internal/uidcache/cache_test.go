package uidcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"citydb/internal/event"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingStore fails every call and records that it was called.
type countingStore struct {
	drains, lookups, closes atomic.Int64
}

var errStoreDown = errors.New("store down")

func (s *countingStore) Drain(context.Context, Snapshot, int) ([]string, error) {
	s.drains.Add(1)
	return nil, errStoreDown
}

func (s *countingStore) Lookup(context.Context, string) (*Entry, error) {
	s.lookups.Add(1)
	return nil, errStoreDown
}

func (s *countingStore) Close() error {
	s.closes.Add(1)
	return nil
}

// gatedStore blocks Drain until release is closed or ctx is done.
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) Drain(ctx context.Context, snap Snapshot, target int) ([]string, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MemoryStore.Drain(ctx, snap, target)
}

func newCache(t *testing.T, capacity int, factor float64, store Store) *Cache {
	t.Helper()
	c, err := New(Config{Name: "test", Capacity: capacity, DrainFactor: factor, Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func key(i int) string { return fmt.Sprintf("gml_%03d", i) }

func TestNewRejectsInvalidConfig(t *testing.T) {
	store := NewMemoryStore()
	cases := []Config{
		{Capacity: 0, DrainFactor: 0.5, Store: store},
		{Capacity: -1, DrainFactor: 0.5, Store: store},
		{Capacity: 10, DrainFactor: 0, Store: store},
		{Capacity: 10, DrainFactor: 1.5, Store: store},
		{Capacity: 10, DrainFactor: 0.5},
	}
	for i, cfg := range cases {
		_, err := New(cfg)
		assert.Error(t, err, "case %d", i)
	}
}

func TestLookupAndPutSingleWinner(t *testing.T) {
	c := newCache(t, 1000, 0.5, NewMemoryStore())

	const n = 64
	var wg sync.WaitGroup
	var fresh atomic.Int64
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if !c.LookupAndPut(context.Background(), "shared", int64(i), 0, false, "", 26) {
				fresh.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, fresh.Load())
	require.Equal(t, 1, c.Stats().Resident)
}

func TestLookupAndPutSingleWinnerAcrossDrains(t *testing.T) {
	c := newCache(t, 2, 1, NewMemoryStore())

	const keys, callers = 300, 4
	var fresh [keys]atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for g := 0; g < callers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			<-start
			for i := 0; i < keys; i++ {
				k := (i + g) % keys
				if !c.LookupAndPut(context.Background(), key(k), int64(k), 0, false, "", 26) {
					fresh[k].Add(1)
				}
			}
		}(g)
	}
	close(start)
	wg.Wait()
	c.Wait()

	for k := range fresh {
		require.EqualValues(t, 1, fresh[k].Load(), "key %s", key(k))
	}
	assert.True(t, c.Stats().Backed)
}

func TestPutFirstWriterWins(t *testing.T) {
	c := newCache(t, 10, 0.5, NewMemoryStore())
	c.Put("a", 1, 0, false, "", 26)
	c.Put("a", 2, 0, false, "", 26)

	e := c.GetFromMemory("a")
	require.NotNil(t, e)
	assert.EqualValues(t, 1, e.ID())
	assert.Equal(t, 1, c.Stats().Resident)
}

func TestNoStoreAccessBeforeFirstDrain(t *testing.T) {
	store := &countingStore{}
	c := newCache(t, 5, 0.5, store)

	for i := 0; i < 4; i++ {
		c.Put(key(i), int64(i), 0, false, "", 26)
	}
	assert.Nil(t, c.Get(context.Background(), "unknown"))
	assert.False(t, c.LookupAndPut(context.Background(), "other", 99, 0, false, "", 26))
	c.Wait()

	// "other" was the fifth key and triggers the first drain.
	assert.EqualValues(t, 1, store.drains.Load())
	assert.EqualValues(t, 0, store.lookups.Load())
}

func TestCapacityTrigger(t *testing.T) {
	store := NewMemoryStore()
	c := newCache(t, 8, 0.5, store)

	for i := 0; i < 7; i++ {
		c.Put(key(i), int64(i), 0, false, "", 26)
	}
	c.Wait()
	require.Equal(t, 0, store.Drains())
	require.False(t, c.Stats().Backed)

	c.Put(key(7), 7, 0, false, "", 26)
	c.Wait()
	require.Equal(t, 1, store.Drains())
	require.True(t, c.Stats().Backed)
}

func TestDrainScenario(t *testing.T) {
	store := NewMemoryStore()
	c := newCache(t, 10, 0.5, store)

	for i := 0; i < 10; i++ {
		c.Put(key(i), int64(100+i), 7, i%2 == 0, "m", 26)
	}
	c.Wait()

	st := c.Stats()
	require.Equal(t, 1, store.Drains())
	require.Equal(t, 5, store.Len())
	require.Equal(t, 5, st.Resident)
	require.EqualValues(t, 5, st.Persisted)

	for i := 0; i < 10; i++ {
		e := c.Get(context.Background(), key(i))
		require.NotNil(t, e, key(i))
		assert.EqualValues(t, 100+i, e.ID())
		assert.EqualValues(t, 7, e.RootID())
		assert.Equal(t, i%2 == 0, e.Reverse())
		assert.Equal(t, "m", e.Mapping())
		assert.EqualValues(t, 26, e.ObjectClassID())
	}
}

func TestLookupAndPutSeesDrainedKeys(t *testing.T) {
	store := NewMemoryStore()
	c := newCache(t, 4, 1, store)

	for i := 0; i < 4; i++ {
		c.Put(key(i), int64(i), 0, false, "", 26)
	}
	c.Wait()
	require.Equal(t, 0, c.Stats().Resident)

	for i := 0; i < 4; i++ {
		assert.True(t, c.LookupAndPut(context.Background(), key(i), 999, 0, false, "", 26), key(i))
	}
	assert.False(t, c.LookupAndPut(context.Background(), "fresh", 5, 0, false, "", 26))
}

func TestDrainPrefersColdEntries(t *testing.T) {
	store := NewMemoryStore()
	c := newCache(t, 6, 0.5, store)

	for i := 0; i < 5; i++ {
		c.Put(key(i), int64(i), 0, false, "", 26)
	}
	// Warm up three entries; the other two plus the next insert are cold.
	for i := 0; i < 3; i++ {
		require.NotNil(t, c.GetFromMemory(key(i)))
	}
	c.Put(key(5), 5, 0, false, "", 26)
	c.Wait()

	for i := 0; i < 3; i++ {
		assert.NotNil(t, c.GetFromMemory(key(i)), "warm %s evicted", key(i))
	}
	for i := 3; i < 6; i++ {
		assert.Nil(t, c.GetFromMemory(key(i)), "cold %s kept", key(i))
	}
}

func TestDrainFailureKeepsEntries(t *testing.T) {
	store := &countingStore{}
	c := newCache(t, 4, 0.5, store)

	for i := 0; i < 4; i++ {
		c.Put(key(i), int64(i), 0, false, "", 26)
	}
	c.Wait()

	st := c.Stats()
	require.EqualValues(t, 1, st.DrainErrors)
	require.Equal(t, 4, st.Resident)
	for i := 0; i < 4; i++ {
		require.NotNil(t, c.Get(context.Background(), key(i)))
	}

	// Store errors read as misses.
	assert.Nil(t, c.Get(context.Background(), "missing"))
	assert.EqualValues(t, 1, c.Stats().StoreErrors)
}

func TestGetBlocksWhileDraining(t *testing.T) {
	store := newGatedStore()
	c := newCache(t, 2, 1, store)

	c.Put("a", 1, 0, false, "", 26)
	c.Put("b", 2, 0, false, "", 26)
	<-store.entered

	got := make(chan *Entry, 1)
	go func() { got <- c.Get(context.Background(), "missing") }()

	select {
	case <-got:
		t.Fatalf("Get returned while a drain was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	select {
	case e := <-got:
		assert.Nil(t, e)
	case <-time.After(5 * time.Second):
		t.Fatalf("Get did not return after the drain finished")
	}

	c.Wait()
	require.NotNil(t, c.Get(context.Background(), "a"))
	require.NotNil(t, c.Get(context.Background(), "b"))
}

func TestInterruptAbortsDrain(t *testing.T) {
	d := event.NewDispatcher(8, nil)
	defer d.Close()

	store := newGatedStore()
	c, err := New(Config{Name: "geometry", Capacity: 2, DrainFactor: 1, Store: store, Dispatcher: d})
	require.NoError(t, err)

	c.Put("a", 1, 0, false, "", 26)
	c.Put("b", 2, 0, false, "", 26)
	<-store.entered

	d.PublishSync(event.Interrupt{Message: "abort"})
	c.Wait()

	st := c.Stats()
	assert.EqualValues(t, 1, st.DrainErrors)
	assert.Equal(t, 2, st.Resident)
	require.NoError(t, c.Shutdown())
	assert.True(t, store.Closed())
}

func TestShutdownClosesStoreOnce(t *testing.T) {
	store := &countingStore{}
	c, err := New(Config{Capacity: 4, DrainFactor: 0.5, Store: store})
	require.NoError(t, err)

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	assert.EqualValues(t, 1, store.closes.Load())

	c.Put("late", 1, 0, false, "", 26)
	assert.Nil(t, c.GetFromMemory("late"))
}

// lateDrainStore counts drains that start after Close.
type lateDrainStore struct {
	*MemoryStore
	late atomic.Int64
}

func (s *lateDrainStore) Drain(ctx context.Context, snap Snapshot, target int) ([]string, error) {
	if s.Closed() {
		s.late.Add(1)
	}
	return s.MemoryStore.Drain(ctx, snap, target)
}

func TestShutdownRacesWithDrainTrigger(t *testing.T) {
	for round := 0; round < 50; round++ {
		store := &lateDrainStore{MemoryStore: NewMemoryStore()}
		c, err := New(Config{Name: "geometry", Capacity: 2, DrainFactor: 1, Store: store})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					c.Put(fmt.Sprintf("r%d_g%d_%d", round, g, i), int64(i), 0, false, "", 26)
				}
			}(g)
		}
		require.NoError(t, c.Shutdown())
		wg.Wait()

		require.Zero(t, store.late.Load(), "round %d: drain ran against a closed store", round)
	}
}

func TestManagerOpensStoreOnFirstDrain(t *testing.T) {
	var opened atomic.Int64
	stores := map[Kind]*MemoryStore{}
	var mu sync.Mutex

	m := NewManager(ManagerConfig{
		Settings: func(Kind) (int, float64) { return 3, 1 },
		NewStore: func(_ context.Context, kind Kind) (Store, error) {
			opened.Add(1)
			s := NewMemoryStore()
			mu.Lock()
			stores[kind] = s
			mu.Unlock()
			return s, nil
		},
	})

	geom, err := m.Cache(KindGeometry)
	require.NoError(t, err)
	same, err := m.Cache(KindGeometry)
	require.NoError(t, err)
	require.Same(t, geom, same)

	geom.Put("g1", 1, 0, false, "", 0)
	geom.Put("g2", 2, 0, false, "", 0)
	require.Nil(t, geom.Get(context.Background(), "nope"))
	require.EqualValues(t, 0, opened.Load())

	geom.Put("g3", 3, 0, false, "", 0)
	geom.Wait()
	require.EqualValues(t, 1, opened.Load())
	require.NotNil(t, geom.Get(context.Background(), "g1"))

	_, err = m.Cache(KindFeature)
	require.NoError(t, err)
	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "feature", stats[0].Name)
	assert.Equal(t, "geometry", stats[1].Name)

	require.NoError(t, m.Shutdown())
	assert.True(t, stores[KindGeometry].Closed())
	_, err = m.Cache(KindAppearance)
	assert.ErrorIs(t, err, ErrClosed)
}
