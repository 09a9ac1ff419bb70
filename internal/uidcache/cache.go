// Package uidcache implements the bounded identifier cache that maps
// external identifiers (gml:ids, texture URIs) to database row ids during
// import and export.
//
// The resident set is a concurrent map capped at a capacity. Reaching the
// capacity drains a fraction of the entries to a Store in the background.
// After the first drain the cache is "backed": lookups that miss in memory
// also query the store, because previously seen keys may now live only
// there.
package uidcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"citydb/internal/event"
)

// Logger is the minimal logging interface used by the cache.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// ErrClosed is returned by operations on a cache after Shutdown.
var ErrClosed = errors.New("uidcache: cache is shut down")

// Config configures a Cache.
type Config struct {
	// Name labels log lines and CacheDrain events (usually the Kind).
	Name string
	// Capacity is the soft ceiling on resident entries. Must be > 0.
	Capacity int
	// DrainFactor is the fraction of Capacity persisted per drain, in (0,1].
	DrainFactor float64
	// Store is the overflow tier. Required.
	Store Store
	// Dispatcher is optional. When set the cache publishes CacheDrain events
	// and aborts an in-flight drain on interrupt.
	Dispatcher *event.Dispatcher
	Logger     Logger
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Name         string
	Resident     int
	Capacity     int
	Backed       bool
	Drains       int64
	DrainErrors  int64
	Persisted    int64
	MemoryHits   int64
	StoreHits    int64
	Misses       int64
	StoreErrors  int64
	ColdResident int
}

// Cache is a bounded, concurrent key to Entry map that spills to a Store.
//
// Concurrency:
//   - The fast path (memory hit, new insert) is lock-free.
//   - At most one drain runs at a time. Callers that push the resident count
//     over capacity while a drain runs do not start another one.
//   - A lookup that misses in memory on a backed cache blocks until any
//     in-flight drain has finished before it queries the store.
//
// Errors from the store are logged and treated as "not found" or "drain made
// no progress". They never reach callers.
type Cache struct {
	name        string
	capacity    int
	drainTarget int
	store       Store
	dispatcher  *event.Dispatcher
	sub         *event.Subscription
	logf        func(format string, v ...any)

	m       *xsync.MapOf[string, *Entry]
	entries atomic.Int64
	backed  atomic.Bool

	draining atomic.Bool
	// mu guards the drain gate and orders startDrain against Shutdown.
	mu   sync.Mutex
	cond *sync.Cond

	// evictMu keeps eviction from interleaving with the miss path of
	// LookupAndPut: between the backed check or store lookup and the insert,
	// no key may move from memory to store-only.
	evictMu sync.RWMutex

	drainCtx    context.Context
	drainCancel context.CancelFunc
	drainWG     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	drains, drainErrors, persisted         atomic.Int64
	memoryHits, storeHits, misses, storeEr atomic.Int64
}

// New returns an empty cache.
//
// Errors:
//   - Capacity <= 0, DrainFactor outside (0,1] or a nil Store.
func New(cfg Config) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("uidcache: capacity must be > 0, got %d", cfg.Capacity)
	}
	if !(cfg.DrainFactor > 0 && cfg.DrainFactor <= 1) {
		return nil, fmt.Errorf("uidcache: drain factor must be in (0,1], got %v", cfg.DrainFactor)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("uidcache: store is required")
	}

	target := int(math.Round(float64(cfg.Capacity) * cfg.DrainFactor))
	if target < 1 {
		target = 1
	}

	c := &Cache{
		name:        cfg.Name,
		capacity:    cfg.Capacity,
		drainTarget: target,
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		m:           xsync.NewMapOf[string, *Entry](),
	}
	c.cond = sync.NewCond(&c.mu)
	c.drainCtx, c.drainCancel = context.WithCancel(context.Background())

	if cfg.Logger != nil {
		c.logf = cfg.Logger.Printf
	} else {
		c.logf = log.New(discardWriter{}, "", 0).Printf
	}

	if c.dispatcher != nil {
		c.sub = c.dispatcher.Subscribe(event.HandlerFunc(func(event.Event) {
			c.drainCancel()
		}), event.TypeInterrupt)
		if c.dispatcher.Interrupted() {
			c.drainCancel()
		}
	}
	return c, nil
}

// Name returns the configured cache name.
func (c *Cache) Name() string { return c.name }

// Put registers key if it is not resident yet. An existing entry is never
// overwritten. The store is not consulted.
func (c *Cache) Put(key string, id, rootID int64, reverse bool, mapping string, objectClassID int32) {
	if c.closed.Load() {
		return
	}
	c.insert(key, NewEntry(id, rootID, reverse, mapping, objectClassID))
}

// LookupAndPut reports whether key was already known and makes sure it is
// known afterwards. For concurrent callers with the same new key exactly one
// gets false; that caller owns materializing the object, the others emit a
// reference.
func (c *Cache) LookupAndPut(ctx context.Context, key string, id, rootID int64, reverse bool, mapping string, objectClassID int32) bool {
	if e, ok := c.m.Load(key); ok {
		e.markRequested()
		c.memoryHits.Add(1)
		return true
	}
	if c.closed.Load() {
		return false
	}

	// backed only flips before the first eviction, and evictions need
	// evictMu, so an unbacked cache seen under the read lock has never
	// moved a key to the store.
	if !c.backed.Load() {
		c.evictMu.RLock()
		if !c.backed.Load() {
			known := c.putNew(key, id, rootID, reverse, mapping, objectClassID)
			c.evictMu.RUnlock()
			return known
		}
		c.evictMu.RUnlock()
	}

	c.waitDrain()
	c.evictMu.RLock()
	defer c.evictMu.RUnlock()

	if e, ok := c.m.Load(key); ok {
		e.markRequested()
		c.memoryHits.Add(1)
		return true
	}
	if e := c.lookupStore(ctx, key); e != nil {
		return true
	}
	return c.putNew(key, id, rootID, reverse, mapping, objectClassID)
}

// putNew inserts a fresh entry and reports whether another caller won the
// race for key. The caller holds evictMu for reading.
func (c *Cache) putNew(key string, id, rootID int64, reverse bool, mapping string, objectClassID int32) bool {
	_, created := c.insert(key, NewEntry(id, rootID, reverse, mapping, objectClassID))
	if created {
		c.misses.Add(1)
	} else {
		c.memoryHits.Add(1)
	}
	return !created
}

// Get returns the entry for key, or nil. On a backed cache a memory miss
// falls through to the store after any in-flight drain has finished.
func (c *Cache) Get(ctx context.Context, key string) *Entry {
	if e := c.GetFromMemory(key); e != nil {
		return e
	}
	if !c.backed.Load() || c.closed.Load() {
		c.misses.Add(1)
		return nil
	}

	c.waitDrain()
	if e := c.GetFromMemory(key); e != nil {
		return e
	}
	e := c.lookupStore(ctx, key)
	if e == nil {
		c.misses.Add(1)
	}
	return e
}

// GetFromMemory returns the resident entry for key, or nil. It never touches
// the store, so a nil result is not authoritative on a backed cache.
func (c *Cache) GetFromMemory(key string) *Entry {
	e, ok := c.m.Load(key)
	if !ok {
		return nil
	}
	e.markRequested()
	c.memoryHits.Add(1)
	return e
}

// Wait blocks until no drain is running.
func (c *Cache) Wait() {
	c.waitDrain()
	c.drainWG.Wait()
}

// Shutdown waits for an in-flight drain, closes the store and detaches from
// the dispatcher. It is safe to call more than once; later calls return the
// first result.
func (c *Cache) Shutdown() error {
	c.closeOnce.Do(func() {
		// startDrain checks closed under mu, so no drain can register
		// after this point.
		c.mu.Lock()
		c.closed.Store(true)
		c.mu.Unlock()
		c.drainWG.Wait()
		c.drainCancel()

		if err := c.store.Close(); err != nil {
			c.closeErr = fmt.Errorf("uidcache %s: close store: %w", c.name, err)
		}
		c.logf("stage=uidcache_shutdown cache=%s resident=%d drains=%d persisted=%d", c.name, c.m.Size(), c.drains.Load(), c.persisted.Load())

		if c.dispatcher != nil {
			c.dispatcher.Unsubscribe(c.sub)
		}
	})
	return c.closeErr
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	cold := 0
	c.m.Range(func(_ string, e *Entry) bool {
		if !e.Requested() {
			cold++
		}
		return true
	})
	return Stats{
		Name:         c.name,
		Resident:     c.m.Size(),
		Capacity:     c.capacity,
		Backed:       c.backed.Load(),
		Drains:       c.drains.Load(),
		DrainErrors:  c.drainErrors.Load(),
		Persisted:    c.persisted.Load(),
		MemoryHits:   c.memoryHits.Load(),
		StoreHits:    c.storeHits.Load(),
		Misses:       c.misses.Load(),
		StoreErrors:  c.storeEr.Load(),
		ColdResident: cold,
	}
}

// insert places e under key unless another entry is already there and
// counts the winning entry once.
func (c *Cache) insert(key string, e *Entry) (*Entry, bool) {
	actual, loaded := c.m.LoadOrStore(key, e)
	if actual.register() {
		if c.entries.Add(1) >= int64(c.capacity) {
			c.startDrain()
		}
	}
	return actual, !loaded
}

// startDrain runs a drain in the background unless one is already running.
// The cache is marked backed before the drain starts so that concurrent
// misses begin consulting the store right away.
func (c *Cache) startDrain() {
	c.mu.Lock()
	if c.closed.Load() || !c.draining.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	c.backed.Store(true)
	c.drainWG.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.drainWG.Done()
		defer c.finishDrain()
		c.drain()
	}()
}

func (c *Cache) drain() {
	start := time.Now()
	c.drains.Add(1)

	keys, err := c.store.Drain(c.drainCtx, snapshot{m: c.m}, c.drainTarget)
	if err != nil {
		c.drainErrors.Add(1)
		c.entries.Store(int64(c.m.Size()))
		c.logf("stage=uidcache_drain cache=%s status=error target=%d err=%v", c.name, c.drainTarget, err)
		c.publish(event.CacheDrain{Cache: c.name, Duration: time.Since(start), Err: err})
		return
	}

	c.evictMu.Lock()
	for _, k := range keys {
		c.m.Delete(k)
	}
	c.evictMu.Unlock()

	c.entries.Store(int64(c.m.Size()))
	c.persisted.Add(int64(len(keys)))

	dur := time.Since(start).Truncate(time.Millisecond)
	c.logf("stage=uidcache_drain cache=%s status=ok persisted=%d resident=%d duration=%s", c.name, len(keys), c.m.Size(), dur)
	c.publish(event.CacheDrain{Cache: c.name, Persisted: len(keys), Duration: dur})
}

func (c *Cache) finishDrain() {
	c.mu.Lock()
	c.draining.Store(false)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Cache) waitDrain() {
	c.mu.Lock()
	for c.draining.Load() {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

func (c *Cache) lookupStore(ctx context.Context, key string) *Entry {
	e, err := c.store.Lookup(ctx, key)
	if err != nil {
		c.storeEr.Add(1)
		c.logf("stage=uidcache_lookup cache=%s status=error key=%q err=%v", c.name, key, err)
		return nil
	}
	if e != nil {
		e.markRequested()
		c.storeHits.Add(1)
	}
	return e
}

func (c *Cache) publish(ev event.Event) {
	if c.dispatcher != nil {
		c.dispatcher.Publish(ev)
	}
}

// snapshot yields never-read entries first, then the rest. An entry read
// between the two passes is yielded only once.
type snapshot struct {
	m *xsync.MapOf[string, *Entry]
}

func (s snapshot) Range(fn func(key string, e *Entry) bool) {
	seen := make(map[string]struct{})
	stopped := false
	s.m.Range(func(k string, e *Entry) bool {
		if e.Requested() {
			return true
		}
		seen[k] = struct{}{}
		if !fn(k, e) {
			stopped = true
			return false
		}
		return true
	})
	if stopped {
		return
	}
	s.m.Range(func(k string, e *Entry) bool {
		if _, ok := seen[k]; ok || !e.Requested() {
			return true
		}
		return fn(k, e)
	})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
