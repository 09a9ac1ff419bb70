package storage

import (
	"context"
	"fmt"
	"sync"

	"citydb/internal/uidcache"
)

// CacheStoreConfig selects and configures the overflow store of one
// identifier cache.
type CacheStoreConfig struct {
	// Kind: "sqlite" | "badger" | "postgres" | "memory".
	Kind string
	// Cache is the cache kind ("feature", "geometry", ...). Backends use it
	// to name tables or key prefixes.
	Cache string
	// Path is a directory for file-based stores. Empty means a fresh
	// temporary directory that is removed on Close.
	Path string
	// DSN is used by database-backed stores.
	DSN string
}

type cacheStoreFactory func(ctx context.Context, cfg CacheStoreConfig) (uidcache.Store, error)

var (
	cacheMu        sync.RWMutex
	cacheFactories = map[string]cacheStoreFactory{}
)

func init() {
	RegisterCacheStore("memory", func(context.Context, CacheStoreConfig) (uidcache.Store, error) {
		return uidcache.NewMemoryStore(), nil
	})
}

// RegisterCacheStore registers an identifier cache store backend.
//
// Panics:
//   - If kind is empty, f is nil or kind is already registered.
func RegisterCacheStore(kind string, f cacheStoreFactory) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if kind == "" {
		panic("storage: RegisterCacheStore called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterCacheStore called with nil factory")
	}
	if _, exists := cacheFactories[kind]; exists {
		panic(fmt.Sprintf("storage: cache store factory already registered for kind=%q", kind))
	}
	cacheFactories[kind] = f
}

// NewCacheStore opens a cache store using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
func NewCacheStore(ctx context.Context, cfg CacheStoreConfig) (uidcache.Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing cache store kind")
	}

	cacheMu.RLock()
	f := cacheFactories[cfg.Kind]
	cacheMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported cache store kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// CacheStoreFactory adapts the registry to uidcache.StoreFactory, filling
// in the cache kind per call.
func CacheStoreFactory(base CacheStoreConfig) uidcache.StoreFactory {
	return func(ctx context.Context, kind uidcache.Kind) (uidcache.Store, error) {
		cfg := base
		cfg.Cache = string(kind)
		return NewCacheStore(ctx, cfg)
	}
}
