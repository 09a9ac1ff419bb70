// Package pipeline wires the per-run dependencies shared by the import,
// export, delete and validate drivers: repository, identifier caches, event
// dispatcher, metrics and logging. There are no process-wide singletons; a
// driver gets everything through one Env.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"citydb/internal/config"
	"citydb/internal/event"
	"citydb/internal/metrics"
	"citydb/internal/storage"
	"citydb/internal/uidcache"
)

// Logger is the minimal logging interface used by the drivers.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures New. All fields are optional.
type Options struct {
	Logger  Logger
	Metrics metrics.Backend

	// WithoutDatabase skips opening the repository (file-only validation).
	WithoutDatabase bool

	// NewRepository is a seam for tests. Defaults to storage.NewRepository.
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	// Dispatcher replaces the dispatcher created by New.
	Dispatcher *event.Dispatcher
}

// Env carries the dependencies of one pipeline run.
type Env struct {
	Config     config.Pipeline
	Repo       storage.Repository
	Caches     *uidcache.Manager
	Dispatcher *event.Dispatcher
	Metrics    metrics.Backend
	Logger     Logger

	recorder      *metrics.Recorder
	ownDispatcher bool
}

// New opens the repository and prepares caches and the dispatcher for one
// run. Close releases everything New opened.
//
// Errors:
//   - repository open errors, wrapped with the database kind.
func New(ctx context.Context, cfg config.Pipeline, opts Options) (*Env, error) {
	e := &Env{
		Config:  cfg,
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	}
	if e.Metrics == nil {
		e.Metrics = metrics.Nop{}
	}
	if e.Logger == nil {
		e.Logger = log.New(discardWriter{}, "", 0)
	}

	if !opts.WithoutDatabase {
		open := opts.NewRepository
		if open == nil {
			open = storage.NewRepository
		}
		start := time.Now()
		repo, err := open(ctx, storage.Config{Kind: cfg.Database.Kind, DSN: cfg.Database.DSN, MaxConns: cfg.Runtime.Workers + cfg.Runtime.WriterWorkers + 1})
		if err != nil {
			return nil, fmt.Errorf("open database kind=%s: %w", cfg.Database.Kind, err)
		}
		e.Repo = repo
		e.Logf("stage=db_open kind=%s duration=%s", cfg.Database.Kind, DurMS(start))
	}

	e.Dispatcher = opts.Dispatcher
	if e.Dispatcher == nil {
		e.Dispatcher = event.NewDispatcher(cfg.Runtime.QueueSize, e.Logger)
		e.ownDispatcher = true
	}
	e.recorder = metrics.NewRecorder(e.Dispatcher, e.Metrics)

	e.Caches = uidcache.NewManager(uidcache.ManagerConfig{
		Settings: func(kind uidcache.Kind) (int, float64) {
			return cfg.Cache.CacheSettings(string(kind))
		},
		NewStore:   storage.CacheStoreFactory(CacheStoreConfig(cfg)),
		Dispatcher: e.Dispatcher,
		Logger:     e.Logger,
	})
	return e, nil
}

// CacheStoreConfig resolves the cache store section. The "database" kind
// stores identifier caches in the target database.
func CacheStoreConfig(cfg config.Pipeline) storage.CacheStoreConfig {
	sc := storage.CacheStoreConfig{Kind: cfg.Cache.Store.Kind, Path: cfg.Cache.Store.Path, DSN: cfg.Cache.Store.DSN}
	if sc.Kind == "database" {
		sc.Kind = cfg.Database.Kind
	}
	if sc.DSN == "" && sc.Kind == cfg.Database.Kind {
		sc.DSN = cfg.Database.DSN
	}
	return sc
}

// Logf logs through the configured logger.
func (e *Env) Logf(format string, v ...any) { e.Logger.Printf(format, v...) }

// Debug reports whether per-batch timings should be logged.
func (e *Env) Debug() bool { return e.Config.Runtime.DebugTimings }

// Cache returns the identifier cache of kind.
func (e *Env) Cache(kind uidcache.Kind) (*uidcache.Cache, error) { return e.Caches.Cache(kind) }

// Close shuts down caches, drains pending events, flushes metrics and
// closes the repository. It returns the joined errors.
func (e *Env) Close() error {
	var errs []error
	if err := e.Caches.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("uidcache shutdown: %w", err))
	}
	for _, s := range e.Caches.Stats() {
		e.Logf("stage=uidcache_stats cache=%s drains=%d persisted=%d memory_hits=%d store_hits=%d misses=%d",
			s.Name, s.Drains, s.Persisted, s.MemoryHits, s.StoreHits, s.Misses)
	}
	if e.ownDispatcher {
		e.Dispatcher.Close()
	} else {
		e.Dispatcher.Flush()
	}
	e.recorder.Close()
	if err := e.Metrics.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("metrics flush: %w", err))
	}
	if e.Repo != nil {
		e.Repo.Close()
	}
	return errors.Join(errs...)
}

// DurMS truncates the time since start to milliseconds for log lines.
func DurMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
