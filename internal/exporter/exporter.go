// Package exporter writes city objects from the database to CityJSON or
// CityJSONSeq files.
//
// A run walks the top-level objects matching the export filter, rebuilds
// each feature in a pool of export workers and hands the features to a
// single writer worker, so the output is written by one goroutine.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"citydb/internal/event"
	"citydb/internal/feature"
	"citydb/internal/filter"
	"citydb/internal/lod"
	"citydb/internal/metrics"
	"citydb/internal/pipeline"
	"citydb/internal/storage"
	"citydb/internal/uidcache"
	"citydb/internal/worker"
)

const op = "export"

// errStop ends the database cursor early.
var errStop = errors.New("export: stop")

// Exporter runs exports with the dependencies of env.
type Exporter struct {
	Env *pipeline.Env

	// Stdout receives the output when the path is "-".
	Stdout io.Writer
	// WriterOptions configures the output transform.
	WriterOptions feature.WriterOptions
}

func New(env *pipeline.Env) *Exporter {
	return &Exporter{Env: env, Stdout: os.Stdout}
}

// Run exports to path ("-" writes to Stdout).
//
// Edge cases:
//   - With a restricting LOD filter, features without a selected LOD are
//     skipped and geometries of other LODs are dropped.
//   - A geometry shared by several features is written with the first
//     feature only; later features reference it.
//   - References to features outside the export are counted in
//     Report.Unresolved.
//
// Errors:
//   - Filter, query and output errors.
//   - The first interrupt if the run was interrupted.
func (ex *Exporter) Run(ctx context.Context, path string) (*pipeline.Report, error) {
	env := ex.Env
	cfg := env.Config
	d := env.Dispatcher
	started := time.Now()
	tally := pipeline.NewTally(op)

	pred, err := cfg.Export.Filter.Predicate()
	if err != nil {
		return nil, err
	}
	counter := cfg.Export.Filter.CounterRange()
	lf, err := cfg.Export.LOD.Filter()
	if err != nil {
		return nil, err
	}
	restrictLOD := lf.Mode() != lod.ModeOr || !lf.AreAllEnabled()

	features, err := env.Cache(uidcache.KindFeature)
	if err != nil {
		return nil, err
	}
	geometries, err := env.Cache(uidcache.KindGeometry)
	if err != nil {
		return nil, err
	}

	q, pushed := filter.ToQuery(pred, counter)
	if pushed {
		if n, err := env.Repo.CountCityObjects(ctx, q); err == nil {
			d.Publish(event.Progress{Op: op, Max: windowed(n, counter)})
		} else {
			env.Logf("stage=export_count status=error err=%v", err)
		}
	}

	out, err := ex.create(path, cfg.Export.Format)
	if err != nil {
		return nil, err
	}
	d.Publish(event.Status{Message: fmt.Sprintf("export: writing %s", path)})
	env.Logf("stage=export_open path=%s format=%s workers=%d lod=%v lod_mode=%s pushed_filter=%t",
		path, cfg.Export.Format, cfg.Runtime.Workers, lf.Enabled(), lf.Mode(), pushed)

	writers, err := worker.New(ctx, "export_writer", 1,
		worker.FuncFactory(func(_ context.Context, f *feature.Feature) error {
			if err := out.Write(f); err != nil {
				return fmt.Errorf("write %s: %w", f.ID, err)
			}
			tally.AddFeature(d, pipeline.CountTypes(f))
			return nil
		}),
		worker.Options[*feature.Feature]{
			QueueSize:  cfg.Runtime.QueueSize,
			Dispatcher: d,
			Logger:     env.Logger,
			Fatal:      func(error) bool { return true },
			Describe:   describeFeature,
			OnError:    func(*feature.Feature, error) { tally.Fail(env.Metrics) },
			Debug:      env.Debug(),
		})
	if err != nil {
		out.Close()
		return nil, err
	}

	refs := &refSet{}
	var sharedRefs, geomUnresolved int64
	var statsMu sync.Mutex
	exporters, err := worker.New(ctx, "export", cfg.Runtime.Workers,
		worker.FuncFactory(func(ctx context.Context, row storage.CityObjectRow) error {
			rows, err := env.Repo.LoadFeature(ctx, row.ID)
			if errors.Is(err, storage.ErrNotFound) {
				tally.Skip()
				return nil
			}
			if err != nil {
				return err
			}
			t, err := assemble(ctx, env.Repo, rows)
			if err != nil {
				return err
			}
			if restrictLOD {
				levels := lf.Select(t.root.AvailableLODs(lf.MaxDepth()))
				if len(levels) == 0 {
					tally.Skip()
					return nil
				}
				t.keepLODs(levels)
			}
			n := t.dedupGeometries(ctx, geometries)

			t.root.Walk(func(f *feature.Feature, _ int) bool {
				if f.ID != "" {
					features.Put(storage.NormalizeKey(f.ID), t.rootID, t.rootID, false, storage.TableCityObject, f.ClassID())
				}
				for _, r := range f.Refs {
					refs.add(r.Href)
				}
				return true
			})
			statsMu.Lock()
			sharedRefs += int64(n)
			geomUnresolved += int64(t.unresolved)
			statsMu.Unlock()
			return writers.AddWork(ctx, t.root)
		}),
		worker.Options[storage.CityObjectRow]{
			QueueSize:  cfg.Runtime.QueueSize,
			Dispatcher: d,
			Logger:     env.Logger,
			Fatal:      storage.IsFatal,
			Describe:   describeRow,
			OnError:    func(storage.CityObjectRow, error) { tally.Fail(env.Metrics) },
			ProgressOp: op,
			Debug:      env.Debug(),
		})
	if err != nil {
		writers.Close()
		out.Close()
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer exporters.Shutdown()
		return ex.query(gctx, q, pushed, pred, counter, exporters)
	})
	g.Go(func() error {
		err := exporters.Join()
		return errors.Join(err, writers.Close())
	})
	err = g.Wait()
	if cerr := out.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close output: %w", cerr))
	}

	if err == nil && !d.Interrupted() {
		missing := 0
		for _, href := range refs.list() {
			if features.Get(ctx, storage.NormalizeKey(href)) == nil {
				missing++
			}
		}
		tally.AddUnresolved(int64(missing) + geomUnresolved)
	}
	env.Logf("stage=export_write path=%s shared_geometries=%d status=%s duration=%s",
		path, sharedRefs, metrics.Status(err), pipeline.DurMS(started))

	report := tally.Report(started, d)
	metrics.ObserveStep(env.Metrics, op, started, err)
	if d.Interrupted() {
		return report, d.Cause()
	}
	return report, err
}

// query feeds the export pool from the database cursor. Predicates that
// could not be pushed into the query are evaluated here, together with
// the counter window.
func (ex *Exporter) query(ctx context.Context, q storage.Query, pushed bool, pred filter.Predicate, counter filter.Counter, pool *worker.Pool[storage.CityObjectRow]) error {
	d := ex.Env.Dispatcher
	var seen, matched, queued int64
	start := time.Now()
	err := ex.Env.Repo.QueryCityObjects(ctx, q, func(row storage.CityObjectRow) error {
		if d.Interrupted() {
			return errStop
		}
		seen++
		if !pushed {
			c := filter.Candidate{ID: row.GMLID, Type: feature.TypeName(row.ObjectClassID), Envelope: row.Envelope}
			if !filter.Eval(pred, c) {
				return nil
			}
			ok, more := counter.Accept(matched)
			matched++
			if !ok {
				if !more {
					return errStop
				}
				return nil
			}
		}
		if err := pool.AddWork(ctx, row); err != nil {
			if d.Interrupted() {
				return errStop
			}
			return err
		}
		queued++
		return nil
	})
	ex.Env.Logf("stage=export_query seen=%d queued=%d duration=%s", seen, queued, pipeline.DurMS(start))
	if errors.Is(err, errStop) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query cityobjects: %w", err)
	}
	return nil
}

func (ex *Exporter) create(path, format string) (feature.Writer, error) {
	if path == "-" {
		return feature.NewWriter(ex.Stdout, format, ex.WriterOptions)
	}
	if format == "" {
		format = feature.DetectFormat(path)
	}
	return feature.Create(path, format, ex.WriterOptions)
}

// windowed applies the counter window to a total.
func windowed(total int64, c filter.Counter) int64 {
	n := total - c.Start
	if n < 0 {
		return 0
	}
	if c.Count > 0 && n > c.Count {
		return c.Count
	}
	return n
}

func describeRow(r storage.CityObjectRow) string {
	return fmt.Sprintf("%s id=%d gmlid=%s", feature.TypeName(r.ObjectClassID), r.ID, r.GMLID)
}

func describeFeature(f *feature.Feature) string { return f.Type + " gmlid=" + f.ID }

// refSet collects the feature references written by concurrent workers.
type refSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (s *refSet) add(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	s.seen[href] = struct{}{}
}

func (s *refSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for h := range s.seen {
		out = append(out, h)
	}
	return out
}
