// Package importer loads CityGML and CityJSON files into the city database.
//
// A run streams features from one reader goroutine into a pool of mapping
// workers. Mapping reserves ids, registers gml:ids in the identifier caches
// and produces insert rows, which a pool of writer workers buffers and
// inserts in batches. After all features are written, references by gml:id
// (xlinks) are resolved against the identifier caches.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"citydb/internal/event"
	"citydb/internal/feature"
	"citydb/internal/filter"
	"citydb/internal/metrics"
	"citydb/internal/pipeline"
	"citydb/internal/storage"
	"citydb/internal/uidcache"
	"citydb/internal/worker"
)

const op = "import"

// Importer runs imports with the dependencies of env.
type Importer struct {
	Env *pipeline.Env

	// Open opens the input file. Defaults to feature.Open.
	Open func(path, format, encoding string) (feature.Reader, error)
	// NewGMLID returns a fresh gml:id. Defaults to prefix + random UUID.
	NewGMLID func() string
	// Now stamps creation dates. Defaults to time.Now.
	Now func() time.Time
}

func New(env *pipeline.Env) *Importer {
	prefix := env.Config.Import.GMLID.Prefix
	return &Importer{
		Env:      env,
		Open:     feature.Open,
		NewGMLID: func() string { return prefix + uuid.NewString() },
		Now:      time.Now,
	}
}

// Run imports the file at path.
//
// Edge cases:
//   - Features rejected by the import filter or outside the counter window
//     are not imported and not counted.
//   - A top-level feature whose gml:id was already imported in this run is
//     skipped.
//   - References whose target is unknown after the run stay unresolved and
//     are counted in Report.Unresolved.
//
// Errors:
//   - Schema, open and read errors.
//   - The first interrupt if the run was interrupted; the returned report
//     is still valid.
func (im *Importer) Run(ctx context.Context, path string) (*pipeline.Report, error) {
	env := im.Env
	cfg := env.Config
	d := env.Dispatcher
	started := time.Now()
	tally := pipeline.NewTally(op)

	pred, err := cfg.Import.Filter.Predicate()
	if err != nil {
		return nil, err
	}
	counter := cfg.Import.Filter.CounterRange()

	step := time.Now()
	err = env.Repo.EnsureSchema(ctx)
	metrics.ObserveStep(env.Metrics, "schema", step, err)
	if err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	features, err := env.Cache(uidcache.KindFeature)
	if err != nil {
		return nil, err
	}
	geometries, err := env.Cache(uidcache.KindGeometry)
	if err != nil {
		return nil, err
	}

	rd, err := im.Open(path, cfg.Import.Format, cfg.Import.Encoding)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer rd.Close()
	env.Logf("stage=import_open path=%s format=%s workers=%d writer_workers=%d batch_size=%d",
		path, cfg.Import.Format, cfg.Runtime.Workers, cfg.Runtime.WriterWorkers, cfg.Runtime.BatchSize)

	writers, err := worker.New(ctx, "import_writer", cfg.Runtime.WriterWorkers,
		func(ctx context.Context, id int) (worker.Worker[*rowSet], error) {
			return &writer{id: id, ctx: ctx, env: env, tally: tally, batchSize: cfg.Runtime.BatchSize}, nil
		},
		worker.Options[*rowSet]{
			QueueSize:  cfg.Runtime.QueueSize,
			Dispatcher: d,
			Logger:     env.Logger,
			Fatal:      storage.IsFatal,
			Describe:   func(rs *rowSet) string { return "gmlid=" + rs.gmlID },
			Debug:      env.Debug(),
		})
	if err != nil {
		return nil, err
	}

	m := &mapper{repo: env.Repo, features: features, geometries: geometries, now: im.Now(), logf: env.Logf}
	transformers, err := worker.New(ctx, "import_map", cfg.Runtime.Workers,
		worker.FuncFactory(func(ctx context.Context, f *feature.Feature) error {
			rs, err := m.rows(ctx, f)
			if errors.Is(err, errDuplicate) {
				tally.Skip()
				env.Logf("stage=import_map status=skipped reason=duplicate type=%s gmlid=%s", f.Type, f.ID)
				return nil
			}
			if err != nil {
				return err
			}
			return writers.AddWork(ctx, rs)
		}),
		worker.Options[*feature.Feature]{
			QueueSize:  cfg.Runtime.QueueSize,
			Dispatcher: d,
			Logger:     env.Logger,
			Fatal:      storage.IsFatal,
			Describe:   func(f *feature.Feature) string { return f.Type + " gmlid=" + f.ID },
			OnError:    func(*feature.Feature, error) { tally.Fail(env.Metrics) },
			ProgressOp: op,
			Debug:      env.Debug(),
		})
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer transformers.Shutdown()
		return im.read(gctx, rd, path, pred, counter, transformers)
	})
	g.Go(func() error {
		err := transformers.Join()
		return errors.Join(err, writers.Close())
	})
	err = g.Wait()
	env.Logf("stage=import_write status=%s duration=%s", metrics.Status(err), pipeline.DurMS(started))

	if err == nil && !d.Interrupted() {
		step := time.Now()
		err = im.resolveXlinks(ctx, features, geometries, tally)
		metrics.ObserveStep(env.Metrics, "xlink_resolve", step, err)
	}

	report := tally.Report(started, d)
	metrics.ObserveStep(env.Metrics, op, started, err)
	if d.Interrupted() {
		return report, d.Cause()
	}
	return report, err
}

// read feeds the transform pool. A read error publishes an interrupt so
// that the pools stop after their current items.
func (im *Importer) read(ctx context.Context, rd feature.Reader, path string, pred filter.Predicate, counter filter.Counter, pool *worker.Pool[*feature.Feature]) error {
	d := im.Env.Dispatcher
	generate := im.Env.Config.Import.GMLID.Generate
	needsEnv := pred.NeedsEnvelope()
	var seen, queued, filtered int64
	start := time.Now()
	defer func() {
		im.Env.Logf("stage=import_read path=%s seen=%d queued=%d filtered=%d duration=%s",
			path, seen, queued, filtered, pipeline.DurMS(start))
	}()

	for !d.Interrupted() {
		f, err := rd.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			err = fmt.Errorf("read %s: %w", path, err)
			d.Publish(event.Interrupt{Cause: err, Message: "import aborted"})
			return err
		}
		seen++

		if generate {
			im.assignGMLIDs(f)
		}
		c := filter.Candidate{ID: f.ID, Type: f.Type, Envelope: f.Envelope}
		if needsEnv {
			c = filter.CandidateOf(f)
		}
		if !filter.Eval(pred, c) {
			filtered++
			continue
		}
		ok, more := counter.Accept(seen - filtered - 1)
		if !ok {
			if !more {
				return nil
			}
			continue
		}
		if err := pool.AddWork(ctx, f); err != nil {
			if d.Interrupted() {
				return nil
			}
			return err
		}
		queued++
	}
	return nil
}

// assignGMLIDs replaces the gml:ids of f and its children and rewrites
// local references inside the tree to the new ids.
func (im *Importer) assignGMLIDs(f *feature.Feature) {
	renamed := make(map[string]string)
	f.Walk(func(c *feature.Feature, _ int) bool {
		id := im.NewGMLID()
		if c.ID != "" {
			renamed[storage.NormalizeKey(c.ID)] = id
		}
		c.ID = id
		for i := range c.Geometries {
			if g := &c.Geometries[i]; !g.IsXlink() && g.ID != "" {
				nid := im.NewGMLID()
				renamed[storage.NormalizeKey(g.ID)] = nid
				g.ID = nid
			}
		}
		return true
	})
	f.Walk(func(c *feature.Feature, _ int) bool {
		for i := range c.Geometries {
			if g := &c.Geometries[i]; g.IsXlink() {
				if nid, ok := renamed[storage.NormalizeKey(g.Href)]; ok {
					g.Href = "#" + nid
				}
			}
		}
		for i := range c.Refs {
			if nid, ok := renamed[storage.NormalizeKey(c.Refs[i].Href)]; ok {
				c.Refs[i].Href = "#" + nid
			}
		}
		return true
	})
}

// resolveXlinks sets the target of every unresolved xlink whose href is
// known to the feature or geometry cache.
func (im *Importer) resolveXlinks(ctx context.Context, features, geometries *uidcache.Cache, tally *pipeline.Tally) error {
	env := im.Env
	start := time.Now()
	batchSize := env.Config.Runtime.BatchSize
	var batch []storage.XlinkTarget
	var resolved, unresolved int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := env.Repo.ResolveXlinks(ctx, batch); err != nil {
			return fmt.Errorf("resolve xlinks: %w", err)
		}
		resolved += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	err := env.Repo.StreamUnresolvedXlinks(ctx, func(x storage.XlinkRow) error {
		c := features
		if x.Kind == storage.XlinkGeometry {
			c = geometries
		}
		e := c.Get(ctx, x.Href)
		if e == nil {
			unresolved++
			if env.Debug() {
				env.Logf("stage=xlink_resolve status=unresolved kind=%s href=%s from=%d", x.Kind, x.Href, x.FromID)
			}
			return nil
		}
		batch = append(batch, storage.XlinkTarget{ID: x.ID, TargetID: e.ID()})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	tally.AddUnresolved(unresolved)
	env.Logf("stage=xlink_resolve resolved=%d unresolved=%d status=%s duration=%s",
		resolved, unresolved, metrics.Status(err), pipeline.DurMS(start))
	return err
}

// writer buffers row sets and inserts them in batches of batchSize
// features. Buffered rows are discarded when the run is interrupted with
// rollback.
type writer struct {
	id        int
	ctx       context.Context
	env       *pipeline.Env
	tally     *pipeline.Tally
	batchSize int

	buf []*rowSet
}

func (w *writer) Work(ctx context.Context, rs *rowSet) error {
	w.buf = append(w.buf, rs)
	if len(w.buf) < w.batchSize {
		return nil
	}
	return w.flush(ctx)
}

func (w *writer) Shutdown() error {
	if in, ok := w.env.Dispatcher.FirstInterrupt(); ok && in.Rollback {
		if len(w.buf) > 0 {
			w.env.Logf("stage=import_batch worker=%d status=discarded features=%d", w.id, len(w.buf))
		}
		w.buf = nil
		return nil
	}
	return w.flush(context.WithoutCancel(w.ctx))
}

// flush inserts the buffered rows. Objects go first so that geometry and
// xlink rows never reference a missing object.
func (w *writer) flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	batch := w.buf
	w.buf = nil

	var objects []storage.CityObjectRow
	var geoms []storage.GeometryRow
	var xlinks []storage.XlinkRow
	for _, rs := range batch {
		objects = append(objects, rs.objects...)
		geoms = append(geoms, rs.geoms...)
		xlinks = append(xlinks, rs.xlinks...)
	}

	start := time.Now()
	err := w.env.Repo.InsertCityObjects(ctx, objects)
	if err == nil && len(geoms) > 0 {
		err = w.env.Repo.InsertGeometries(ctx, geoms)
	}
	if err == nil && len(xlinks) > 0 {
		err = w.env.Repo.InsertXlinks(ctx, xlinks)
	}
	metrics.ObserveStep(w.env.Metrics, "import_batch", start, err)
	if err != nil {
		for range batch {
			w.tally.Fail(w.env.Metrics)
		}
		w.env.Logf("stage=import_batch worker=%d status=error features=%d duration=%s err=%v",
			w.id, len(batch), pipeline.DurMS(start), err)
		return fmt.Errorf("insert batch of %d features: %w", len(batch), err)
	}
	for _, rs := range batch {
		w.tally.AddFeature(w.env.Dispatcher, rs.counts)
	}
	if w.env.Debug() {
		w.env.Logf("stage=import_batch worker=%d status=ok features=%d objects=%d geometries=%d xlinks=%d duration=%s",
			w.id, len(batch), len(objects), len(geoms), len(xlinks), pipeline.DurMS(start))
	}
	return nil
}
