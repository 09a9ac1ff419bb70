// Package validator checks CityGML and CityJSON files without a database:
// duplicate gml:ids, references that do not resolve within the file,
// geometry LODs and unknown feature types.
package validator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"citydb/internal/event"
	"citydb/internal/feature"
	"citydb/internal/metrics"
	"citydb/internal/pipeline"
	"citydb/internal/storage"
	"citydb/internal/uidcache"
	"citydb/internal/worker"
)

const op = "validate"

// Finding kinds.
const (
	DuplicateID    = "duplicate_gmlid"
	UnresolvedHref = "unresolved_href"
	LODRange       = "lod_out_of_range"
	UnknownType    = "unknown_type"
	EmptyGeometry  = "empty_geometry"
)

// Finding is one problem found in the input.
type Finding struct {
	Kind  string
	Type  string
	GMLID string
	// Root is the gml:id of the top-level feature.
	Root    string
	Message string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s root=%s type=%s gmlid=%s: %s", f.Kind, f.Root, f.Type, f.GMLID, f.Message)
}

// Validator validates files with the caches and dispatcher of env. The
// repository of env is not used.
type Validator struct {
	Env *pipeline.Env

	// Open opens the input file. Defaults to feature.Open.
	Open func(path, format, encoding string) (feature.Reader, error)
	// OnFinding receives every finding, possibly from several goroutines
	// at once. Defaults to logging.
	OnFinding func(Finding)
}

func New(env *pipeline.Env) *Validator {
	return &Validator{
		Env:  env,
		Open: feature.Open,
		OnFinding: func(f Finding) {
			env.Logf("stage=validate_finding kind=%s root=%s type=%s gmlid=%s msg=%q", f.Kind, f.Root, f.Type, f.GMLID, f.Message)
		},
	}
}

type href struct {
	kind string
	root string
	from string
	key  string
}

// Run validates the file at path. Report.Failed counts top-level features
// with at least one finding; Report.Unresolved counts unresolved references.
//
// Errors:
//   - open and read errors.
//   - the first interrupt if the run was interrupted.
func (v *Validator) Run(ctx context.Context, path string) (*pipeline.Report, error) {
	env := v.Env
	cfg := env.Config
	d := env.Dispatcher
	started := time.Now()
	tally := pipeline.NewTally(op)

	features, err := env.Cache(uidcache.KindFeature)
	if err != nil {
		return nil, err
	}
	geometries, err := env.Cache(uidcache.KindGeometry)
	if err != nil {
		return nil, err
	}

	rd, err := v.Open(path, cfg.Import.Format, cfg.Import.Encoding)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer rd.Close()
	d.Publish(event.Status{Message: fmt.Sprintf("%s: reading %s", op, path)})

	var (
		mu    sync.Mutex
		hrefs []href
	)
	pool, err := worker.New(ctx, "validate", cfg.Runtime.Workers,
		worker.FuncFactory(func(ctx context.Context, f *feature.Feature) error {
			findings, refs := v.check(ctx, f, features, geometries)
			mu.Lock()
			hrefs = append(hrefs, refs...)
			mu.Unlock()
			for _, fd := range findings {
				v.OnFinding(fd)
			}
			if len(findings) > 0 {
				tally.Fail(env.Metrics)
			}
			tally.AddFeature(d, pipeline.CountTypes(f))
			return nil
		}),
		worker.Options[*feature.Feature]{
			QueueSize:  cfg.Runtime.QueueSize,
			Dispatcher: d,
			Logger:     env.Logger,
			Describe:   func(f *feature.Feature) string { return f.Type + " gmlid=" + f.ID },
			ProgressOp: op,
			Debug:      env.Debug(),
		})
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer pool.Shutdown()
		for !d.Interrupted() {
			f, err := rd.Next(gctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				err = fmt.Errorf("read %s: %w", path, err)
				d.Publish(event.Interrupt{Cause: err, Message: "validation aborted"})
				return err
			}
			if err := pool.AddWork(gctx, f); err != nil {
				if d.Interrupted() {
					return nil
				}
				return err
			}
		}
		return nil
	})
	g.Go(pool.Join)
	err = g.Wait()

	if err == nil && !d.Interrupted() {
		step := time.Now()
		n := v.resolve(ctx, hrefs, features, geometries)
		tally.AddUnresolved(int64(n))
		env.Logf("stage=validate_hrefs refs=%d unresolved=%d duration=%s", len(hrefs), n, pipeline.DurMS(step))
	}

	report := tally.Report(started, d)
	metrics.ObserveStep(env.Metrics, op, started, err)
	if d.Interrupted() {
		return report, d.Cause()
	}
	return report, err
}

// check validates one feature tree and returns its local references.
func (v *Validator) check(ctx context.Context, root *feature.Feature, features, geometries *uidcache.Cache) ([]Finding, []href) {
	var out []Finding
	var refs []href
	add := func(kind string, f *feature.Feature, format string, args ...any) {
		out = append(out, Finding{Kind: kind, Type: f.Type, GMLID: f.ID, Root: root.ID, Message: fmt.Sprintf(format, args...)})
	}

	root.Walk(func(f *feature.Feature, _ int) bool {
		if !feature.IsKnownType(f.Type) {
			add(UnknownType, f, "unknown feature type %q", f.Type)
		}
		if f.ID != "" && features.LookupAndPut(ctx, storage.NormalizeKey(f.ID), 0, 0, false, f.Type, f.ClassID()) {
			add(DuplicateID, f, "gml:id %q is used more than once", f.ID)
		}
		for i, g := range f.Geometries {
			if g.LOD < 0 || g.LOD > 4 {
				add(LODRange, f, "geometry %d has lod %d", i, g.LOD)
			}
			if g.IsXlink() {
				if storage.IsLocalRef(g.Href) {
					refs = append(refs, href{kind: storage.XlinkGeometry, root: root.ID, from: f.ID, key: storage.NormalizeKey(g.Href)})
				}
				continue
			}
			if isEmpty(g.Boundaries) {
				add(EmptyGeometry, f, "geometry %d (lod %d %s) has no coordinates", i, g.LOD, g.Kind)
			}
			if g.ID != "" && geometries.LookupAndPut(ctx, storage.NormalizeKey(g.ID), 0, 0, false, storage.TableGeometry, f.ClassID()) {
				add(DuplicateID, f, "geometry gml:id %q is used more than once", g.ID)
			}
		}
		for _, r := range f.Refs {
			if storage.IsLocalRef(r.Href) {
				refs = append(refs, href{kind: storage.XlinkFeature, root: root.ID, from: f.ID, key: storage.NormalizeKey(r.Href)})
			}
		}
		return true
	})
	return out, refs
}

// resolve reports every reference whose target was not seen. Geometry
// references may also point to features and the other way round.
func (v *Validator) resolve(ctx context.Context, refs []href, features, geometries *uidcache.Cache) int {
	n := 0
	for _, r := range refs {
		first, second := features, geometries
		if r.kind == storage.XlinkGeometry {
			first, second = geometries, features
		}
		if first.Get(ctx, r.key) != nil || second.Get(ctx, r.key) != nil {
			continue
		}
		n++
		v.OnFinding(Finding{Kind: UnresolvedHref, GMLID: r.from, Root: r.root, Message: fmt.Sprintf("%s reference %q does not resolve", r.kind, r.key)})
	}
	return n
}

func isEmpty(b []byte) bool {
	if string(b) == "null" {
		return true
	}
	for _, c := range b {
		switch c {
		case '[', ']', ',', ' ', '\n', '\t', '\r':
		default:
			return false
		}
	}
	return true
}
