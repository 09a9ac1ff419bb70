package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"citydb/internal/config"
	"citydb/internal/event"
)

// Flag groups. Each value overrides the config only when the flag was
// given on the command line.

type globalFlags struct {
	dbKind, dbDSN       string
	workers, writers    int
	batchSize           int
	cacheStore          string
	metricsBackend, pgw string
	debugTimings        bool
}

func (g *globalFlags) register(root *cobra.Command) {
	pf := root.PersistentFlags()
	pf.StringVar(&g.dbKind, "db-kind", "", "database kind: postgres|sqlite|mssql")
	pf.StringVar(&g.dbDSN, "db-dsn", "", "database connection string")
	pf.IntVar(&g.workers, "workers", 0, "transform workers (default: number of CPUs)")
	pf.IntVar(&g.writers, "writer-workers", 0, "database writer workers")
	pf.IntVar(&g.batchSize, "batch-size", 0, "rows per database batch")
	pf.StringVar(&g.cacheStore, "cache-store", "", "identifier cache backing store: sqlite|badger|postgres|memory|database")
	pf.StringVar(&g.metricsBackend, "metrics-backend", "", "metrics backend: none|datadog|pushgateway")
	pf.StringVar(&g.pgw, "pushgateway-url", "", "Prometheus pushgateway URL")
	pf.BoolVar(&g.debugTimings, "debug-timings", false, "log batch and cache drain timings")
}

func (g *globalFlags) apply(cmd *cobra.Command, cfg *config.Pipeline) {
	fl := cmd.Flags()
	if fl.Changed("db-kind") {
		cfg.Database.Kind = g.dbKind
	}
	if fl.Changed("db-dsn") {
		cfg.Database.DSN = g.dbDSN
	}
	if fl.Changed("workers") {
		cfg.Runtime.Workers = g.workers
	}
	if fl.Changed("writer-workers") {
		cfg.Runtime.WriterWorkers = g.writers
	}
	if fl.Changed("batch-size") {
		cfg.Runtime.BatchSize = g.batchSize
	}
	if fl.Changed("cache-store") {
		cfg.Cache.Store.Kind = g.cacheStore
	}
	if fl.Changed("metrics-backend") {
		cfg.Metrics.Backend = g.metricsBackend
	}
	if fl.Changed("pushgateway-url") {
		cfg.Metrics.PushgatewayURL = g.pgw
	}
	if fl.Changed("debug-timings") {
		cfg.Runtime.DebugTimings = g.debugTimings
	}
	cfg.ApplyDefaults()
}

type filterFlags struct {
	types, ids   []string
	bbox         []float64
	start, count int64
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringSliceVar(&f.types, "type", nil, "feature types to select (repeatable)")
	fl.StringSliceVar(&f.ids, "id", nil, "gml:ids to select (repeatable)")
	fl.Float64SliceVar(&f.bbox, "bbox", nil, "bounding box minx,miny,maxx,maxy[,minz,maxz]")
	fl.Int64Var(&f.start, "counter-start", 0, "skip the first n matching features")
	fl.Int64Var(&f.count, "counter-count", 0, "process at most n matching features")
}

func (f *filterFlags) apply(cmd *cobra.Command, dst *config.Filter) {
	fl := cmd.Flags()
	if fl.Changed("type") {
		dst.Types = f.types
	}
	if fl.Changed("id") {
		dst.IDs = f.ids
	}
	if fl.Changed("bbox") {
		dst.BBox = f.bbox
	}
	if fl.Changed("counter-start") || fl.Changed("counter-count") {
		if dst.Counter == nil {
			dst.Counter = &config.Counter{}
		}
		if fl.Changed("counter-start") {
			dst.Counter.Start = f.start
		}
		if fl.Changed("counter-count") {
			dst.Counter.Count = f.count
		}
	}
}

type sourceFlags struct {
	format, encoding string
}

func (s *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.format, "format", "", "input format: citygml|cityjson|cityjsonseq (default: detect)")
	cmd.Flags().StringVar(&s.encoding, "encoding", "", "character encoding of the input file")
}

func (s *sourceFlags) apply(cmd *cobra.Command, dst *config.Import) {
	if cmd.Flags().Changed("format") {
		dst.Format = s.format
	}
	if cmd.Flags().Changed("encoding") {
		dst.Encoding = s.encoding
	}
}

type lodFlags struct {
	levels []int
	mode   string
	depth  int
}

func (l *lodFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.IntSliceVar(&l.levels, "lod", nil, "levels of detail to export (0-4)")
	fl.StringVar(&l.mode, "lod-mode", "or", "LOD filter mode: or|and|minimum|maximum")
	fl.IntVar(&l.depth, "lod-search-depth", 0, "feature hierarchy depth searched for LODs")
}

func (l *lodFlags) apply(cmd *cobra.Command, dst *config.LOD) {
	fl := cmd.Flags()
	if fl.Changed("lod") {
		dst.Levels = l.levels
	}
	if fl.Changed("lod-mode") {
		dst.Mode = l.mode
	}
	if fl.Changed("lod-search-depth") {
		d := l.depth
		dst.SearchDepth = &d
	}
}

// progressLogger logs progress and status events.
type progressLogger struct {
	logf func(format string, v ...any)
	done map[string]int64
}

func newProgressLogger(l interface {
	Printf(format string, v ...any)
}) *progressLogger {
	return &progressLogger{logf: l.Printf, done: map[string]int64{}}
}

// HandleEvent runs on the dispatcher goroutine only.
func (p *progressLogger) HandleEvent(ev event.Event) {
	switch e := ev.(type) {
	case event.Progress:
		if e.Max > 0 {
			p.logf("stage=progress op=%s max=%d", e.Op, e.Max)
			return
		}
		prev := p.done[e.Op]
		p.done[e.Op] += e.Delta
		if n := p.done[e.Op]; n/1000 != prev/1000 {
			p.logf("stage=progress op=%s done=%d", e.Op, n)
		}
	case event.Status:
		p.logf("stage=status msg=%s", strings.TrimSpace(e.Message))
	default:
		p.logf("stage=event type=%s", fmt.Sprint(ev.Type()))
	}
}
