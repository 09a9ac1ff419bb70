// Package config defines the pipeline configuration shared by the import,
// export, delete and validate commands.
//
// Configs are YAML documents. Because JSON is a subset of YAML the same
// loader also accepts the JSON pipeline files used by older tooling.
package config

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"citydb/internal/filter"
	"citydb/internal/lod"
)

type Pipeline struct {
	Job      string   `yaml:"job" json:"job"`
	Database Database `yaml:"database" json:"database"`
	Cache    Cache    `yaml:"cache" json:"cache"`
	Runtime  Runtime  `yaml:"runtime" json:"runtime"`
	Import   Import   `yaml:"import" json:"import"`
	Export   Export   `yaml:"export" json:"export"`
	Delete   Delete   `yaml:"delete" json:"delete"`
	Metrics  Metrics  `yaml:"metrics" json:"metrics"`
}

type Database struct {
	// Kind: "postgres" | "sqlite" | "mssql"
	Kind string `yaml:"kind" json:"kind"`
	DSN  string `yaml:"dsn" json:"dsn"`
}

// Cache configures the identifier caches. Kinds holds per-cache overrides
// keyed by cache kind name ("feature", "geometry", "appearance", "texture_image").
type Cache struct {
	Capacity    int                  `yaml:"capacity" json:"capacity"`
	DrainFactor float64              `yaml:"drain_factor" json:"drain_factor"`
	Store       CacheStore           `yaml:"store" json:"store"`
	Kinds       map[string]CacheKind `yaml:"kinds,omitempty" json:"kinds,omitempty"`
}

type CacheStore struct {
	// Kind: "sqlite" | "badger" | "postgres" | "memory" ("database" is an alias for the
	// kind of the target database).
	Kind string `yaml:"kind" json:"kind"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	DSN  string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

type CacheKind struct {
	Capacity    int     `yaml:"capacity" json:"capacity"`
	DrainFactor float64 `yaml:"drain_factor" json:"drain_factor"`
}

// Runtime controls pipeline concurrency.
type Runtime struct {
	Workers       int `yaml:"workers" json:"workers"`
	WriterWorkers int `yaml:"writer_workers" json:"writer_workers"`
	QueueSize     int `yaml:"queue_size" json:"queue_size"`
	BatchSize     int `yaml:"batch_size" json:"batch_size"`

	// DebugTimings logs per-batch and per-drain durations.
	DebugTimings bool `yaml:"debug_timings" json:"debug_timings"`
}

type Import struct {
	Input    string  `yaml:"input" json:"input"`
	Format   string  `yaml:"format" json:"format"`
	Encoding string  `yaml:"encoding" json:"encoding"`
	GMLID    GMLID   `yaml:"gmlid" json:"gmlid"`
	Filter   Filter  `yaml:"filter" json:"filter"`
	Options  Options `yaml:"options" json:"options"`
}

type GMLID struct {
	Generate bool   `yaml:"generate" json:"generate"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

type Export struct {
	Output string `yaml:"output" json:"output"`
	// Format: "cityjson" | "cityjsonseq"
	Format string `yaml:"format" json:"format"`
	LOD    LOD    `yaml:"lod" json:"lod"`
	Filter Filter `yaml:"filter" json:"filter"`
}

type LOD struct {
	Levels []int `yaml:"levels" json:"levels"`
	// Mode: "or" | "and" | "minimum" | "maximum"
	Mode string `yaml:"mode" json:"mode"`
	// SearchDepth bounds the feature hierarchy depth considered when testing
	// available LODs. Nil means unbounded.
	SearchDepth *int `yaml:"search_depth,omitempty" json:"search_depth,omitempty"`
}

type Delete struct {
	// Mode: "delete" | "terminate"
	Mode     string  `yaml:"mode" json:"mode"`
	AuditLog string  `yaml:"audit_log" json:"audit_log"`
	IDList   *IDList `yaml:"id_list,omitempty" json:"id_list,omitempty"`
	Filter   Filter  `yaml:"filter" json:"filter"`
}

// IDList points at a delimited file of identifiers. Options follow the CSV
// parser options (comma, has_header, trim_space, lazy_quotes).
type IDList struct {
	Path   string `yaml:"path" json:"path"`
	Column string `yaml:"column" json:"column"`
	// IDType: "gmlid" (default) | "id"
	IDType  string  `yaml:"id_type" json:"id_type"`
	Options Options `yaml:"options" json:"options"`
}

type Filter struct {
	Types   []string  `yaml:"types,omitempty" json:"types,omitempty"`
	IDs     []string  `yaml:"ids,omitempty" json:"ids,omitempty"`
	BBox    []float64 `yaml:"bbox,omitempty" json:"bbox,omitempty"`
	Counter *Counter  `yaml:"counter,omitempty" json:"counter,omitempty"`
}

type Counter struct {
	Start int64 `yaml:"start" json:"start"`
	Count int64 `yaml:"count" json:"count"`
}

type Metrics struct {
	// Backend: "none" | "datadog" | "pushgateway"
	Backend        string   `yaml:"backend" json:"backend"`
	JobName        string   `yaml:"job_name" json:"job_name"`
	PushgatewayURL string   `yaml:"pushgateway_url" json:"pushgateway_url"`
	Tags           []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	FlushEvery     string   `yaml:"flush_every" json:"flush_every"`
}

// Load reads a pipeline config from path, expands environment variables in
// DSNs and paths, and applies defaults.
func Load(path string) (Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML or JSON pipeline config and applies defaults.
func Parse(raw []byte) (Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("decode config: %w", err)
	}
	p.expandEnv()
	p.ApplyDefaults()
	return p, nil
}

func (p *Pipeline) expandEnv() {
	p.Database.DSN = os.ExpandEnv(p.Database.DSN)
	p.Cache.Store.DSN = os.ExpandEnv(p.Cache.Store.DSN)
	p.Cache.Store.Path = os.ExpandEnv(p.Cache.Store.Path)
	p.Import.Input = os.ExpandEnv(p.Import.Input)
	p.Export.Output = os.ExpandEnv(p.Export.Output)
	p.Delete.AuditLog = os.ExpandEnv(p.Delete.AuditLog)
	if p.Delete.IDList != nil {
		p.Delete.IDList.Path = os.ExpandEnv(p.Delete.IDList.Path)
	}
}

const (
	DefaultCacheCapacity    = 200000
	DefaultCacheDrainFactor = 0.85
	DefaultQueueSize        = 1000
	DefaultBatchSize        = 200
	DefaultGMLIDPrefix      = "UUID_"
)

// ApplyDefaults fills zero values. It is idempotent.
func (p *Pipeline) ApplyDefaults() {
	if p.Job == "" {
		p.Job = "citydb"
	}
	if p.Cache.Capacity <= 0 {
		p.Cache.Capacity = DefaultCacheCapacity
	}
	if p.Cache.DrainFactor <= 0 {
		p.Cache.DrainFactor = DefaultCacheDrainFactor
	}
	if p.Cache.Store.Kind == "" {
		p.Cache.Store.Kind = "sqlite"
	}
	if p.Runtime.Workers <= 0 {
		p.Runtime.Workers = runtime.NumCPU()
	}
	if p.Runtime.WriterWorkers <= 0 {
		p.Runtime.WriterWorkers = 1
	}
	if p.Runtime.QueueSize <= 0 {
		p.Runtime.QueueSize = DefaultQueueSize
	}
	if p.Runtime.BatchSize <= 0 {
		p.Runtime.BatchSize = DefaultBatchSize
	}
	if p.Import.GMLID.Prefix == "" {
		p.Import.GMLID.Prefix = DefaultGMLIDPrefix
	}
	if p.Export.Format == "" {
		p.Export.Format = "cityjsonseq"
	}
	if p.Export.LOD.Mode == "" {
		p.Export.LOD.Mode = "or"
	}
	if p.Delete.Mode == "" {
		p.Delete.Mode = "delete"
	}
	if p.Metrics.Backend == "" {
		p.Metrics.Backend = "none"
	}
}

// CacheSettings returns capacity and drain factor for a cache kind, applying
// per-kind overrides on top of the global cache settings.
func (c Cache) CacheSettings(kind string) (capacity int, drainFactor float64) {
	capacity, drainFactor = c.Capacity, c.DrainFactor
	if o, ok := c.Kinds[kind]; ok {
		if o.Capacity > 0 {
			capacity = o.Capacity
		}
		if o.DrainFactor > 0 {
			drainFactor = o.DrainFactor
		}
	}
	return capacity, drainFactor
}

// FlushInterval parses Metrics.FlushEvery; empty or invalid yields def.
func (m Metrics) FlushInterval(def time.Duration) time.Duration {
	if m.FlushEvery == "" {
		return def
	}
	d, err := time.ParseDuration(m.FlushEvery)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Predicate maps the serialized filter onto the runtime predicate.
//
// Leaf predicates are combined with AND. An empty filter yields filter.All().
func (f Filter) Predicate() (filter.Predicate, error) {
	var parts []filter.Predicate
	if len(f.Types) > 0 {
		parts = append(parts, filter.FeatureType(f.Types...))
	}
	if len(f.IDs) > 0 {
		parts = append(parts, filter.ResourceID(f.IDs...))
	}
	if len(f.BBox) > 0 {
		box, err := filter.EnvelopeFromSlice(f.BBox)
		if err != nil {
			return filter.Predicate{}, fmt.Errorf("filter.bbox: %w", err)
		}
		parts = append(parts, filter.BBox(box))
	}
	switch len(parts) {
	case 0:
		return filter.All(), nil
	case 1:
		return parts[0], nil
	default:
		return filter.And(parts...), nil
	}
}

// CounterRange returns the configured counter window, or the zero (unbounded) one.
func (f Filter) CounterRange() filter.Counter {
	if f.Counter == nil {
		return filter.Counter{}
	}
	return filter.Counter{Start: f.Counter.Start, Count: f.Counter.Count}
}

// Filter builds the runtime LOD filter. No levels means all levels.
func (l LOD) Filter() (*lod.Filter, error) {
	mode, err := lod.ParseMode(l.Mode)
	if err != nil {
		return nil, err
	}
	var f *lod.Filter
	if len(l.Levels) == 0 {
		f = lod.AllLevels(mode)
	} else {
		f = lod.NewFilter(mode, l.Levels...)
	}
	if l.SearchDepth != nil {
		if *l.SearchDepth < 0 {
			return nil, fmt.Errorf("lod: negative search depth %d", *l.SearchDepth)
		}
		f.SetSearchDepth(*l.SearchDepth)
	}
	return f, nil
}
