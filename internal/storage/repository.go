package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"citydb/internal/feature"
)

// Config is the minimal configuration needed to open a city database.
//
// When to use:
//   - Use Config when constructing a Repository via NewRepository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - NewRepository returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
	// MaxConns caps the connection pool. Zero keeps the backend default.
	MaxConns int
}

// Sequence names an id sequence of the city database.
type Sequence string

const (
	SeqCityObject Sequence = "cityobject_seq"
	SeqGeometry   Sequence = "geometry_seq"
)

// Repository is the backend-agnostic view of a 3D city database used by the
// import, export and delete drivers.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the drivers need. Each backend implements these semantics in
// its own idiomatic way (Postgres ON CONFLICT, SQLite OR IGNORE, etc).
//
// Concurrency:
//   - Implementations must be safe for concurrent use; every driver worker
//     shares one Repository but never shares a transaction.
type Repository interface {
	// Close releases any backend resources (connections, prepared statements, etc).
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close()

	// EnsureSchema creates the cityobject, geometry and xlink tables and the
	// id sequences if they do not exist. Idempotent.
	EnsureSchema(ctx context.Context) error

	// NextIDs reserves n consecutive-or-not ids from seq.
	NextIDs(ctx context.Context, seq Sequence, n int) ([]int64, error)

	// Batched inserts. Each call runs in one transaction; either all rows
	// of the call are written or none.
	InsertCityObjects(ctx context.Context, rows []CityObjectRow) error
	InsertGeometries(ctx context.Context, rows []GeometryRow) error
	InsertXlinks(ctx context.Context, rows []XlinkRow) error

	// StreamUnresolvedXlinks calls fn for every xlink without a target, in id
	// order. A non-nil error from fn stops the stream and is returned.
	StreamUnresolvedXlinks(ctx context.Context, fn func(XlinkRow) error) error
	// ResolveXlinks sets the target of the given xlinks.
	ResolveXlinks(ctx context.Context, targets []XlinkTarget) error

	// CountCityObjects counts top-level, non-terminated objects matching q
	// (Offset and Limit are ignored).
	CountCityObjects(ctx context.Context, q Query) (int64, error)
	// QueryCityObjects streams top-level, non-terminated objects matching q
	// in id order.
	QueryCityObjects(ctx context.Context, q Query, fn func(CityObjectRow) error) error
	// LoadFeature returns every row belonging to the top-level object rootID.
	//
	// Errors:
	//   - ErrNotFound if rootID does not exist.
	LoadFeature(ctx context.Context, rootID int64) (*FeatureRows, error)
	// GeometriesByID returns the geometries with the given ids, in id order.
	GeometriesByID(ctx context.Context, ids []int64) ([]GeometryRow, error)

	// DeleteCityObject removes the top-level object id together with its
	// children, geometries and xlinks in one transaction.
	//
	// Errors:
	//   - ErrNotFound if id does not exist.
	DeleteCityObject(ctx context.Context, id int64) error
	// TerminateCityObject sets the termination date of the object id and its
	// children instead of deleting them.
	//
	// Errors:
	//   - ErrNotFound if id does not exist or is already terminated.
	TerminateCityObject(ctx context.Context, id int64, at time.Time) error
}

// CityObjectRow is one row of the cityobject table.
type CityObjectRow struct {
	ID            int64
	ObjectClassID int32
	GMLID         string
	// ParentID is 0 for top-level objects.
	ParentID int64
	// RootID is the id of the top-level object; equal to ID for top-level
	// objects.
	RootID   int64
	Envelope *feature.Envelope
	// Attributes is a JSON object.
	Attributes      []byte
	CreationDate    time.Time
	TerminationDate *time.Time
}

// GeometryRow is one row of the geometry table.
type GeometryRow struct {
	ID           int64
	GMLID        string
	CityObjectID int64
	RootID       int64
	LOD          int
	Kind         string
	// Data is the JSON encoded boundary array.
	Data []byte
}

// Xlink kinds.
const (
	XlinkGeometry = "geometry"
	XlinkFeature  = "feature"
)

// XlinkRow is a reference by gml:id from a city object to a geometry or to
// another feature. TargetID is 0 until the reference is resolved.
type XlinkRow struct {
	ID       int64
	FromID   int64
	RootID   int64
	Kind     string
	LOD      int
	Role     string
	Href     string
	TargetID int64
}

// XlinkTarget resolves one xlink.
type XlinkTarget struct {
	ID       int64
	TargetID int64
}

// FeatureRows is everything stored for one top-level object.
type FeatureRows struct {
	Objects    []CityObjectRow
	Geometries []GeometryRow
	Xlinks     []XlinkRow
}

// Root returns the top-level object row.
func (f *FeatureRows) Root() *CityObjectRow {
	for i := range f.Objects {
		if f.Objects[i].ParentID == 0 {
			return &f.Objects[i]
		}
	}
	return nil
}

// Query selects top-level city objects. Zero-valued fields do not restrict.
type Query struct {
	IDs      []int64
	ClassIDs []int32
	GMLIDs   []string
	BBox     *feature.Envelope
	Offset   int64
	// Limit <= 0 means unlimited.
	Limit int64
}

// ---- factories ----

type repoFactory func(ctx context.Context, cfg Config) (Repository, error)

var (
	repoMu        sync.RWMutex
	repoFactories = map[string]repoFactory{}
)

// RegisterRepository registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call RegisterRepository from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by NewRepository.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func RegisterRepository(kind string, f repoFactory) {
	repoMu.Lock()
	defer repoMu.Unlock()

	if kind == "" {
		panic("storage: RegisterRepository called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterRepository called with nil factory")
	}
	if _, exists := repoFactories[kind]; exists {
		panic(fmt.Sprintf("storage: repository factory already registered for kind=%q", kind))
	}
	repoFactories[kind] = f
}

// NewRepository constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with RegisterRepository.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func NewRepository(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing database kind")
	}

	repoMu.RLock()
	f := repoFactories[cfg.Kind]
	repoMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported database kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// RepositoryKinds returns the registered repository kinds (unordered).
func RepositoryKinds() []string {
	repoMu.RLock()
	defer repoMu.RUnlock()
	out := make([]string, 0, len(repoFactories))
	for k := range repoFactories {
		out = append(out, k)
	}
	return out
}
