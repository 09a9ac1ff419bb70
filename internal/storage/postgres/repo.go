package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"citydb/internal/storage"
	"citydb/internal/storage/sqldb"
)

func init() {
	storage.RegisterRepository("postgres", NewRepository)
}

/*
Repo implements storage.Repository for Postgres on a pgx pool.

It shares the statement builders with the database/sql backends and adds
what pgx does better:
  - COPY for batched inserts
  - UPDATE ... RETURNING for id reservation
  - pgx.Batch for xlink resolution
*/
type Repo struct {
	pool *pgxpool.Pool
	d    Dialect
}

// NewRepository connects to Postgres. cfg.MaxConns overrides the pool size
// from the DSN.
func NewRepository(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", classify(err))
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func (r *Repo) wrap(op string, err error) error {
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return fmt.Errorf("postgres: %s: %w", op, classify(err))
}

// EnsureSchema creates tables, indexes and sequence rows.
//
// This method is idempotent.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	stmts, err := sqldb.CreateStatements(r.d)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := r.pool.Exec(ctx, s); err != nil {
			return r.wrap("ensure schema", err)
		}
	}
	for _, seq := range storage.Sequences() {
		if _, err := r.pool.Exec(ctx, r.d.EnsureSequenceSQL(), string(seq)); err != nil {
			return r.wrap("ensure sequence "+string(seq), err)
		}
	}
	return nil
}

func (r *Repo) NextIDs(ctx context.Context, seq storage.Sequence, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	q, args := nextIDsSQL(seq, n)
	var last int64
	if err := r.pool.QueryRow(ctx, q, args...).Scan(&last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: next ids: unknown sequence %s", seq)
		}
		return nil, r.wrap("next ids", err)
	}
	return sqldb.IDRange(last, n), nil
}

func (r *Repo) InsertCityObjects(ctx context.Context, rows []storage.CityObjectRow) error {
	return r.copyRows(ctx, storage.TableCityObject, storage.CityObjectColumns, sqldb.CityObjectValues(r.d, rows))
}

func (r *Repo) InsertGeometries(ctx context.Context, rows []storage.GeometryRow) error {
	return r.copyRows(ctx, storage.TableGeometry, storage.GeometryColumns, sqldb.GeometryValues(rows))
}

func (r *Repo) InsertXlinks(ctx context.Context, rows []storage.XlinkRow) error {
	return r.copyRows(ctx, storage.TableXlink, storage.XlinkColumns, sqldb.XlinkValues(rows))
}

// copyRows streams rows with COPY inside a transaction.
func (r *Repo) copyRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return r.wrap("insert "+table, err)
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return r.wrap("insert "+table, err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("postgres: insert %s: copied %d of %d rows", table, n, len(rows))
	}
	return r.wrap("insert "+table, tx.Commit(ctx))
}

func (r *Repo) StreamUnresolvedXlinks(ctx context.Context, fn func(storage.XlinkRow) error) error {
	after := int64(0)
	for {
		q, args := sqldb.SelectUnresolvedXlinksSQL(r.d, after, sqldb.PageSize)
		page, err := queryAll(ctx, r.pool, q, args, sqldb.ScanXlink)
		if err != nil {
			return r.wrap("stream xlinks", err)
		}
		for _, x := range page {
			if err := fn(x); err != nil {
				return err
			}
			after = x.ID
		}
		if len(page) < sqldb.PageSize {
			return nil
		}
	}
}

// ResolveXlinks sends all updates as one pipelined batch in a transaction.
func (r *Repo) ResolveXlinks(ctx context.Context, targets []storage.XlinkTarget) error {
	if len(targets) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return r.wrap("resolve xlinks", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, t := range targets {
		q, args := sqldb.ResolveXlinkSQL(r.d, t)
		batch.Queue(q, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return r.wrap("resolve xlinks", err)
	}
	return r.wrap("resolve xlinks", tx.Commit(ctx))
}

func (r *Repo) CountCityObjects(ctx context.Context, q storage.Query) (int64, error) {
	s, args := sqldb.SelectCityObjectsSQL(r.d, q, 0, true)
	var n int64
	if err := r.pool.QueryRow(ctx, s, args...).Scan(&n); err != nil {
		return 0, r.wrap("count cityobjects", err)
	}
	return n, nil
}

func (r *Repo) QueryCityObjects(ctx context.Context, q storage.Query, fn func(storage.CityObjectRow) error) error {
	return sqldb.PageCityObjects(q, func(page storage.Query, after int64) ([]storage.CityObjectRow, error) {
		s, args := sqldb.SelectCityObjectsSQL(r.d, page, after, false)
		rows, err := queryAll(ctx, r.pool, s, args, sqldb.ScanCityObject)
		return rows, r.wrap("query cityobjects", err)
	}, fn)
}

func (r *Repo) LoadFeature(ctx context.Context, rootID int64) (*storage.FeatureRows, error) {
	out := &storage.FeatureRows{}
	var err error

	q, args := sqldb.SelectByColumnSQL(r.d, storage.TableCityObject, storage.CityObjectColumns, "root_id", rootID)
	if out.Objects, err = queryAll(ctx, r.pool, q, args, sqldb.ScanCityObject); err != nil {
		return nil, r.wrap("load feature", err)
	}
	if len(out.Objects) == 0 {
		return nil, fmt.Errorf("load feature %d: %w", rootID, storage.ErrNotFound)
	}
	q, args = sqldb.SelectByColumnSQL(r.d, storage.TableGeometry, storage.GeometryColumns, "root_id", rootID)
	if out.Geometries, err = queryAll(ctx, r.pool, q, args, sqldb.ScanGeometry); err != nil {
		return nil, r.wrap("load feature", err)
	}
	q, args = sqldb.SelectByColumnSQL(r.d, storage.TableXlink, sqldb.XlinkSelectColumns, "root_id", rootID)
	if out.Xlinks, err = queryAll(ctx, r.pool, q, args, sqldb.ScanXlink); err != nil {
		return nil, r.wrap("load feature", err)
	}
	return out, nil
}

// GeometriesByID binds the ids as one array parameter instead of an IN list.
func (r *Repo) GeometriesByID(ctx context.Context, ids []int64) ([]storage.GeometryRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := queryAll(ctx, r.pool, geometriesByIDSQL(), []any{ids}, sqldb.ScanGeometry)
	if err != nil {
		return nil, r.wrap("geometries by id", err)
	}
	return rows, nil
}

func geometriesByIDSQL() string {
	cols := make([]string, len(storage.GeometryColumns))
	for i, c := range storage.GeometryColumns {
		cols[i] = pgIdent(c)
	}
	return `SELECT ` + strings.Join(cols, ", ") + ` FROM ` + storage.TableGeometry + ` WHERE "id" = ANY($1) ORDER BY "id"`
}

func (r *Repo) DeleteCityObject(ctx context.Context, id int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return r.wrap("delete cityobject", err)
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	for _, s := range sqldb.DeleteStatements(r.d, id) {
		if tag, err = tx.Exec(ctx, s.SQL, s.Args...); err != nil {
			return r.wrap("delete cityobject", err)
		}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete cityobject %d: %w", id, storage.ErrNotFound)
	}
	return r.wrap("delete cityobject", tx.Commit(ctx))
}

func (r *Repo) TerminateCityObject(ctx context.Context, id int64, at time.Time) error {
	q, args := sqldb.TerminateSQL(r.d, id, at)
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return r.wrap("terminate cityobject", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("terminate cityobject %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryAll[T any](ctx context.Context, db querier, q string, args []any, scan func(sqldb.Scanner) (T, error)) ([]T, error) {
	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		return scan(row)
	})
}

// classify marks connection-level failures fatal: SQLSTATE class 08
// (connection exception) and the 57P0x shutdown codes.
func classify(err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		if strings.HasPrefix(pe.Code, "08") || strings.HasPrefix(pe.Code, "57P0") {
			return storage.Fatal(err)
		}
		return err
	}
	if pgconn.Timeout(err) {
		return storage.Fatal(err)
	}
	return err
}

var _ storage.Repository = (*Repo)(nil)
