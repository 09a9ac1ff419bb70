package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"citydb/internal/storage"
)

// PageSize is the number of rows read per round trip by the streaming
// queries. Rows of a page are read completely before the callback runs, so
// callbacks may write to the repository.
const PageSize = 1000

// Repo implements storage.Repository on database/sql for a Dialect.
type Repo struct {
	db *sql.DB
	d  Dialect
	// classify wraps driver errors, marking connection failures fatal.
	classify func(error) error
}

// New wraps an open database. classify may be nil.
func New(db *sql.DB, d Dialect, classify func(error) error) *Repo {
	if classify == nil {
		classify = func(err error) error { return err }
	}
	return &Repo{db: db, d: d, classify: classify}
}

// DB exposes the underlying handle (tests, cache stores).
func (r *Repo) DB() *sql.DB { return r.db }

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %s: %w", r.d.Name(), op, r.classify(err))
}

// EnsureSchema creates tables, indexes and sequence rows.
//
// This method is idempotent and safe to run on every invocation.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	stmts, err := CreateStatements(r.d)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return r.wrap("ensure schema", err)
		}
	}
	for _, seq := range storage.Sequences() {
		if _, err := r.db.ExecContext(ctx, r.d.EnsureSequenceSQL(), string(seq)); err != nil {
			return r.wrap("ensure sequence "+string(seq), err)
		}
	}
	return nil
}

func (r *Repo) NextIDs(ctx context.Context, seq storage.Sequence, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, r.wrap("next ids", err)
	}
	defer tx.Rollback()

	q, args := AdvanceSequenceSQL(r.d, seq, n)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, r.wrap("next ids", err)
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		return nil, fmt.Errorf("%s: next ids: unknown sequence %s", r.d.Name(), seq)
	}

	var last int64
	q, args = ReadSequenceSQL(r.d, seq)
	if err := tx.QueryRowContext(ctx, q, args...).Scan(&last); err != nil {
		return nil, r.wrap("next ids", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, r.wrap("next ids", err)
	}
	return IDRange(last, n), nil
}

func (r *Repo) InsertCityObjects(ctx context.Context, rows []storage.CityObjectRow) error {
	return r.insertRows(ctx, storage.TableCityObject, storage.CityObjectColumns, CityObjectValues(r.d, rows))
}

func (r *Repo) InsertGeometries(ctx context.Context, rows []storage.GeometryRow) error {
	return r.insertRows(ctx, storage.TableGeometry, storage.GeometryColumns, GeometryValues(rows))
}

func (r *Repo) InsertXlinks(ctx context.Context, rows []storage.XlinkRow) error {
	return r.insertRows(ctx, storage.TableXlink, storage.XlinkColumns, XlinkValues(rows))
}

func (r *Repo) insertRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.wrap("insert "+table, err)
	}
	defer tx.Rollback()

	for _, chunk := range ChunkRows(rows, len(columns), r.d.MaxParams()) {
		q, args := InsertSQL(r.d, table, columns, chunk)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return r.wrap("insert "+table, err)
		}
	}
	return r.wrap("insert "+table, tx.Commit())
}

func (r *Repo) StreamUnresolvedXlinks(ctx context.Context, fn func(storage.XlinkRow) error) error {
	after := int64(0)
	for {
		q, args := SelectUnresolvedXlinksSQL(r.d, after, PageSize)
		page, err := queryAll(ctx, r.db, q, args, ScanXlink)
		if err != nil {
			return r.wrap("stream xlinks", err)
		}
		for _, x := range page {
			if err := fn(x); err != nil {
				return err
			}
			after = x.ID
		}
		if len(page) < PageSize {
			return nil
		}
	}
}

func (r *Repo) ResolveXlinks(ctx context.Context, targets []storage.XlinkTarget) error {
	if len(targets) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.wrap("resolve xlinks", err)
	}
	defer tx.Rollback()

	for _, t := range targets {
		q, args := ResolveXlinkSQL(r.d, t)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return r.wrap("resolve xlinks", err)
		}
	}
	return r.wrap("resolve xlinks", tx.Commit())
}

func (r *Repo) CountCityObjects(ctx context.Context, q storage.Query) (int64, error) {
	s, args := SelectCityObjectsSQL(r.d, q, 0, true)
	var n int64
	if err := r.db.QueryRowContext(ctx, s, args...).Scan(&n); err != nil {
		return 0, r.wrap("count cityobjects", err)
	}
	return n, nil
}

func (r *Repo) QueryCityObjects(ctx context.Context, q storage.Query, fn func(storage.CityObjectRow) error) error {
	return PageCityObjects(q, func(page storage.Query, after int64) ([]storage.CityObjectRow, error) {
		s, args := SelectCityObjectsSQL(r.d, page, after, false)
		rows, err := queryAll(ctx, r.db, s, args, ScanCityObject)
		return rows, r.wrap("query cityobjects", err)
	}, fn)
}

// PageCityObjects drives keyset paging over a query: the first page honors
// q.Offset, later pages continue after the last seen id, and q.Limit caps
// the total.
func PageCityObjects(
	q storage.Query,
	fetch func(page storage.Query, afterID int64) ([]storage.CityObjectRow, error),
	fn func(storage.CityObjectRow) error,
) error {
	remaining := q.Limit
	page := q
	after := int64(0)
	for {
		page.Limit = PageSize
		if remaining > 0 && remaining < PageSize {
			page.Limit = remaining
		}
		rows, err := fetch(page, after)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
			after = row.ID
		}
		if int64(len(rows)) < page.Limit {
			return nil
		}
		if remaining > 0 {
			remaining -= int64(len(rows))
			if remaining <= 0 {
				return nil
			}
		}
		page.Offset = 0
	}
}

func (r *Repo) LoadFeature(ctx context.Context, rootID int64) (*storage.FeatureRows, error) {
	out := &storage.FeatureRows{}
	var err error

	q, args := SelectByColumnSQL(r.d, storage.TableCityObject, storage.CityObjectColumns, "root_id", rootID)
	if out.Objects, err = queryAll(ctx, r.db, q, args, ScanCityObject); err != nil {
		return nil, r.wrap("load feature", err)
	}
	if len(out.Objects) == 0 {
		return nil, fmt.Errorf("load feature %d: %w", rootID, storage.ErrNotFound)
	}
	q, args = SelectByColumnSQL(r.d, storage.TableGeometry, storage.GeometryColumns, "root_id", rootID)
	if out.Geometries, err = queryAll(ctx, r.db, q, args, ScanGeometry); err != nil {
		return nil, r.wrap("load feature", err)
	}
	q, args = SelectByColumnSQL(r.d, storage.TableXlink, XlinkSelectColumns, "root_id", rootID)
	if out.Xlinks, err = queryAll(ctx, r.db, q, args, ScanXlink); err != nil {
		return nil, r.wrap("load feature", err)
	}
	return out, nil
}

func (r *Repo) GeometriesByID(ctx context.Context, ids []int64) ([]storage.GeometryRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []storage.GeometryRow
	for _, chunk := range chunkIDs(ids, r.d.MaxParams()) {
		q, args := SelectGeometriesSQL(r.d, chunk)
		rows, err := queryAll(ctx, r.db, q, args, ScanGeometry)
		if err != nil {
			return nil, r.wrap("geometries by id", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (r *Repo) DeleteCityObject(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.wrap("delete cityobject", err)
	}
	defer tx.Rollback()

	var affected int64
	for _, s := range DeleteStatements(r.d, id) {
		res, err := tx.ExecContext(ctx, s.SQL, s.Args...)
		if err != nil {
			return r.wrap("delete cityobject", err)
		}
		affected, _ = res.RowsAffected()
	}
	if affected == 0 {
		return fmt.Errorf("delete cityobject %d: %w", id, storage.ErrNotFound)
	}
	return r.wrap("delete cityobject", tx.Commit())
}

func (r *Repo) TerminateCityObject(ctx context.Context, id int64, at time.Time) error {
	q, args := TerminateSQL(r.d, id, at)
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return r.wrap("terminate cityobject", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("terminate cityobject %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func queryAll[T any](ctx context.Context, db *sql.DB, q string, args []any, scan func(Scanner) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func chunkIDs(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]int64
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

var _ storage.Repository = (*Repo)(nil)
