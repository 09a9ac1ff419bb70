// Package sqldb holds the SQL shared by the relational backends: a Dialect
// abstraction, pure statement builders and a database/sql implementation of
// storage.Repository used by the sqlite and mssql backends.
package sqldb

import (
	"fmt"
	"strings"
	"time"

	"citydb/internal/storage"
)

// Dialect captures what differs between backends.
type Dialect interface {
	Name() string
	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder(n int) string
	Ident(name string) string
	// ColumnType maps a logical storage.Type* to a native column type.
	ColumnType(logical string) string
	// PrimaryKeyDef renders the primary key column definition.
	PrimaryKeyDef(pk storage.PrimaryKeySpec) string
	// CreateTableSQL wraps column definitions in a create-if-missing
	// statement.
	CreateTableSQL(table, defs string) string
	CreateIndexSQL(table string, idx storage.IndexSpec) string
	// EnsureSequenceSQL inserts a sequence row (name bound to placeholder 1)
	// unless it exists.
	EnsureSequenceSQL() string
	// Paginate appends the pagination clause after ORDER BY.
	Paginate(b *Builder, offset, limit int64)
	// MaxParams bounds the bind parameters of one statement.
	MaxParams() int
	// TimeValue converts a timestamp to the bind value the driver stores.
	TimeValue(t time.Time) any
}

// Builder accumulates SQL text and bind arguments.
type Builder struct {
	d    Dialect
	b    strings.Builder
	args []any
}

func NewBuilder(d Dialect) *Builder { return &Builder{d: d} }

func (q *Builder) WriteString(s string) *Builder {
	q.b.WriteString(s)
	return q
}

// Arg binds v and writes its placeholder.
func (q *Builder) Arg(v any) *Builder {
	q.args = append(q.args, v)
	q.b.WriteString(q.d.Placeholder(len(q.args)))
	return q
}

// In writes "col IN (p1, p2, ...)".
func (q *Builder) In(col string, vals []any) *Builder {
	q.b.WriteString(q.d.Ident(col))
	q.b.WriteString(" IN (")
	for i, v := range vals {
		if i > 0 {
			q.b.WriteString(", ")
		}
		q.Arg(v)
	}
	q.b.WriteString(")")
	return q
}

func (q *Builder) SQL() string  { return q.b.String() }
func (q *Builder) Args() []any  { return q.args }
func (q *Builder) NumArgs() int { return len(q.args) }

// CreateStatements returns the DDL for the whole schema, in order. Every
// statement is idempotent.
func CreateStatements(d Dialect) ([]string, error) {
	var out []string
	for _, t := range storage.Schema() {
		defs, err := columnDefs(d, t)
		if err != nil {
			return nil, err
		}
		out = append(out, d.CreateTableSQL(t.Name, defs))
		for _, idx := range t.Indexes {
			out = append(out, d.CreateIndexSQL(t.Name, idx))
		}
	}
	return out, nil
}

func columnDefs(d Dialect, t storage.TableSpec) (string, error) {
	var defs []string
	if t.PrimaryKey != nil {
		defs = append(defs, d.PrimaryKeyDef(*t.PrimaryKey))
	}
	for _, c := range t.Columns {
		typ := d.ColumnType(c.Type)
		if typ == "" {
			return "", fmt.Errorf("%s: table %s column %s: unsupported type %q", d.Name(), t.Name, c.Name, c.Type)
		}
		def := d.Ident(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s: table %s: unsupported constraint %q", d.Name(), t.Name, con.Kind)
		}
		defs = append(defs, "UNIQUE ("+identList(d, con.Columns)+")")
	}
	return strings.Join(defs, ", "), nil
}

func identList(d Dialect, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = d.Ident(c)
	}
	return strings.Join(parts, ", ")
}

// InsertSQL builds one multi-row INSERT. Callers chunk rows with ChunkRows
// so the statement stays below the dialect's parameter limit.
func InsertSQL(d Dialect, table string, columns []string, rows [][]any) (string, []any) {
	q := NewBuilder(d)
	q.WriteString("INSERT INTO ").WriteString(table).WriteString(" (").WriteString(identList(d, columns)).WriteString(") VALUES ")
	for i, row := range rows {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString("(")
		for j := range columns {
			if j > 0 {
				q.WriteString(", ")
			}
			q.Arg(row[j])
		}
		q.WriteString(")")
	}
	return q.SQL(), q.Args()
}

// ChunkRows splits rows so each chunk binds at most maxParams values.
func ChunkRows(rows [][]any, width, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := maxParams / width
	if per < 1 {
		per = 1
	}
	var out [][][]any
	for len(rows) > 0 {
		n := per
		if n > len(rows) {
			n = len(rows)
		}
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	return out
}

// CityObjectValues renders rows in CityObjectColumns order.
func CityObjectValues(d Dialect, rows []storage.CityObjectRow) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		var env [6]any
		if r.Envelope != nil && !r.Envelope.IsEmpty() {
			e := r.Envelope
			env = [6]any{e.MinX, e.MinY, e.MinZ, e.MaxX, e.MaxY, e.MaxZ}
		}
		var term any
		if r.TerminationDate != nil {
			term = d.TimeValue(*r.TerminationDate)
		}
		created := r.CreationDate
		if created.IsZero() {
			created = time.Now().UTC()
		}
		out[i] = []any{
			r.ID, r.ObjectClassID, nullString(r.GMLID), nullID(r.ParentID), r.RootID,
			env[0], env[1], env[2], env[3], env[4], env[5],
			nullJSON(r.Attributes), d.TimeValue(created), term,
		}
	}
	return out
}

// GeometryValues renders rows in GeometryColumns order.
func GeometryValues(rows []storage.GeometryRow) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		data := string(r.Data)
		if data == "" {
			data = "[]"
		}
		out[i] = []any{r.ID, nullString(r.GMLID), r.CityObjectID, r.RootID, r.LOD, r.Kind, data}
	}
	return out
}

// XlinkValues renders rows in XlinkColumns order.
func XlinkValues(rows []storage.XlinkRow) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.FromID, r.RootID, r.Kind, r.LOD, nullString(r.Role), r.Href, nullID(r.TargetID)}
	}
	return out
}

// SelectCityObjectsSQL selects top-level, non-terminated objects matching q.
// With count set it selects COUNT(*) and ignores pagination. afterID > 0
// adds "id > afterID" for keyset paging.
func SelectCityObjectsSQL(d Dialect, q storage.Query, afterID int64, count bool) (string, []any) {
	b := NewBuilder(d)
	if count {
		b.WriteString("SELECT COUNT(*) FROM ").WriteString(storage.TableCityObject)
	} else {
		b.WriteString("SELECT ").WriteString(identList(d, storage.CityObjectColumns)).WriteString(" FROM ").WriteString(storage.TableCityObject)
	}
	b.WriteString(" WHERE ").WriteString(d.Ident("parent_id")).WriteString(" IS NULL AND ").WriteString(d.Ident("termination_date")).WriteString(" IS NULL")

	if len(q.IDs) > 0 {
		b.WriteString(" AND ").In("id", toAny(q.IDs))
	}
	if len(q.ClassIDs) > 0 {
		b.WriteString(" AND ").In("objectclass_id", toAny(q.ClassIDs))
	}
	if len(q.GMLIDs) > 0 {
		b.WriteString(" AND ").In("gmlid", toAny(q.GMLIDs))
	}
	if box := q.BBox; box != nil {
		b.WriteString(" AND ").WriteString(d.Ident("env_minx")).WriteString(" <= ").Arg(box.MaxX)
		b.WriteString(" AND ").WriteString(d.Ident("env_maxx")).WriteString(" >= ").Arg(box.MinX)
		b.WriteString(" AND ").WriteString(d.Ident("env_miny")).WriteString(" <= ").Arg(box.MaxY)
		b.WriteString(" AND ").WriteString(d.Ident("env_maxy")).WriteString(" >= ").Arg(box.MinY)
	}
	if count {
		return b.SQL(), b.Args()
	}
	if afterID > 0 {
		b.WriteString(" AND ").WriteString(d.Ident("id")).WriteString(" > ").Arg(afterID)
	}
	b.WriteString(" ORDER BY ").WriteString(d.Ident("id"))
	d.Paginate(b, q.Offset, q.Limit)
	return b.SQL(), b.Args()
}

// SelectByColumnSQL selects cols from table where col = v, ordered by id.
func SelectByColumnSQL(d Dialect, table string, cols []string, col string, v any) (string, []any) {
	b := NewBuilder(d)
	b.WriteString("SELECT ").WriteString(identList(d, cols)).WriteString(" FROM ").WriteString(table)
	b.WriteString(" WHERE ").WriteString(d.Ident(col)).WriteString(" = ").Arg(v)
	b.WriteString(" ORDER BY ").WriteString(d.Ident("id"))
	return b.SQL(), b.Args()
}

// SelectGeometriesSQL selects geometries by id.
func SelectGeometriesSQL(d Dialect, ids []int64) (string, []any) {
	b := NewBuilder(d)
	b.WriteString("SELECT ").WriteString(identList(d, storage.GeometryColumns)).WriteString(" FROM ").WriteString(storage.TableGeometry)
	b.WriteString(" WHERE ").In("id", toAny(ids))
	b.WriteString(" ORDER BY ").WriteString(d.Ident("id"))
	return b.SQL(), b.Args()
}

// XlinkSelectColumns is XlinkColumns with the generated id first.
var XlinkSelectColumns = append([]string{"id"}, storage.XlinkColumns...)

// SelectUnresolvedXlinksSQL pages through xlinks without target.
func SelectUnresolvedXlinksSQL(d Dialect, afterID int64, limit int64) (string, []any) {
	b := NewBuilder(d)
	b.WriteString("SELECT ").WriteString(identList(d, XlinkSelectColumns)).WriteString(" FROM ").WriteString(storage.TableXlink)
	b.WriteString(" WHERE ").WriteString(d.Ident("target_id")).WriteString(" IS NULL AND ").WriteString(d.Ident("id")).WriteString(" > ").Arg(afterID)
	b.WriteString(" ORDER BY ").WriteString(d.Ident("id"))
	d.Paginate(b, 0, limit)
	return b.SQL(), b.Args()
}

// ResolveXlinkSQL sets the target of one xlink.
func ResolveXlinkSQL(d Dialect, t storage.XlinkTarget) (string, []any) {
	b := NewBuilder(d)
	b.WriteString("UPDATE ").WriteString(storage.TableXlink).WriteString(" SET ").WriteString(d.Ident("target_id")).WriteString(" = ").Arg(t.TargetID)
	b.WriteString(" WHERE ").WriteString(d.Ident("id")).WriteString(" = ").Arg(t.ID)
	return b.SQL(), b.Args()
}

// DeleteStatements removes a top-level object and everything hanging off
// it. References from other features into the deleted rows are unset first.
// The last statement deletes the cityobject rows; its affected row count
// tells whether the object existed.
func DeleteStatements(d Dialect, rootID int64) []Statement {
	unref := func(kind, table string) Statement {
		b := NewBuilder(d)
		b.WriteString("UPDATE ").WriteString(storage.TableXlink).WriteString(" SET ").WriteString(d.Ident("target_id")).WriteString(" = NULL")
		b.WriteString(" WHERE ").WriteString(d.Ident("kind")).WriteString(" = ").Arg(kind)
		b.WriteString(" AND ").WriteString(d.Ident("target_id")).WriteString(" IN (SELECT ").WriteString(d.Ident("id")).WriteString(" FROM ").WriteString(table)
		b.WriteString(" WHERE ").WriteString(d.Ident("root_id")).WriteString(" = ").Arg(rootID).WriteString(")")
		return Statement{SQL: b.SQL(), Args: b.Args()}
	}
	del := func(table string) Statement {
		b := NewBuilder(d)
		b.WriteString("DELETE FROM ").WriteString(table).WriteString(" WHERE ").WriteString(d.Ident("root_id")).WriteString(" = ").Arg(rootID)
		return Statement{SQL: b.SQL(), Args: b.Args()}
	}
	return []Statement{
		unref(storage.XlinkGeometry, storage.TableGeometry),
		unref(storage.XlinkFeature, storage.TableCityObject),
		del(storage.TableXlink),
		del(storage.TableGeometry),
		del(storage.TableCityObject),
	}
}

// TerminateSQL sets the termination date of a top-level object and its
// children.
func TerminateSQL(d Dialect, rootID int64, at time.Time) (string, []any) {
	b := NewBuilder(d)
	b.WriteString("UPDATE ").WriteString(storage.TableCityObject).WriteString(" SET ").WriteString(d.Ident("termination_date")).WriteString(" = ").Arg(d.TimeValue(at))
	b.WriteString(" WHERE ").WriteString(d.Ident("root_id")).WriteString(" = ").Arg(rootID)
	b.WriteString(" AND ").WriteString(d.Ident("termination_date")).WriteString(" IS NULL")
	return b.SQL(), b.Args()
}

// AdvanceSequenceSQL bumps a sequence by n. Read the new value with
// ReadSequenceSQL in the same transaction.
func AdvanceSequenceSQL(d Dialect, seq storage.Sequence, n int) (string, []any) {
	b := NewBuilder(d)
	b.WriteString("UPDATE ").WriteString(storage.TableSequence).WriteString(" SET ").WriteString(d.Ident("value")).WriteString(" = ").WriteString(d.Ident("value")).WriteString(" + ").Arg(int64(n))
	b.WriteString(" WHERE ").WriteString(d.Ident("name")).WriteString(" = ").Arg(string(seq))
	return b.SQL(), b.Args()
}

func ReadSequenceSQL(d Dialect, seq storage.Sequence) (string, []any) {
	b := NewBuilder(d)
	b.WriteString("SELECT ").WriteString(d.Ident("value")).WriteString(" FROM ").WriteString(storage.TableSequence)
	b.WriteString(" WHERE ").WriteString(d.Ident("name")).WriteString(" = ").Arg(string(seq))
	return b.SQL(), b.Args()
}

// IDRange expands the last value of a sequence advanced by n into the n
// reserved ids.
func IDRange(last int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = last - int64(n) + 1 + int64(i)
	}
	return out
}

// Statement is one SQL statement with its arguments.
type Statement struct {
	SQL  string
	Args []any
}

func toAny[T any](vs []T) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
