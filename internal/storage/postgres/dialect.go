package postgres

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"citydb/internal/storage"
	"citydb/internal/storage/sqldb"
)

// Dialect is the Postgres flavor of the shared SQL.
//
// Postgres has native types for everything in the logical schema:
// timestamps are TIMESTAMPTZ, attributes and boundaries are JSONB and the
// xlink key is an IDENTITY column.
type Dialect struct{}

func (Dialect) Name() string             { return "postgres" }
func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// MaxParams is the wire protocol limit on bind parameters (uint16).
func (Dialect) MaxParams() int { return 65535 }

func (Dialect) Ident(id string) string { return pgIdent(id) }

// pgIdent quotes an identifier, doubling embedded quotes.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (Dialect) ColumnType(logical string) string {
	switch logical {
	case storage.TypeBigint:
		return "BIGINT"
	case storage.TypeInt:
		return "INTEGER"
	case storage.TypeText:
		return "TEXT"
	case storage.TypeDouble:
		return "DOUBLE PRECISION"
	case storage.TypeTimestamp:
		return "TIMESTAMPTZ"
	case storage.TypeJSON:
		return "JSONB"
	default:
		return ""
	}
}

func (Dialect) PrimaryKeyDef(pk storage.PrimaryKeySpec) string {
	if pk.Identity {
		return pgIdent(pk.Name) + " BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
	}
	return pgIdent(pk.Name) + " BIGINT PRIMARY KEY"
}

func (Dialect) CreateTableSQL(table, defs string) string {
	return "CREATE TABLE IF NOT EXISTS " + table + " (" + defs + ")"
}

func (Dialect) CreateIndexSQL(table string, idx storage.IndexSpec) string {
	cols := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = pgIdent(c)
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", pgIdent(idx.Name), table, strings.Join(cols, ", "))
}

func (Dialect) EnsureSequenceSQL() string {
	return `INSERT INTO ` + storage.TableSequence + ` ("name", "value") VALUES ($1, 0) ON CONFLICT ("name") DO NOTHING`
}

func (Dialect) Paginate(b *sqldb.Builder, offset, limit int64) {
	if limit > 0 {
		b.WriteString(" LIMIT ").Arg(limit)
	}
	if offset > 0 {
		b.WriteString(" OFFSET ").Arg(offset)
	}
}

func (Dialect) TimeValue(t time.Time) any { return t.UTC() }

// nextIDsSQL advances a sequence and returns the new value in one
// statement; the row lock serializes concurrent reservations.
func nextIDsSQL(seq storage.Sequence, n int) (string, []any) {
	q, args := sqldb.AdvanceSequenceSQL(Dialect{}, seq, n)
	return q + ` RETURNING "value"`, args
}
