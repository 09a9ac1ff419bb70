package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"citydb/internal/storage"
	"citydb/internal/storage/sqldb"
)

// Dialect is the SQLite flavor of the shared SQL.
//
// Key design points vs Postgres:
//   - SQLite has no native TIMESTAMPTZ type. Timestamps are stored as
//     RFC3339Nano strings for reliable round-trip behavior and easy debugging.
//   - "INTEGER PRIMARY KEY" is the rowid; AUTOINCREMENT makes it monotonic.
//   - Sequences are rows of citydb_sequence bumped inside a transaction.
type Dialect struct{}

func (Dialect) Name() string           { return "sqlite" }
func (Dialect) Placeholder(int) string { return "?" }
func (Dialect) MaxParams() int         { return 32766 }

func (Dialect) Ident(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (Dialect) ColumnType(logical string) string {
	switch logical {
	case storage.TypeBigint, storage.TypeInt:
		return "INTEGER"
	case storage.TypeText, storage.TypeJSON, storage.TypeTimestamp:
		return "TEXT"
	case storage.TypeDouble:
		return "REAL"
	default:
		return ""
	}
}

func (d Dialect) PrimaryKeyDef(pk storage.PrimaryKeySpec) string {
	if pk.Identity {
		return d.Ident(pk.Name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return d.Ident(pk.Name) + " INTEGER PRIMARY KEY"
}

func (Dialect) CreateTableSQL(table, defs string) string {
	return "CREATE TABLE IF NOT EXISTS " + table + " (" + defs + ")"
}

func (d Dialect) CreateIndexSQL(table string, idx storage.IndexSpec) string {
	cols := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = d.Ident(c)
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", d.Ident(idx.Name), table, strings.Join(cols, ", "))
}

func (Dialect) EnsureSequenceSQL() string {
	return `INSERT OR IGNORE INTO ` + storage.TableSequence + ` ("name", "value") VALUES (?, 0)`
}

func (Dialect) Paginate(b *sqldb.Builder, offset, limit int64) {
	if limit <= 0 && offset <= 0 {
		return
	}
	if limit <= 0 {
		limit = -1
	}
	b.WriteString(" LIMIT ").Arg(limit)
	if offset > 0 {
		b.WriteString(" OFFSET ").Arg(offset)
	}
}

func (Dialect) TimeValue(t time.Time) any { return sqldb.FormatTime(t) }

func init() {
	storage.RegisterRepository("sqlite", NewRepository)
}

// NewRepository opens (and creates) a SQLite city database.
//
// SQLite allows one writer at a time, so the pool is limited to one
// connection; concurrent workers queue on it instead of failing with
// SQLITE_BUSY.
func NewRepository(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := Open(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return sqldb.New(db, Dialect{}, classify), nil
}

// Open opens a SQLite database with the pragmas every citydb connection
// uses.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite: empty dsn")
	}
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(0)"
}

// classify marks errors after which the connection cannot be trusted.
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB:
			return storage.Fatal(err)
		}
	}
	return err
}
