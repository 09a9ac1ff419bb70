package mssql

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"citydb/internal/storage"
	"citydb/internal/storage/sqldb"
)

// Dialect is the SQL Server flavor of the shared SQL.
//
// SQL Server differs from the other backends in a few places:
//   - no CREATE TABLE/INDEX IF NOT EXISTS, so DDL is guarded with OBJECT_ID
//     and sys.indexes lookups
//   - pagination is OFFSET ... ROWS FETCH NEXT ... ROWS ONLY
//   - at most 2100 bind parameters per statement
type Dialect struct{}

func (Dialect) Name() string             { return "mssql" }
func (Dialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }

// MaxParams stays just below the 2100 parameter limit of the RPC protocol.
func (Dialect) MaxParams() int { return 2000 }

func (Dialect) Ident(id string) string { return mssqlIdent(id) }

func (Dialect) ColumnType(logical string) string {
	switch logical {
	case storage.TypeBigint:
		return "BIGINT"
	case storage.TypeInt:
		return "INT"
	case storage.TypeText:
		// 450 characters keeps indexed text columns under the 900 byte key limit.
		return "NVARCHAR(450)"
	case storage.TypeJSON:
		return "NVARCHAR(MAX)"
	case storage.TypeDouble:
		return "FLOAT"
	case storage.TypeTimestamp:
		return "DATETIMEOFFSET"
	default:
		return ""
	}
}

func (Dialect) PrimaryKeyDef(pk storage.PrimaryKeySpec) string {
	if pk.Identity {
		return mssqlIdent(pk.Name) + " BIGINT IDENTITY(1,1) PRIMARY KEY"
	}
	return mssqlIdent(pk.Name) + " BIGINT PRIMARY KEY"
}

func (Dialect) CreateTableSQL(table, defs string) string {
	return wrapCreateIfMissing(table, defs)
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

func (Dialect) CreateIndexSQL(table string, idx storage.IndexSpec) string {
	cols := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = mssqlIdent(c)
	}
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s);",
		idx.Name, table, mssqlIdent(idx.Name), mssqlTableIdent(table), strings.Join(cols, ", "),
	)
}

func (Dialect) EnsureSequenceSQL() string {
	return "IF NOT EXISTS (SELECT 1 FROM " + storage.TableSequence + " WHERE [name] = @p1) " +
		"INSERT INTO " + storage.TableSequence + " ([name], [value]) VALUES (@p1, 0);"
}

func (Dialect) Paginate(b *sqldb.Builder, offset, limit int64) {
	if limit <= 0 && offset <= 0 {
		return
	}
	if offset < 0 {
		offset = 0
	}
	b.WriteString(" OFFSET ").Arg(offset).WriteString(" ROWS")
	if limit > 0 {
		b.WriteString(" FETCH NEXT ").Arg(limit).WriteString(" ROWS ONLY")
	}
}

func (Dialect) TimeValue(t time.Time) any { return t.UTC() }

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.cityobject" -> [dbo].[cityobject]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
