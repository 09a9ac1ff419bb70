package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mssqldb "github.com/microsoft/go-mssqldb"

	"citydb/internal/storage"
	"citydb/internal/storage/sqldb"
)

func init() {
	storage.RegisterRepository("mssql", NewRepository)
}

// defaultMaxConns bounds the pool when the config leaves it open.
const defaultMaxConns = 16

// NewRepository opens a SQL Server city database through the go-mssqldb
// "sqlserver" driver and validates connectivity via PingContext.
func NewRepository(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	n := cfg.MaxConns
	if n <= 0 {
		n = defaultMaxConns
	}
	db.SetMaxOpenConns(n)
	db.SetMaxIdleConns(n)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", classify(err))
	}
	return sqldb.New(db, Dialect{}, classify), nil
}

// Server error numbers after which the session is gone: transport errors,
// database unavailable and the Azure SQL reconfiguration codes.
var fatalNumbers = map[int32]bool{
	233:   true,
	4060:  true,
	10053: true,
	10054: true,
	40197: true,
	40501: true,
	40613: true,
}

func classify(err error) error {
	var me mssqldb.Error
	if errors.As(err, &me) && fatalNumbers[me.Number] {
		return storage.Fatal(err)
	}
	return err
}
