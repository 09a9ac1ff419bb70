package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"citydb/internal/storage"
	"citydb/internal/uidcache"
)

func init() {
	storage.RegisterCacheStore("postgres", NewCacheStore)
}

// CacheStore keeps drained identifier cache entries in an UNLOGGED table of
// the target database. Each store gets its own table, so concurrent runs
// against the same database never see each other's entries. Close drops
// the table.
type CacheStore struct {
	pool  *pgxpool.Pool
	table string
}

var nonIdent = regexp.MustCompile(`[^a-z0-9_]`)

// cacheTableName returns "uid_<kind>_<random>".
func cacheTableName(kind string) string {
	k := nonIdent.ReplaceAllString(strings.ToLower(kind), "_")
	if k == "" {
		k = "default"
	}
	return "uid_" + k + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewCacheStore(ctx context.Context, cfg storage.CacheStoreConfig) (uidcache.Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres cache store: empty dsn")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres cache store: %w", err)
	}
	s := &CacheStore{pool: pool, table: cacheTableName(cfg.Cache)}
	if _, err := pool.Exec(ctx, createCacheTableSQL(s.table)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres cache store: create %s: %w", s.table, classify(err))
	}
	return s, nil
}

func createCacheTableSQL(table string) string {
	return `CREATE UNLOGGED TABLE IF NOT EXISTS ` + pgIdent(table) + ` (
		"key" TEXT PRIMARY KEY,
		"id" BIGINT NOT NULL,
		"root_id" BIGINT NOT NULL,
		"reverse" BOOLEAN NOT NULL,
		"mapping" TEXT,
		"objectclass_id" INTEGER NOT NULL
	)`
}

// Drain writes up to target entries as one pipelined batch in a
// transaction. Keys already present are kept.
func (s *CacheStore) Drain(ctx context.Context, snap uidcache.Snapshot, target int) ([]string, error) {
	q := `INSERT INTO ` + pgIdent(s.table) + ` ("key", "id", "root_id", "reverse", "mapping", "objectclass_id")
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT ("key") DO NOTHING`

	batch := &pgx.Batch{}
	keys := make([]string, 0, target)
	snap.Range(func(k string, e *uidcache.Entry) bool {
		if len(keys) >= target {
			return false
		}
		var mapping any
		if e.Mapping() != "" {
			mapping = e.Mapping()
		}
		batch.Queue(q, k, e.ID(), e.RootID(), e.Reverse(), mapping, e.ObjectClassID())
		keys = append(keys, k)
		return true
	})
	if len(keys) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return keys, nil
}

func (s *CacheStore) Lookup(ctx context.Context, key string) (*uidcache.Entry, error) {
	var (
		id, rootID int64
		reverse    bool
		mapping    *string
		classID    int32
	)
	err := s.pool.QueryRow(ctx,
		`SELECT "id", "root_id", "reverse", "mapping", "objectclass_id" FROM `+pgIdent(s.table)+` WHERE "key" = $1`, key).
		Scan(&id, &rootID, &reverse, &mapping, &classID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	m := ""
	if mapping != nil {
		m = *mapping
	}
	return uidcache.NewEntry(id, rootID, reverse, m, classID), nil
}

// Close drops the table and closes the pool.
func (s *CacheStore) Close() error {
	_, err := s.pool.Exec(context.Background(), `DROP TABLE IF EXISTS `+pgIdent(s.table))
	s.pool.Close()
	return err
}
