package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"citydb/internal/storage"
	"citydb/internal/uidcache"
)

func init() {
	storage.RegisterCacheStore("sqlite", NewCacheStore)
}

// CacheStore persists drained identifier cache entries in a local SQLite
// file, one table per cache kind.
type CacheStore struct {
	db      *sql.DB
	table   string
	dir     string
	cleanup bool
}

var nonIdent = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// NewCacheStore creates the store file in cfg.Path, or in a fresh temporary
// directory that Close removes.
func NewCacheStore(ctx context.Context, cfg storage.CacheStoreConfig) (uidcache.Store, error) {
	dir, cleanup := cfg.Path, false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "citydb-uidcache-")
		if err != nil {
			return nil, fmt.Errorf("sqlite cache store: %w", err)
		}
		dir, cleanup = tmp, true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlite cache store: %w", err)
	}

	kind := nonIdent.ReplaceAllString(cfg.Cache, "_")
	if kind == "" {
		kind = "default"
	}
	file := filepath.Join(dir, "uidcache_"+kind+".db")

	db, err := Open(ctx, "file:"+file)
	if err != nil {
		if cleanup {
			_ = os.RemoveAll(dir)
		}
		return nil, fmt.Errorf("sqlite cache store: %w", err)
	}

	s := &CacheStore{db: db, table: "uid_" + kind, dir: dir, cleanup: cleanup}
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		key TEXT PRIMARY KEY,
		id INTEGER NOT NULL,
		root_id INTEGER NOT NULL,
		reverse INTEGER NOT NULL,
		mapping TEXT,
		objectclass_id INTEGER NOT NULL
	) WITHOUT ROWID`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("sqlite cache store: create %s: %w", s.table, err)
	}
	return s, nil
}

// Drain writes up to target entries in one transaction.
func (s *CacheStore) Drain(ctx context.Context, snap uidcache.Snapshot, target int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO `+s.table+
		` (key, id, root_id, reverse, mapping, objectclass_id) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	keys := make([]string, 0, target)
	var werr error
	snap.Range(func(k string, e *uidcache.Entry) bool {
		if len(keys) >= target {
			return false
		}
		if _, werr = stmt.ExecContext(ctx, k, e.ID(), e.RootID(), e.Reverse(), nullMapping(e.Mapping()), e.ObjectClassID()); werr != nil {
			return false
		}
		keys = append(keys, k)
		return true
	})
	if werr != nil {
		return nil, werr
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *CacheStore) Lookup(ctx context.Context, key string) (*uidcache.Entry, error) {
	var (
		id, rootID int64
		reverse    bool
		mapping    sql.NullString
		classID    int32
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, root_id, reverse, mapping, objectclass_id FROM `+s.table+` WHERE key = ?`, key).
		Scan(&id, &rootID, &reverse, &mapping, &classID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return uidcache.NewEntry(id, rootID, reverse, mapping.String, classID), nil
}

// Close closes the database and removes the temporary directory it created.
func (s *CacheStore) Close() error {
	err := s.db.Close()
	if s.cleanup {
		if rerr := os.RemoveAll(s.dir); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func nullMapping(m string) any {
	if strings.TrimSpace(m) == "" {
		return nil
	}
	return m
}
