// Package badgerstore stores drained identifier cache entries in an embedded
// Badger key-value store. It suits large imports on hosts without a writable
// database for scratch tables.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"citydb/internal/storage"
	"citydb/internal/uidcache"
)

func init() {
	storage.RegisterCacheStore("badger", NewCacheStore)
}

// record is the gob encoded value of one entry.
type record struct {
	ID      int64
	RootID  int64
	Reverse bool
	Mapping string
	ClassID int32
}

// CacheStore is a uidcache.Store on Badger. Keys are prefixed with the
// cache kind so several caches could share one directory.
type CacheStore struct {
	db      *badger.DB
	prefix  []byte
	dir     string
	cleanup bool
}

// NewCacheStore opens (or creates) the store under cfg.Path, or in a fresh
// temporary directory that Close removes.
func NewCacheStore(ctx context.Context, cfg storage.CacheStoreConfig) (uidcache.Store, error) {
	dir, cleanup := cfg.Path, false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "citydb-uidcache-badger-")
		if err != nil {
			return nil, fmt.Errorf("badger cache store: %w", err)
		}
		dir, cleanup = tmp, true
	}
	kind := cfg.Cache
	if kind == "" {
		kind = "default"
	}
	path := filepath.Join(dir, "uidcache_"+kind)

	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		if cleanup {
			_ = os.RemoveAll(dir)
		}
		return nil, fmt.Errorf("badger cache store: open %s: %w", path, err)
	}
	return &CacheStore{db: db, prefix: []byte("uid:" + kind + ":"), dir: dir, cleanup: cleanup}, nil
}

func (s *CacheStore) key(k string) []byte {
	out := make([]byte, 0, len(s.prefix)+len(k))
	out = append(out, s.prefix...)
	return append(out, k...)
}

// Drain writes up to target entries. A key that already exists keeps its
// stored value. Large drains are split over several transactions when
// Badger reports the transaction is too big; keys of committed
// transactions are reported even if a later one fails.
func (s *CacheStore) Drain(ctx context.Context, snap uidcache.Snapshot, target int) ([]string, error) {
	type pending struct {
		key string
		val []byte
	}
	var batch []pending
	var encErr error
	snap.Range(func(k string, e *uidcache.Entry) bool {
		if len(batch) >= target {
			return false
		}
		var buf bytes.Buffer
		if encErr = gob.NewEncoder(&buf).Encode(record{
			ID: e.ID(), RootID: e.RootID(), Reverse: e.Reverse(), Mapping: e.Mapping(), ClassID: e.ObjectClassID(),
		}); encErr != nil {
			return false
		}
		batch = append(batch, pending{key: k, val: buf.Bytes()})
		return true
	})
	if encErr != nil {
		return nil, fmt.Errorf("badger cache store: encode: %w", encErr)
	}

	done := make([]string, 0, len(batch))
	for len(batch) > 0 {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		n := 0
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, p := range batch {
				k := s.key(p.key)
				_, err := txn.Get(k)
				if err == nil {
					n++
					continue
				}
				if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				if err := txn.Set(k, p.val); err != nil {
					if errors.Is(err, badger.ErrTxnTooBig) && n > 0 {
						return nil
					}
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return done, err
		}
		for _, p := range batch[:n] {
			done = append(done, p.key)
		}
		batch = batch[n:]
	}
	return done, nil
}

func (s *CacheStore) Lookup(ctx context.Context, key string) (*uidcache.Entry, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return uidcache.NewEntry(rec.ID, rec.RootID, rec.Reverse, rec.Mapping, rec.ClassID), nil
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
