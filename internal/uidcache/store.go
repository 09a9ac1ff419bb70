package uidcache

import "context"

// Snapshot is the view of the resident entries handed to Store.Drain.
// Range stops when fn returns false. Entries that were never read are
// yielded before entries that were, so cold entries are persisted first.
type Snapshot interface {
	Range(fn func(key string, e *Entry) bool)
}

// Store is the persistent overflow tier behind a Cache.
//
// Contract:
//   - Drain persists up to target entries taken from snap in Range order and
//     returns the keys it persisted. Only those keys are evicted from memory,
//     and only after Drain returns without error.
//   - Lookup returns (nil, nil) for an unknown key.
//   - Close releases the medium (temporary tables, files). The cache calls
//     it exactly once, from Shutdown.
type Store interface {
	Drain(ctx context.Context, snap Snapshot, target int) ([]string, error)
	Lookup(ctx context.Context, key string) (*Entry, error)
	Close() error
}
