package uidcache

import "sync/atomic"

// Entry is the value side of an identifier cache mapping. Its fields are
// fixed at construction; only the two bookkeeping flags change afterwards.
type Entry struct {
	id            int64
	rootID        int64
	reverse       bool
	mapping       string
	objectClassID int32

	// registered is flipped once, by whichever caller counts the entry
	// toward the resident total.
	registered atomic.Bool
	// requested records that the entry was read since it was created.
	requested atomic.Bool
}

// NewEntry returns an unregistered entry.
func NewEntry(id, rootID int64, reverse bool, mapping string, objectClassID int32) *Entry {
	return &Entry{
		id:            id,
		rootID:        rootID,
		reverse:       reverse,
		mapping:       mapping,
		objectClassID: objectClassID,
	}
}

func (e *Entry) ID() int64            { return e.id }
func (e *Entry) RootID() int64        { return e.rootID }
func (e *Entry) Reverse() bool        { return e.reverse }
func (e *Entry) Mapping() string      { return e.mapping }
func (e *Entry) ObjectClassID() int32 { return e.objectClassID }

// Requested reports whether the entry has been read from the cache.
func (e *Entry) Requested() bool { return e.requested.Load() }

func (e *Entry) markRequested() { e.requested.Store(true) }

// register returns true for exactly one caller per entry.
func (e *Entry) register() bool { return e.registered.CompareAndSwap(false, true) }
