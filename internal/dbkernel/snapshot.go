package dbkernel

import "github.com/genuineh/aidb/internal/iterator"

// Snapshot pins a sequence number so reads through it never observe
// writes committed after it was taken (spec.md §4.11 "snapshot", P6).
// Release must be called exactly once or the pinned sequence leaks and
// compaction can never drop the tombstones/old versions it was keeping
// around for it.
type Snapshot struct {
	db       *DB
	seq      uint64
	released bool
}

// Snapshot captures the current sequence number and registers it with
// the live-snapshot tracker so compaction preserves every version a
// read through this snapshot could still observe.
func (db *DB) Snapshot() *Snapshot {
	seq := db.currentSequence()
	db.snapshots.acquire(seq)
	return &Snapshot{db: db, seq: seq}
}

// Get reads key as of the snapshot's sequence.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	return s.db.getAt(key, s.seq)
}

// Scan returns a merged iterator over [start, end) as of the snapshot's
// sequence.
func (s *Snapshot) Scan(start, end []byte) (*iterator.ScanIterator, error) {
	return s.db.scanAt(start, end, s.seq)
}

// Release unpins the snapshot's sequence number, letting compaction drop
// versions it was the last reader of.
func (s *Snapshot) Release() {
	if s.released {
		return
	}
	s.released = true
	s.db.snapshots.release(s.seq)
}
