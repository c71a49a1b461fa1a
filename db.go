// Package aidb is an embedded, single-node, persistent ordered
// key/value store built on a log-structured merge tree: a WAL for
// crash durability, an in-memory MemTable, leveled SSTables with a
// block cache and Bloom filter, and background compaction driven off a
// manifest-tracked version set (spec.md §2 "System Overview").
//
// DB is the public facade over internal/dbkernel, grounded on
// return2faye/SiltKV's pkg/kv package — but where that facade detected
// a closed database by comparing err.Error() against a string literal,
// DB classifies errors into the tagged Kind taxonomy from spec.md §7
// and lets callers branch with errors.Is/errors.As or the Is* helpers
// in errors.go instead.
package aidb

import (
	"github.com/genuineh/aidb/internal/dbkernel"
	"github.com/genuineh/aidb/internal/iterator"
	"github.com/genuineh/aidb/internal/walog"
)

// DB is an open key/value database. All exported methods are safe for
// concurrent use from multiple goroutines.
type DB struct {
	kernel *dbkernel.DB
}

// Open opens (and, per Options, optionally creates) the database
// rooted at path (spec.md §6 "open(path, Options) -> DB").
func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, newError(KindInvalidArgument, "path must not be empty", nil)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	k, err := dbkernel.Open(opts.toConfig(path))
	if err != nil {
		return nil, classify(err, "open "+path)
	}
	return &DB{kernel: k}, nil
}

// Put writes value for key, replacing any existing value (spec.md §6
// "put").
func (db *DB) Put(key, value []byte) error {
	if err := db.kernel.Put(key, value); err != nil {
		return classify(err, "put")
	}
	return nil
}

// Delete removes key, if present (spec.md §6 "delete"). Deleting a
// missing key is not an error.
func (db *DB) Delete(key []byte) error {
	if err := db.kernel.Delete(key); err != nil {
		return classify(err, "delete")
	}
	return nil
}

// WriteOp is one operation within a Write batch (spec.md §6 "write").
type WriteOp struct {
	Delete bool
	Key    []byte
	Value  []byte
}

// Write applies ops as a single atomic batch: either all of it becomes
// visible, or (on crash before the batch's WAL record is durable) none
// of it does (spec.md §6 "write(batch)", P7 atomic batch).
func (db *DB) Write(ops []WriteOp) error {
	internalOps := make([]dbkernel.PendingOp, len(ops))
	for i, op := range ops {
		tag := walog.OpPut
		if op.Delete {
			tag = walog.OpDelete
		}
		internalOps[i] = dbkernel.PendingOp{Tag: tag, Key: op.Key, Value: op.Value}
	}
	if err := db.kernel.Write(internalOps); err != nil {
		return classify(err, "write batch")
	}
	return nil
}

// Get returns the current value for key, or found=false if it is
// absent or has been deleted (spec.md §6 "get(key) -> Option<bytes>").
// A missing key is not an error.
func (db *DB) Get(key []byte) (value []byte, found bool, err error) {
	value, found, err = db.kernel.Get(key)
	if err != nil {
		return nil, false, classify(err, "get")
	}
	return value, found, nil
}

// Iterator exposes forward iteration over (key, value) pairs, newest
// version only, tombstones filtered (spec.md §6 "Iterator<(bytes,
// bytes)>").
type Iterator struct {
	it *iterator.ScanIterator
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.it.Valid() }

// Key returns the current entry's user key. Only valid while Valid().
func (it *Iterator) Key() []byte { return it.it.Key() }

// Value returns the current entry's value. Only valid while Valid().
func (it *Iterator) Value() []byte { return it.it.Value() }

// Next advances to the next entry.
func (it *Iterator) Next() error { return it.it.Next() }

// Iter returns an iterator over the whole keyspace as of the current
// sequence (spec.md §6 "iter()").
func (db *DB) Iter() (*Iterator, error) {
	it, err := db.kernel.Iter()
	if err != nil {
		return nil, classify(err, "iter")
	}
	return &Iterator{it: it}, nil
}

// Scan returns an iterator over [start, end) as of the current
// sequence; a nil start or end is unbounded on that side (spec.md §6
// "scan(start?, end?)").
func (db *DB) Scan(start, end []byte) (*Iterator, error) {
	it, err := db.kernel.Scan(start, end)
	if err != nil {
		return nil, classify(err, "scan")
	}
	return &Iterator{it: it}, nil
}

// Snapshot pins the database's current sequence number so reads
// through it never observe writes committed afterward (spec.md §6
// "snapshot() -> Snapshot", P6 snapshot isolation). Release must be
// called exactly once.
type Snapshot struct {
	snap *dbkernel.Snapshot
}

// Snapshot takes a new Snapshot.
func (db *DB) Snapshot() *Snapshot {
	return &Snapshot{snap: db.kernel.Snapshot()}
}

// Get reads key as of the snapshot's sequence.
func (s *Snapshot) Get(key []byte) (value []byte, found bool, err error) {
	value, found, err = s.snap.Get(key)
	if err != nil {
		return nil, false, classify(err, "snapshot get")
	}
	return value, found, nil
}

// Scan returns a merged iterator over [start, end) as of the
// snapshot's sequence.
func (s *Snapshot) Scan(start, end []byte) (*Iterator, error) {
	it, err := s.snap.Scan(start, end)
	if err != nil {
		return nil, classify(err, "snapshot scan")
	}
	return &Iterator{it: it}, nil
}

// Release unpins the snapshot, letting compaction drop versions it was
// the last reader of.
func (s *Snapshot) Release() { s.snap.Release() }

// Flush forces every memtable (including the active one, if non-empty)
// to become an SSTable before returning (spec.md §6 "flush()").
func (db *DB) Flush() error {
	if err := db.kernel.Flush(); err != nil {
		return classify(err, "flush")
	}
	return nil
}

// CompactRange forces compaction of the key range [start, end), or the
// whole keyspace if both are nil (spec.md §6 "compact_range(start?,
// end?)").
func (db *DB) CompactRange(start, end []byte) error {
	if err := db.kernel.CompactRange(start, end); err != nil {
		return classify(err, "compact range")
	}
	return nil
}

// Stats reports per-level file counts and byte totals and block-cache
// hit/miss counters, for diagnostics and tests.
type Stats = dbkernel.Stats

// Stats returns the database's current statistics.
func (db *DB) Stats() Stats { return db.kernel.Stats() }

// Close flushes outstanding memtables, stops background flush/
// compaction, and releases all file handles (spec.md §6 "close()").
// Close is idempotent.
func (db *DB) Close() error {
	if err := db.kernel.Close(); err != nil {
		return classify(err, "close")
	}
	return nil
}
