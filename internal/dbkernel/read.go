package dbkernel

import (
	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/iterator"
	"github.com/genuineh/aidb/internal/memtable"
	"github.com/genuineh/aidb/internal/sstable"
)

// memtableChild adapts memtable.Iterator (ikey.Key-typed) to
// iterator.Child (raw encoded-key-typed) so a memtable can take part in
// the same merge as SSTable iterators (spec.md §4.7).
type memtableChild struct {
	it *memtable.Iterator
}

func (c *memtableChild) Valid() bool   { return c.it.Valid() }
func (c *memtableChild) Key() []byte   { return ikey.Encode(c.it.Key()) }
func (c *memtableChild) Value() []byte { return c.it.Value() }
func (c *memtableChild) Next() error   { c.it.Next(); return nil }

// Get reads the most recent value for key visible at the current
// sequence (spec.md §4.11 "get"): probe the mutable memtable, then
// immutables newest-first, then SSTables level by level (L0 newest-
// first, L>=1 via binary search), returning on the first hit.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	return db.getAt(key, db.currentSequence())
}

// getAt is Get parameterized by the visible sequence ceiling, shared
// with snapshot reads (spec.md §4.11 "snapshot get").
func (db *DB) getAt(key []byte, sMax uint64) ([]byte, bool, error) {
	if db.closed() {
		return nil, false, ErrClosed
	}
	if len(key) == 0 {
		return nil, false, errors.Wrap(ErrInvalidArgument, "dbkernel: empty key")
	}

	db.memMu.RLock()
	value, res := db.mutable.Get(key, sMax)
	db.memMu.RUnlock()
	switch res {
	case memtable.Found:
		return value, true, nil
	case memtable.Deleted:
		return nil, false, nil
	}

	db.immMu.RLock()
	immutables := append([]*memtable.Memtable(nil), db.immutables...)
	db.immMu.RUnlock()
	for _, mt := range immutables {
		value, res := mt.Get(key, sMax)
		switch res {
		case memtable.Found:
			return value, true, nil
		case memtable.Deleted:
			return nil, false, nil
		}
	}

	// Readers are a cached projection of the current Version (spec.md
	// §4.11); snapshotting the slice under the lock and probing outside
	// it lets a concurrent compaction install a new Version without
	// blocking this read. A compaction closes a reader right after
	// removing it from this list, so a probe working on an older copy of
	// the list can still be reading that file when it is closed (see
	// DESIGN.md "Reader close races a concurrent reader").
	db.levelsMu.RLock()
	levels := make([][]*sstable.Reader, len(db.readers))
	for i, rs := range db.readers {
		levels[i] = append([]*sstable.Reader(nil), rs...)
	}
	db.levelsMu.RUnlock()

	for level, rs := range levels {
		for _, r := range findOverlappingReaders(level, rs, key) {
			v, found, tomb, err := r.Get(key, sMax)
			if err != nil {
				return nil, false, errors.Wrapf(err, "dbkernel: read sstable %d", r.FileNumber())
			}
			if tomb {
				return nil, false, nil
			}
			if found {
				return v, true, nil
			}
		}
	}
	return nil, false, nil
}

// Iter returns a merged, deduped, snapshot-filtered iterator over the
// whole keyspace as of the current sequence (spec.md §4.11 "iter").
func (db *DB) Iter() (*iterator.ScanIterator, error) {
	return db.scanAt(nil, nil, db.currentSequence())
}

// Scan returns a merged iterator over [start, end) as of the current
// sequence (spec.md §4.11 "scan").
func (db *DB) Scan(start, end []byte) (*iterator.ScanIterator, error) {
	return db.scanAt(start, end, db.currentSequence())
}

func (db *DB) scanAt(start, end []byte, sMax uint64) (*iterator.ScanIterator, error) {
	if db.closed() {
		return nil, ErrClosed
	}
	if start != nil && end != nil && ikey.UserKeyCompare(start, end) >= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "dbkernel: inverted range [%q, %q)", start, end)
	}

	var children []iterator.Child

	db.memMu.RLock()
	children = append(children, &memtableChild{it: db.mutable.NewIterator()})
	db.memMu.RUnlock()

	db.immMu.RLock()
	immutables := append([]*memtable.Memtable(nil), db.immutables...)
	db.immMu.RUnlock()
	for _, mt := range immutables {
		children = append(children, &memtableChild{it: mt.NewIterator()})
	}

	db.levelsMu.RLock()
	for _, level := range db.readers {
		for _, r := range level {
			it := r.NewIterator()
			var err error
			if start != nil {
				err = it.SeekGE(ikey.Encode(ikey.SeekKey(start, ikey.MaxSeq)))
			} else {
				err = it.SeekToFirst()
			}
			if err != nil {
				db.levelsMu.RUnlock()
				return nil, errors.Wrap(err, "dbkernel: seek sstable iterator")
			}
			children = append(children, it)
		}
	}
	db.levelsMu.RUnlock()

	merged, err := iterator.NewMerge(children)
	if err != nil {
		return nil, errors.Wrap(err, "dbkernel: build scan merge iterator")
	}
	return iterator.NewScanIterator(merged, sMax, start, end), nil
}
