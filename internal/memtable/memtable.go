package memtable

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/utils"
)

// perEntryOverhead approximates the skiplist node and slice-header cost
// per entry so approximate_size tracks real memory pressure, not just
// key+value bytes (spec.md §4.2).
const perEntryOverhead = 32

// ErrFrozen is returned by Put/Delete once a memtable has been frozen
// (spec.md §4.11 "freeze is a pointer swap").
var ErrFrozen = errors.New("memtable: frozen")

// Memtable is the concurrent ordered buffer that absorbs writes between
// flushes (spec.md C3). It has no WAL of its own — unlike SiltKV's
// Memtable, which owns a wal.WalWriter and writes through it on every
// Put — because in this engine the WAL is owned by the coordinator and
// shared across memtable rotations (spec.md §4.11's "the WAL is not
// rotated at freeze time").
type Memtable struct {
	sl     *skipList
	size   int64 // atomic, approximate_size()
	frozen int32 // atomic bool
}

// New creates an empty, mutable memtable.
func New() *Memtable {
	return &Memtable{sl: newSkipList()}
}

// Put inserts a live value for userKey at seq.
func (m *Memtable) Put(userKey, value []byte, seq uint64) error {
	return m.insert(userKey, value, seq, ikey.KindValue)
}

// Delete inserts a tombstone for userKey at seq.
func (m *Memtable) Delete(userKey []byte, seq uint64) error {
	return m.insert(userKey, nil, seq, ikey.KindTombstone)
}

func (m *Memtable) insert(userKey, value []byte, seq uint64, kind ikey.Kind) error {
	if atomic.LoadInt32(&m.frozen) == 1 {
		return ErrFrozen
	}
	key := ikey.Make(utils.CopyBytes(userKey), seq, kind)
	var storedValue []byte
	if len(value) > 0 {
		storedValue = utils.CopyBytes(value)
	}
	m.sl.insert(key, storedValue)
	atomic.AddInt64(&m.size, int64(len(key.UserKey)+len(storedValue)+perEntryOverhead))
	return nil
}

// Resolution is the outcome of a Get: a live value, a tombstone (key was
// deleted), or absence.
type Resolution int

const (
	NotFound Resolution = iota
	Found
	Deleted
)

// Get resolves userKey visible at sMax.
func (m *Memtable) Get(userKey []byte, sMax uint64) (value []byte, res Resolution) {
	key, val, ok := m.sl.get(userKey, sMax)
	if !ok {
		return nil, NotFound
	}
	if key.Kind == ikey.KindTombstone {
		return nil, Deleted
	}
	return val, Found
}

// ApproximateSize returns the tracked byte size used for fullness checks.
func (m *Memtable) ApproximateSize() int64 { return atomic.LoadInt64(&m.size) }

// Freeze marks the memtable read-only; subsequent Put/Delete return
// ErrFrozen. Existing readers are unaffected.
func (m *Memtable) Freeze() { atomic.StoreInt32(&m.frozen, 1) }

// IsFrozen reports whether Freeze has been called.
func (m *Memtable) IsFrozen() bool { return atomic.LoadInt32(&m.frozen) == 1 }

// Iterator exposes InternalKey-ordered iteration for flush and reads.
type Iterator = iterator

// NewIterator returns an iterator positioned at the first entry.
func (m *Memtable) NewIterator() *Iterator { return m.sl.newIterator() }
