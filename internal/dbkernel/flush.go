package dbkernel

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/manifest"
	"github.com/genuineh/aidb/internal/memtable"
	"github.com/genuineh/aidb/internal/sstable"
	"github.com/genuineh/aidb/internal/walog"
)

// flushLoop drains flushCh until ctx is cancelled, grounded on SiltKV's
// `go db.flushMemtable(...)` background-goroutine shape (spec.md §9 Open
// Question 1, decided: background flush/compaction).
func (db *DB) flushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-db.flushCh:
			if err := db.flushImmutables(); err != nil {
				db.logger.Errorw("flush failed", "error", err)
			}
		}
	}
}

// Flush forces a synchronous freeze-and-flush of every memtable,
// including the current mutable one if non-empty (spec.md §4.11
// "flush").
func (db *DB) Flush() error {
	if db.closed() {
		return ErrClosed
	}
	db.memMu.Lock()
	mt := db.mutable
	if mt.ApproximateSize() > 0 {
		mt.Freeze()
		db.mutable = memtable.New()
		db.immMu.Lock()
		db.immutables = append([]*memtable.Memtable{mt}, db.immutables...)
		db.immMu.Unlock()
	}
	db.memMu.Unlock()
	return db.flushImmutables()
}

// flushImmutables implements spec.md §4.9's flush procedure: build one
// SSTable per immutable (oldest first so older data lands lower in L0's
// newest-first order), commit them all in a single VersionEdit, then
// switch to a fresh WAL and remove the old one, then trigger a
// compaction check.
//
// Grounded on SiltKV's internal/lsm/db.go flushMemtable (path derived
// from the WAL being retired, reader registered before the old WAL is
// deleted), generalized to flush every queued immutable in one pass
// instead of SiltKV's always-exactly-one.
func (db *DB) flushImmutables() error {
	db.immMu.RLock()
	pending := append([]*memtable.Memtable(nil), db.immutables...)
	db.immMu.RUnlock()
	if len(pending) == 0 {
		return nil
	}

	edit := &manifest.Edit{}
	var newReaders []*sstable.Reader

	for i := len(pending) - 1; i >= 0; i-- {
		mt := pending[i]
		number := db.vs.NextFileNumber()
		built, err := buildSSTableFromMemtable(db.cfg.Dir, number, mt, db.builderOptions(0))
		if err != nil {
			return errors.Wrap(err, "dbkernel: flush memtable to sstable")
		}
		if built == nil {
			continue // empty table: spec.md §4.9 "if entry_count would be zero, skip"
		}
		edit.AddFile(0, manifest.FileMetadata{
			FileNumber: built.FileNumber,
			FileSize:   built.FileSize,
			Smallest:   built.Smallest,
			Largest:    built.Largest,
		})
		r, err := sstable.Open(built.path, db.cache)
		if err != nil {
			return errors.Wrap(err, "dbkernel: open freshly flushed sstable")
		}
		// Prepend: this loop processes oldest immutable first, but L0 is
		// newest-first, so each newer table built takes the front slot.
		newReaders = append([]*sstable.Reader{r}, newReaders...)
	}
	edit.SetNextFileNumber(db.vs.NextFileNumber())
	edit.SetLastSequence(db.currentSequence())

	oldWALNumber := db.walNum
	newWALNumber := db.vs.NextFileNumber()
	newWAL, err := walog.Create(db.cfg.Dir, newWALNumber)
	if err != nil {
		for _, r := range newReaders {
			r.Close()
		}
		return errors.Wrap(err, "dbkernel: rotate WAL after flush")
	}

	// L0 is newest-first; this flush batch is newer than everything
	// already resident, so it is prepended as a whole in flush order,
	// oldest table deepest within the batch.
	db.levelsMu.Lock()
	if err := db.vs.LogAndApply(edit); err != nil {
		db.levelsMu.Unlock()
		newWAL.Close()
		for _, r := range newReaders {
			r.Close()
		}
		return errors.Wrap(err, "dbkernel: commit flush edit")
	}
	db.readers[0] = append(newReaders, db.readers[0]...)
	db.levelsMu.Unlock()

	db.immMu.Lock()
	db.immutables = db.immutables[:0]
	db.immMu.Unlock()

	db.walMu.Lock()
	oldWAL := db.wal
	db.wal = newWAL
	db.walNum = newWALNumber
	db.walMu.Unlock()
	if oldWAL != nil {
		oldWAL.Close()
	}
	walog.Remove(db.cfg.Dir, oldWALNumber)

	if len(db.readers[0]) >= db.level0Threshold() {
		db.triggerCompact()
	}
	return nil
}

type builtTable struct {
	path       string
	FileNumber uint64
	FileSize   uint64
	Smallest   ikey.Key
	Largest    ikey.Key
}

// buildSSTableFromMemtable iterates mt in InternalKey order, emitting
// only the newest version of each user key (tombstones kept: L0 output
// is not the deepest level) per spec.md §4.9's flush procedure.
func buildSSTableFromMemtable(dir string, number uint64, mt *memtable.Memtable, opts sstable.BuilderOptions) (*builtTable, error) {
	it := mt.NewIterator()
	b, err := sstable.NewBuilder(dir, number, opts)
	if err != nil {
		return nil, err
	}

	var lastUserKey []byte
	haveLast := false
	for it.Valid() {
		k := it.Key()
		if haveLast && ikey.UserKeyCompare(k.UserKey, lastUserKey) == 0 {
			it.Next()
			continue
		}
		lastUserKey = append(lastUserKey[:0], k.UserKey...)
		haveLast = true
		if err := b.Add(k, it.Value()); err != nil {
			b.Abandon()
			return nil, err
		}
		it.Next()
	}

	info, err := b.Finish()
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	return &builtTable{
		path:       filepath.Join(dir, sstable.FileName(number)),
		FileNumber: info.FileNumber,
		FileSize:   info.FileSize,
		Smallest:   info.Smallest,
		Largest:    info.Largest,
	}, nil
}
