package dbkernel

import (
	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/memtable"
	"github.com/genuineh/aidb/internal/walog"
)

// PendingOp is one operation within a Write batch (spec.md §6 "write"),
// exported so the root aidb package can build a batch without its own
// copy of the op-tag vocabulary.
type PendingOp struct {
	Tag   walog.OpTag
	Key   []byte
	Value []byte
}

// Put writes a single key/value pair (spec.md §4.11 "put").
func (db *DB) Put(key, value []byte) error {
	return db.Write([]PendingOp{{Tag: walog.OpPut, Key: key, Value: value}})
}

// Delete appends a tombstone for key (spec.md §4.11 "delete").
func (db *DB) Delete(key []byte) error {
	return db.Write([]PendingOp{{Tag: walog.OpDelete, Key: key}})
}

// Write applies a batch of operations atomically: all ops share one WAL
// record and one sequence-number block, so a crash can never observe
// half the batch (spec.md §4.11 "write", P7 atomic batch).
func (db *DB) Write(ops []PendingOp) error {
	if db.closed() {
		return ErrClosed
	}
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if len(op.Key) == 0 {
			return errors.Wrap(ErrInvalidArgument, "dbkernel: empty key")
		}
	}

	walOps := make([]walog.Op, len(ops))
	base := db.reserveSequence(len(ops))
	for i, op := range ops {
		walOps[i] = walog.Op{Tag: op.Tag, Seq: base + uint64(i), Key: op.Key, Value: op.Value}
	}

	db.walMu.Lock()
	err := db.wal.Append(walOps)
	if err == nil && db.cfg.SyncWAL {
		err = db.wal.Sync()
	}
	db.walMu.Unlock()
	if err != nil {
		return errors.Wrap(err, "dbkernel: append WAL batch")
	}

	db.memMu.RLock()
	mt := db.mutable
	for _, wo := range walOps {
		switch wo.Tag {
		case walog.OpPut:
			err = mt.Put(wo.Key, wo.Value, wo.Seq)
		case walog.OpDelete:
			err = mt.Delete(wo.Key, wo.Seq)
		}
		if err != nil {
			break
		}
	}
	db.memMu.RUnlock()

	if errors.Is(err, memtable.ErrFrozen) {
		// Lost a race with a concurrent rotation between reserving the
		// read lock and inserting; retry once against the fresh table.
		db.memMu.RLock()
		mt = db.mutable
		for _, wo := range walOps {
			switch wo.Tag {
			case walog.OpPut:
				err = mt.Put(wo.Key, wo.Value, wo.Seq)
			case walog.OpDelete:
				err = mt.Delete(wo.Key, wo.Seq)
			}
			if err != nil {
				break
			}
		}
		db.memMu.RUnlock()
	}
	if err != nil {
		return errors.Wrap(err, "dbkernel: apply batch to memtable")
	}

	db.maybeRotate(mt)
	return nil
}

// reserveSequence atomically reserves n consecutive sequence numbers and
// returns the first one.
func (db *DB) reserveSequence(n int) uint64 {
	last := db.nextSequenceN(uint64(n))
	return last - uint64(n) + 1
}

// maybeRotate freezes the mutable memtable and installs a fresh one once
// it has grown past the configured threshold (spec.md §4.11 "freeze is a
// pointer swap"). The WAL is deliberately left alone here: spec.md §4.11
// "Freeze / WAL rotation" requires the WAL to rotate only after a flush
// durably records the frozen table as an SSTable, so that recovery can
// still replay it if the process dies before that flush completes.
func (db *DB) maybeRotate(mt *memtable.Memtable) {
	threshold := db.cfg.MemTableSize
	if threshold <= 0 {
		threshold = 4 << 20
	}
	if mt.ApproximateSize() < threshold {
		return
	}

	db.memMu.Lock()
	if db.mutable != mt {
		// Someone else already rotated this instance.
		db.memMu.Unlock()
		return
	}
	mt.Freeze()
	db.mutable = memtable.New()
	db.memMu.Unlock()

	db.immMu.Lock()
	db.immutables = append([]*memtable.Memtable{mt}, db.immutables...)
	db.immMu.Unlock()

	db.triggerFlush()
}

func (db *DB) triggerFlush() {
	select {
	case db.flushCh <- struct{}{}:
	default:
	}
}

func (db *DB) triggerCompact() {
	select {
	case db.compactCh <- struct{}{}:
	default:
	}
}

func (db *DB) closed() bool {
	select {
	case <-db.ctx.Done():
		return true
	default:
		return false
	}
}
