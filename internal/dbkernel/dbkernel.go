// Package dbkernel implements the DB coordinator (spec.md §4.11 C13):
// it owns the mutable/immutable memtables, the version set, the
// per-level SSTable reader cache, the block cache, the WAL, and the
// sequence counter, and drives background flush/compaction under the
// lock order in spec.md §5 (WAL -> MemTable -> Immutables -> VersionSet
// -> per-level SSTable list).
//
// Grounded on return2faye/SiltKV's internal/lsm/db.go (Open's
// manifest-then-WAL recovery order, rotateMemtable's freeze-and-spawn-
// flush shape, Get's probe-order-then-return-first-hit, Close's
// capture-then-clear-then-close-outside-lock pattern), generalized from
// SiltKV's single-active/single-immutable/flat-SSTable-list model to
// this engine's multi-immutable, leveled-version, sequence-numbered MVCC
// model.
package dbkernel

import (
	"container/heap"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/genuineh/aidb/internal/cache"
	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/logging"
	"github.com/genuineh/aidb/internal/manifest"
	"github.com/genuineh/aidb/internal/memtable"
	"github.com/genuineh/aidb/internal/sstable"
	"github.com/genuineh/aidb/internal/walog"
)

// ErrClosed is returned by any operation on a DB that has been Closed.
var ErrClosed = errors.New("dbkernel: db is closed")

// ErrDirNotFound is returned by Open when cfg.Dir does not exist and
// cfg.CreateIfMissing is false (spec.md §7 NotFound).
var ErrDirNotFound = errors.New("dbkernel: data directory missing")

// ErrDirExists is returned by Open when cfg.Dir is non-empty and
// cfg.ErrorIfExists is true (spec.md §7 AlreadyExists).
var ErrDirExists = errors.New("dbkernel: data directory exists and is non-empty")

// ErrInvalidArgument is wrapped for malformed caller input: empty keys
// and inverted scan ranges (spec.md §7 InvalidArgument). Write places no
// limit on batch size, so no batch is rejected for being too large.
var ErrInvalidArgument = errors.New("dbkernel: invalid argument")

// Config configures a DB (spec.md §6, already validated/defaulted by
// the root aidb package before being handed here).
type Config struct {
	Dir             string
	CreateIfMissing bool
	ErrorIfExists   bool

	MemTableSize   int64
	SSTableSize    uint64
	BlockSize      int
	BlockCacheSize int64

	EnableBloomFilter     bool
	BloomFilterBitsPerKey int
	CompressionType       sstable.CompressionType

	SyncWAL bool

	Level0CompactionThreshold int
	LevelSizeMultiplier       uint64
	BaseLevelSize             uint64
	MaxLevels                 int
	ManifestRotationEdits     int

	Logger *zap.Logger
}

// DB is the open coordinator. All exported methods are safe for
// concurrent use.
type DB struct {
	cfg    Config
	logger *zap.SugaredLogger

	walMu  sync.Mutex
	wal    *walog.Writer
	walNum uint64

	memMu   sync.RWMutex
	mutable *memtable.Memtable

	immMu      sync.RWMutex
	immutables []*memtable.Memtable // newest first

	vs *manifest.VersionSet

	// compactMu serializes the whole pick-run-commit sequence of a
	// compaction (spec.md §5, §9 "only one compaction runs at a time").
	// Both compactLoop's background tasks and the public CompactRange
	// take this before calling compaction.Pick/pickRangeTask, not just
	// around the final install, so two compactions never resolve the
	// same input files or install overlapping output files at once.
	compactMu sync.Mutex

	levelsMu sync.RWMutex
	readers  [][]*sstable.Reader // mirrors vs.Current().Levels, same indices

	cache *cache.Cache

	seq uint64 // atomic; last assigned sequence number

	snapshots *snapshotTracker

	flushCh   chan struct{}
	compactCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// Open implements spec.md §4.10's open protocol plus directory creation
// and orphan-file cleanup (P9).
func Open(cfg Config) (*DB, error) {
	if cfg.Dir == "" {
		return nil, errors.New("dbkernel: empty directory")
	}
	if cfg.MaxLevels <= 0 {
		cfg.MaxLevels = 7
	}

	info, statErr := os.Stat(cfg.Dir)
	switch {
	case statErr != nil && !os.IsNotExist(statErr):
		return nil, errors.Wrap(statErr, "dbkernel: stat data directory")
	case statErr != nil: // does not exist
		if !cfg.CreateIfMissing {
			return nil, errors.Wrapf(ErrDirNotFound, "dbkernel: %s", cfg.Dir)
		}
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, errors.Wrap(err, "dbkernel: create data directory")
		}
	case !info.IsDir():
		return nil, errors.Errorf("dbkernel: %s is not a directory", cfg.Dir)
	default:
		if cfg.ErrorIfExists {
			entries, err := os.ReadDir(cfg.Dir)
			if err != nil {
				return nil, errors.Wrap(err, "dbkernel: read data directory")
			}
			if len(entries) > 0 {
				return nil, errors.Wrapf(ErrDirExists, "dbkernel: %s", cfg.Dir)
			}
		}
	}

	vs, err := manifest.Open(cfg.Dir, cfg.MaxLevels, cfg.ManifestRotationEdits)
	if err != nil {
		return nil, errors.Wrap(err, "dbkernel: open manifest")
	}

	var blockCache *cache.Cache
	if cfg.BlockCacheSize > 0 {
		blockCache = cache.New(cfg.BlockCacheSize)
	}

	v := vs.Current()
	readers := make([][]*sstable.Reader, len(v.Levels))
	live := make(map[uint64]bool)
	for level, files := range v.Levels {
		readers[level] = make([]*sstable.Reader, 0, len(files))
		for _, f := range files {
			live[f.FileNumber] = true
			path := filepath.Join(cfg.Dir, sstable.FileName(f.FileNumber))
			r, err := sstable.Open(path, blockCache)
			if err != nil {
				closeReaders(readers)
				return nil, errors.Wrapf(err, "dbkernel: open sstable %s", path)
			}
			readers[level] = append(readers[level], r)
		}
	}

	if err := removeOrphanSSTables(cfg.Dir, live); err != nil {
		closeReaders(readers)
		return nil, err
	}

	db := &DB{
		cfg:       cfg,
		logger:    logging.New(cfg.Logger),
		vs:        vs,
		cache:     blockCache,
		readers:   readers,
		mutable:   memtable.New(),
		snapshots: newSnapshotTracker(),
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		seq:       v.LastSequence,
	}

	if err := db.recoverWAL(); err != nil {
		closeReaders(readers)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	db.ctx = gctx
	db.cancel = cancel
	db.wg = g
	g.Go(func() error { return db.flushLoop(gctx) })
	g.Go(func() error { return db.compactLoop(gctx) })

	if len(db.immutables) > 0 {
		db.triggerFlush()
	}
	if len(readers) > 0 && len(readers[0]) >= db.level0Threshold() {
		db.triggerCompact()
	}

	return db, nil
}

// recoverWAL selects the newest .log file (or creates one), replays it
// into the fresh mutable memtable, and opens it for continued append
// (spec.md §4.10 steps 5-6).
//
// Unlike spec.md's literal model (sequences reconstructed purely from
// replay order), each walog.Op already carries the sequence number
// assigned at commit time — the same choice LevelDB/RocksDB make for
// their own WAL records — so replay applies each op's stored sequence
// directly rather than depending on a single assumed writer order.
func (db *DB) recoverWAL() error {
	number, path, ok, err := walog.Newest(db.cfg.Dir)
	if err != nil {
		return errors.Wrap(err, "dbkernel: scan WAL segments")
	}

	var maxSeq uint64
	if ok {
		result, err := walog.Replay(path, func(ops []walog.Op) {
			for _, op := range ops {
				switch op.Tag {
				case walog.OpPut:
					_ = db.mutable.Put(op.Key, op.Value, op.Seq)
				case walog.OpDelete:
					_ = db.mutable.Delete(op.Key, op.Seq)
				}
			}
		})
		if err != nil {
			return errors.Wrap(err, "dbkernel: replay WAL")
		}
		maxSeq = result.LastSeq
		w, err := walog.Create(db.cfg.Dir, number)
		if err != nil {
			return errors.Wrap(err, "dbkernel: reopen WAL for append")
		}
		db.wal = w
		db.walNum = number
	} else {
		number = db.vs.NextFileNumber()
		w, err := walog.Create(db.cfg.Dir, number)
		if err != nil {
			return errors.Wrap(err, "dbkernel: create WAL")
		}
		db.wal = w
		db.walNum = number
	}

	if maxSeq > db.seq {
		db.seq = maxSeq
	}
	return nil
}

func removeOrphanSSTables(dir string, live map[uint64]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "dbkernel: scan data directory for orphans")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		number, ok := sstable.ParseNumber(e.Name())
		if !ok {
			continue
		}
		if live[number] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "dbkernel: remove orphan sstable %s", e.Name())
		}
	}
	return nil
}

func closeReaders(readers [][]*sstable.Reader) {
	for _, level := range readers {
		for _, r := range level {
			r.Close()
		}
	}
}

// nextSequenceN atomically reserves n sequence numbers and returns the
// last one; the caller derives the rest by counting down.
func (db *DB) nextSequenceN(n uint64) uint64 {
	return atomic.AddUint64(&db.seq, n)
}

func (db *DB) currentSequence() uint64 {
	return atomic.LoadUint64(&db.seq)
}

func (db *DB) level0Threshold() int {
	if db.cfg.Level0CompactionThreshold <= 0 {
		return 4
	}
	return db.cfg.Level0CompactionThreshold
}

func (db *DB) builderOptions(estimatedKeys int) sstable.BuilderOptions {
	return sstable.BuilderOptions{
		BlockSize:         db.cfg.BlockSize,
		Compression:       db.cfg.CompressionType,
		EnableBloomFilter: db.cfg.EnableBloomFilter,
		BloomBitsPerKey:   db.cfg.BloomFilterBitsPerKey,
		EstimatedKeys:     estimatedKeys,
	}
}

// Close flushes outstanding memtables, stops background workers, and
// releases all file handles (spec.md §4.11 "close").
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		var firstErr error
		if err := db.Flush(); err != nil {
			firstErr = err
		}
		db.cancel()
		if err := db.wg.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}

		db.walMu.Lock()
		if db.wal != nil {
			if err := db.wal.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := db.wal.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			db.wal = nil
		}
		db.walMu.Unlock()

		db.levelsMu.Lock()
		closeReaders(db.readers)
		db.readers = nil
		db.levelsMu.Unlock()

		if err := db.vs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.closeErr = firstErr
	})
	return db.closeErr
}

// Stats exposes per-level file counts/sizes and block cache counters
// (SPEC_FULL.md "SUPPLEMENTED FEATURES" — needed to observe P5/P6/P9 in
// tests without reaching into internals).
type Stats struct {
	LevelFileCounts []int
	LevelBytes      []uint64
	Cache           cache.Stats
}

func (db *DB) Stats() Stats {
	v := db.vs.Current()
	st := Stats{
		LevelFileCounts: make([]int, len(v.Levels)),
		LevelBytes:      make([]uint64, len(v.Levels)),
	}
	for i, files := range v.Levels {
		st.LevelFileCounts[i] = len(files)
		st.LevelBytes[i] = v.TotalLevelBytes(i)
	}
	if db.cache != nil {
		st.Cache = db.cache.Stats()
	}
	return st
}

// snapshotTracker maintains a min-heap of outstanding snapshot sequence
// numbers (SPEC_FULL.md "SUPPLEMENTED FEATURES", resolving spec.md §9
// Open Question 2): compaction consults Min to decide which obsolete
// versions a live snapshot still needs.
type snapshotTracker struct {
	mu     sync.Mutex
	h      seqHeap
	counts map[uint64]int
}

func newSnapshotTracker() *snapshotTracker {
	return &snapshotTracker{counts: make(map[uint64]int)}
}

func (t *snapshotTracker) acquire(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[seq] == 0 {
		heap.Push(&t.h, seq)
	}
	t.counts[seq]++
}

func (t *snapshotTracker) release(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[seq]--
	if t.counts[seq] <= 0 {
		delete(t.counts, seq)
	}
}

// min returns the smallest live snapshot sequence, purging stale heap
// entries lazily as it scans.
func (t *snapshotTracker) min() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.h.Len() > 0 {
		top := t.h[0]
		if _, live := t.counts[top]; live {
			return top, true
		}
		heap.Pop(&t.h)
	}
	return 0, false
}

type seqHeap []uint64

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// findOverlappingReaders returns the subset of level whose range could
// contain userKey: all of L0 (newer-first, overlapping allowed), or at
// most one file for L>=1 via binary search over non-overlapping ranges
// (spec.md §4.11 "binary search over per-level file smallest-key array").
func findOverlappingReaders(level int, readers []*sstable.Reader, userKey []byte) []*sstable.Reader {
	if level == 0 {
		return readers
	}
	idx := sort.Search(len(readers), func(i int) bool {
		return ikey.UserKeyCompare(readers[i].LargestKey().UserKey, userKey) >= 0
	})
	if idx >= len(readers) {
		return nil
	}
	if ikey.UserKeyCompare(readers[idx].SmallestKey().UserKey, userKey) > 0 {
		return nil
	}
	return readers[idx : idx+1]
}
