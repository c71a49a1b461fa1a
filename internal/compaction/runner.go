package compaction

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/iterator"
	"github.com/genuineh/aidb/internal/manifest"
	"github.com/genuineh/aidb/internal/sstable"
)

// RunOptions configures the runner's output files (spec.md §6).
type RunOptions struct {
	Dir            string
	SSTableSize    uint64
	Builder        sstable.BuilderOptions
	DropTombstones bool // true when OutputLevel is the deepest level holding any data
}

// Result is what the coordinator needs to build the commit Edit (spec.md
// §4.9 steps 2-7, which belong to the coordinator since they touch the
// version lock, the in-memory reader lists, and the block cache — all
// outside this package's concern).
type Result struct {
	Added []manifest.FileMetadata
	Paths []string
}

// Run executes task: merges readers (already opened by the caller,
// ordered so that within any tie the earlier reader is treated as
// newer — harmless in practice since sequence numbers are unique) and
// writes output SSTable(s), rolling to a new file whenever the current
// one would exceed opts.SSTableSize.
//
// Because Pick grows an L0 task to include every overlapping L1 file
// (and an L>=1 task to include every overlapping L+1 file), every file
// whose range could collide with a freshly written output is already an
// input slated for deletion; a pure size-based roll is therefore
// sufficient to preserve I4 without extra next-level boundary checks.
//
// Dedup keeps the newest version of each user key unconditionally, and
// additionally preserves the newest version with sequence <=
// minSnapshotSeq so any snapshot taken before the compaction began
// remains readable (spec.md §4.9 "Dedup", §9 Open Question 2). Tombstone
// policy follows opts.DropTombstones, except a version kept only to
// satisfy a live snapshot is always preserved regardless of kind.
//
// On any error before the first output file is finalized, all output
// files created so far are abandoned (unlinked); the caller owns
// cleanup of nothing else.
func Run(task *Task, readers []*sstable.Reader, nextFileNumber func() uint64, minSnapshotSeq uint64, opts RunOptions) (*Result, error) {
	children := make([]iterator.Child, 0, len(readers))
	for _, r := range readers {
		it := r.NewIterator()
		if err := it.SeekToFirst(); err != nil {
			return nil, errors.Wrap(err, "compaction: seek input reader")
		}
		children = append(children, it)
	}

	merged, err := iterator.NewMerge(children)
	if err != nil {
		return nil, errors.Wrap(err, "compaction: build merge iterator")
	}

	result := &Result{}
	var builder *sstable.Builder

	sstableSize := opts.SSTableSize
	if sstableSize == 0 {
		sstableSize = 2 << 20
	}

	finishCurrent := func() error {
		if builder == nil {
			return nil
		}
		info, err := builder.Finish()
		builder = nil
		if err != nil {
			return errors.Wrap(err, "compaction: finish output file")
		}
		if info == nil {
			return nil // zero entries: spec.md §4.9 "no file is emitted"
		}
		result.Added = append(result.Added, manifest.FileMetadata{
			Level:      task.OutputLevel,
			FileNumber: info.FileNumber,
			FileSize:   info.FileSize,
			Smallest:   info.Smallest,
			Largest:    info.Largest,
		})
		return nil
	}

	abandonAll := func() {
		if builder != nil {
			builder.Abandon()
		}
	}

	ensureBuilder := func() error {
		if builder != nil {
			return nil
		}
		number := nextFileNumber()
		b, err := sstable.NewBuilder(opts.Dir, number, opts.Builder)
		if err != nil {
			return errors.Wrap(err, "compaction: create output builder")
		}
		builder = b
		result.Paths = append(result.Paths, filepath.Join(opts.Dir, sstable.FileName(number)))
		return nil
	}

	var lastUserKey []byte
	haveLastUserKey := false
	keptNewestForKey := false
	keptForSnapshot := false

	for merged.Valid() {
		k, ok := ikey.Decode(merged.Key())
		if !ok {
			if err := merged.Next(); err != nil {
				abandonAll()
				return nil, err
			}
			continue
		}

		isNewKey := !haveLastUserKey || ikey.UserKeyCompare(k.UserKey, lastUserKey) != 0
		if isNewKey {
			lastUserKey = append(lastUserKey[:0], k.UserKey...)
			haveLastUserKey = true
			keptNewestForKey = false
			keptForSnapshot = false
		}

		emit := false
		forceKeep := false
		switch {
		case !keptNewestForKey:
			keptNewestForKey = true
			emit = true
			if k.Seq <= minSnapshotSeq {
				keptForSnapshot = true
			}
		case !keptForSnapshot && k.Seq <= minSnapshotSeq:
			keptForSnapshot = true
			emit = true
			forceKeep = true
		}

		if emit && (forceKeep || !opts.DropTombstones || k.Kind != ikey.KindTombstone) {
			if err := ensureBuilder(); err != nil {
				abandonAll()
				return nil, err
			}
			value := append([]byte(nil), merged.Value()...)
			if err := builder.Add(k, value); err != nil {
				abandonAll()
				return nil, errors.Wrap(err, "compaction: write merged entry")
			}

			if builder.Size() >= sstableSize {
				if err := finishCurrent(); err != nil {
					abandonAll()
					return nil, err
				}
			}
		}

		if err := merged.Next(); err != nil {
			abandonAll()
			return nil, err
		}
	}

	if err := finishCurrent(); err != nil {
		abandonAll()
		return nil, err
	}
	return result, nil
}
