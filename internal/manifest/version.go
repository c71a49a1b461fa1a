package manifest

import (
	"sort"

	"github.com/genuineh/aidb/internal/ikey"
)

// Version is an immutable, copy-on-write snapshot of the live SSTable
// set (spec.md §4.10). Readers acquire a Version pointer and work
// against it without blocking writers that install a newer one.
type Version struct {
	Levels         [][]FileMetadata // Levels[0] is L0, newest-first; Levels[n>=1] sorted by Smallest, non-overlapping (I4)
	NextFileNumber uint64
	LastSequence   uint64

	// nextCompactIndex[level] is the round-robin cursor used by the
	// compaction picker for L>=1 (spec.md §9 Open Question 3). It is
	// in-memory only: a restart resets it to 0, which only affects
	// which file is picked first, never correctness.
	nextCompactIndex []int
}

// NewVersion returns an empty Version with maxLevels levels.
func NewVersion(maxLevels int) *Version {
	return &Version{
		Levels:           make([][]FileMetadata, maxLevels),
		nextCompactIndex: make([]int, maxLevels),
	}
}

// Clone makes a shallow copy of v suitable for mutation into a new
// Version via Apply; the per-level slices are copied so the original
// Version's slices are never mutated in place.
func (v *Version) Clone() *Version {
	nv := &Version{
		Levels:           make([][]FileMetadata, len(v.Levels)),
		NextFileNumber:   v.NextFileNumber,
		LastSequence:     v.LastSequence,
		nextCompactIndex: append([]int(nil), v.nextCompactIndex...),
	}
	for i, l := range v.Levels {
		nv.Levels[i] = append([]FileMetadata(nil), l...)
	}
	return nv
}

// Apply folds edit into v in place, used both for replaying the
// manifest log at open and for installing a freshly committed edit.
func (v *Version) Apply(edit *Edit) {
	for _, d := range edit.DeletedFiles {
		v.removeFile(d.Level, d.FileNumber)
	}
	for _, f := range edit.AddedFiles {
		v.insertFile(f)
	}
	if edit.NextFileNumber != nil && *edit.NextFileNumber > v.NextFileNumber {
		v.NextFileNumber = *edit.NextFileNumber
	}
	if edit.LastSequence != nil && *edit.LastSequence > v.LastSequence {
		v.LastSequence = *edit.LastSequence
	}
}

func (v *Version) removeFile(level int, fileNumber uint64) {
	if level < 0 || level >= len(v.Levels) {
		return
	}
	files := v.Levels[level]
	for i, f := range files {
		if f.FileNumber == fileNumber {
			v.Levels[level] = append(files[:i], files[i+1:]...)
			return
		}
	}
}

func (v *Version) insertFile(f FileMetadata) {
	if f.Level < 0 || f.Level >= len(v.Levels) {
		return
	}
	if f.Level == 0 {
		// L0 is newest-first: the most recently flushed/compacted-in file
		// goes to the front.
		v.Levels[0] = append([]FileMetadata{f}, v.Levels[0]...)
		return
	}
	files := v.Levels[f.Level]
	idx := sort.Search(len(files), func(i int) bool {
		return ikey.UserKeyCompare(files[i].Smallest.UserKey, f.Smallest.UserKey) >= 0
	})
	files = append(files, FileMetadata{})
	copy(files[idx+1:], files[idx:])
	files[idx] = f
	v.Levels[f.Level] = files
}

// Overlaps returns every file in level that overlaps [smallest, largest]
// (inclusive), used by the compaction picker to grow an input set.
func (v *Version) Overlaps(level int, smallest, largest []byte) []FileMetadata {
	if level < 0 || level >= len(v.Levels) {
		return nil
	}
	var out []FileMetadata
	for _, f := range v.Levels[level] {
		if ikey.UserKeyCompare(f.Largest.UserKey, smallest) < 0 || ikey.UserKeyCompare(f.Smallest.UserKey, largest) > 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// FilesInRange returns every file at level whose range intersects
// [start, end); a nil start means "from the beginning", a nil end means
// "to the end" — used by CompactRange (spec.md §4.11 "compact_range")
// where the caller may want an unbounded side without needing a
// sentinel byte value to express it.
func (v *Version) FilesInRange(level int, start, end []byte) []FileMetadata {
	if level < 0 || level >= len(v.Levels) {
		return nil
	}
	var out []FileMetadata
	for _, f := range v.Levels[level] {
		if start != nil && ikey.UserKeyCompare(f.Largest.UserKey, start) < 0 {
			continue
		}
		if end != nil && ikey.UserKeyCompare(f.Smallest.UserKey, end) >= 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TotalLevelBytes sums file sizes at level, used by the compaction
// picker's size-threshold trigger.
func (v *Version) TotalLevelBytes(level int) uint64 {
	if level < 0 || level >= len(v.Levels) {
		return 0
	}
	var total uint64
	for _, f := range v.Levels[level] {
		total += f.FileSize
	}
	return total
}

// PickRoundRobin returns the next file to compact out of level using a
// round-robin cursor kept in memory only, and advances the cursor.
func (v *Version) PickRoundRobin(level int) (FileMetadata, bool) {
	if level < 0 || level >= len(v.Levels) || len(v.Levels[level]) == 0 {
		return FileMetadata{}, false
	}
	files := v.Levels[level]
	idx := v.nextCompactIndex[level] % len(files)
	v.nextCompactIndex[level] = (idx + 1) % len(files)
	return files[idx], true
}

// MaxLevelWithFiles returns the deepest level that currently holds any
// file, or -1 if the Version is entirely empty. Used by the compaction
// runner's tombstone-drop decision (spec.md §4.9).
func (v *Version) MaxLevelWithFiles() int {
	for l := len(v.Levels) - 1; l >= 0; l-- {
		if len(v.Levels[l]) > 0 {
			return l
		}
	}
	return -1
}
