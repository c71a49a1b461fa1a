// Package compaction implements the leveled compaction picker and
// runner (spec.md §4.8/§4.9 C10/C11).
//
// Grounded on return2faye/SiltKV's internal/lsm/db.go compactSSTables
// (oldest-N input selection, multi-output-file size-threshold rolling,
// old-path tracking for post-commit unlink), generalized from SiltKV's
// single flat SSTable list (no levels, no overlap tracking) to spec.md's
// leveled L0..L_max model with overlap-based input growth and the
// non-overlap-preserving output-rolling rule (I4).
package compaction

import (
	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/manifest"
)

// Options configures the picker's triggers (spec.md §6).
type Options struct {
	Level0CompactionThreshold int
	BaseLevelSize             uint64
	LevelSizeMultiplier       uint64
	MaxLevels                 int
}

// Task describes one compaction: merge Inputs (file metadata taken from
// the Version; the caller resolves readers for them and passes those to
// Run) into OutputLevel.
type Task struct {
	Level       int
	OutputLevel int
	Inputs      []manifest.FileMetadata // level-tagged; L0 inputs plus any overlapping next-level inputs
}

// targetSize implements spec.md §4.8's target_size(L) formula. L is
// 1-indexed per the spec ("L = 1..max_levels-1"); L0 has no size target,
// only a file-count trigger.
func targetSize(opts Options, level int) uint64 {
	mult := opts.LevelSizeMultiplier
	if mult == 0 {
		mult = 10
	}
	base := opts.BaseLevelSize
	if base == 0 {
		base = 10 << 20
	}
	size := base
	for i := 1; i < level; i++ {
		size *= mult
	}
	return size
}

// Pick inspects v and returns at most one CompactionTask, preferring the
// L0 file-count trigger over any per-level size trigger (spec.md §4.8
// "Priority ordering").
func Pick(v *manifest.Version, opts Options) (*Task, bool) {
	threshold := opts.Level0CompactionThreshold
	if threshold <= 0 {
		threshold = 4
	}

	if len(v.Levels) > 0 && len(v.Levels[0]) >= threshold {
		return pickL0(v)
	}

	maxLevels := opts.MaxLevels
	if maxLevels <= 0 {
		maxLevels = len(v.Levels)
	}
	for level := 1; level < maxLevels-1 && level < len(v.Levels); level++ {
		if v.TotalLevelBytes(level) <= targetSize(opts, level) {
			continue
		}
		file, ok := v.PickRoundRobin(level)
		if !ok {
			continue
		}
		overlaps := v.Overlaps(level+1, file.Smallest.UserKey, file.Largest.UserKey)
		inputs := append([]manifest.FileMetadata{file}, overlaps...)
		return &Task{Level: level, OutputLevel: level + 1, Inputs: inputs}, true
	}
	return nil, false
}

// pickL0 compacts every L0 file together with every L1 file overlapping
// their combined range (spec.md §4.8 rule 1).
func pickL0(v *manifest.Version) (*Task, bool) {
	l0 := v.Levels[0]
	if len(l0) == 0 {
		return nil, false
	}
	smallest := l0[0].Smallest.UserKey
	largest := l0[0].Largest.UserKey
	for _, f := range l0[1:] {
		if ikey.UserKeyCompare(f.Smallest.UserKey, smallest) < 0 {
			smallest = f.Smallest.UserKey
		}
		if ikey.UserKeyCompare(f.Largest.UserKey, largest) > 0 {
			largest = f.Largest.UserKey
		}
	}
	inputs := append([]manifest.FileMetadata(nil), l0...)
	if len(v.Levels) > 1 {
		inputs = append(inputs, v.Overlaps(1, smallest, largest)...)
	}
	return &Task{Level: 0, OutputLevel: 1, Inputs: inputs}, true
}
