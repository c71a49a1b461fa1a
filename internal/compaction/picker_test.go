package compaction

import (
	"testing"

	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/manifest"
)

func file(number uint64, smallest, largest string) manifest.FileMetadata {
	return manifest.FileMetadata{
		FileNumber: number,
		FileSize:   1,
		Smallest:   ikey.Make([]byte(smallest), 1, ikey.KindValue),
		Largest:    ikey.Make([]byte(largest), 1, ikey.KindValue),
	}
}

func versionWith(maxLevels int, levels map[int][]manifest.FileMetadata) *manifest.Version {
	v := manifest.NewVersion(maxLevels)
	for level, files := range levels {
		for _, f := range files {
			e := &manifest.Edit{}
			e.AddFile(level, f)
			v.Apply(e)
		}
	}
	return v
}

func TestPickPrefersL0OverSizeTrigger(t *testing.T) {
	l1 := file(5, "a", "h")
	l1.FileSize = 100 // above BaseLevelSize, so L1's size trigger is active too
	v := versionWith(7, map[int][]manifest.FileMetadata{
		0: {file(1, "a", "b"), file(2, "c", "d"), file(3, "e", "f"), file(4, "g", "h")},
		1: {l1},
	})
	opts := Options{Level0CompactionThreshold: 4, BaseLevelSize: 10, LevelSizeMultiplier: 10, MaxLevels: 7}
	task, ok := Pick(v, opts)
	if !ok {
		t.Fatal("expected a task")
	}
	if task.Level != 0 || task.OutputLevel != 1 {
		t.Fatalf("task = %+v, want L0->L1", task)
	}
	if len(task.Inputs) != 5 {
		t.Fatalf("expected all 4 L0 files plus overlapping L1 file, got %d", len(task.Inputs))
	}
}

func TestPickNoTaskBelowThresholds(t *testing.T) {
	v := versionWith(7, map[int][]manifest.FileMetadata{
		0: {file(1, "a", "b")},
	})
	opts := Options{Level0CompactionThreshold: 4, MaxLevels: 7}
	if _, ok := Pick(v, opts); ok {
		t.Fatal("expected no task below every trigger")
	}
}

func TestPickSizeTriggerGrowsOverlappingNextLevel(t *testing.T) {
	v := manifest.NewVersion(7)
	e := &manifest.Edit{}
	big := file(1, "a", "m")
	big.FileSize = 100
	e.AddFile(1, big)
	v.Apply(e)

	e2 := &manifest.Edit{}
	e2.AddFile(2, file(2, "a", "c"))
	e2.AddFile(2, file(3, "n", "z"))
	v.Apply(e2)

	opts := Options{Level0CompactionThreshold: 4, BaseLevelSize: 10, LevelSizeMultiplier: 10, MaxLevels: 7}
	task, ok := Pick(v, opts)
	if !ok {
		t.Fatal("expected a size-triggered task")
	}
	if task.Level != 1 || task.OutputLevel != 2 {
		t.Fatalf("task = %+v, want L1->L2", task)
	}
	if len(task.Inputs) != 2 {
		t.Fatalf("expected the L1 file plus only the overlapping L2 file, got %d: %+v", len(task.Inputs), task.Inputs)
	}
}

func TestTargetSizeGeometricGrowth(t *testing.T) {
	opts := Options{BaseLevelSize: 10, LevelSizeMultiplier: 10}
	if got := targetSize(opts, 1); got != 10 {
		t.Fatalf("targetSize(1) = %d, want 10", got)
	}
	if got := targetSize(opts, 2); got != 100 {
		t.Fatalf("targetSize(2) = %d, want 100", got)
	}
	if got := targetSize(opts, 3); got != 1000 {
		t.Fatalf("targetSize(3) = %d, want 1000", got)
	}
}
