package walog

import (
	"path/filepath"
	"testing"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	batches := [][]Op{
		{{Tag: OpPut, Seq: 1, Key: []byte("a"), Value: []byte("1")}},
		{
			{Tag: OpPut, Seq: 2, Key: []byte("b"), Value: []byte("2")},
			{Tag: OpDelete, Seq: 3, Key: []byte("a")},
		},
	}
	for _, b := range batches {
		if err := w.Append(b); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got [][]Op
	result, err := Replay(w.Path, func(ops []Op) {
		cp := make([]Op, len(ops))
		copy(cp, ops)
		got = append(got, cp)
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if result.BatchesApplied != 2 {
		t.Fatalf("BatchesApplied = %d, want 2", result.BatchesApplied)
	}
	if result.LastSeq != 3 {
		t.Fatalf("LastSeq = %d, want 3", result.LastSeq)
	}
	if len(got) != 2 || len(got[1]) != 2 {
		t.Fatalf("unexpected replay shape: %+v", got)
	}
}

func TestNewestSelectsHighestNumber(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []uint64{3, 1, 7, 2} {
		if _, err := Create(dir, n); err != nil {
			t.Fatalf("Create(%d): %v", n, err)
		}
	}
	num, path, ok, err := Newest(dir)
	if err != nil || !ok {
		t.Fatalf("Newest: ok=%v err=%v", ok, err)
	}
	if num != 7 {
		t.Fatalf("Newest number = %d, want 7", num)
	}
	if path != filepath.Join(dir, "000007.log") {
		t.Fatalf("Newest path = %s", path)
	}
}

func TestReplayMissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	result, err := Replay(filepath.Join(dir, "000001.log"), func(ops []Op) {
		t.Fatal("apply should not be called")
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if result.BatchesApplied != 0 {
		t.Fatalf("BatchesApplied = %d, want 0", result.BatchesApplied)
	}
}
