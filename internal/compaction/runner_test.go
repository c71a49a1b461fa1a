package compaction

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/sstable"
)

func buildInput(t *testing.T, dir string, number uint64, entries []ikey.Key, values []string) *sstable.Reader {
	t.Helper()
	b, err := sstable.NewBuilder(dir, number, sstable.BuilderOptions{EnableBloomFilter: true, EstimatedKeys: len(entries)})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	for i, k := range entries {
		if err := b.Add(k, []byte(values[i])); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	info, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if info == nil {
		t.Fatal("expected a non-nil Info for a non-empty table")
	}
	r, err := sstable.Open(filepath.Join(dir, sstable.FileName(number)), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func readAll(t *testing.T, r *sstable.Reader) []ikey.Key {
	t.Helper()
	it := r.NewIterator()
	if err := it.SeekToFirst(); err != nil {
		t.Fatalf("SeekToFirst: %v", err)
	}
	var out []ikey.Key
	for it.Valid() {
		k, ok := ikey.Decode(it.Key())
		if !ok {
			t.Fatal("undecodable key in output table")
		}
		out = append(out, k)
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	return out
}

func TestRunDedupsKeepsNewestVersion(t *testing.T) {
	dir := t.TempDir()
	r1 := buildInput(t, dir, 1, []ikey.Key{
		ikey.Make([]byte("a"), 5, ikey.KindValue),
	}, []string{"new-a"})
	defer r1.Close()
	r2 := buildInput(t, dir, 2, []ikey.Key{
		ikey.Make([]byte("a"), 3, ikey.KindValue),
		ikey.Make([]byte("b"), 1, ikey.KindValue),
	}, []string{"old-a", "b-value"})
	defer r2.Close()

	task := &Task{Level: 0, OutputLevel: 1}
	next := uint64(100)
	nextFileNumber := func() uint64 { n := next; next++; return n }

	result, err := Run(task, []*sstable.Reader{r1, r2}, nextFileNumber, 0, RunOptions{Dir: dir, SSTableSize: 1 << 20})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Added) != 1 {
		t.Fatalf("expected one output file, got %d", len(result.Added))
	}
	out, err := sstable.Open(result.Paths[0], nil)
	if err != nil {
		t.Fatalf("Open output: %v", err)
	}
	defer out.Close()

	keys := readAll(t, out)
	if len(keys) != 2 {
		t.Fatalf("expected 2 deduped entries, got %d: %+v", len(keys), keys)
	}
	val, found, tomb, err := out.Get([]byte("a"), 100)
	if err != nil || !found || tomb {
		t.Fatalf("Get(a) = %q, found=%v, tomb=%v, err=%v", val, found, tomb, err)
	}
	if string(val) != "new-a" {
		t.Fatalf("expected newest version to win, got %q", val)
	}
}

func TestRunDropsTombstonesAtDeepestLevel(t *testing.T) {
	dir := t.TempDir()
	r1 := buildInput(t, dir, 1, []ikey.Key{
		ikey.Make([]byte("a"), 5, ikey.KindTombstone),
	}, []string{""})
	defer r1.Close()

	task := &Task{Level: 0, OutputLevel: 1}
	next := uint64(100)
	nextFileNumber := func() uint64 { n := next; next++; return n }

	result, err := Run(task, []*sstable.Reader{r1}, nextFileNumber, 0, RunOptions{Dir: dir, SSTableSize: 1 << 20, DropTombstones: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Added) != 0 {
		t.Fatalf("expected the tombstone-only input to produce no output file, got %d", len(result.Added))
	}
}

func TestRunPreservesTombstoneForLiveSnapshot(t *testing.T) {
	dir := t.TempDir()
	// Newest version (seq 5) is a live value; an older tombstone at seq 3
	// is exactly what a snapshot opened at seq 3 would see, so it must
	// survive the compaction even though DropTombstones is set.
	r1 := buildInput(t, dir, 1, []ikey.Key{
		ikey.Make([]byte("a"), 5, ikey.KindValue),
		ikey.Make([]byte("a"), 3, ikey.KindTombstone),
	}, []string{"newest", ""})
	defer r1.Close()

	task := &Task{Level: 0, OutputLevel: 1}
	next := uint64(100)
	nextFileNumber := func() uint64 { n := next; next++; return n }

	result, err := Run(task, []*sstable.Reader{r1}, nextFileNumber, 3, RunOptions{Dir: dir, SSTableSize: 1 << 20, DropTombstones: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Added) != 1 {
		t.Fatalf("expected one output file, got %d", len(result.Added))
	}
	out, err := sstable.Open(result.Paths[0], nil)
	if err != nil {
		t.Fatalf("Open output: %v", err)
	}
	defer out.Close()
	keys := readAll(t, out)
	if len(keys) != 2 {
		t.Fatalf("expected both the newest value and the snapshot-visible tombstone to survive, got %+v", keys)
	}
	if keys[0].Seq != 5 || keys[0].Kind != ikey.KindValue {
		t.Fatalf("expected the newest version first, got %+v", keys[0])
	}
	if keys[1].Seq != 3 || keys[1].Kind != ikey.KindTombstone {
		t.Fatalf("expected the snapshot-visible tombstone second, got %+v", keys[1])
	}
}

func TestRunRollsOutputOnSize(t *testing.T) {
	dir := t.TempDir()
	var entries []ikey.Key
	var values []string
	bigValue := make([]byte, 1024)
	for i := 0; i < 50; i++ {
		entries = append(entries, ikey.Make([]byte(fmt.Sprintf("key-%03d", i)), uint64(i+1), ikey.KindValue))
		values = append(values, string(bigValue))
	}
	r1 := buildInput(t, dir, 1, entries, values)
	defer r1.Close()

	task := &Task{Level: 0, OutputLevel: 1}
	next := uint64(100)
	nextFileNumber := func() uint64 { n := next; next++; return n }

	result, err := Run(task, []*sstable.Reader{r1}, nextFileNumber, 0, RunOptions{Dir: dir, SSTableSize: 8 << 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Added) < 2 {
		t.Fatalf("expected output to roll into multiple files, got %d", len(result.Added))
	}

	total := 0
	for _, p := range result.Paths {
		out, err := sstable.Open(p, nil)
		if err != nil {
			t.Fatalf("Open %s: %v", p, err)
		}
		total += len(readAll(t, out))
		out.Close()
	}
	if total != len(entries) {
		t.Fatalf("expected %d total entries across rolled files, got %d", len(entries), total)
	}
}
