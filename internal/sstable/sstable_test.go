package sstable

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/genuineh/aidb/internal/cache"
	"github.com/genuineh/aidb/internal/ikey"
)

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func buildTable(t *testing.T, dir string, number uint64, n int) *Info {
	t.Helper()
	b, err := NewBuilder(dir, number, BuilderOptions{
		BlockSize:         256,
		Compression:       CompressionSnappy,
		EnableBloomFilter: true,
		BloomBitsPerKey:   10,
		EstimatedKeys:     n,
	})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	for i := 0; i < n; i++ {
		key := ikey.Make([]byte(fmt.Sprintf("key-%05d", i)), uint64(i+1), ikey.KindValue)
		if err := b.Add(key, []byte(fmt.Sprintf("value-%05d", i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	info, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if info == nil {
		t.Fatal("Finish returned nil Info for non-empty builder")
	}
	return info
}

func TestBuilderAndReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	buildTable(t, dir, 1, 200)

	r, err := Open(filepath.Join(dir, FileName(1)), cache.New(1<<20))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if !r.HasBloom() {
		t.Fatal("expected bloom filter present")
	}
	if r.FileNumber() != 1 {
		t.Fatalf("FileNumber = %d, want 1", r.FileNumber())
	}

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%05d", i)
		value, found, tombstone, err := r.Get([]byte(key), uint64(i+1))
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if tombstone {
			t.Fatalf("Get(%s): unexpected tombstone", key)
		}
		if !found || string(value) != fmt.Sprintf("value-%05d", i) {
			t.Fatalf("Get(%s) = (%q, %v), want value-%05d", key, value, found, i)
		}
	}

	if _, found, _, err := r.Get([]byte("missing-key"), 1000); err != nil || found {
		t.Fatalf("Get(missing) = found=%v err=%v", found, err)
	}
}

func TestBuilderAbandonsEmptyTable(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuilder(dir, 1, BuilderOptions{})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	info, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if info != nil {
		t.Fatal("expected nil Info for empty builder")
	}
}

func TestIteratorOrder(t *testing.T) {
	dir := t.TempDir()
	buildTable(t, dir, 1, 50)

	r, err := Open(filepath.Join(dir, FileName(1)), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	it := r.NewIterator()
	if err := it.SeekToFirst(); err != nil {
		t.Fatalf("SeekToFirst: %v", err)
	}
	count := 0
	var prev []byte
	for it.Valid() {
		if prev != nil && ikey.UserKeyCompare(prev, it.Key()) >= 0 {
			t.Fatalf("keys out of order at entry %d", count)
		}
		prev = append([]byte(nil), it.Key()...)
		count++
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if count != 50 {
		t.Fatalf("count = %d, want 50", count)
	}
}

func TestUnparseableFileNameRejected(t *testing.T) {
	dir := t.TempDir()
	buildTable(t, dir, 1, 5)
	bad := filepath.Join(dir, "not-a-number.sst")
	if err := copyFile(filepath.Join(dir, FileName(1)), bad); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	if _, err := Open(bad, nil); err == nil {
		t.Fatal("expected error opening unparseable filename")
	}
}
