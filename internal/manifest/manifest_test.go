package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/genuineh/aidb/internal/ikey"
)

func TestEditEncodeDecodeRoundTrip(t *testing.T) {
	e := &Edit{}
	e.AddFile(0, FileMetadata{
		FileNumber: 7,
		FileSize:   1024,
		Smallest:   ikey.Make([]byte("a"), 1, ikey.KindValue),
		Largest:    ikey.Make([]byte("z"), 2, ikey.KindValue),
	})
	e.DeleteFile(1, 3)
	e.SetNextFileNumber(8)
	e.SetLastSequence(42)

	dec, err := Decode(e.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(dec.AddedFiles) != 1 || dec.AddedFiles[0].FileNumber != 7 || dec.AddedFiles[0].FileSize != 1024 {
		t.Fatalf("AddedFiles = %+v", dec.AddedFiles)
	}
	if string(dec.AddedFiles[0].Smallest.UserKey) != "a" || string(dec.AddedFiles[0].Largest.UserKey) != "z" {
		t.Fatalf("AddedFiles keys = %+v", dec.AddedFiles[0])
	}
	if len(dec.DeletedFiles) != 1 || dec.DeletedFiles[0].Level != 1 || dec.DeletedFiles[0].FileNumber != 3 {
		t.Fatalf("DeletedFiles = %+v", dec.DeletedFiles)
	}
	if dec.NextFileNumber == nil || *dec.NextFileNumber != 8 {
		t.Fatalf("NextFileNumber = %v", dec.NextFileNumber)
	}
	if dec.LastSequence == nil || *dec.LastSequence != 42 {
		t.Fatalf("LastSequence = %v", dec.LastSequence)
	}
}

func TestVersionSetOpenFreshThenReopen(t *testing.T) {
	dir := t.TempDir()

	vs, err := Open(dir, 7, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	edit := &Edit{}
	edit.AddFile(0, FileMetadata{
		FileNumber: 1,
		FileSize:   100,
		Smallest:   ikey.Make([]byte("a"), 1, ikey.KindValue),
		Largest:    ikey.Make([]byte("b"), 1, ikey.KindValue),
	})
	edit.SetNextFileNumber(2)
	edit.SetLastSequence(1)
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	vs2, err := Open(dir, 7, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v := vs2.Current()
	if len(v.Levels[0]) != 1 || v.Levels[0][0].FileNumber != 1 {
		t.Fatalf("Levels[0] = %+v", v.Levels[0])
	}
	if v.NextFileNumber != 2 || v.LastSequence != 1 {
		t.Fatalf("NextFileNumber=%d LastSequence=%d", v.NextFileNumber, v.LastSequence)
	}
}

func TestVersionInsertKeepsL1Sorted(t *testing.T) {
	v := NewVersion(7)
	v.Apply(editAdding(FileMetadata{FileNumber: 3, Level: 1, Smallest: ikey.Make([]byte("m"), 1, ikey.KindValue), Largest: ikey.Make([]byte("n"), 1, ikey.KindValue)}))
	v.Apply(editAdding(FileMetadata{FileNumber: 1, Level: 1, Smallest: ikey.Make([]byte("a"), 1, ikey.KindValue), Largest: ikey.Make([]byte("b"), 1, ikey.KindValue)}))
	v.Apply(editAdding(FileMetadata{FileNumber: 2, Level: 1, Smallest: ikey.Make([]byte("g"), 1, ikey.KindValue), Largest: ikey.Make([]byte("h"), 1, ikey.KindValue)}))

	files := v.Levels[1]
	if len(files) != 3 || files[0].FileNumber != 1 || files[1].FileNumber != 2 || files[2].FileNumber != 3 {
		t.Fatalf("L1 not sorted by smallest key: %+v", files)
	}
}

func TestVersionSetRotatesManifest(t *testing.T) {
	dir := t.TempDir()
	vs, err := Open(dir, 7, 2) // rotate after 2 edits
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		e := &Edit{}
		e.AddFile(0, FileMetadata{FileNumber: i, Smallest: ikey.Make([]byte("a"), i, ikey.KindValue), Largest: ikey.Make([]byte("a"), i, ikey.KindValue)})
		if err := vs.LogAndApply(e); err != nil {
			t.Fatalf("LogAndApply %d: %v", i, err)
		}
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// After rotation the CURRENT pointer should reference a later
	// manifest than MANIFEST-000001, and reopening should still see all
	// three live files (rotation snapshots, it doesn't lose data).
	cur, err := filepathReadCurrent(dir)
	if err != nil {
		t.Fatalf("read CURRENT: %v", err)
	}
	if cur == "MANIFEST-000001" {
		t.Fatal("expected manifest to have rotated past the first file")
	}

	vs2, err := Open(dir, 7, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(vs2.Current().Levels[0]) != 3 {
		t.Fatalf("Levels[0] after rotation = %+v", vs2.Current().Levels[0])
	}
}

func editAdding(f FileMetadata) *Edit {
	e := &Edit{}
	e.AddedFiles = append(e.AddedFiles, f)
	return e
}

func filepathReadCurrent(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, currentFileName))
	if err != nil {
		return "", err
	}
	return trimNewline(data), nil
}
