package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/record"
)

const currentFileName = "CURRENT"

var manifestFilePattern = regexp.MustCompile(`^MANIFEST-(\d{6,})$`)

func manifestFileName(number uint64) string { return fmt.Sprintf("MANIFEST-%06d", number) }

// VersionSet owns the manifest log and the single current Version,
// providing copy-on-write swaps under a mutex (spec.md §4.10/§5 "Version
// / VersionSet: copy-on-write; readers snapshot the current Version
// pointer").
type VersionSet struct {
	dir       string
	maxLevels int

	mu             sync.RWMutex
	current        *Version
	manifestNumber uint64
	w              *record.Writer
	file           *os.File
	editCount      int

	rotationEdits int // manifest_rotation_edits; rewrite once reached
}

// Open implements spec.md §4.10's open protocol: read CURRENT, replay
// the manifest, open a fresh one if none exists.
func Open(dir string, maxLevels int, rotationEdits int) (*VersionSet, error) {
	if rotationEdits <= 0 {
		rotationEdits = 10000 // default manifest_rotation_edits
	}
	vs := &VersionSet{dir: dir, maxLevels: maxLevels, rotationEdits: rotationEdits}

	currentPath := filepath.Join(dir, currentFileName)
	data, err := os.ReadFile(currentPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "manifest: read CURRENT")
		}
		// Fresh database: start MANIFEST-000001 with an empty Version.
		vs.current = NewVersion(maxLevels)
		vs.manifestNumber = 1
		if err := vs.createManifest(vs.manifestNumber); err != nil {
			return nil, err
		}
		if err := vs.writeCurrent(vs.manifestNumber); err != nil {
			return nil, err
		}
		return vs, nil
	}

	name := trimNewline(data)
	m := manifestFilePattern.FindStringSubmatch(name)
	if m == nil {
		return nil, errors.Errorf("manifest: CURRENT points at unparseable manifest name %q", name)
	}
	number, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "manifest: parse manifest number")
	}

	v := NewVersion(maxLevels)
	path := filepath.Join(dir, name)
	if err := replayInto(path, v); err != nil {
		return nil, err
	}

	vs.current = v
	vs.manifestNumber = number
	if err := vs.openManifestForAppend(number); err != nil {
		return nil, err
	}
	return vs, nil
}

func replayInto(path string, v *Version) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "manifest: open manifest for replay")
	}
	defer f.Close()

	r := record.NewReader(f)
	for {
		payload, err := r.Next()
		if err != nil {
			break // clean EOF or first corruption: stop, keep what's folded so far
		}
		edit, err := Decode(payload)
		if err != nil {
			break
		}
		v.Apply(edit)
	}
	return nil
}

func (vs *VersionSet) createManifest(number uint64) error {
	path := filepath.Join(vs.dir, manifestFileName(number))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "manifest: create manifest file")
	}
	vs.file = f
	vs.w = record.NewWriter(f, 0)
	vs.editCount = 0
	return nil
}

func (vs *VersionSet) openManifestForAppend(number uint64) error {
	path := filepath.Join(vs.dir, manifestFileName(number))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "manifest: open manifest for append")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "manifest: stat manifest for append")
	}
	vs.file = f
	vs.w = record.NewWriter(f, info.Size())
	return nil
}

func (vs *VersionSet) writeCurrent(number uint64) error {
	tmp := filepath.Join(vs.dir, currentFileName+".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, []byte(manifestFileName(number)), 0644); err != nil {
		return errors.Wrap(err, "manifest: write CURRENT tmp")
	}
	if err := os.Rename(tmp, filepath.Join(vs.dir, currentFileName)); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "manifest: rename CURRENT")
	}
	dir, err := os.Open(vs.dir)
	if err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Current returns the current Version. Callers must not mutate it.
func (vs *VersionSet) Current() *Version {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.current
}

// NextFileNumber allocates a file number by bumping the current
// Version's in-memory counter; the bump becomes durable only when a later
// committed Edit records it through SetNextFileNumber.
func (vs *VersionSet) NextFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	n := vs.current.NextFileNumber
	vs.current.NextFileNumber++
	return n
}

// LastSequence returns the durably recorded last sequence.
func (vs *VersionSet) LastSequence() uint64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.current.LastSequence
}

// LogAndApply appends edit to the manifest, fsyncs it, then installs a
// new Version built by cloning the current one and applying edit
// (spec.md §4.10 "Edit protocol", §4.9 commit-protocol step 3/4).
func (vs *VersionSet) LogAndApply(edit *Edit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	payload := edit.Encode()
	if err := vs.w.Append(payload); err != nil {
		return errors.Wrap(err, "manifest: append edit")
	}
	if err := vs.w.Sync(); err != nil {
		return errors.Wrap(err, "manifest: sync edit")
	}

	nv := vs.current.Clone()
	nv.Apply(edit)
	vs.current = nv
	vs.editCount++

	if vs.rotationEdits > 0 && vs.editCount >= vs.rotationEdits {
		if err := vs.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

// rotateLocked rewrites the manifest as a single snapshot of the current
// Version's live files, then atomically repoints CURRENT (spec.md §9
// Open Question 4). Caller must hold vs.mu.
func (vs *VersionSet) rotateLocked() error {
	newNumber := vs.manifestNumber + 1
	path := filepath.Join(vs.dir, manifestFileName(newNumber))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "manifest: create rotated manifest")
	}
	w := record.NewWriter(f, 0)

	snapshot := &Edit{}
	for level, files := range vs.current.Levels {
		for _, file := range files {
			snapshot.AddFile(level, file)
		}
	}
	snapshot.SetNextFileNumber(vs.current.NextFileNumber)
	snapshot.SetLastSequence(vs.current.LastSequence)

	if err := w.Append(snapshot.Encode()); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrap(err, "manifest: write snapshot edit")
	}
	if err := w.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrap(err, "manifest: sync rotated manifest")
	}

	oldFile, oldNumber := vs.file, vs.manifestNumber
	vs.file = f
	vs.w = w
	vs.manifestNumber = newNumber
	vs.editCount = 0

	if err := vs.writeCurrent(newNumber); err != nil {
		return err
	}
	if oldFile != nil {
		oldFile.Close()
	}
	os.Remove(filepath.Join(vs.dir, manifestFileName(oldNumber)))
	return nil
}

// Close flushes and closes the manifest file.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.w == nil {
		return nil
	}
	if err := vs.w.Sync(); err != nil {
		return err
	}
	return vs.file.Close()
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
