// Package manifest implements the durable version set (spec.md §4.10
// C12): VersionEdit encode/decode over the record codec, a Version
// holding the per-level file metadata, and a VersionSet that owns the
// manifest log, the CURRENT pointer file, open-time replay, and
// periodic rotation.
//
// Grounded on return2faye/SiltKV's internal/lsm/manifest.go
// (loadManifest/appendToManifest/rewriteManifest, temp-file+rename
// atomic swap), generalized from SiltKV's plain-text one-path-per-line,
// flat (no levels) format to spec.md's binary record-framed VersionEdit
// log over a leveled Version.
package manifest

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/record"
)

type editTag uint8

const (
	tagAddFile           editTag = 1
	tagDeleteFile        editTag = 2
	tagSetNextFileNumber editTag = 3
	tagSetLastSequence   editTag = 4
)

// FileMetadata describes one live SSTable as tracked by a Version.
type FileMetadata struct {
	Level      int
	FileNumber uint64
	FileSize   uint64
	Smallest   ikey.Key
	Largest    ikey.Key
}

type deletedFile struct {
	Level      int
	FileNumber uint64
}

// Edit is a batch of changes applied atomically to produce a new
// Version (spec.md "VersionEdit"). The compaction commit protocol packs
// every AddFile/DeleteFile for one compaction into a single Edit.
type Edit struct {
	AddedFiles      []FileMetadata
	DeletedFiles    []deletedFile
	NextFileNumber  *uint64
	LastSequence    *uint64
}

// AddFile appends an AddFile entry to the edit.
func (e *Edit) AddFile(level int, m FileMetadata) {
	m.Level = level
	e.AddedFiles = append(e.AddedFiles, m)
}

// DeleteFile appends a DeleteFile entry to the edit.
func (e *Edit) DeleteFile(level int, fileNumber uint64) {
	e.DeletedFiles = append(e.DeletedFiles, deletedFile{Level: level, FileNumber: fileNumber})
}

// SetNextFileNumber records the next file number to allocate.
func (e *Edit) SetNextFileNumber(n uint64) { e.NextFileNumber = &n }

// SetLastSequence records the highest sequence durably known at this
// point in the log.
func (e *Edit) SetLastSequence(n uint64) { e.LastSequence = &n }

// Encode serializes the edit for appending to the manifest log.
func (e *Edit) Encode() []byte {
	var buf []byte
	buf = appendUvarint(buf, uint64(len(e.AddedFiles)))
	for _, f := range e.AddedFiles {
		buf = append(buf, byte(tagAddFile))
		buf = appendUvarint(buf, uint64(f.Level))
		buf = appendUvarint(buf, f.FileNumber)
		buf = appendUvarint(buf, f.FileSize)
		buf = appendKey(buf, f.Smallest)
		buf = appendKey(buf, f.Largest)
	}
	buf = appendUvarint(buf, uint64(len(e.DeletedFiles)))
	for _, d := range e.DeletedFiles {
		buf = append(buf, byte(tagDeleteFile))
		buf = appendUvarint(buf, uint64(d.Level))
		buf = appendUvarint(buf, d.FileNumber)
	}
	if e.NextFileNumber != nil {
		buf = append(buf, byte(tagSetNextFileNumber))
		buf = appendUvarint(buf, *e.NextFileNumber)
	}
	if e.LastSequence != nil {
		buf = append(buf, byte(tagSetLastSequence))
		buf = appendUvarint(buf, *e.LastSequence)
	}
	return buf
}

// Decode parses the Encode format, wrapping malformed input in
// record.ErrCorruption so callers treat it the same as any other
// replay-time corruption.
func Decode(buf []byte) (*Edit, error) {
	e := &Edit{}
	pos := 0

	nAdded, n, err := readUvarint(buf, pos)
	if err != nil {
		return nil, err
	}
	pos = n
	for i := uint64(0); i < nAdded; i++ {
		if pos >= len(buf) || editTag(buf[pos]) != tagAddFile {
			return nil, errors.Wrap(record.ErrCorruption, "manifest: expected AddFile tag")
		}
		pos++
		var f FileMetadata
		var level, fileSize uint64
		if level, pos, err = readUvarintAt(buf, pos); err != nil {
			return nil, err
		}
		f.Level = int(level)
		if f.FileNumber, pos, err = readUvarintAt(buf, pos); err != nil {
			return nil, err
		}
		if fileSize, pos, err = readUvarintAt(buf, pos); err != nil {
			return nil, err
		}
		f.FileSize = fileSize
		if f.Smallest, pos, err = readKey(buf, pos); err != nil {
			return nil, err
		}
		if f.Largest, pos, err = readKey(buf, pos); err != nil {
			return nil, err
		}
		e.AddedFiles = append(e.AddedFiles, f)
	}

	nDeleted, pos2, err := readUvarintAt(buf, pos)
	if err != nil {
		return nil, err
	}
	pos = pos2
	for i := uint64(0); i < nDeleted; i++ {
		if pos >= len(buf) || editTag(buf[pos]) != tagDeleteFile {
			return nil, errors.Wrap(record.ErrCorruption, "manifest: expected DeleteFile tag")
		}
		pos++
		var d deletedFile
		var level uint64
		if level, pos, err = readUvarintAt(buf, pos); err != nil {
			return nil, err
		}
		d.Level = int(level)
		if d.FileNumber, pos, err = readUvarintAt(buf, pos); err != nil {
			return nil, err
		}
		e.DeletedFiles = append(e.DeletedFiles, d)
	}

	for pos < len(buf) {
		tag := editTag(buf[pos])
		pos++
		switch tag {
		case tagSetNextFileNumber:
			var v uint64
			if v, pos, err = readUvarintAt(buf, pos); err != nil {
				return nil, err
			}
			e.NextFileNumber = &v
		case tagSetLastSequence:
			var v uint64
			if v, pos, err = readUvarintAt(buf, pos); err != nil {
				return nil, err
			}
			e.LastSequence = &v
		default:
			return nil, errors.Wrapf(record.ErrCorruption, "manifest: unknown edit tag %d", tag)
		}
	}
	return e, nil
}

func appendUvarint(dst []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

func readUvarint(buf []byte, pos int) (uint64, int, error) {
	v, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return 0, 0, errors.Wrap(record.ErrCorruption, "manifest: bad varint")
	}
	return v, pos + n, nil
}

func readUvarintAt(buf []byte, pos int) (uint64, int, error) {
	return readUvarint(buf, pos)
}

func appendKey(dst []byte, k ikey.Key) []byte {
	enc := ikey.Encode(k)
	dst = appendUvarint(dst, uint64(len(enc)))
	return append(dst, enc...)
}

func readKey(buf []byte, pos int) (ikey.Key, int, error) {
	n, pos, err := readUvarintAt(buf, pos)
	if err != nil {
		return ikey.Key{}, pos, err
	}
	if pos+int(n) > len(buf) {
		return ikey.Key{}, pos, errors.Wrap(record.ErrCorruption, "manifest: truncated key")
	}
	enc := buf[pos : pos+int(n)]
	k, ok := ikey.Decode(enc)
	if !ok {
		return ikey.Key{}, pos, errors.Wrap(record.ErrCorruption, "manifest: unparseable key")
	}
	return ikey.Key{UserKey: append([]byte(nil), k.UserKey...), Seq: k.Seq, Kind: k.Kind}, pos + int(n), nil
}
