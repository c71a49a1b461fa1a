// Package walog implements the write-ahead log (spec.md §4.1 C2): an
// append-only, numbered ".log" file of record-framed user operations,
// replayed on open to reconstruct any memtable state not yet flushed.
//
// Grounded on return2faye/SiltKV's internal/wal (buffered append,
// explicit Sync, fault-tolerant Load-with-skip) generalized from SiltKV's
// fixed key/value record shape onto the generic record.Writer/Reader
// fragment codec so the same framing serves both single ops and batches.
package walog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/record"
)

// OpTag distinguishes a put from a delete inside a WAL payload.
type OpTag uint8

const (
	OpPut OpTag = 1
	OpDelete OpTag = 2
)

// Op is a single mutation carried by a WAL payload, already assigned its
// commit sequence number.
type Op struct {
	Tag   OpTag
	Seq   uint64
	Key   []byte
	Value []byte // unused for OpDelete
}

var filenamePattern = regexp.MustCompile(`^(\d{6,})\.log$`)

// FileName renders the canonical zero-padded WAL filename for number.
func FileName(number uint64) string {
	return fmt.Sprintf("%06d.log", number)
}

// ParseNumber extracts the file number from a WAL filename, returning
// false if the name doesn't match the "NNNNNN.log" pattern.
func ParseNumber(name string) (uint64, bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Newest scans dir for ".log" files and returns the highest-numbered one,
// or ok=false if none exist (spec.md §4.1 "Open scans the directory and
// selects the highest-numbered .log to recover from").
func Newest(dir string) (number uint64, path string, ok bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, "", false, err
	}
	best := uint64(0)
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, matched := ParseNumber(e.Name())
		if !matched {
			continue
		}
		if !found || n > best {
			best = n
			found = true
		}
	}
	if !found {
		return 0, "", false, nil
	}
	return best, filepath.Join(dir, FileName(best)), true, nil
}

// Writer appends encoded Ops to a numbered WAL file.
type Writer struct {
	file   *os.File
	rw     *record.Writer
	Number uint64
	Path   string
}

// Create opens (or creates) the WAL file numbered number in dir for append.
func Create(dir string, number uint64) (*Writer, error) {
	path := filepath.Join(dir, FileName(number))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "walog: create")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{file: f, rw: record.NewWriter(f, info.Size()), Number: number, Path: path}, nil
}

// Remove deletes the WAL segment numbered number from dir, used once its
// data is durably captured in a flushed SSTable (spec.md §4.9 "delete
// old log file"). A missing file is not an error.
func Remove(dir string, number uint64) error {
	err := os.Remove(filepath.Join(dir, FileName(number)))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "walog: remove")
	}
	return nil
}

// EncodeBatch serializes an ordered group of Ops into a single logical WAL
// payload: count(u32 LE) then per-op tag|seq|klen|key[|vlen|val].
// A single Put/Delete is simply a batch of one, per spec.md §3's "the DB
// is free to reuse the same payload encoding for single writes and for
// batch writes".
func EncodeBatch(ops []Op) []byte {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(ops)))
	buf.Write(hdr[:])

	var scratch [8]byte
	for _, op := range ops {
		buf.WriteByte(byte(op.Tag))
		binary.LittleEndian.PutUint64(scratch[:8], op.Seq)
		buf.Write(scratch[:8])

		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(op.Key)))
		buf.Write(scratch[:4])
		buf.Write(op.Key)

		if op.Tag == OpPut {
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(op.Value)))
			buf.Write(scratch[:4])
			buf.Write(op.Value)
		}
	}
	return buf.Bytes()
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(payload []byte) ([]Op, error) {
	if len(payload) < 4 {
		return nil, errors.Wrap(record.ErrCorruption, "walog: truncated batch header")
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	payload = payload[4:]

	ops := make([]Op, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(payload) < 1+8+4 {
			return nil, errors.Wrap(record.ErrCorruption, "walog: truncated op header")
		}
		tag := OpTag(payload[0])
		seq := binary.LittleEndian.Uint64(payload[1:9])
		klen := binary.LittleEndian.Uint32(payload[9:13])
		payload = payload[13:]
		if uint64(len(payload)) < uint64(klen) {
			return nil, errors.Wrap(record.ErrCorruption, "walog: truncated key")
		}
		key := payload[:klen]
		payload = payload[klen:]

		op := Op{Tag: tag, Seq: seq, Key: key}
		if tag == OpPut {
			if len(payload) < 4 {
				return nil, errors.Wrap(record.ErrCorruption, "walog: truncated value length")
			}
			vlen := binary.LittleEndian.Uint32(payload[0:4])
			payload = payload[4:]
			if uint64(len(payload)) < uint64(vlen) {
				return nil, errors.Wrap(record.ErrCorruption, "walog: truncated value")
			}
			op.Value = payload[:vlen]
			payload = payload[vlen:]
		} else if tag != OpDelete {
			return nil, errors.Wrapf(record.ErrCorruption, "walog: unknown op tag %d", tag)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Append writes one logical WAL record containing ops.
func (w *Writer) Append(ops []Op) error {
	return w.rw.Append(EncodeBatch(ops))
}

// Size reports the WAL file's current size for rotation heuristics.
func (w *Writer) Size() int64 { return w.rw.Size() }

// Sync flushes and fsyncs the WAL file.
func (w *Writer) Sync() error { return w.rw.Sync() }

// Close closes the underlying file without an implicit sync; callers that
// need durability must Sync first.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReplayResult summarizes a WAL replay pass.
type ReplayResult struct {
	BatchesApplied int
	LastSeq        uint64 // highest sequence number observed, 0 if none
}

// Replay reads path from the start, applying each recovered batch via
// apply, and stops at end-of-file or the first corruption — corrupted
// trailing bytes are silently dropped per spec.md §4.1, consistent with
// crash-truncation semantics.
func Replay(path string, apply func(ops []Op)) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ReplayResult{}, nil
		}
		return ReplayResult{}, err
	}
	defer f.Close()

	r := record.NewReader(f)
	var result ReplayResult
	for {
		payload, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Corruption terminates replay; everything recovered so far stands.
			break
		}
		ops, err := DecodeBatch(payload)
		if err != nil {
			break
		}
		apply(ops)
		result.BatchesApplied++
		for _, op := range ops {
			if op.Seq > result.LastSeq {
				result.LastSeq = op.Seq
			}
		}
	}
	return result, nil
}
