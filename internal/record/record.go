// Package record implements the frame codec shared by the WAL and the
// manifest log (spec.md §4.1, §6): a CRC32-protected physical record
// header, with logical records larger than a fragment cap split across
// Full/First/Middle/Last physical records.
package record

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// Type tags a physical record's role in reassembling a logical record.
type Type uint8

const (
	Full Type = 1
	First Type = 2
	Middle Type = 3
	Last Type = 4
)

// HeaderSize is the fixed physical-record header: crc32(4) | length(2) | type(1).
const HeaderSize = 7

// MaxFragmentPayload bounds a single physical record's payload so that a
// logical record larger than this is fragmented across several physical
// records (spec.md §3 "≈32 KiB payload per fragment").
const MaxFragmentPayload = 32 * 1024

// ErrCorruption is wrapped by every checksum/type/truncation failure the
// reader surfaces; callers can match it with errors.Is.
var ErrCorruption = errors.New("record: corruption")

func (t Type) valid() bool { return t >= Full && t <= Last }

// Writer fragments and appends logical records to an underlying file,
// buffering writes and exposing an explicit Sync for durability.
type Writer struct {
	w       *bufio.Writer
	f       syncer
	size    int64
	hdrBuf  [HeaderSize]byte
}

type syncer interface {
	io.Writer
	Sync() error
}

// NewWriter wraps f (already positioned at the append point) in a Writer.
func NewWriter(f syncer, initialSize int64) *Writer {
	return &Writer{w: bufio.NewWriterSize(f, 64<<10), f: f, size: initialSize}
}

// Size returns the number of bytes appended (including already-flushed
// framing overhead), used by callers that decide WAL rotation on size.
func (w *Writer) Size() int64 { return w.size }

// Append fragments payload into one or more physical records and writes
// them to the buffer. It does not fsync; call Sync for durability.
func (w *Writer) Append(payload []byte) error {
	if len(payload) == 0 {
		return w.writeFragment(Full, payload)
	}
	first := true
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxFragmentPayload {
			n = MaxFragmentPayload
		}
		chunk := payload[:n]
		payload = payload[n:]

		var typ Type
		switch {
		case first && len(payload) == 0:
			typ = Full
		case first:
			typ = First
		case len(payload) == 0:
			typ = Last
		default:
			typ = Middle
		}
		first = false

		if err := w.writeFragment(typ, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeFragment(typ Type, payload []byte) error {
	if len(payload) > 0xFFFF {
		return errors.New("record: fragment exceeds u16 length")
	}
	sum := crc32.NewIEEE()
	sum.Write([]byte{byte(typ)})
	sum.Write(payload)

	binary.LittleEndian.PutUint32(w.hdrBuf[0:4], sum.Sum32())
	binary.LittleEndian.PutUint16(w.hdrBuf[4:6], uint16(len(payload)))
	w.hdrBuf[6] = byte(typ)

	if _, err := w.w.Write(w.hdrBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.w.Write(payload); err != nil {
			return err
		}
	}
	w.size += int64(HeaderSize + len(payload))
	return nil
}

// Sync flushes the buffer to the OS and fsyncs the underlying file.
func (w *Writer) Sync() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Flush pushes buffered bytes to the OS page cache without fsyncing.
func (w *Writer) Flush() error { return w.w.Flush() }

// Reader reassembles logical records from a stream of physical records,
// stopping at the first corruption and returning everything reassembled
// before it (spec.md §4.1).
type Reader struct {
	r      *bufio.Reader
	hdrBuf [HeaderSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next fully reassembled logical record, io.EOF at a
// clean end of stream, or an error wrapping ErrCorruption when a frame is
// malformed. A corruption error is terminal for this Reader: callers must
// stop replaying and keep whatever Next returned successfully so far.
func (r *Reader) Next() ([]byte, error) {
	var logical []byte
	for {
		n, err := io.ReadFull(r.r, r.hdrBuf[:])
		if err == io.EOF && n == 0 {
			if logical != nil {
				return nil, errors.Wrap(ErrCorruption, "truncated record: missing continuation fragment")
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.Wrap(ErrCorruption, "truncated record header")
		}

		wantSum := binary.LittleEndian.Uint32(r.hdrBuf[0:4])
		length := binary.LittleEndian.Uint16(r.hdrBuf[4:6])
		typ := Type(r.hdrBuf[6])
		if !typ.valid() {
			return nil, errors.Wrapf(ErrCorruption, "unknown record type %d", typ)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return nil, errors.Wrap(ErrCorruption, "truncated record payload")
		}

		sum := crc32.NewIEEE()
		sum.Write([]byte{byte(typ)})
		sum.Write(payload)
		if sum.Sum32() != wantSum {
			return nil, errors.Wrap(ErrCorruption, "checksum mismatch")
		}

		switch typ {
		case Full:
			if logical != nil {
				return nil, errors.Wrap(ErrCorruption, "unexpected Full fragment mid-record")
			}
			return payload, nil
		case First:
			if logical != nil {
				return nil, errors.Wrap(ErrCorruption, "unexpected First fragment mid-record")
			}
			logical = append([]byte(nil), payload...)
		case Middle:
			if logical == nil {
				return nil, errors.Wrap(ErrCorruption, "unexpected Middle fragment with no First")
			}
			logical = append(logical, payload...)
		case Last:
			if logical == nil {
				return nil, errors.Wrap(ErrCorruption, "unexpected Last fragment with no First")
			}
			logical = append(logical, payload...)
			return logical, nil
		}
	}
}
