// Package sstable implements the on-disk sorted file format (spec.md
// §4.3–§4.5, C4–C7): prefix-compressed blocks with restart points, a
// Bloom filter meta block, a builder that assembles data/meta/index
// blocks behind a fixed footer, and a reader with block-cache-backed
// lookups and an iterator for compaction/scan.
//
// Grounded on return2faye/SiltKV's internal/sstable/block.go (sparse
// first-key index, binary search over block boundaries) and sstable.go
// (Writer/Reader/Iterator shape), generalized from SiltKV's flat
// length-prefixed record stream — no blocks, no restart points, no
// footer — to spec.md's full block/footer layout, which is the largest
// single expansion over the teacher in this repository.
package sstable

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/record"
)

// CompressionType selects the block body compressor (spec.md §4.3/§6).
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
)

// DefaultRestartInterval is the default number of entries between block
// restart points for data blocks (spec.md §4.3).
const DefaultRestartInterval = 16

// IndexRestartInterval forces a restart point at every entry in index
// blocks, matching spec.md §4.3's "1 for index blocks".
const IndexRestartInterval = 1

// blockTrailerSize is the compression_type(1) + crc32(4) trailer appended
// after every block body on disk (spec.md §6).
const blockTrailerSize = 5

// blockBuilder assembles one block's worth of sorted entries, emitting
// shared-prefix-compressed records and periodic restart points. cmp
// determines key order for the out-of-order check; it must match the
// ordering the reader's SeekGE uses for the same block (InternalKey
// order for data/index blocks, plain byte order for the meta-index
// block, whose keys are meta-block names rather than encoded keys).
type blockBuilder struct {
	restartInterval int
	cmp             func(a, b []byte) int
	buf             []byte
	restarts        []uint32
	counter         int
	lastKey         []byte
	entries         int
}

func newBlockBuilder(restartInterval int) *blockBuilder {
	return &blockBuilder{restartInterval: restartInterval, restarts: []uint32{0}, cmp: bytesCompare}
}

func newInternalKeyBlockBuilder(restartInterval int) *blockBuilder {
	return &blockBuilder{restartInterval: restartInterval, restarts: []uint32{0}, cmp: internalKeyCompare}
}

// Add appends key/value. key must be strictly greater than the previous
// key added (spec.md §4.3 "the builder fails on an out-of-order key").
func (b *blockBuilder) Add(key, value []byte) error {
	if b.entries > 0 && b.cmp(key, b.lastKey) <= 0 {
		return errors.Errorf("sstable: out-of-order key in block: %q <= %q", key, b.lastKey)
	}

	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLen(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}
	unshared := key[shared:]

	var hdr [binary.MaxVarintLen32 * 3]byte
	n := binary.PutUvarint(hdr[0:], uint64(shared))
	n += binary.PutUvarint(hdr[n:], uint64(len(unshared)))
	n += binary.PutUvarint(hdr[n:], uint64(len(value)))
	b.buf = append(b.buf, hdr[:n]...)
	b.buf = append(b.buf, unshared...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
	b.entries++
	return nil
}

func (b *blockBuilder) Empty() bool { return b.entries == 0 }

// EstimatedSize returns the projected on-disk size, used to decide when
// to roll a new block (spec.md §4.5 "pending block size crosses
// block_size").
func (b *blockBuilder) EstimatedSize() int {
	return len(b.buf) + len(b.restarts)*4 + 4
}

// Finish serializes the block body (entries + restart trailer).
func (b *blockBuilder) Finish() []byte {
	out := append([]byte(nil), b.buf...)
	for _, r := range b.restarts {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], r)
		out = append(out, tmp[:]...)
	}
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(b.restarts)))
	out = append(out, count[:]...)
	return out
}

func (b *blockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = []uint32{0}
	b.counter = 0
	b.lastKey = nil
	b.entries = 0
}

// writeBlock compresses (if requested), appends the trailer, and writes
// the finished block to w, returning its BlockHandle.
func writeBlock(w *countingWriter, body []byte, compression CompressionType) (BlockHandle, error) {
	offset := w.offset
	payload := body
	actualCompression := compression
	if compression == CompressionSnappy {
		payload = snappy.Encode(nil, body)
	}

	sum := crc32.NewIEEE()
	sum.Write(payload)
	sum.Write([]byte{byte(actualCompression)})

	if _, err := w.Write(payload); err != nil {
		return BlockHandle{}, err
	}
	trailer := make([]byte, blockTrailerSize)
	trailer[0] = byte(actualCompression)
	binary.LittleEndian.PutUint32(trailer[1:5], sum.Sum32())
	if _, err := w.Write(trailer); err != nil {
		return BlockHandle{}, err
	}

	return BlockHandle{Offset: offset, Size: uint64(len(payload))}, nil
}

// readBlock reads and validates the block at handle from r, returning the
// decompressed block body. Corruption (bad CRC) is surfaced, never
// silently skipped (spec.md §7).
func readBlock(r readerAt, handle BlockHandle) ([]byte, error) {
	total := int(handle.Size) + blockTrailerSize
	buf := make([]byte, total)
	if _, err := r.ReadAt(buf, int64(handle.Offset)); err != nil {
		return nil, errors.Wrap(err, "sstable: read block")
	}

	payload := buf[:handle.Size]
	trailer := buf[handle.Size:]
	compression := CompressionType(trailer[0])
	wantSum := binary.LittleEndian.Uint32(trailer[1:5])

	sum := crc32.NewIEEE()
	sum.Write(payload)
	sum.Write([]byte{byte(compression)})
	if sum.Sum32() != wantSum {
		return nil, errors.Wrap(record.ErrCorruption, "sstable: block checksum mismatch")
	}

	switch compression {
	case CompressionNone:
		return append([]byte(nil), payload...), nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, errors.Wrap(record.ErrCorruption, "sstable: snappy decode failed")
		}
		return out, nil
	default:
		return nil, errors.Wrapf(record.ErrCorruption, "sstable: unknown compression type %d", compression)
	}
}

type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// blockEntry is one decoded (key, value) pair from a block, used by
// blockIter.
type blockEntry struct {
	key   []byte
	value []byte
}

// blockIter iterates a decoded block body in key order, expanding shared
// prefixes against the most recent restart point.
type blockIter struct {
	data     []byte
	restarts []uint32
	cmp      func(a, b []byte) int
	pos      int
	key      []byte
	value    []byte
	valid    bool
}

func newBlockIter(body []byte) (*blockIter, error) {
	return newBlockIterWithCompare(body, bytesCompare)
}

func newInternalKeyBlockIter(body []byte) (*blockIter, error) {
	return newBlockIterWithCompare(body, internalKeyCompare)
}

func newBlockIterWithCompare(body []byte, cmp func(a, b []byte) int) (*blockIter, error) {
	if len(body) < 4 {
		return nil, errors.Wrap(record.ErrCorruption, "sstable: block too small for trailer")
	}
	numRestarts := binary.LittleEndian.Uint32(body[len(body)-4:])
	trailerLen := 4 + int(numRestarts)*4
	if trailerLen > len(body) {
		return nil, errors.Wrap(record.ErrCorruption, "sstable: invalid restart count")
	}
	restarts := make([]uint32, numRestarts)
	restartBytes := body[len(body)-trailerLen : len(body)-4]
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(restartBytes[i*4 : i*4+4])
	}
	return &blockIter{data: body[:len(body)-trailerLen], restarts: restarts, cmp: cmp}, nil
}

func (it *blockIter) SeekToFirst() error {
	it.pos = 0
	it.key = nil
	return it.decodeAt(0)
}

func (it *blockIter) Valid() bool   { return it.valid }
func (it *blockIter) Key() []byte   { return it.key }
func (it *blockIter) Value() []byte { return it.value }

func (it *blockIter) Next() error {
	if !it.valid {
		return nil
	}
	return it.decodeAt(it.pos)
}

func (it *blockIter) decodeAt(pos int) error {
	if pos >= len(it.data) {
		it.valid = false
		return nil
	}
	shared, n1 := binary.Uvarint(it.data[pos:])
	if n1 <= 0 {
		return errors.Wrap(record.ErrCorruption, "sstable: bad varint (shared)")
	}
	pos += n1
	unsharedLen, n2 := binary.Uvarint(it.data[pos:])
	if n2 <= 0 {
		return errors.Wrap(record.ErrCorruption, "sstable: bad varint (unshared)")
	}
	pos += n2
	valueLen, n3 := binary.Uvarint(it.data[pos:])
	if n3 <= 0 {
		return errors.Wrap(record.ErrCorruption, "sstable: bad varint (value)")
	}
	pos += n3

	if uint64(pos)+unsharedLen+valueLen > uint64(len(it.data)) {
		return errors.Wrap(record.ErrCorruption, "sstable: truncated block entry")
	}
	unshared := it.data[pos : pos+int(unsharedLen)]
	pos += int(unsharedLen)
	value := it.data[pos : pos+int(valueLen)]
	pos += int(valueLen)

	if uint64(len(it.key)) < shared {
		return errors.Wrap(record.ErrCorruption, "sstable: shared prefix exceeds previous key")
	}
	newKey := make([]byte, 0, shared+uint64(len(unshared)))
	newKey = append(newKey, it.key[:shared]...)
	newKey = append(newKey, unshared...)

	it.key = newKey
	it.value = value
	it.pos = pos
	it.valid = true
	return nil
}

// SeekToRestart decodes entries linearly from restart point idx, used by
// binary search within a block.
func (it *blockIter) SeekToRestart(idx int) error {
	if idx < 0 || idx >= len(it.restarts) {
		it.valid = false
		return nil
	}
	it.key = nil
	return it.decodeAt(int(it.restarts[idx]))
}

// SeekGE positions the iterator at the first entry >= target within the
// block, combining a binary search over restart points with a linear
// scan within the winning restart group (spec.md §4.3).
func (it *blockIter) SeekGE(target []byte) error {
	left, right := 0, len(it.restarts)-1
	for left < right {
		mid := (left + right + 1) / 2
		if err := it.SeekToRestart(mid); err != nil {
			return err
		}
		if !it.valid {
			right = mid - 1
			continue
		}
		if it.cmp(it.key, target) <= 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}
	if err := it.SeekToRestart(left); err != nil {
		return err
	}
	for it.valid && it.cmp(it.key, target) < 0 {
		if err := it.Next(); err != nil {
			return err
		}
	}
	return nil
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// bytesCompare orders plain byte strings (meta-index block names). It is
// not used for InternalKey-encoded entries: see internalKeyCompare.
func bytesCompare(a, b []byte) int {
	return ikey.UserKeyCompare(a, b)
}

// internalKeyCompare orders two InternalKey-encoded byte strings by
// decoding them first. A raw bytewise comparison of the encoded form is
// not equivalent to InternalKey order when one user key is a proper
// prefix of another, since the trailer bytes of the shorter key would be
// compared against user-key bytes of the longer one.
func internalKeyCompare(a, b []byte) int {
	ka, okA := ikey.Decode(a)
	kb, okB := ikey.Decode(b)
	if !okA || !okB {
		return ikey.UserKeyCompare(a, b)
	}
	return ikey.Compare(ka, kb)
}

// countingWriter wraps an io.Writer (typically *os.File) and tracks the
// current write offset, used by the builder to record BlockHandles.
type countingWriter struct {
	w      interface{ Write([]byte) (int, error) }
	offset uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.offset += uint64(n)
	return n, err
}
