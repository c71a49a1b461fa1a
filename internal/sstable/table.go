package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/ikey"
)

var filenamePattern = regexp.MustCompile(`^(\d{6,})\.sst$`)

// FileName renders the canonical zero-padded SSTable filename.
func FileName(number uint64) string { return fmt.Sprintf("%06d.sst", number) }

// ParseNumber extracts the file number from an SSTable filename. A file
// whose name doesn't parse is invalid and must be refused (spec.md §4.5,
// §9 "Identifier-by-filename").
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

// BuilderOptions configures a Builder; the compaction and flush callers
// derive these from the public Options (§6).
type BuilderOptions struct {
	BlockSize         int
	Compression       CompressionType
	EnableBloomFilter bool
	BloomBitsPerKey   int
	EstimatedKeys     int
}

// Builder assembles data blocks → meta (bloom) block → meta-index block →
// index block → footer, in strictly ascending InternalKey order
// (spec.md §4.5 C6).
//
// Grounded on return2faye/SiltKV's sstable.Writer, generalized from a
// flat length-prefixed stream to the full block/index/footer pipeline.
type Builder struct {
	opts       BuilderOptions
	path       string
	fileNumber uint64
	file       *os.File
	cw         *countingWriter

	dataBlock  *blockBuilder
	indexBlock *blockBuilder
	filter     *BloomFilter

	pendingIndexKey    []byte
	pendingIndexHandle BlockHandle
	havePendingIndex   bool

	smallest []byte
	largest  []byte
	count    int
}

// NewBuilder creates a builder targeting the SSTable numbered fileNumber
// in dir.
func NewBuilder(dir string, fileNumber uint64, opts BuilderOptions) (*Builder, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4 << 10
	}
	path := filepath.Join(dir, FileName(fileNumber))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "sstable: create builder file")
	}
	b := &Builder{
		opts:       opts,
		path:       path,
		fileNumber: fileNumber,
		file:       f,
		cw:         &countingWriter{w: f},
		dataBlock:  newInternalKeyBlockBuilder(DefaultRestartInterval),
		indexBlock: newInternalKeyBlockBuilder(IndexRestartInterval),
	}
	if opts.EnableBloomFilter {
		n := opts.EstimatedKeys
		if n <= 0 {
			n = 1024
		}
		b.filter = NewBloomFilterForBitsPerKey(n, opts.BloomBitsPerKey)
	}
	return b, nil
}

// Add appends one InternalKey/value entry. Keys must arrive in strictly
// ascending InternalKey order.
func (b *Builder) Add(key ikey.Key, value []byte) error {
	encKey := ikey.Encode(key)

	if b.havePendingIndex {
		if err := b.indexBlock.Add(b.pendingIndexKey, encodeHandle(b.pendingIndexHandle)); err != nil {
			return err
		}
		b.havePendingIndex = false
	}

	if err := b.dataBlock.Add(encKey, value); err != nil {
		return err
	}
	if b.filter != nil {
		b.filter.Add(key.UserKey)
	}
	if b.count == 0 {
		b.smallest = append([]byte(nil), encKey...)
	}
	b.largest = append(b.largest[:0], encKey...)
	b.count++

	if b.dataBlock.EstimatedSize() >= b.opts.BlockSize {
		return b.flushDataBlock()
	}
	return nil
}

func (b *Builder) flushDataBlock() error {
	if b.dataBlock.Empty() {
		return nil
	}
	body := b.dataBlock.Finish()
	handle, err := writeBlock(b.cw, body, b.opts.Compression)
	if err != nil {
		return err
	}
	b.pendingIndexKey = append([]byte(nil), b.largest...)
	b.pendingIndexHandle = handle
	b.havePendingIndex = true
	b.dataBlock.Reset()
	return nil
}

// EntryCount returns the number of entries added so far.
func (b *Builder) EntryCount() int { return b.count }

// Size returns the builder's current on-disk offset plus the estimated
// size of the data block still being filled, used by compaction
// to decide when to roll an output file (spec.md §4.9).
func (b *Builder) Size() uint64 { return b.cw.offset + uint64(b.dataBlock.EstimatedSize()) }

// Info describes a finished SSTable for the VersionEdit that makes it
// live.
type Info struct {
	FileNumber uint64
	FileSize   uint64
	Smallest   ikey.Key
	Largest    ikey.Key
	EntryCount int
}

// Finish writes the meta/meta-index/index blocks and footer, fsyncs, and
// closes the file. If no entries were ever added, the builder is
// abandoned and the partial file removed — spec.md §4.5 "an empty
// SSTable must never be added to a level" (I5/P5).
func (b *Builder) Finish() (*Info, error) {
	if b.count == 0 {
		b.Abandon()
		return nil, nil
	}
	if err := b.flushDataBlock(); err != nil {
		b.Abandon()
		return nil, err
	}
	if b.havePendingIndex {
		if err := b.indexBlock.Add(b.pendingIndexKey, encodeHandle(b.pendingIndexHandle)); err != nil {
			b.Abandon()
			return nil, err
		}
		b.havePendingIndex = false
	}

	var metaIndexHandle BlockHandle
	if b.filter != nil {
		filterBytes := b.filter.Encode()
		filterHandle, err := writeBlock(b.cw, filterBytes, CompressionNone)
		if err != nil {
			b.Abandon()
			return nil, err
		}
		metaIndex := newBlockBuilder(IndexRestartInterval)
		if err := metaIndex.Add([]byte(FilterBlockName), encodeHandle(filterHandle)); err != nil {
			b.Abandon()
			return nil, err
		}
		metaIndexHandle, err = writeBlock(b.cw, metaIndex.Finish(), CompressionNone)
		if err != nil {
			b.Abandon()
			return nil, err
		}
	} else {
		empty := newBlockBuilder(IndexRestartInterval)
		h, err := writeBlock(b.cw, empty.Finish(), CompressionNone)
		if err != nil {
			b.Abandon()
			return nil, err
		}
		metaIndexHandle = h
	}

	indexHandle, err := writeBlock(b.cw, b.indexBlock.Finish(), CompressionNone)
	if err != nil {
		b.Abandon()
		return nil, err
	}

	footer := Footer{MetaIndexHandle: metaIndexHandle, IndexHandle: indexHandle}
	if _, err := b.cw.Write(footer.Encode()); err != nil {
		b.Abandon()
		return nil, err
	}

	if err := b.file.Sync(); err != nil {
		b.Abandon()
		return nil, err
	}
	size := b.cw.offset
	if err := b.file.Close(); err != nil {
		return nil, err
	}

	smallest, _ := ikey.Decode(b.smallest)
	largest, _ := ikey.Decode(b.largest)

	return &Info{
		FileNumber: b.fileNumber,
		FileSize:   size,
		Smallest:   ikey.Make(append([]byte(nil), smallest.UserKey...), smallest.Seq, smallest.Kind),
		Largest:    ikey.Make(append([]byte(nil), largest.UserKey...), largest.Seq, largest.Kind),
		EntryCount: b.count,
	}, nil
}

// Abandon discards the builder and removes its partial output file.
func (b *Builder) Abandon() {
	if b.file != nil {
		b.file.Close()
		os.Remove(b.path)
		b.file = nil
	}
}

func encodeHandle(h BlockHandle) []byte {
	buf := make([]byte, 16)
	h.encode(buf)
	return buf
}
