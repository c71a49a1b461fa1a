package sstable

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/cache"
	"github.com/genuineh/aidb/internal/ikey"
	"github.com/genuineh/aidb/internal/record"
)

// Reader opens an immutable SSTable for point lookups and iteration
// (spec.md §4.5 C7). Grounded on return2faye/SiltKV's sstable.Reader
// (file handle held open for the reader's lifetime, linear-scan Get),
// generalized to footer→index→block-cache lookups with Bloom
// short-circuiting.
type Reader struct {
	file       *os.File
	fileNumber uint64
	path       string
	fileSize   int64

	cache *cache.Cache
	index []indexEntry // decoded once at open for fast binary search
	meta  *BloomFilter // nil if no filter present

	smallest ikey.Key
	largest  ikey.Key
}

type indexEntry struct {
	lastKey []byte // InternalKey-encoded last key of the block
	handle  BlockHandle
}

// Open opens the SSTable at path, verifying its footer, loading its
// index and (if present) Bloom filter. blockCache may be nil to disable
// caching for this reader (equivalent to block_cache_size=0).
func Open(path string, blockCache *cache.Cache) (*Reader, error) {
	number, ok := ParseNumber(filepath.Base(path))
	if !ok {
		return nil, errors.Errorf("sstable: unparseable file name %q", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size < FooterSize {
		f.Close()
		return nil, errors.Wrap(record.ErrCorruption, "sstable: file smaller than footer")
	}

	footerBuf := make([]byte, FooterSize)
	if _, err := f.ReadAt(footerBuf, size-FooterSize); err != nil {
		f.Close()
		return nil, err
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	indexBody, err := readBlock(f, footer.IndexHandle)
	if err != nil {
		f.Close()
		return nil, err
	}
	index, err := decodeIndex(indexBody)
	if err != nil {
		f.Close()
		return nil, err
	}

	var filter *BloomFilter
	if footer.MetaIndexHandle.Size > 0 {
		metaIndexBody, err := readBlock(f, footer.MetaIndexHandle)
		if err != nil {
			f.Close()
			return nil, err
		}
		if handle, ok, err := lookupMetaIndex(metaIndexBody, FilterBlockName); err != nil {
			f.Close()
			return nil, err
		} else if ok {
			filterBody, err := readBlock(f, handle)
			if err != nil {
				f.Close()
				return nil, err
			}
			filter, err = DecodeBloomFilter(filterBody)
			if err != nil {
				f.Close()
				return nil, err
			}
		}
	}

	r := &Reader{
		file:       f,
		fileNumber: number,
		path:       path,
		fileSize:   size,
		cache:      blockCache,
		index:      index,
		meta:       filter,
	}

	if len(index) > 0 {
		if k, ok := ikey.Decode(index[len(index)-1].lastKey); ok {
			r.largest = k
		}
		firstBlock, err := r.loadBlock(index[0].handle)
		if err != nil {
			f.Close()
			return nil, err
		}
		it, err := newInternalKeyBlockIter(firstBlock)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := it.SeekToFirst(); err != nil {
			f.Close()
			return nil, err
		}
		if it.Valid() {
			if k, ok := ikey.Decode(it.Key()); ok {
				r.smallest = k
			}
		}
	}

	return r, nil
}

func decodeIndex(body []byte) ([]indexEntry, error) {
	it, err := newInternalKeyBlockIter(body)
	if err != nil {
		return nil, err
	}
	var entries []indexEntry
	for it.SeekToFirst(); it.Valid(); {
		entries = append(entries, indexEntry{
			lastKey: append([]byte(nil), it.Key()...),
			handle:  decodeHandle(it.Value()),
		})
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func lookupMetaIndex(body []byte, name string) (BlockHandle, bool, error) {
	it, err := newBlockIter(body)
	if err != nil {
		return BlockHandle{}, false, err
	}
	for it.SeekToFirst(); it.Valid(); {
		if string(it.Key()) == name {
			return decodeHandle(it.Value()), true, nil
		}
		if err := it.Next(); err != nil {
			return BlockHandle{}, false, err
		}
	}
	return BlockHandle{}, false, nil
}

func (r *Reader) loadBlock(handle BlockHandle) ([]byte, error) {
	if r.cache != nil {
		key := cache.Key{FileNumber: r.fileNumber, Offset: handle.Offset}
		if body, ok := r.cache.Get(key); ok {
			return body, nil
		}
		body, err := readBlock(r.file, handle)
		if err != nil {
			return nil, err
		}
		r.cache.Insert(key, body)
		return body, nil
	}
	return readBlock(r.file, handle)
}

// FileNumber returns the SSTable's file number, parsed from its filename.
func (r *Reader) FileNumber() uint64 { return r.fileNumber }
func (r *Reader) FilePath() string   { return r.path }
func (r *Reader) FileSize() int64    { return r.fileSize }
func (r *Reader) SmallestKey() ikey.Key { return r.smallest }
func (r *Reader) LargestKey() ikey.Key  { return r.largest }
func (r *Reader) HasBloom() bool        { return r.meta != nil }

// Close closes the underlying file handle.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// findBlockIndex binary-searches the index for the block that may contain
// userKey, returning its position, or ok=false if userKey is past every
// block's range.
func (r *Reader) findBlockIndex(userKey []byte) (int, bool) {
	left, right := 0, len(r.index)-1
	for left <= right {
		mid := (left + right) / 2
		k, _ := ikey.Decode(r.index[mid].lastKey)
		if ikey.UserKeyCompare(k.UserKey, userKey) < 0 {
			left = mid + 1
		} else {
			right = mid - 1
		}
	}
	if left >= len(r.index) {
		return 0, false
	}
	return left, true
}

// Get resolves userKey visible at sMax (spec.md §4.5). If the Bloom
// filter says the key is certainly absent, it short-circuits without
// touching disk.
func (r *Reader) Get(userKey []byte, sMax uint64) (value []byte, found bool, tombstone bool, err error) {
	if r.meta != nil && !r.meta.MayContain(userKey) {
		return nil, false, false, nil
	}
	idx, ok := r.findBlockIndex(userKey)
	if !ok {
		return nil, false, false, nil
	}
	body, err := r.loadBlock(r.index[idx].handle)
	if err != nil {
		return nil, false, false, err
	}
	it, err := newInternalKeyBlockIter(body)
	if err != nil {
		return nil, false, false, err
	}
	seekTarget := ikey.Encode(ikey.SeekKey(userKey, sMax))
	if err := it.SeekToFirst(); err != nil {
		return nil, false, false, err
	}
	if err := it.SeekGE(seekTarget); err != nil {
		return nil, false, false, err
	}
	if !it.Valid() {
		return nil, false, false, nil
	}
	k, ok := ikey.Decode(it.Key())
	if !ok || ikey.UserKeyCompare(k.UserKey, userKey) != 0 {
		return nil, false, false, nil
	}
	if k.Kind == ikey.KindTombstone {
		return nil, false, true, nil
	}
	return append([]byte(nil), it.Value()...), true, false, nil
}

// Iterator produces InternalKey-ordered entries across the whole file,
// used by compaction and range scans.
type Iterator struct {
	r       *Reader
	blockIx int
	block   *blockIter
	err     error
}

func (r *Reader) NewIterator() *Iterator { return &Iterator{r: r, blockIx: -1} }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) SeekToFirst() error {
	it.blockIx = 0
	return it.loadCurrentBlockAt(it.blockIx)
}

// SeekGE positions the iterator at the first entry >= the encoded target
// InternalKey.
func (it *Iterator) SeekGE(target []byte) error {
	userKey, _ := ikey.Decode(target)
	idx, ok := it.r.findBlockIndex(userKey.UserKey)
	if !ok {
		it.block = nil
		return nil
	}
	it.blockIx = idx
	if err := it.loadCurrentBlockAt(it.blockIx); err != nil {
		return err
	}
	if it.block == nil {
		return nil
	}
	if err := it.block.SeekToFirst(); err != nil {
		return err
	}
	return it.block.SeekGE(target)
}

func (it *Iterator) loadCurrentBlockAt(idx int) error {
	if idx < 0 || idx >= len(it.r.index) {
		it.block = nil
		return nil
	}
	body, err := it.r.loadBlock(it.r.index[idx].handle)
	if err != nil {
		it.err = err
		return err
	}
	bi, err := newInternalKeyBlockIter(body)
	if err != nil {
		it.err = err
		return err
	}
	if err := bi.SeekToFirst(); err != nil {
		it.err = err
		return err
	}
	it.block = bi
	return nil
}

func (it *Iterator) Valid() bool { return it.block != nil && it.block.Valid() }
func (it *Iterator) Key() []byte { return it.block.Key() }
func (it *Iterator) Value() []byte { return it.block.Value() }

func (it *Iterator) Next() error {
	if it.block == nil {
		return nil
	}
	if err := it.block.Next(); err != nil {
		it.err = err
		return err
	}
	if it.block.Valid() {
		return nil
	}
	it.blockIx++
	return it.loadCurrentBlockAt(it.blockIx)
}
