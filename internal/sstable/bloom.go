package sstable

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/record"
)

// FilterBlockName is the conventional meta-block name the meta-index uses
// to locate the Bloom filter (spec.md §4.4 "a conventional name, e.g.
// filter.bloom").
const FilterBlockName = "filter.bloom"

// BloomFilter is a probabilistic membership structure over user keys
// (spec.md §4.4). The bit array is a github.com/bits-and-blooms/bitset
// (pack-grounded via FlashLog's go.mod); the sizing formula and the
// double-hashing scheme over two FNV-1a seeds are exactly as spec.md
// prescribes, generalized from SiltKV's bloom.go (which allocates one
// independent hash.Hash32 per k and never does double hashing).
type BloomFilter struct {
	bits      *bitset.BitSet
	numBits   uint64
	numHashes uint32
}

// NewBloomFilter sizes a filter for n expected keys at false-positive
// rate p using spec.md §4.4's formulas:
//
//	m = ceil(-n * ln(p) / (ln 2)^2)
//	k = max(1, round(m/n * ln 2))
func NewBloomFilter(n int, p float64) *BloomFilter {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &BloomFilter{bits: bitset.New(uint(m)), numBits: m, numHashes: k}
}

// NewBloomFilterForBitsPerKey sizes a filter directly from a bits-per-key
// budget (spec.md §6 bloom_filter_bits_per_key, default 10), the knob the
// public Options surface exposes.
func NewBloomFilterForBitsPerKey(n int, bitsPerKey int) *BloomFilter {
	if n <= 0 {
		n = 1
	}
	if bitsPerKey <= 0 {
		bitsPerKey = 10
	}
	m := uint64(n * bitsPerKey)
	if m < 8 {
		m = 8
	}
	k := uint32(math.Round(float64(bitsPerKey) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &BloomFilter{bits: bitset.New(uint(m)), numBits: m, numHashes: k}
}

func (bf *BloomFilter) baseHashes(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	h1.Write([]byte{0x00})
	sum1 := h1.Sum64()

	h2 := fnv.New64a()
	h2.Write(key)
	h2.Write([]byte{0xFF})
	sum2 := h2.Sum64()
	if sum2 == 0 {
		sum2 = 1
	}
	return sum1, sum2
}

// Add inserts key using double hashing: h_i = h1 + i*h2 mod m.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.baseHashes(key)
	for i := uint32(0); i < bf.numHashes; i++ {
		idx := (h1 + uint64(i)*h2) % bf.numBits
		bf.bits.Set(uint(idx))
	}
}

// MayContain returns false only when key is certainly absent.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.baseHashes(key)
	for i := uint32(0); i < bf.numHashes; i++ {
		idx := (h1 + uint64(i)*h2) % bf.numBits
		if !bf.bits.Test(uint(idx)) {
			return false
		}
	}
	return true
}

// Encode serializes as num_hashes(u32 LE) | num_bits(u64 LE) | bit_bytes
// (spec.md §4.4).
func (bf *BloomFilter) Encode() []byte {
	raw := bf.bits.Bytes() // []uint64 words
	byteLen := (bf.numBits + 7) / 8
	bitBytes := make([]byte, byteLen)
	for i, word := range raw {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], word)
		copy(bitBytes[i*8:], tmp[:minInt(8, int(byteLen)-i*8)])
	}

	out := make([]byte, 12+len(bitBytes))
	binary.LittleEndian.PutUint32(out[0:4], bf.numHashes)
	binary.LittleEndian.PutUint64(out[4:12], bf.numBits)
	copy(out[12:], bitBytes)
	return out
}

// DecodeBloomFilter parses the Encode format.
func DecodeBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 12 {
		return nil, errors.Wrap(record.ErrCorruption, "sstable: bloom filter header truncated")
	}
	numHashes := binary.LittleEndian.Uint32(data[0:4])
	numBits := binary.LittleEndian.Uint64(data[4:12])
	bitBytes := data[12:]
	if uint64(len(bitBytes)) < (numBits+7)/8 {
		return nil, errors.Wrap(record.ErrCorruption, "sstable: bloom filter bits truncated")
	}

	bs := bitset.New(uint(numBits))
	for i := uint64(0); i < numBits; i++ {
		byteIdx := i / 8
		bitIdx := i % 8
		if bitBytes[byteIdx]&(1<<bitIdx) != 0 {
			bs.Set(uint(i))
		}
	}
	return &BloomFilter{bits: bs, numBits: numBits, numHashes: numHashes}, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
