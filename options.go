package aidb

import (
	"go.uber.org/zap"

	"github.com/genuineh/aidb/internal/dbkernel"
	"github.com/genuineh/aidb/internal/sstable"
)

// CompressionType selects the block body compressor (spec.md §6
// "enable_compression / compression_type").
type CompressionType = sstable.CompressionType

const (
	CompressionNone   = sstable.CompressionNone
	CompressionSnappy = sstable.CompressionSnappy
)

// Options configures an open database (spec.md §6 "Configuration
// options"). The zero value is not directly usable — call DefaultOptions
// and override only the fields a caller cares about, the way SiltKV's
// own lsm.Options is meant to be used.
type Options struct {
	// CreateIfMissing creates the directory/manifest if absent.
	CreateIfMissing bool
	// ErrorIfExists fails Open if the directory is non-empty.
	ErrorIfExists bool

	// MemTableSize is the freeze threshold in bytes.
	MemTableSize int64
	// SSTableSize is the target output file size in bytes.
	SSTableSize uint64
	// BlockSize is the data block target size in bytes.
	BlockSize int
	// BlockCacheSize is the LRU capacity in bytes; 0 disables caching.
	BlockCacheSize int64

	// EnableBloomFilter builds and consults a Bloom filter per table.
	EnableBloomFilter bool
	// BloomFilterBitsPerKey tunes the false-positive rate.
	BloomFilterBitsPerKey int
	// CompressionType selects the block-body compressor.
	CompressionType CompressionType

	// SyncWAL fsyncs the WAL on every write (or batch).
	SyncWAL bool

	// Level0CompactionThreshold is the L0 file-count trigger.
	Level0CompactionThreshold int
	// LevelSizeMultiplier is the geometric growth factor between levels.
	LevelSizeMultiplier uint64
	// BaseLevelSize is the size target for L1.
	BaseLevelSize uint64
	// MaxLevels is the maximum level count.
	MaxLevels int

	// ManifestRotationEdits bounds how many VersionEdits accumulate in a
	// MANIFEST file before it is rewritten from a fresh snapshot
	// (spec.md §4.10). Zero selects the version set's own default.
	ManifestRotationEdits int

	// Logger receives structured diagnostics from the background flush
	// and compaction loops. Nil disables logging (spec.md §7 "no panics
	// under valid Options").
	Logger *zap.Logger
}

// DefaultOptions returns the option defaults listed in spec.md §6.
func DefaultOptions() Options {
	return Options{
		CreateIfMissing:           true,
		ErrorIfExists:             false,
		MemTableSize:              4 << 20,
		SSTableSize:               2 << 20,
		BlockSize:                 4 << 10,
		BlockCacheSize:            32 << 20,
		EnableBloomFilter:         true,
		BloomFilterBitsPerKey:     10,
		CompressionType:           CompressionSnappy,
		SyncWAL:                   true,
		Level0CompactionThreshold: 4,
		LevelSizeMultiplier:       10,
		BaseLevelSize:             10 << 20,
		MaxLevels:                 7,
	}
}

// validate checks the option combinations spec.md §7's InvalidArgument
// kind is meant to cover before they ever reach the coordinator.
func (o Options) validate() error {
	switch {
	case o.MemTableSize <= 0:
		return newError(KindInvalidArgument, "memtable_size must be positive", nil)
	case o.SSTableSize == 0:
		return newError(KindInvalidArgument, "sstable_size must be positive", nil)
	case o.BlockSize <= 0:
		return newError(KindInvalidArgument, "block_size must be positive", nil)
	case o.BlockCacheSize < 0:
		return newError(KindInvalidArgument, "block_cache_size must not be negative", nil)
	case o.EnableBloomFilter && o.BloomFilterBitsPerKey <= 0:
		return newError(KindInvalidArgument, "bloom_filter_bits_per_key must be positive when enabled", nil)
	case o.Level0CompactionThreshold <= 0:
		return newError(KindInvalidArgument, "level0_compaction_threshold must be positive", nil)
	case o.LevelSizeMultiplier <= 1:
		return newError(KindInvalidArgument, "level_size_multiplier must be greater than 1", nil)
	case o.BaseLevelSize == 0:
		return newError(KindInvalidArgument, "base_level_size must be positive", nil)
	case o.MaxLevels <= 0:
		return newError(KindInvalidArgument, "max_levels must be positive", nil)
	case o.CreateIfMissing && o.ErrorIfExists:
		return newError(KindInvalidArgument, "create_if_missing and error_if_exists are mutually exclusive", nil)
	}
	return nil
}

// toConfig fills in any zero-valued field from DefaultOptions before
// converting. Open calls validate first, which already rejects a zero
// value in each of these fields except BloomFilterBitsPerKey while the
// Bloom filter is disabled, so through Open only that field is filled in.
func (o Options) toConfig(dir string) dbkernel.Config {
	d := DefaultOptions()
	if o.MemTableSize == 0 {
		o.MemTableSize = d.MemTableSize
	}
	if o.SSTableSize == 0 {
		o.SSTableSize = d.SSTableSize
	}
	if o.BlockSize == 0 {
		o.BlockSize = d.BlockSize
	}
	if o.BloomFilterBitsPerKey == 0 {
		o.BloomFilterBitsPerKey = d.BloomFilterBitsPerKey
	}
	if o.Level0CompactionThreshold == 0 {
		o.Level0CompactionThreshold = d.Level0CompactionThreshold
	}
	if o.LevelSizeMultiplier == 0 {
		o.LevelSizeMultiplier = d.LevelSizeMultiplier
	}
	if o.BaseLevelSize == 0 {
		o.BaseLevelSize = d.BaseLevelSize
	}
	if o.MaxLevels == 0 {
		o.MaxLevels = d.MaxLevels
	}

	return dbkernel.Config{
		Dir:                       dir,
		CreateIfMissing:           o.CreateIfMissing,
		ErrorIfExists:             o.ErrorIfExists,
		MemTableSize:              o.MemTableSize,
		SSTableSize:               o.SSTableSize,
		BlockSize:                 o.BlockSize,
		BlockCacheSize:            o.BlockCacheSize,
		EnableBloomFilter:         o.EnableBloomFilter,
		BloomFilterBitsPerKey:     o.BloomFilterBitsPerKey,
		CompressionType:           o.CompressionType,
		SyncWAL:                   o.SyncWAL,
		Level0CompactionThreshold: o.Level0CompactionThreshold,
		LevelSizeMultiplier:       o.LevelSizeMultiplier,
		BaseLevelSize:             o.BaseLevelSize,
		MaxLevels:                 o.MaxLevels,
		ManifestRotationEdits:     o.ManifestRotationEdits,
		Logger:                    o.Logger,
	}
}
