package sstable

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/genuineh/aidb/internal/record"
)

// FooterSize is the fixed trailer every SSTable ends with (spec.md §3,§6).
const FooterSize = 48

// Magic is the exact 8-byte little-endian constant spec.md §6 requires
// every reader to verify: "TABLE_SS" in ASCII.
const Magic uint64 = 0x5441424C455F5353

// BlockHandle points at a block within an SSTable file.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

func (h BlockHandle) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.Offset)
	binary.LittleEndian.PutUint64(dst[8:16], h.Size)
}

func decodeHandle(src []byte) BlockHandle {
	return BlockHandle{
		Offset: binary.LittleEndian.Uint64(src[0:8]),
		Size:   binary.LittleEndian.Uint64(src[8:16]),
	}
}

// Footer is the fixed 48-byte tail: meta-index handle, index handle, 8
// bytes padding, 8-byte magic.
type Footer struct {
	MetaIndexHandle BlockHandle
	IndexHandle     BlockHandle
}

func (f Footer) Encode() []byte {
	buf := make([]byte, FooterSize)
	f.MetaIndexHandle.encode(buf[0:16])
	f.IndexHandle.encode(buf[16:32])
	// buf[32:40] left as zero padding.
	binary.LittleEndian.PutUint64(buf[40:48], Magic)
	return buf
}

func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterSize {
		return Footer{}, errors.Wrap(record.ErrCorruption, "sstable: footer has wrong size")
	}
	magic := binary.LittleEndian.Uint64(buf[40:48])
	if magic != Magic {
		return Footer{}, errors.Wrap(record.ErrCorruption, "sstable: bad footer magic")
	}
	return Footer{
		MetaIndexHandle: decodeHandle(buf[0:16]),
		IndexHandle:     decodeHandle(buf[16:32]),
	}, nil
}
