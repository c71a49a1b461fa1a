// Package ikey defines the internal key format shared by the memtable,
// SSTable, and iterator layers: the (user_key, sequence, kind) triple that
// gives the engine its MVCC ordering (spec.md §3).
package ikey

import "bytes"

// Kind distinguishes a live value from a deletion marker within an
// InternalKey. Value sorts before Tombstone when two internal keys would
// otherwise tie (same user key, same sequence — which in practice never
// happens since sequences are unique, but the ordering is still defined).
type Kind uint8

const (
	KindValue Kind = 1
	KindTombstone Kind = 0
)

func (k Kind) String() string {
	if k == KindValue {
		return "value"
	}
	return "tombstone"
}

// Key is the (user_key, sequence, kind) triple that totally orders every
// mutation ever applied to a given user key.
type Key struct {
	UserKey []byte
	Seq     uint64
	Kind    Kind
}

// Make builds an InternalKey. Callers that intend to keep the key beyond
// the lifetime of the passed-in slice must copy it first.
func Make(userKey []byte, seq uint64, kind Kind) Key {
	return Key{UserKey: userKey, Seq: seq, Kind: kind}
}

// Compare implements InternalKey order: user_key ascending, then sequence
// descending (newer first), then kind descending (Value before Tombstone).
func Compare(a, b Key) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	if a.Seq != b.Seq {
		if a.Seq > b.Seq {
			return -1
		}
		return 1
	}
	if a.Kind != b.Kind {
		if a.Kind > b.Kind {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether a sorts strictly before b under Compare.
func Less(a, b Key) bool { return Compare(a, b) < 0 }

// SeekKey returns the InternalKey that begins the scan range for a point
// lookup of userKey visible at sMax: (userKey, sMax, KindValue) — the
// greatest InternalKey with this user key that is still visible at sMax,
// per spec.md §3's "scans the range starting at (user_key, s_max, Value)".
func SeekKey(userKey []byte, sMax uint64) Key {
	return Key{UserKey: userKey, Seq: sMax, Kind: KindValue}
}

// MaxSeq is the largest sequence number an internal key can carry; used to
// build a "floor" seek key that sorts before every version of a user key.
const MaxSeq = ^uint64(0)

// Encode serializes an InternalKey to its on-disk trailer form: user key
// bytes followed by an 8-byte little-endian (seq<<8 | kind) trailer, the
// classic LevelDB-style internal key packing. Because the trailer is
// little-endian, a bytewise comparison of encoded keys does not follow
// InternalKey order; block code decodes and compares with Compare.
func Encode(k Key) []byte {
	buf := make([]byte, len(k.UserKey)+8)
	copy(buf, k.UserKey)
	packTrailer(buf[len(k.UserKey):], k.Seq, k.Kind)
	return buf
}

// AppendEncoded appends the encoded form of k to dst and returns the
// extended slice, avoiding an intermediate allocation on hot paths.
func AppendEncoded(dst []byte, k Key) []byte {
	dst = append(dst, k.UserKey...)
	var trailer [8]byte
	packTrailer(trailer[:], k.Seq, k.Kind)
	return append(dst, trailer[:]...)
}

func packTrailer(dst []byte, seq uint64, kind Kind) {
	v := (seq << 8) | uint64(kind)
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * uint(i)))
	}
}

// Decode parses the on-disk trailer form produced by Encode/AppendEncoded.
// The returned UserKey aliases buf; callers needing to retain it across
// buffer reuse must copy.
func Decode(buf []byte) (Key, bool) {
	if len(buf) < 8 {
		return Key{}, false
	}
	n := len(buf) - 8
	trailer := buf[n:]
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(trailer[i]) << (8 * uint(i))
	}
	return Key{
		UserKey: buf[:n],
		Seq:     v >> 8,
		Kind:    Kind(v & 0xff),
	}, true
}

// UserKeyCompare compares two raw user keys (ignoring sequence/kind).
func UserKeyCompare(a, b []byte) int { return bytes.Compare(a, b) }
