// Package iterator implements the merging iterator (spec.md §4.7 C9): a
// heap-based k-way merge over ordered child iterators, plus a user-level
// wrapper that collapses versions of the same user key, drops
// Tombstones, and enforces a visibility sequence and a [start, end)
// range.
//
// Grounded on return2faye/SiltKV's internal/sstable/merge_iterator.go
// (multi-source merge, newest-first dedup on equal keys), generalized
// from SiltKV's O(k) linear head-scan and raw-bytes key comparison to
// spec.md's mandated O(log k) container/heap selection over InternalKey
// order, and from a 2-source (SSTable-reader-only) merge to an N-source
// merge across memtable, immutable memtables, and SSTables.
package iterator

import (
	"container/heap"

	"github.com/genuineh/aidb/internal/ikey"
)

// Child is the common shape of every source a merge can consume: memtable
// iterators, SSTable iterators, and (recursively) other merges. Keys are
// InternalKey-encoded.
type Child interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Next() error
}

type heapItem struct {
	child  Child
	key    ikey.Key
	source int // lower source index wins ties; callers order newest-first
}

type minHeap []*heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	c := ikey.Compare(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	return h[i].source < h[j].source
}
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Merge produces a single InternalKey-ordered stream out of len(children)
// already-ordered child streams, via a min-heap of (head_key, source_id)
// (spec.md §4.7). Children should be supplied newest-first (memtable,
// then immutables oldest-to-newest reversed, then L0 newest-first, then
// L1..Lmax) so that the source-index tiebreak matches InternalKey
// ordering's own "higher (newer) sequence precedes" rule in the degenerate case of
// an exact tie.
type Merge struct {
	h     minHeap
	key   []byte
	value []byte
}

// NewMerge constructs a merging iterator. Each child must already be
// positioned (SeekToFirst/SeekGE called) or exhausted before being
// passed in.
func NewMerge(children []Child) (*Merge, error) {
	m := &Merge{}
	m.h = make(minHeap, 0, len(children))
	for i, c := range children {
		if c == nil || !c.Valid() {
			continue
		}
		k, ok := ikey.Decode(c.Key())
		if !ok {
			continue
		}
		m.h = append(m.h, &heapItem{child: c, key: k, source: i})
	}
	heap.Init(&m.h)
	if err := m.advance(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Merge) advance() error {
	if m.h.Len() == 0 {
		m.key, m.value = nil, nil
		return nil
	}
	top := m.h[0]
	m.key = ikey.Encode(top.key)
	m.value = append([]byte(nil), top.child.Value()...)

	if err := top.child.Next(); err != nil {
		return err
	}
	if top.child.Valid() {
		k, ok := ikey.Decode(top.child.Key())
		if !ok {
			heap.Pop(&m.h)
			return nil
		}
		top.key = k
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	return nil
}

func (m *Merge) Valid() bool { return m.key != nil }
func (m *Merge) Key() []byte { return m.key }
func (m *Merge) Value() []byte { return m.value }

// Next advances to the next InternalKey in merged order. The very first
// call to Valid()/Key()/Value() after NewMerge already reflects the
// first merged entry; Next() moves past it.
func (m *Merge) Next() error { return m.advance() }

// Entry is one user-visible (key, value) pair produced by Collapse.
type Entry struct {
	Key   []byte
	Value []byte
}

// Collapse drains a merged InternalKey stream into user-visible entries:
// it keeps only the newest version of each user key whose sequence is <=
// snapshotSeq, drops Tombstones, and restricts to [start, end) (either
// bound nil meaning unbounded) — spec.md §4.10 "iter()/scan()" and P4.
func Collapse(m *Merge, snapshotSeq uint64, start, end []byte) ([]Entry, error) {
	var out []Entry
	var lastUserKey []byte
	haveLast := false

	for m.Valid() {
		k, ok := ikey.Decode(m.Key())
		if !ok {
			if err := m.Next(); err != nil {
				return nil, err
			}
			continue
		}
		if k.Seq > snapshotSeq {
			if err := m.Next(); err != nil {
				return nil, err
			}
			continue
		}
		if haveLast && ikey.UserKeyCompare(k.UserKey, lastUserKey) == 0 {
			if err := m.Next(); err != nil {
				return nil, err
			}
			continue
		}
		lastUserKey = append(lastUserKey[:0], k.UserKey...)
		haveLast = true

		if start != nil && ikey.UserKeyCompare(k.UserKey, start) < 0 {
			if err := m.Next(); err != nil {
				return nil, err
			}
			continue
		}
		if end != nil && ikey.UserKeyCompare(k.UserKey, end) >= 0 {
			break
		}
		if k.Kind != ikey.KindTombstone {
			out = append(out, Entry{
				Key:   append([]byte(nil), k.UserKey...),
				Value: append([]byte(nil), m.Value()...),
			})
		}
		if err := m.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ScanIterator is the streaming, pull-based form of Collapse exposed to
// callers that don't want to materialize the whole range up front.
type ScanIterator struct {
	m            *Merge
	snapshotSeq  uint64
	start, end   []byte
	lastUserKey  []byte
	haveLast     bool
	key, value   []byte
}

// NewScanIterator wraps a merge in the same newest-wins/tombstone-drop/
// range-filter semantics as Collapse, but lazily.
func NewScanIterator(m *Merge, snapshotSeq uint64, start, end []byte) *ScanIterator {
	s := &ScanIterator{m: m, snapshotSeq: snapshotSeq, start: start, end: end}
	s.advance()
	return s
}

func (s *ScanIterator) advance() {
	for s.m.Valid() {
		k, ok := ikey.Decode(s.m.Key())
		if !ok {
			if err := s.m.Next(); err != nil {
				s.key = nil
				return
			}
			continue
		}
		if k.Seq > s.snapshotSeq {
			if err := s.m.Next(); err != nil {
				s.key = nil
				return
			}
			continue
		}
		if s.haveLast && ikey.UserKeyCompare(k.UserKey, s.lastUserKey) == 0 {
			if err := s.m.Next(); err != nil {
				s.key = nil
				return
			}
			continue
		}
		s.lastUserKey = append(s.lastUserKey[:0], k.UserKey...)
		s.haveLast = true

		if s.start != nil && ikey.UserKeyCompare(k.UserKey, s.start) < 0 {
			if err := s.m.Next(); err != nil {
				s.key = nil
				return
			}
			continue
		}
		if s.end != nil && ikey.UserKeyCompare(k.UserKey, s.end) >= 0 {
			s.key = nil
			return
		}
		if k.Kind == ikey.KindTombstone {
			if err := s.m.Next(); err != nil {
				s.key = nil
				return
			}
			continue
		}
		s.key = append([]byte(nil), k.UserKey...)
		s.value = append([]byte(nil), s.m.Value()...)
		return
	}
	s.key = nil
}

func (s *ScanIterator) Valid() bool { return s.key != nil }
func (s *ScanIterator) Key() []byte { return s.key }
func (s *ScanIterator) Value() []byte { return s.value }

// Next advances the scan to the next user-visible entry.
func (s *ScanIterator) Next() error {
	if err := s.m.Next(); err != nil {
		return err
	}
	s.advance()
	return nil
}
