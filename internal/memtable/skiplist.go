// Package memtable implements the in-memory sorted buffer (spec.md §4.2
// C3): a skiplist ordered by ikey.Key and guarded by one sync.RWMutex.
// Readers share the read lock; every insert takes the write lock, so
// concurrent writers are serialized.
//
// Grounded on return2faye/SiltKV's internal/memtable/skiplist.go
// (probabilistic leveled skiplist with RWMutex-guarded Put/Get, defensive
// byte copying on insert), generalized from raw user-key ordering to full
// InternalKey ordering so multiple versions of the same user key coexist.
package memtable

import (
	"math/rand"
	"sync"

	"github.com/genuineh/aidb/internal/ikey"
)

const maxLevel = 16

type node struct {
	key   ikey.Key
	value []byte
	next  []*node
}

// skipList is an InternalKey-ordered concurrent skiplist. Unlike
// SiltKV's skiplist (one slot per user key, overwritten in place), every
// insert here adds a brand new node — concurrent versions of the same
// user key are distinct InternalKeys and must all remain queryable for
// MVCC (spec.md I3).
type skipList struct {
	mu    sync.RWMutex
	head  *node
	level int
}

func newSkipList() *skipList {
	return &skipList{head: &node{next: make([]*node, maxLevel)}, level: 1}
}

func (sl *skipList) randomLevel() int {
	lvl := 1
	for rand.Float64() < 0.5 && lvl < maxLevel {
		lvl++
	}
	return lvl
}

// insert adds key->value. Keys are expected to be unique (sequence
// numbers never repeat), so unlike SiltKV's update-in-place Put this is
// always a fresh node insertion.
func (sl *skipList) insert(key ikey.Key, value []byte) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	update := make([]*node, maxLevel)
	curr := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && ikey.Compare(curr.next[i].key, key) < 0 {
			curr = curr.next[i]
		}
		update[i] = curr
	}

	lvl := sl.randomLevel()
	if lvl > sl.level {
		for i := sl.level; i < lvl; i++ {
			update[i] = sl.head
		}
		sl.level = lvl
	}

	n := &node{key: key, value: value, next: make([]*node, lvl)}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
}

// seekGE finds the first node whose key is >= target. Caller must hold
// (at least) a read lock.
func (sl *skipList) seekGE(target ikey.Key) *node {
	curr := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && ikey.Compare(curr.next[i].key, target) < 0 {
			curr = curr.next[i]
		}
	}
	return curr.next[0]
}

// get resolves a point lookup for userKey visible at sMax: the first
// entry at or after (userKey, sMax, Value), returning it only if its user
// key matches (spec.md §3).
func (sl *skipList) get(userKey []byte, sMax uint64) (ikey.Key, []byte, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	n := sl.seekGE(ikey.SeekKey(userKey, sMax))
	if n == nil || ikey.UserKeyCompare(n.key.UserKey, userKey) != 0 {
		return ikey.Key{}, nil, false
	}
	return n.key, n.value, true
}

// iterator walks the skiplist in InternalKey order from a starting point.
type iterator struct {
	sl   *skipList
	curr *node
}

func (sl *skipList) newIterator() *iterator {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return &iterator{sl: sl, curr: sl.head.next[0]}
}

func (it *iterator) Valid() bool   { return it.curr != nil }
func (it *iterator) Key() ikey.Key { return it.curr.key }
func (it *iterator) Value() []byte { return it.curr.value }
func (it *iterator) Next() {
	it.sl.mu.RLock()
	defer it.sl.mu.RUnlock()
	it.curr = it.curr.next[0]
}
