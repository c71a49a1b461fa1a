// Package cache implements the shared block cache (spec.md §4.6 C8): an
// LRU keyed by (file_number, offset), byte-accounted, with hit/miss/evict
// counters. block_cache_size == 0 disables caching entirely.
//
// No repository in the retrieval pack imports a third-party LRU library;
// cockroachdb/pebble (referenced transitively via devlibx-pebble's
// go.mod) hand-rolls its own internal/cache rather than importing one.
// This package follows that domain precedent instead of reaching for an
// unretrieved dependency (see DESIGN.md).
package cache

import (
	"container/list"
	"sync"
)

// Key identifies a cached block by the SSTable it came from and its byte
// offset within that file.
type Key struct {
	FileNumber uint64
	Offset     uint64
}

type entry struct {
	key   Key
	value []byte
}

// Cache is a byte-accounted, strictly-LRU, thread-safe block cache.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	ll       *list.List
	items    map[Key]*list.Element

	hits    int64
	misses  int64
	evicts  int64
}

// New creates a cache with the given byte capacity. A capacity of 0
// disables caching: Get always misses and Insert is a no-op.
func New(capacity int64) *Cache {
	return &Cache{capacity: capacity, ll: list.New(), items: make(map[Key]*list.Element)}
}

// Get returns the cached block for key, if present, promoting it to
// most-recently-used.
func (c *Cache) Get(key Key) ([]byte, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return el.Value.(*entry).value, true
}

// Insert adds block under key, evicting least-recently-used entries as
// needed to stay within capacity.
func (c *Cache) Insert(key Key, block []byte) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		old := el.Value.(*entry)
		c.used += int64(len(block)) - int64(len(old.value))
		old.value = block
	} else {
		el := c.ll.PushFront(&entry{key: key, value: block})
		c.items[key] = el
		c.used += int64(len(block))
	}

	for c.used > c.capacity && c.ll.Len() > 0 {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
		c.evicts++
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.used -= int64(len(e.value))
}

// Invalidate drops every cached block belonging to fileNumber — called
// when a compaction's input file is deleted after the compaction commits
// (spec.md §4.9 step 6).
func (c *Cache) Invalidate(fileNumber uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for k, el := range c.items {
		if k.FileNumber == fileNumber {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		c.removeElement(el)
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[Key]*list.Element)
	c.used = 0
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits, Misses, Evicts int64
	UsedBytes, Capacity  int64
	Entries              int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		Evicts:   c.evicts,
		UsedBytes: c.used,
		Capacity: c.capacity,
		Entries:  c.ll.Len(),
	}
}
