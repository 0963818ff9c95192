package target

import (
	"container/list"
	"sync"
)

// rangeKey identifies a cached read.
type rangeKey struct {
	addr Address
	n    uint64
}

// lruCache is a fixed-capacity LRU of byte ranges. Values are stored and
// returned as private copies so callers cannot corrupt cached data.
type lruCache struct {
	capacity int
	mu       sync.Mutex
	items    map[rangeKey]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key   rangeKey
	value []byte
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[rangeKey]*list.Element),
		lruList:  list.New(),
	}
}

// Get returns a copy of the cached bytes and marks the entry recently used.
func (c *lruCache) Get(key rangeKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.lruList.MoveToFront(elem)
	return clone(elem.Value.(*lruEntry).value), true
}

// Put stores a copy of value under key, evicting the oldest entry when full.
func (c *lruCache) Put(key rangeKey, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*lruEntry).value = clone(value)
		return
	}

	elem := c.lruList.PushFront(&lruEntry{key: key, value: clone(value)})
	c.items[key] = elem

	if c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		c.lruList.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

// Purge drops every entry.
func (c *lruCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[rangeKey]*list.Element)
	c.lruList.Init()
}

// Len returns the number of cached ranges.
func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
