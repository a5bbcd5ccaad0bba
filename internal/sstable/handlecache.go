package sstable

import (
	"container/list"
	"os"
	"sync"
)

// HandleCache is a bounded LRU cache of open *os.File handles for SSTable
// data files, grounded on the teacher's pkg/cache.LRUCache — same
// container/list-plus-map shape, with the TTL dropped (file handles don't
// go stale the way query results do) and eviction closing the evicted
// handle instead of just dropping a reference.
type HandleCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type handleEntry struct {
	path    string
	handle  *os.File
	inUse   int
}

// NewHandleCache creates a cache that keeps at most capacity open handles.
func NewHandleCache(capacity int) *HandleCache {
	if capacity < 1 {
		capacity = 1
	}
	return &HandleCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Acquire returns an open handle for path, opening it if not cached.
// Callers must call Release when done reading from it.
func (c *HandleCache) Acquire(path string) (*os.File, error) {
	c.mu.Lock()
	if el, ok := c.items[path]; ok {
		c.order.MoveToFront(el)
		entry := el.Value.(*handleEntry)
		entry.inUse++
		c.mu.Unlock()
		return entry.handle, nil
	}
	c.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[path]; ok {
		// Lost the race to another Acquire; use the existing handle.
		f.Close()
		c.order.MoveToFront(el)
		entry := el.Value.(*handleEntry)
		entry.inUse++
		return entry.handle, nil
	}
	entry := &handleEntry{path: path, handle: f, inUse: 1}
	el := c.order.PushFront(entry)
	c.items[path] = el
	c.evictIfNeeded()
	return f, nil
}

// Release marks a handle as no longer in active use, eligible for
// eviction once it's also the least recently used entry.
func (c *HandleCache) Release(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[path]
	if !ok {
		return
	}
	entry := el.Value.(*handleEntry)
	if entry.inUse > 0 {
		entry.inUse--
	}
}

// Evict closes and drops the handle for path, if cached. Used when an
// SSTable is deleted after compaction so a stale handle can't be reused.
func (c *HandleCache) Evict(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[path]
	if !ok {
		return
	}
	entry := el.Value.(*handleEntry)
	c.order.Remove(el)
	delete(c.items, path)
	entry.handle.Close()
}

func (c *HandleCache) evictIfNeeded() {
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*handleEntry)
		if entry.inUse > 0 {
			// Still referenced; don't evict an in-flight handle. Try the
			// next-oldest instead.
			for e := back.Prev(); e != nil; e = e.Prev() {
				if e.Value.(*handleEntry).inUse == 0 {
					c.order.Remove(e)
					delete(c.items, e.Value.(*handleEntry).path)
					e.Value.(*handleEntry).handle.Close()
					break
				}
			}
			return
		}
		c.order.Remove(back)
		delete(c.items, entry.path)
		entry.handle.Close()
	}
}

// Close closes every cached handle.
func (c *HandleCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, el := range c.items {
		el.Value.(*handleEntry).handle.Close()
	}
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	return nil
}
