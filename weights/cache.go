package weights

import (
	"io"
	"sync"
)

// entry is one weight-cache line: an exact (offset, length) span read from
// the backing file, linked in insertion order (head = most recently
// inserted, tail = oldest). refcount is bumped on every hit for statistics
// only — eviction never consults it (spec §3).
type entry struct {
	offset, length int64
	bytes          []byte
	refcount       int64
	prev, next     *entry
}

// Cache is the byte-budgeted read-cache behind AccessReadCache. One mutex
// covers lookup, eviction, allocation, and the read, matching spec §4.1's
// serialization requirement and the teacher's cache.go locking discipline.
type Cache struct {
	mu    sync.Mutex
	ra    io.ReaderAt
	limit int64

	total int64
	head  *entry // most recently inserted
	tail  *entry // oldest
	byKey map[cacheKey]*entry
}

type cacheKey struct {
	offset, length int64
}

// NewCache builds an empty read-cache over ra with the given byte budget.
func NewCache(ra io.ReaderAt, limit int64) *Cache {
	return &Cache{ra: ra, limit: limit, byKey: make(map[cacheKey]*entry)}
}

// Get returns the bytes for [offset, offset+length), serving a cache hit
// directly or reading and caching on a miss. Returns nil if the read fails,
// which the forward engine treats as a RuntimeTransient per-step failure.
func (c *Cache) Get(offset, length int64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{offset, length}
	if e, ok := c.byKey[key]; ok {
		e.refcount++
		return e.bytes
	}

	if c.total+length > c.limit {
		c.evictUntil(c.limit - length)
	}

	buf := make([]byte, length)
	if _, err := c.ra.ReadAt(buf, offset); err != nil {
		return nil
	}

	e := &entry{offset: offset, length: length, bytes: buf, refcount: 1}
	c.linkHead(e)
	c.byKey[key] = e
	c.total += length
	return e.bytes
}

// evictUntil frees entries from the tail (oldest) forward until c.total is
// at or below target, or the list is empty. Matches spec §3/§4.1: "the
// oldest entries are freed until the budget holds" / "evict from the tail
// of the list until within budget".
func (c *Cache) evictUntil(target int64) {
	for c.total > target && c.tail != nil {
		victim := c.tail
		c.unlink(victim)
		delete(c.byKey, cacheKey{victim.offset, victim.length})
		c.total -= victim.length
	}
}

func (c *Cache) linkHead(e *entry) {
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// Stats reports the current cached byte total and live entry count, for
// diagnostics and tests.
func (c *Cache) Stats() (totalBytes int64, entries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, len(c.byKey)
}
