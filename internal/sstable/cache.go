package sstable

import (
	"sync"

	"github.com/cockroachdb/swiss"
)

// Cache is the file-id arena spec.md §9's design note calls for: a
// back-reference from a small integer file id to its open Reader, so the
// compactor and engine can refer to live SSTs by id instead of re-resolving
// a path on every access. Backed by cockroachdb/swiss for O(1) lookup
// without Go map's incremental-growth pauses under the high churn a
// compaction sweep produces.
//
// Entries are refcounted the way Pebble's own fileMetadata is: a point
// lookup under Get doesn't need to outlive the call, but a range iterator
// built from Acquire may still be reading a Reader after compaction has
// already deleted its underlying file and called Evict. Evict on a
// still-referenced entry defers the close until the last Release.
type Cache struct {
	mu     sync.Mutex
	byID   *swiss.Map[uint64, *cacheEntry]
	nextID uint64
}

type cacheEntry struct {
	r            *Reader
	refs         int
	pendingClose bool
}

// NewCache creates an empty file-id arena.
func NewCache() *Cache {
	return &Cache{byID: swiss.New[uint64, *cacheEntry](64)}
}

// Put registers r under a freshly allocated id and returns it.
func (c *Cache) Put(r *Reader) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.byID.Put(id, &cacheEntry{r: r})
	return id
}

// Get returns the reader registered under id, if any, for a lookup that
// completes before returning to the caller. Callers that retain the Reader
// past the current call (iterators) must use Acquire/Release instead.
func (c *Cache) Get(id uint64) (*Reader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID.Get(id)
	if !ok {
		return nil, false
	}
	return e.r, true
}

// Acquire returns the reader registered under id and pins it so a
// concurrent Evict cannot close it out from under the caller. The caller
// must call the returned release func exactly once when done.
func (c *Cache) Acquire(id uint64) (r *Reader, release func(), ok bool) {
	c.mu.Lock()
	e, found := c.byID.Get(id)
	if !found {
		c.mu.Unlock()
		return nil, nil, false
	}
	e.refs++
	c.mu.Unlock()
	return e.r, func() { c.release(id) }, true
}

func (c *Cache) release(id uint64) {
	c.mu.Lock()
	e, ok := c.byID.Get(id)
	if !ok {
		c.mu.Unlock()
		return
	}
	e.refs--
	closeNow := e.refs <= 0 && e.pendingClose
	if closeNow {
		c.byID.Delete(id)
	}
	c.mu.Unlock()
	if closeNow {
		_ = e.r.Close()
	}
}

// Evict removes id from the arena, closing its Reader immediately if
// nothing holds a reference via Acquire, or deferring the close to the last
// matching release otherwise.
func (c *Cache) Evict(id uint64) error {
	c.mu.Lock()
	e, ok := c.byID.Get(id)
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if e.refs > 0 {
		e.pendingClose = true
		c.mu.Unlock()
		return nil
	}
	c.byID.Delete(id)
	c.mu.Unlock()
	return e.r.Close()
}

// Len reports the number of live entries, including those pending close.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID.Len()
}

// CloseAll evicts and closes every entry, for engine shutdown. It ignores
// outstanding references: callers must ensure no iterator is in flight
// before calling this.
func (c *Cache) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	c.byID.All(func(_ uint64, e *cacheEntry) bool {
		if err := e.r.Close(); err != nil && first == nil {
			first = err
		}
		return true
	})
	c.byID = swiss.New[uint64, *cacheEntry](64)
	return first
}
