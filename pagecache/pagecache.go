// Package pagecache implements the delta store: a bounded,
// keyed cache of page snapshots, tagged with the sync-epoch at insertion,
// that feeds the XBZRLE delta encoder.
package pagecache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry is the cached value: a TARGET_PAGE_SIZE snapshot plus the epoch
// it was inserted (or last refreshed) at.
type entry struct {
	data  []byte
	epoch uint64
}

// Cache is the epoch-tagged, byte-budgeted page cache. It carries its own
// mutex, distinct from the bitmap mutex, because a resize driven by the
// QMP-equivalent control path can race with the migration driver's
// Insert/Get/IsCached calls.
type Cache struct {
	mu       sync.Mutex
	pageSize int
	capBytes int
	lru      *lru.Cache[uint64, *entry]

	misses    uint64
	overflows uint64
}

// New constructs a Cache with the given byte budget and page size. The
// number of cacheable pages is capacityBytes/pageSize, rounded down to at
// least one page.
func New(capacityBytes, pageSize int) (*Cache, error) {
	c := &Cache{pageSize: pageSize}

	if err := c.rebuild(capacityBytes); err != nil {
		return nil, err
	}

	return c, nil
}

// rebuild must be called with mu held.
func (c *Cache) rebuild(capacityBytes int) error {
	n := capacityBytes / c.pageSize
	if n < 1 {
		n = 1
	}

	l, err := lru.New[uint64, *entry](n)
	if err != nil {
		return err
	}

	c.lru = l
	c.capBytes = capacityBytes

	return nil
}

// CapacityBytes returns the byte budget the cache was configured with.
func (c *Cache) CapacityBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.capBytes
}

// IsCached reports whether addr is cached at the given epoch. A hit
// requires the key to be present AND the stored epoch to equal the
// current epoch: pages older than the current sync-epoch are no longer
// representative of what the guest currently sees and must not seed a
// delta.
func (c *Cache) IsCached(addr uint64, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(addr)
	if !ok {
		return false
	}

	return e.epoch == epoch
}

// Get returns the cached snapshot at addr. Undefined (returns nil) if
// IsCached would report false.
func (c *Cache) Get(addr uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(addr)
	if !ok {
		return nil
	}

	return e.data
}

// Insert stores bytes (copied) at addr tagged with epoch. It returns
// false, storing nothing, when data is not exactly one page long;
// otherwise it always succeeds, since the underlying LRU evicts at
// one-page granularity to make room.
func (c *Cache) Insert(addr uint64, data []byte, epoch uint64) (ok bool) {
	if len(data) != c.pageSize {
		return false
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(addr, &entry{data: buf, epoch: epoch})

	return true
}

// Update refreshes the bytes of an already-cached entry without changing
// its epoch tag.
func (c *Cache) Update(addr uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(addr)
	if !ok {
		return
	}

	copy(e.data, data)
}

// Resize rebuilds the store for a new byte capacity. Per Open
// Questions, a resize to the same capacity is a silently-rejected no-op;
// any other value reinitializes the cache unconditionally, losing every
// epoch. Safe to call concurrently with Insert/Get/IsCached: the cache's
// own mutex serializes against them.
func (c *Cache) Resize(newCapacityBytes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if newCapacityBytes == c.capBytes {
		return nil
	}

	return c.rebuild(newCapacityBytes)
}

// RecordMiss increments the miss counter.
func (c *Cache) RecordMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.misses++
}

// RecordOverflow increments the overflow counter.
func (c *Cache) RecordOverflow() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.overflows++
}

// Misses returns the cumulative miss count.
func (c *Cache) Misses() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.misses
}

// Overflows returns the cumulative overflow count.
func (c *Cache) Overflows() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.overflows
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}
