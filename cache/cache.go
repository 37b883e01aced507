// Package cache is the write-back page cache of spec.md §4.5: it maps a
// physical block number to an in-memory buffer plus a dirty flag, and is
// the single coherent source of truth for block contents while the
// filesystem is mounted. It is grounded on the teacher's buf.BufMap
// (buf/bufmap.go), generalized from sub-block objects to whole blocks,
// since WayneFS's metadata unit of work is the block (an inode-table
// block, a bitmap block, a directory block) rather than a bit or a field.
package cache

import (
	"sync"

	"github.com/wayne70211/wayne-fs/disk"
)

type page struct {
	buf   disk.Block
	dirty bool
}

// Cache is a write-back page cache over a Disk.
type Cache struct {
	mu   sync.Mutex
	d    disk.Disk
	pages map[uint64]*page
}

func New(d disk.Disk) *Cache {
	return &Cache{d: d, pages: make(map[uint64]*page)}
}

// Get returns the cached buffer for bno, loading it from the device on a
// miss. The returned slice is the cache's own backing array; callers
// that mutate it must call MarkDirty.
func (c *Cache) Get(bno uint64) (disk.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(bno)
}

func (c *Cache) getLocked(bno uint64) (disk.Block, error) {
	if p, ok := c.pages[bno]; ok {
		return p.buf, nil
	}
	blk, err := c.d.ReadBlock(bno)
	if err != nil {
		return nil, err
	}
	c.pages[bno] = &page{buf: blk}
	return blk, nil
}

// Put installs buf as the cached contents of bno and marks it dirty —
// used when a caller has assembled a whole new block (e.g. a freshly
// allocated index block) rather than mutating one read via Get.
func (c *Cache) Put(bno uint64, buf disk.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[bno] = &page{buf: buf, dirty: true}
}

// MarkDirty marks bno's cached page dirty. bno must already be cached
// (via Get or Put).
func (c *Cache) MarkDirty(bno uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pages[bno]; ok {
		p.dirty = true
	}
}

// IsDirty reports whether bno's cached page has unflushed writes.
func (c *Cache) IsDirty(bno uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pages[bno]
	return ok && p.dirty
}

// Flush writes bno's buffer to the device if dirty, and clears the dirty
// flag.
func (c *Cache) Flush(bno uint64) error {
	c.mu.Lock()
	p, ok := c.pages[bno]
	c.mu.Unlock()
	if !ok || !p.dirty {
		return nil
	}
	if err := c.d.WriteBlock(bno, p.buf); err != nil {
		return err
	}
	c.mu.Lock()
	p.dirty = false
	c.mu.Unlock()
	return nil
}

// FlushSet flushes every block number in bnos, in the order given — used
// by the journal to push ordered data to its home location before a
// commit becomes durable (spec.md §4.8 step 1).
func (c *Cache) FlushSet(bnos []uint64) error {
	for _, bno := range bnos {
		if err := c.Flush(bno); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops bno's cache entry. The caller must have already
// flushed or discarded any dirty contents; Invalidate refuses to drop a
// dirty page silently and instead is a no-op, matching the spec.md §4.5
// "must not silently drop dirty buffers" invariant.
func (c *Cache) Invalidate(bno uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pages[bno]; ok && p.dirty {
		return
	}
	delete(c.pages, bno)
}

// ForceInvalidate drops bno's cache entry even if dirty, discarding any
// uncommitted writes. Used by the transaction layer to roll back staged
// metadata on abort (spec.md §4.8 failure semantics: "discard staged
// metadata from the page cache").
func (c *Cache) ForceInvalidate(bno uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, bno)
}

// Read is a convenience that returns a defensive copy of the cached
// block's contents, loading it on a miss (read-your-writes semantics).
func (c *Cache) Read(bno uint64) (disk.Block, error) {
	blk, err := c.Get(bno)
	if err != nil {
		return nil, err
	}
	out := make(disk.Block, len(blk))
	copy(out, blk)
	return out, nil
}
