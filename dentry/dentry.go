// Package dentry is the path→inode cache of spec.md §4.6: absolute
// paths map to inode numbers, with negative-result caching for paths
// known not to exist, and directory-prefix invalidation on any
// mutating operation. It is grounded on shardmap/shardmap.go's
// RWMutex-guarded map idiom, generalized from that package's N-way
// sharded block map down to a single map, since the dentry cache's
// workload — interactive path lookups during a single-threaded
// dispatch loop (spec.md §5) — has no concurrent-writer contention to
// shard away.
package dentry

import (
	"strings"
	"sync"

	"github.com/wayne70211/wayne-fs/common"
)

// entry is either a positive hit (Negative == false, Ino/Kind valid)
// or a negative hit recording that the path is known not to exist.
type entry struct {
	ino      uint32
	kind     common.Kind
	negative bool
}

// Cache maps absolute paths to inode numbers. It is advisory: callers
// must validate a positive hit against the inode table (spec.md §4.6's
// "cheap identity check") before trusting it, since the cache itself
// has no way to detect an inode reused by a concurrent component.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Lookup returns a cached result for path. ok is false on a cache
// miss; when ok is true, negative distinguishes a cached "does not
// exist" result from a positive (ino, kind) hit.
func (c *Cache) Lookup(path string) (ino uint32, kind common.Kind, negative bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[path]
	if !found {
		return 0, 0, false, false
	}
	return e.ino, e.kind, e.negative, true
}

// Insert records a positive hit: path resolves to ino of kind.
func (c *Cache) Insert(path string, ino uint32, kind common.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = entry{ino: ino, kind: kind}
}

// InsertNegative records that path is known not to exist.
func (c *Cache) InsertNegative(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = entry{negative: true}
}

// Invalidate drops path's cached entry, if any — used when a hit fails
// the identity check.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// InvalidatePrefix drops every cached entry whose path starts with
// dirPath, per spec.md §4.6's invalidation rule for unlink, rmdir,
// rename, symlink, create, and mkdir. This is the spec's own
// "simplest correct policy" — a literal prefix match, which may
// over-invalidate (e.g. "/foo" also matches "/foobar") but never
// under-invalidates.
func (c *Cache) InvalidatePrefix(dirPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path := range c.entries {
		if strings.HasPrefix(path, dirPath) {
			delete(c.entries, path)
		}
	}
}
