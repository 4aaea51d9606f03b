// Package icache is a reference implementation of the in-memory
// inode/dentry cache spec.md §6 declares external: iget/ilock/iunlock
// and the iput-on-last-ref trigger that calls into imap.IFree. Its
// internals (eviction, dentry format) are not part of the contract;
// it exists so ifree's "on nlink=0 + ref=0" condition (§4.4) is
// exercisable by tests. Grounded on lockmap's sleep-lock discipline,
// applied here to inode numbers (spec.md §5 tier 4) instead of block
// numbers (tier 5, used by bufcache).
package icache

import (
	"sync"

	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/lockmap"
)

// Handle is an in-memory reference to an inode: ref counts live
// handles, and Nlink is a cached link count that the owner sets (Iget
// does not load it from disk).
type Handle struct {
	Inum  common.Inum
	mu    sync.Mutex
	ref   int
	Nlink int
}

// FreeFunc is called when the last reference to an inode with Nlink
// == 0 is released — the icache's caller wires this to imap.IFree.
type FreeFunc func(inum common.Inum)

// Cache is the in-memory inode table.
type Cache struct {
	mu      sync.Mutex
	handles map[common.Inum]*Handle
	locks   *lockmap.ShardLock
	onFree  FreeFunc
}

// New creates an inode cache. onFree may be nil if the caller manages
// deletion itself.
func New(onFree FreeFunc) *Cache {
	return &Cache{
		handles: make(map[common.Inum]*Handle),
		locks:   lockmap.New(),
		onFree:  onFree,
	}
}

// Iget returns a referenced Handle for inum, creating one if this is
// the first reference.
func (c *Cache) Iget(inum common.Inum) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[inum]
	if !ok {
		h = &Handle{Inum: inum}
		c.handles[inum] = h
	}
	h.ref++
	return h
}

// Ilock acquires the per-inode sleep-lock (spec.md §5 tier 4); may
// suspend. Caller must hold a Handle from Iget.
func (c *Cache) Ilock(h *Handle) {
	c.locks.Acquire(h.Inum)
}

// Iunlock releases the sleep-lock acquired by Ilock.
func (c *Cache) Iunlock(h *Handle) {
	c.locks.Release(h.Inum)
}

// Iput releases a reference. If this was the last reference and
// Nlink == 0, onFree is invoked (§6's "iput on last ref with nlink==0
// invokes ifree").
func (c *Cache) Iput(h *Handle) {
	c.mu.Lock()
	h.ref--
	last := h.ref == 0
	nlink := h.Nlink
	if last {
		delete(c.handles, h.Inum)
	}
	c.mu.Unlock()
	if last && nlink == 0 && c.onFree != nil {
		c.onFree(h.Inum)
	}
}
