// Package bufcache is a reference implementation of the block-device
// buffer cache that spec.md §6 declares an external collaborator: it
// is consumed by every other package here (Bread/Bwrite/Brelse), but
// its internals are not part of the contract — a real kernel would
// supply its own, with its own eviction policy. This one exists so
// the core has something to run against in tests.
//
// It is grounded on the teacher's shardmap (sharding block state
// across a fixed table to bound lock contention) combined with
// lockmap's refcounted-wait discipline, generalized here from "shard
// maps a block number to its latest bytes" to "shard maps a block
// number to a pinned, lockable buffer".
package bufcache

import (
	"sync"

	"github.com/Mercury-727/lfs-xv6/diskio"
	"github.com/Mercury-727/lfs-xv6/lockmap"
)

// Buf is a pinned, in-memory copy of one disk block. Callers must hold
// a Buf returned by Bread across any read-modify-write and release it
// with Brelse when done; spec.md §5 tier 5 treats this as a brief
// sleep-lock, which here is simply "don't call Bwrite/Brelse
// concurrently on the same Buf from two goroutines". The ShardLock is
// held only inside Bread while it finds or loads the block; it does
// not serialize access between callers that each hold a Buf.
type Buf struct {
	Blockno uint64
	Data    []byte

	cache *Cache
}

type entry struct {
	mu   sync.Mutex
	data []byte
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[uint64]*entry
}

const nshards = 257

// Cache is a sharded pinned-buffer cache over a diskio.Disk.
type Cache struct {
	disk  diskio.Disk
	locks *lockmap.ShardLock
	shards [nshards]*shard
}

// New wraps d in a buffer cache.
func New(d diskio.Disk) *Cache {
	c := &Cache{disk: d, locks: lockmap.New()}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[uint64]*entry)}
	}
	return c
}

func (c *Cache) shardFor(a uint64) *shard {
	return c.shards[a%nshards]
}

// Bread reads block a, pinning it in the cache. The caller must call
// Brelse exactly once per successful Bread.
func (c *Cache) Bread(a uint64) (*Buf, error) {
	c.locks.Acquire(a)
	defer c.locks.Release(a)

	s := c.shardFor(a)
	s.mu.Lock()
	e, ok := s.entries[a]
	if !ok {
		e = &entry{}
		s.entries[a] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	if e.data == nil {
		blk, err := c.disk.Read(a)
		if err != nil {
			e.mu.Unlock()
			c.unref(a)
			return nil, err
		}
		e.data = blk
	}
	data := append([]byte(nil), e.data...)
	e.mu.Unlock()

	return &Buf{Blockno: a, Data: data, cache: c}, nil
}

// Bwrite writes buf's current contents through to disk and updates
// the cached copy. buf must have come from Bread on the same Cache.
func (c *Cache) Bwrite(buf *Buf) error {
	if err := c.disk.Write(buf.Blockno, buf.Data); err != nil {
		return err
	}
	s := c.shardFor(buf.Blockno)
	s.mu.Lock()
	e := s.entries[buf.Blockno]
	s.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		e.data = append([]byte(nil), buf.Data...)
		e.mu.Unlock()
	}
	return nil
}

// Brelse releases a previously-pinned buffer. It is safe to call from
// any error-return path; every allocator/cleaner call releases its
// pins on every exit, including errors, so panics or early returns
// cannot leak pins.
func (c *Cache) Brelse(buf *Buf) {
	if buf == nil {
		return
	}
	c.unref(buf.Blockno)
}

func (c *Cache) unref(a uint64) {
	s := c.shardFor(a)
	s.mu.Lock()
	e, ok := s.entries[a]
	if ok {
		e.refs--
		if e.refs <= 0 {
			delete(s.entries, a)
		}
	}
	s.mu.Unlock()
}

// Barrier forwards to the underlying disk.
func (c *Cache) Barrier() error { return c.disk.Barrier() }

// Disk exposes the underlying device, for components (checkpoint,
// super) that intentionally bypass the cache for fixed, rarely-read
// metadata blocks.
func (c *Cache) Disk() diskio.Disk { return c.disk }
