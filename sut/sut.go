// Package sut implements the Segment Usage Table (spec.md §4.3): one
// in-memory record per segment tracking its live-byte count and age,
// persisted to a fixed set of on-disk blocks with only the changed
// blocks rewritten.
//
// Grounded on the teacher's alloc/alloc.go, which keeps an in-memory
// bitmap mirroring on-disk allocation state and persists only the
// blocks whose bits changed; generalized here from per-bit free/used
// bitmap blocks to per-segment {live bytes, age} records, since a
// cleaner needs more than one bit of state per segment to score victims.
package sut

import (
	"sync"

	"github.com/tchajed/marshal"

	"github.com/Mercury-727/lfs-xv6/bufcache"
	"github.com/Mercury-727/lfs-xv6/common"
)

// freeSentinel marks a segment as free — not holding any live data —
// per spec.md §4.3's "ALL-ONES marks free" rule.
const freeSentinel uint64 = ^uint64(0)

const entryWords = 2 // live bytes, age

// entriesPerBlock returns how many SUT entries fit in one block.
func entriesPerBlock(cfg common.Config) uint64 {
	return cfg.BlockSize / 8 / entryWords
}

// Capacity returns how many segments the fixed SUT region can describe.
func Capacity(cfg common.Config) uint64 {
	return entriesPerBlock(cfg) * common.NSutBlocks
}

type segInfo struct {
	liveBytes uint64
	age       uint64
}

func (s segInfo) free() bool { return s.liveBytes == freeSentinel }

// Table is the in-memory Segment Usage Table, one per mounted filesystem.
type Table struct {
	mu      sync.Mutex
	entries []segInfo
	dirty   map[uint64]bool
}

// NewEmpty returns a table with every segment marked free, as a freshly
// formatted filesystem has no live data anywhere.
func NewEmpty(cfg common.Config) *Table {
	t := &Table{
		entries: make([]segInfo, cfg.NSegs),
		dirty:   make(map[uint64]bool),
	}
	for i := range t.entries {
		t.entries[i] = segInfo{liveBytes: freeSentinel, age: 0}
	}
	return t
}

// Read returns segment seg's live-byte count and age. A free segment
// reports liveBytes 0 (callers should use IsFree to distinguish free
// from "zero bytes but allocated").
func (t *Table) Read(seg uint64) (liveBytes uint64, age uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[seg]
	if e.free() {
		return 0, e.age
	}
	return e.liveBytes, e.age
}

// IsFree reports whether segment seg is marked free.
func (t *Table) IsFree(seg uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[seg].free()
}

// MarkAllocated clears the free sentinel for seg and stamps it with
// timestamp as its age, as the allocator does when it starts writing
// into a newly claimed segment (spec.md §4.1).
func (t *Table) MarkAllocated(seg uint64, timestamp uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[seg] = segInfo{liveBytes: 0, age: timestamp}
	t.dirty[seg] = true
}

// MarkFree resets seg to the free sentinel, as the cleaner does once a
// segment has been fully relocated and sealed (spec.md §4.5).
func (t *Table) MarkFree(seg uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[seg] = segInfo{liveBytes: freeSentinel, age: 0}
	t.dirty[seg] = true
}

// Update applies a saturating delta to segment seg's live-byte count:
// writing a block adds blockSize bytes, a block becoming dead (version
// bump, truncate, or relocation-source) subtracts it. The count never
// goes negative or above one full segment's data capacity (spec.md §4.3).
func (t *Table) Update(cfg common.Config, seg uint64, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[seg]
	if e.free() {
		e.liveBytes = 0
	}
	segCap := (cfg.SegSize - 1) * cfg.BlockSize
	if delta >= 0 {
		add := uint64(delta)
		if e.liveBytes+add > segCap || e.liveBytes+add < e.liveBytes {
			e.liveBytes = segCap
		} else {
			e.liveBytes += add
		}
	} else {
		sub := uint64(-delta)
		if sub >= e.liveBytes {
			e.liveBytes = 0
		} else {
			e.liveBytes -= sub
		}
	}
	t.dirty[seg] = true
}

func blockIndex(cfg common.Config, seg uint64) uint64 {
	return seg / entriesPerBlock(cfg)
}

func slotInBlock(cfg common.Config, seg uint64) uint64 {
	return seg % entriesPerBlock(cfg)
}

func encodeBlock(cfg common.Config, entries []segInfo) []byte {
	enc := marshal.NewEnc(cfg.BlockSize)
	for _, e := range entries {
		enc.PutInt(e.liveBytes)
		enc.PutInt(e.age)
	}
	return enc.Finish()
}

func decodeBlock(cfg common.Config, blk []byte, n uint64) []segInfo {
	dec := marshal.NewDec(blk)
	out := make([]segInfo, n)
	for i := uint64(0); i < n; i++ {
		out[i] = segInfo{liveBytes: dec.GetInt(), age: dec.GetInt()}
	}
	return out
}

// Load populates the table from the NSutBlocks fixed on-disk blocks
// starting at cfg.SutStart, as mount-time recovery does after reading
// the checkpoint.
func Load(cache *bufcache.Cache, cfg common.Config) (*Table, error) {
	t := NewEmpty(cfg)
	perBlock := entriesPerBlock(cfg)
	for b := uint64(0); b < common.NSutBlocks; b++ {
		base := b * perBlock
		if base >= cfg.NSegs {
			break
		}
		n := perBlock
		if base+n > cfg.NSegs {
			n = cfg.NSegs - base
		}
		buf, err := cache.Bread(cfg.SutStart + b)
		if err != nil {
			return nil, err
		}
		decoded := decodeBlock(cfg, buf.Data, n)
		cache.Brelse(buf)
		copy(t.entries[base:base+n], decoded)
	}
	return t, nil
}

// Persist rewrites only the SUT blocks containing a segment touched
// since the last Persist, matching the teacher's partial-bitmap-flush
// behavior generalized to segment records.
func (t *Table) Persist(cache *bufcache.Cache, cfg common.Config) error {
	t.mu.Lock()
	dirtyBlocks := make(map[uint64]bool)
	for seg := range t.dirty {
		dirtyBlocks[blockIndex(cfg, seg)] = true
	}
	t.dirty = make(map[uint64]bool)
	t.mu.Unlock()

	perBlock := entriesPerBlock(cfg)
	for blk := range dirtyBlocks {
		base := blk * perBlock
		if base >= cfg.NSegs {
			continue
		}
		n := perBlock
		if base+n > cfg.NSegs {
			n = cfg.NSegs - base
		}
		t.mu.Lock()
		slice := append([]segInfo(nil), t.entries[base:base+n]...)
		t.mu.Unlock()

		buf, err := cache.Bread(cfg.SutStart + blk)
		if err != nil {
			return err
		}
		copy(buf.Data, encodeBlock(cfg, slice))
		err = cache.Bwrite(buf)
		cache.Brelse(buf)
		if err != nil {
			return err
		}
	}
	return nil
}

// PersistAll rewrites every SUT block unconditionally, used once at
// format time to establish the free-sentinel image on disk (ordinary
// operation uses the cheaper dirty-tracking Persist).
func (t *Table) PersistAll(cache *bufcache.Cache, cfg common.Config) error {
	perBlock := entriesPerBlock(cfg)
	for b := uint64(0); b < common.NSutBlocks; b++ {
		base := b * perBlock
		if base >= cfg.NSegs {
			break
		}
		n := perBlock
		if base+n > cfg.NSegs {
			n = cfg.NSegs - base
		}
		t.mu.Lock()
		slice := append([]segInfo(nil), t.entries[base:base+n]...)
		t.mu.Unlock()

		buf, err := cache.Bread(cfg.SutStart + b)
		if err != nil {
			return err
		}
		copy(buf.Data, encodeBlock(cfg, slice))
		err = cache.Bwrite(buf)
		cache.Brelse(buf)
		if err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.dirty = make(map[uint64]bool)
	t.mu.Unlock()
	return nil
}

// FreeFraction returns the fraction (0-100) of segments currently
// marked free, the quantity alloc.Allocator compares against
// GCThreshold to decide whether to invoke the cleaner, and that
// cleaner.Run converts back into a free-segment count for its
// progress guard (spec.md §4.1/§4.5).
func (t *Table) FreeFraction(cfg common.Config) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	free := uint64(0)
	for _, e := range t.entries {
		if e.free() {
			free++
		}
	}
	if cfg.NSegs == 0 {
		return 0
	}
	return free * 100 / cfg.NSegs
}

// NSegsTotal returns how many segments the table tracks. Victim
// selection itself lives in the cleaner package (spec.md §4.5); Table
// only exposes the raw (liveBytes, age) pairs via Read/IsFree for it
// to score.
func (t *Table) NSegsTotal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(len(t.entries))
}
