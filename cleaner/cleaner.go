// Package cleaner implements the cost-benefit segment cleaner
// (spec.md §4.5): the garbage collector that picks the most
// profitable-to-clean segments, relocates their still-live blocks
// forward through the log, and returns the emptied segments to the
// allocator's free ring.
//
// Grounded on xv6 fs.c's gc_select_victim/gc_clean_segment family for
// the scoring and relocation algorithm. CleanSegment walks a victim's
// SSB entries in write order; it does not sort, deduplicate or lock
// the blocks it relocates.
package cleaner

import (
	"sort"
	"sync"

	"github.com/Mercury-727/lfs-xv6/alloc"
	"github.com/Mercury-727/lfs-xv6/bufcache"
	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/imap"
	"github.com/Mercury-727/lfs-xv6/inode"
	"github.com/Mercury-727/lfs-xv6/internal/util"
	"github.com/Mercury-727/lfs-xv6/lfserr"
	"github.com/Mercury-727/lfs-xv6/ssb"
	"github.com/Mercury-727/lfs-xv6/sut"
)

// State names the cleaner's current phase, for diagnostics.
type State int

const (
	Idle State = iota
	Selecting
	Cleaning
	Sealing
	Syncing
)

func (s State) String() string {
	switch s {
	case Selecting:
		return "SELECTING"
	case Cleaning:
		return "CLEANING"
	case Sealing:
		return "SEALING"
	case Syncing:
		return "SYNCING"
	default:
		return "IDLE"
	}
}

// Cleaner owns no long-lived state besides its current phase; all
// durable state (segment usage, imap, the log tail) lives in the
// tables it's handed at construction.
type Cleaner struct {
	mu    sync.Mutex
	state State

	cache *bufcache.Cache
	cfg   common.Config
	sut   *sut.Table
	imap  *imap.Map
	alloc *alloc.Allocator
}

func New(cache *bufcache.Cache, cfg common.Config, sutTable *sut.Table, im *imap.Map, a *alloc.Allocator) *Cleaner {
	return &Cleaner{cache: cache, cfg: cfg, sut: sutTable, imap: im, alloc: a}
}

func (c *Cleaner) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the cleaner's current phase.
func (c *Cleaner) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

type candidate struct {
	seg   uint64
	util  uint64 // 0-100
	score uint64
}

// score implements spec.md §4.5's cost-benefit formula: fully-live
// segments (u>=100) never score above zero; otherwise score rewards
// low utilization and old age.
func score(u uint64, age uint64) uint64 {
	if u >= 100 {
		return 0
	}
	return (100 - u) * age * 1000 / (100 + u)
}

func segCapacityBytes(cfg common.Config) uint64 {
	return (cfg.SegSize - 1) * cfg.BlockSize
}

// selectVictims returns up to GCTargetSegs segment indices ordered by
// score, skipping the segment currently being written to. Segments at
// or above GCUtilThreshold are excluded unless nothing else qualifies.
func (c *Cleaner) selectVictims() []uint64 {
	curSeg := c.alloc.CurSeg()
	segCap := segCapacityBytes(c.cfg)
	now := c.alloc.Tick()

	var under, over []candidate
	for seg := uint64(0); seg < c.cfg.NSegs; seg++ {
		if seg == curSeg || c.sut.IsFree(seg) {
			continue
		}
		live, stamp := c.sut.Read(seg)
		age := uint64(0)
		if now > stamp {
			age = now - stamp
		}
		u := uint64(0)
		if segCap > 0 {
			u = live * 100 / segCap
		}
		cd := candidate{seg: seg, util: u, score: score(u, age)}
		if u >= c.cfg.GCUtilThreshold {
			over = append(over, cd)
		} else {
			under = append(under, cd)
		}
	}

	byScoreDesc := func(cs []candidate) {
		sort.Slice(cs, func(i, j int) bool { return cs[i].score > cs[j].score })
	}
	byScoreDesc(under)
	byScoreDesc(over)

	pool := under
	if len(pool) == 0 {
		pool = over
	}
	n := c.cfg.GCTargetSegs
	if uint64(len(pool)) < n {
		n = uint64(len(pool))
	}
	out := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, pool[i].seg)
	}
	return out
}

// Run selects victims and cleans them, returning at least one freed
// segment to the allocator's free ring on success. It is the GCFunc
// the facade wires into the allocator.
func (c *Cleaner) Run() error {
	// Progress guard (spec.md §4.5): relocating live blocks out of a
	// victim writes them through the ordinary allocator path, which
	// consumes tail space in whatever segment is currently open. With
	// less than half a segment of tail space left and no already-freed
	// segment to fall back on, a cleaning pass could run out of room
	// mid-relocation and re-enter GC from inside GC (see DESIGN.md).
	// Abort before touching anything rather than risk that.
	if c.alloc.RemainingTailBlocks() < c.cfg.SegSize/2 && c.alloc.FreeRingLen() == 0 {
		c.alloc.MarkGCFailed()
		return lfserr.ErrOutOfSpace
	}

	c.setState(Selecting)
	victims := c.selectVictims()
	if len(victims) == 0 {
		c.setState(Idle)
		return lfserr.ErrOutOfSpace
	}

	freed := 0
	for _, seg := range victims {
		c.setState(Cleaning)
		if err := c.CleanSegment(seg); err != nil {
			util.DPrintf(1, "cleaner", "CleanSegment(%d) failed: %v", seg, err)
			continue
		}
		c.setState(Sealing)
		c.sut.MarkFree(seg)
		c.alloc.PushFree(seg)
		freed++
	}

	c.setState(Syncing)
	if err := c.sut.Persist(c.cache, c.cfg); err != nil {
		c.setState(Idle)
		return err
	}
	c.setState(Idle)

	if freed == 0 {
		return lfserr.ErrOutOfSpace
	}
	// Progress guard (spec.md §4.5): if cleaning made essentially no
	// dent in overall occupancy, report failure so the allocator's
	// gc_failed latch trips instead of spinning forever on no-op runs.
	if c.sut.FreeFraction(c.cfg)*c.cfg.NSegs/100 == 0 {
		return lfserr.ErrOutOfSpace
	}
	return nil
}

// CleanSegment relocates every still-live block out of seg and leaves
// it ready to be marked free. It locates seg's SSB by its fixed
// reserved-block address, verifies it, and walks its entries in
// write order (entry i describes block SegBase(seg)+i, guaranteed by
// alloc.Allocate). Blocks whose current authoritative location (via
// the imap or the owning inode's Bmap) no longer matches this segment
// are dead and skipped; live ones are copied forward through the
// normal allocator path, which gives them fresh SSB coverage in
// whatever segment is currently open.
func (c *Cleaner) CleanSegment(seg uint64) error {
	ssbBlk, err := c.cache.Bread(c.cfg.SSBBlock(seg))
	if err != nil {
		return err
	}
	decoded, ok := ssb.Decode(c.cfg, ssbBlk.Data)
	c.cache.Brelse(ssbBlk)
	if !ok {
		return c.safetyScan(seg)
	}

	for i, entry := range decoded.Entries {
		block := c.cfg.SegBase(seg) + uint64(i)
		switch entry.Kind {
		case common.KindInode:
			if err := c.relocateInodeBlock(block); err != nil {
				return err
			}
		case common.KindData:
			if err := c.relocateDataBlock(entry.Inum, entry.Offset, block); err != nil {
				return err
			}
		case common.KindIndirect:
			if err := c.relocateIndirectBlock(entry.Inum, block); err != nil {
				return err
			}
		}
	}
	return nil
}

// safetyScan handles a segment whose SSB failed to verify (torn write
// or corruption): rather than guess at DATA/INDIRECT block ownership,
// it only recovers INODE blocks (self-describing via each slot's own
// Inum field) and otherwise leaves the segment marked live so no data
// is silently discarded (spec.md §7: corruption never causes silent
// data loss).
func (c *Cleaner) safetyScan(seg uint64) error {
	util.DPrintf(1, "cleaner", "segment %d has no valid SSB, running safety scan", seg)
	for off := uint64(0); off < c.cfg.SegSize-1; off++ {
		block := c.cfg.SegBase(seg) + off
		if err := c.relocateInodeBlock(block); err != nil {
			return err
		}
	}
	return lfserr.NewCorruption("cleaner.safetyScan", "segment missing valid SSB; only inode blocks recovered")
}

// relocateInodeBlock packs every still-live inode in block into a
// freshly allocated block and repoints the imap at the new slots.
// Slots whose Inum is zero or out of range are skipped, and any other
// slot counts as live only if the imap points at exactly this block
// and slot, which is what lets safetyScan run this same routine over
// non-inode or unrecognized blocks.
func (c *Cleaner) relocateInodeBlock(block common.Bnum) error {
	buf, err := c.cache.Bread(block)
	if err != nil {
		return err
	}
	ipb := c.cfg.IPB()
	type liveSlot struct {
		ino  inode.Inode
		slot uint8
	}
	var live []liveSlot
	for slot := uint64(0); slot < ipb; slot++ {
		ino := inode.GetSlot(c.cfg, buf.Data, slot)
		if ino.Inum == common.NULLINUM || ino.Inum >= c.cfg.NInodes {
			continue
		}
		curBlock, _, curSlot, ok := c.imap.Lookup(ino.Inum)
		if ok && curBlock == block && curSlot == uint8(slot) {
			live = append(live, liveSlot{ino: ino, slot: uint8(slot)})
		}
	}
	c.cache.Brelse(buf)
	if len(live) == 0 {
		return nil
	}

	newBlock, err := c.alloc.Allocate(common.KindInode, live[0].ino.Inum, 0, 0)
	if err != nil {
		return err
	}
	newBlk := inode.NewBlock(c.cfg)
	for i, ls := range live {
		inode.PutSlot(c.cfg, newBlk, uint64(i), ls.ino)
	}
	nbuf, err := c.cache.Bread(newBlock)
	if err != nil {
		return err
	}
	copy(nbuf.Data, newBlk)
	if err := c.cache.Bwrite(nbuf); err != nil {
		c.cache.Brelse(nbuf)
		return err
	}
	c.cache.Brelse(nbuf)

	for i, ls := range live {
		c.imap.Relocate(ls.ino.Inum, newBlock, uint8(i))
	}
	return nil
}

func (c *Cleaner) loadIndirect(block common.Bnum) ([]common.Bnum, error) {
	buf, err := c.cache.Bread(block)
	if err != nil {
		return nil, err
	}
	ptrs := inode.DecodeIndirect(c.cfg, buf.Data)
	c.cache.Brelse(buf)
	return ptrs, nil
}

// relocateDataBlock moves a single data block forward if it is still
// the current copy for (inum, offset). Data reachable only through
// the indirect block also requires rewriting the indirect block: the
// imap gives the inode itself one level of indirection, so that
// rewrite stops the cascade there.
func (c *Cleaner) relocateDataBlock(inum common.Inum, offset uint64, block common.Bnum) error {
	ino, err := c.imap.IRead(inum)
	if err != nil {
		return nil // inode gone: block is dead
	}
	cur, err := ino.Bmap(c.cfg, offset, c.loadIndirect)
	if err != nil || cur != block {
		return nil // superseded or truncated: dead
	}

	buf, err := c.cache.Bread(block)
	if err != nil {
		return err
	}
	data := append([]byte(nil), buf.Data...)
	c.cache.Brelse(buf)

	if offset < c.cfg.NDirect {
		newBlock, err := c.alloc.Allocate(common.KindData, inum, offset, 0)
		if err != nil {
			return err
		}
		if err := c.writeThrough(newBlock, data); err != nil {
			return err
		}
		ino.Addrs[offset] = newBlock
		c.imap.IUpdate(inum, ino)
		return nil
	}

	ind := ino.Addrs[c.cfg.NDirect]
	ptrs, err := c.loadIndirect(ind)
	if err != nil {
		return err
	}
	c.sut.Update(c.cfg, c.cfg.SegOf(ind), -int64(c.cfg.BlockSize))
	newDataBlock, err := c.alloc.Allocate(common.KindData, inum, offset, 0)
	if err != nil {
		return err
	}
	if err := c.writeThrough(newDataBlock, data); err != nil {
		return err
	}
	idx := offset - c.cfg.NDirect
	ptrs[idx] = newDataBlock

	newIndBlock, err := c.alloc.Allocate(common.KindIndirect, inum, 0, 0)
	if err != nil {
		return err
	}
	if err := c.writeThrough(newIndBlock, inode.EncodeIndirect(c.cfg, ptrs)); err != nil {
		return err
	}
	ino.Addrs[c.cfg.NDirect] = newIndBlock
	c.imap.IUpdate(inum, ino)
	return nil
}

// relocateIndirectBlock moves an inode's indirect block verbatim if
// block is still its current copy — used when the indirect block
// itself falls in the segment being cleaned but none of its data
// blocks triggered the move first.
func (c *Cleaner) relocateIndirectBlock(inum common.Inum, block common.Bnum) error {
	ino, err := c.imap.IRead(inum)
	if err != nil {
		return nil
	}
	if ino.Addrs[c.cfg.NDirect] != block {
		return nil
	}
	ptrs, err := c.loadIndirect(block)
	if err != nil {
		return err
	}
	newBlock, err := c.alloc.Allocate(common.KindIndirect, inum, 0, 0)
	if err != nil {
		return err
	}
	if err := c.writeThrough(newBlock, inode.EncodeIndirect(c.cfg, ptrs)); err != nil {
		return err
	}
	ino.Addrs[c.cfg.NDirect] = newBlock
	c.imap.IUpdate(inum, ino)
	return nil
}

func (c *Cleaner) writeThrough(block common.Bnum, data []byte) error {
	buf, err := c.cache.Bread(block)
	if err != nil {
		return err
	}
	copy(buf.Data, data)
	err = c.cache.Bwrite(buf)
	c.cache.Brelse(buf)
	return err
}
