// Package alloc implements the log-tail block allocator (spec.md
// §4.1): every write appends to the current segment, rolling over to
// a free segment (invoking the cleaner when none is immediately
// available) and sealing each segment's SSB as it fills.
//
// Grounded on the teacher's txn.Txn, which serializes writes behind a
// single lock and hands off to the WAL once a batch is ready;
// generalized here from "buffer writes, then append the whole batch to
// the WAL" to "append each write directly to the log tail, rolling
// over segments in place" — an LFS has no WAL in front of its log,
// the segment log *is* the WAL.
package alloc

import (
	"sync"

	"github.com/Mercury-727/lfs-xv6/bufcache"
	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/internal/util"
	"github.com/Mercury-727/lfs-xv6/lfserr"
	"github.com/Mercury-727/lfs-xv6/ssb"
	"github.com/Mercury-727/lfs-xv6/sut"
)

// GCFunc is invoked when the allocator cannot find a free segment to
// roll into. It should clean at least one segment and return. The
// facade wires this to cleaner.Cleaner.Run once both are constructed
// (alloc cannot import cleaner: the cleaner itself calls back into
// Allocate to relocate live blocks).
type GCFunc func() error

// Allocator is the single owner of the log tail: current segment,
// offset within it, and the in-memory SSB buffer for that segment.
// Callers must never write a block without going through Allocate, or
// I1/I6 (SSB coverage, reserved last block) are no longer guaranteed.
type Allocator struct {
	mu sync.Mutex

	cache *bufcache.Cache
	cfg   common.Config
	sut   *sut.Table
	ssb   *ssb.Buffer

	curSeg    uint64
	segOffset uint64 // next free data-block offset within curSeg, 0..SegSize-2; SegSize-1 once every data block is used
	freeRing  []uint64
	gcFailed  bool
	clock     uint64 // monotonically increasing logical timestamp

	gc GCFunc
}

// New constructs an allocator starting at segment curSeg, offset
// segOffset (as recovered from the checkpoint, or (0,0) fresh).
func New(cache *bufcache.Cache, cfg common.Config, sutTable *sut.Table, curSeg, segOffset uint64) *Allocator {
	return &Allocator{
		cache:     cache,
		cfg:       cfg,
		sut:       sutTable,
		ssb:       ssb.New(),
		curSeg:    curSeg,
		segOffset: segOffset,
	}
}

// SetGC wires the cleaner callback after both the allocator and the
// cleaner have been constructed by the facade.
func (a *Allocator) SetGC(gc GCFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gc = gc
}

// Tick returns the next logical timestamp, used both for segment ages
// and checkpoint headers so the whole filesystem shares one clock.
func (a *Allocator) Tick() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock++
	return a.clock
}

// CurSeg and SegOffset expose the log tail position for checkpointing.
func (a *Allocator) CurSeg() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.curSeg
}

func (a *Allocator) SegOffset() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.segOffset
}

// SSB exposes the live SSB buffer for introspection (its entry count,
// whether a flush is pending) without exposing the allocator's
// internal lock.
func (a *Allocator) SSB() *ssb.Buffer {
	return a.ssb
}

// PushFree returns a cleaned segment to the free ring, letting the
// allocator roll into out-of-order cleaned segments instead of only
// ever advancing sequentially (spec.md §4.5).
func (a *Allocator) PushFree(seg uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeRing = append(a.freeRing, seg)
	a.gcFailed = false
}

// Allocate appends one block to the log tail tagged with an SSB entry
// (kind, inum, offset, version), returning its address. Every
// non-reserved block written into a segment gets exactly one entry,
// in the same order it was written, so the entry at list position i
// always describes the block at SegBase(seg)+i — I1's "every
// completed segment has exactly one SSB covering its non-reserved
// blocks" (spec.md §4.1/§4.2), with no gaps the cleaner would have to
// guess at. Internal metadata (imap/SUT/checkpoint) lives at fixed
// addresses and never goes through Allocate at all.
func (a *Allocator) Allocate(kind common.Kind, inum common.Inum, offset uint64, version uint64) (common.Bnum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.maybeRollSegment(); err != nil {
		return 0, err
	}

	block := a.cfg.SegBase(a.curSeg) + a.segOffset
	a.segOffset++
	a.sut.Update(a.cfg, a.curSeg, int64(a.cfg.BlockSize))

	if !a.ssb.Add(a.cfg, ssb.Entry{Kind: kind, Inum: inum, Offset: offset, Version: version}) {
		lfserr.PanicInvariant("alloc.Allocate", "SSB buffer full mid-segment: capacity must cover SegSize-1 blocks")
	}
	return block, nil
}

// SealCurrent force-seals the segment currently being written to, even
// though it isn't full, writing its SSB and rolling to a fresh
// segment. Sync calls this so every block ever written is covered by
// a persisted SSB by the time Sync returns — a crash never leaves a
// segment's worth of blocks undescribed (I1), at the cost of wasting
// whatever blocks remained unused in the sealed segment. A no-op if
// nothing has been written into the current segment since the last
// roll.
func (a *Allocator) SealCurrent() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.segOffset == 0 {
		return nil
	}
	if err := a.sealCurrentSegment(); err != nil {
		return err
	}
	return a.rollToFreeSegment()
}

// maybeRollSegment seals the current segment and advances to a free
// one if the log tail has reached the last, SSB-reserved block.
// Caller must hold a.mu.
func (a *Allocator) maybeRollSegment() error {
	if a.segOffset < a.cfg.SegSize-1 {
		return nil
	}
	if err := a.sealCurrentSegment(); err != nil {
		return err
	}
	return a.rollToFreeSegment()
}

// sealCurrentSegment reserves the segment's last block for its SSB and
// writes it, even if no entries were ever added — I1 requires every
// completed segment to carry exactly one SSB.
func (a *Allocator) sealCurrentSegment() error {
	ssbBlock := a.cfg.SSBBlock(a.curSeg)
	a.ssb.PrepareReserved(ssbBlock)
	return a.ssb.WritePending(a.cache, a.cfg)
}

// rollToFreeSegment picks the next segment to write into, preferring
// the free ring (out-of-order cleaned segments) over sequential
// advance, invoking GC when neither is available. Caller holds a.mu.
func (a *Allocator) rollToFreeSegment() error {
	a.maybeTriggerGC()

	next, ok := a.popFreeRing()
	if !ok {
		seq := (a.curSeg + 1) % a.cfg.NSegs
		if a.sut.IsFree(seq) {
			next, ok = seq, true
		}
	}
	if !ok {
		if a.gc == nil || a.gcFailed {
			a.gcFailed = true
			return lfserr.ErrOutOfSpace
		}
		gc := a.gc
		a.mu.Unlock()
		err := gc()
		a.mu.Lock()
		if err != nil {
			a.gcFailed = true
			return lfserr.ErrOutOfSpace
		}
		next, ok = a.popFreeRing()
		if !ok {
			seq := (a.curSeg + 1) % a.cfg.NSegs
			if a.sut.IsFree(seq) {
				next, ok = seq, true
			}
		}
		if !ok {
			a.gcFailed = true
			return lfserr.ErrOutOfSpace
		}
	}

	a.clock++
	a.sut.MarkAllocated(next, a.clock)
	a.curSeg = next
	a.segOffset = 0
	return nil
}

func (a *Allocator) popFreeRing() (uint64, bool) {
	if len(a.freeRing) == 0 {
		return 0, false
	}
	seg := a.freeRing[0]
	a.freeRing = a.freeRing[1:]
	return seg, true
}

// maybeTriggerGC opportunistically runs the cleaner when free space is
// getting low, rather than only at the point allocation would
// otherwise fail (spec.md §4.5 "GC-triggering logic"). Best-effort:
// failures are logged, not fatal, since rollToFreeSegment's own retry
// path still handles the blocking case. Caller holds a.mu.
func (a *Allocator) maybeTriggerGC() {
	if a.gc == nil || a.gcFailed {
		return
	}
	if 100-a.sut.FreeFraction(a.cfg) < a.cfg.GCThreshold {
		return
	}
	gc := a.gc
	a.mu.Unlock()
	if err := gc(); err != nil {
		util.DPrintf(1, "alloc", "opportunistic GC failed: %v", err)
	}
	a.mu.Lock()
}

// GCFailed reports whether the allocator is latched in the
// out-of-space state after an unsuccessful cleaning attempt, or after
// a roll found no free segment with no cleaner wired.
func (a *Allocator) GCFailed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gcFailed
}

// RemainingTailBlocks reports how many data blocks are left before the
// current segment rolls over, used by the cleaner's progress guard to
// judge whether a cleaning pass has room to relocate into without
// itself needing to roll mid-relocation.
func (a *Allocator) RemainingTailBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.SegSize - 1 - a.segOffset
}

// FreeRingLen reports how many already-cleaned segments are queued,
// ready to roll into without invoking GC again.
func (a *Allocator) FreeRingLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.freeRing)
}

// MarkGCFailed latches the out-of-space state directly. Used by the
// cleaner's progress guard when it aborts before attempting any
// relocation at all, so the allocator's retry path doesn't keep
// invoking a cleaner that has already judged itself unsafe to run.
func (a *Allocator) MarkGCFailed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gcFailed = true
}
