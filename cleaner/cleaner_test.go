package cleaner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mercury-727/lfs-xv6/alloc"
	"github.com/Mercury-727/lfs-xv6/bufcache"
	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/diskio"
	"github.com/Mercury-727/lfs-xv6/imap"
	"github.com/Mercury-727/lfs-xv6/inode"
	"github.com/Mercury-727/lfs-xv6/lfserr"
	"github.com/Mercury-727/lfs-xv6/sut"
)

func testSetup(t *testing.T, nsegs uint64) (*bufcache.Cache, common.Config, *sut.Table, *alloc.Allocator, *imap.Map) {
	cfg := common.DefaultConfig()
	cfg.NSegs = nsegs
	cfg.NInodes = 32
	d := diskio.NewMemDisk(cfg.SegStart+nsegs*cfg.SegSize, cfg.BlockSize)
	cache := bufcache.New(d)
	sutTable := sut.NewEmpty(cfg)
	sutTable.MarkAllocated(0, 1)
	a := alloc.New(cache, cfg, sutTable, 0, 0)
	im := imap.New(cache, cfg, sutTable, a)
	return cache, cfg, sutTable, a, im
}

func TestScoreZeroWhenFull(t *testing.T) {
	assert.Equal(t, uint64(0), score(100, 50))
	assert.Equal(t, uint64(0), score(150, 50))
}

func TestScoreRewardsLowUtilAndAge(t *testing.T) {
	low := score(10, 100)
	high := score(90, 100)
	assert.Greater(t, low, high)

	young := score(50, 1)
	old := score(50, 100)
	assert.Greater(t, old, young)
}

func TestSelectVictimsExcludesCurrentAndFreeSegments(t *testing.T) {
	_, cfg, sutTable, a, im := testSetup(t, 5)
	c := New(nil, cfg, sutTable, im, a)
	sutTable.MarkAllocated(1, 5)
	sutTable.Update(cfg, 1, int64(cfg.BlockSize))
	sutTable.MarkAllocated(2, 10)
	sutTable.Update(cfg, 2, int64(cfg.BlockSize)*2)
	// segments 3, 4 stay free; segment 0 is curSeg

	victims := c.selectVictims()
	for _, v := range victims {
		assert.NotEqual(t, uint64(0), v, "current segment must never be selected")
		assert.False(t, sutTable.IsFree(v))
	}
	assert.ElementsMatch(t, []uint64{1, 2}, victims)
}

func TestCleanSegmentRelocatesLiveInodeAndDropsDead(t *testing.T) {
	cache, cfg, sutTable, a, im := testSetup(t, 4)
	c := New(cache, cfg, sutTable, im, a)

	liveInum, err := im.IAlloc(common.TypeFile)
	require.NoError(t, err)
	deadInum, err := im.IAlloc(common.TypeFile)
	require.NoError(t, err)
	require.NoError(t, im.Flush())

	victimSeg := cfg.SegOf(func() common.Bnum {
		b, _, _, ok := im.Lookup(liveInum)
		require.True(t, ok)
		return b
	}())

	// Free deadInum so its slot becomes stale before cleaning.
	im.IFree(deadInum)

	require.NoError(t, a.SealCurrent()) // move curSeg off the victim
	require.NoError(t, c.CleanSegment(victimSeg))

	newBlock, _, _, ok := im.Lookup(liveInum)
	require.True(t, ok)
	assert.NotEqual(t, cfg.SegOf(newBlock), victimSeg, "live inode must have been relocated out of the victim segment")

	_, _, _, ok = im.Lookup(deadInum)
	assert.False(t, ok, "freed inode should remain unused after cleaning")
}

func TestRunFreesAtLeastOneSegmentOnSuccess(t *testing.T) {
	cache, cfg, sutTable, a, im := testSetup(t, 4)
	c := New(cache, cfg, sutTable, im, a)
	a.SetGC(c.Run)

	inum, err := im.IAlloc(common.TypeFile)
	require.NoError(t, err)
	require.NoError(t, im.Flush())
	require.NoError(t, a.SealCurrent())

	require.NoError(t, c.Run())
	assert.Equal(t, Idle, c.State())

	_, _, _, ok := im.Lookup(inum)
	assert.True(t, ok, "the inode must still be reachable after its segment was cleaned")
}

func TestRunFailsWhenNoVictims(t *testing.T) {
	cache, cfg, sutTable, a, im := testSetup(t, 1)
	c := New(cache, cfg, sutTable, im, a)
	err := c.Run()
	assert.Error(t, err)
}

// TestRunProgressGuardAbortsWhenNoRoomToRelocate covers spec.md §4.5's
// progress guard: with less than half a segment of tail space left and
// nothing on the free ring, Run must refuse to start relocating at all
// rather than risk running out of room mid-relocation.
func TestRunProgressGuardAbortsWhenNoRoomToRelocate(t *testing.T) {
	cache, cfg, sutTable, a, im := testSetup(t, 4)
	c := New(cache, cfg, sutTable, im, a)

	// Fill the open segment to just under the half-segment threshold.
	for a.RemainingTailBlocks() >= cfg.SegSize/2 {
		_, err := a.Allocate(common.KindData, 0, 0, 0)
		require.NoError(t, err)
	}
	require.Equal(t, 0, a.FreeRingLen())

	err := c.Run()
	assert.ErrorIs(t, err, lfserr.ErrOutOfSpace)
	assert.True(t, a.GCFailed())
	assert.Equal(t, Idle, c.State(), "guard must abort before entering Selecting/Cleaning")
}

// TestRunProgressGuardSkippedWhenFreeRingNonEmpty confirms the guard
// only fires when both conditions hold: low tail space alone must not
// block a cleaning pass if an already-cleaned segment is available to
// fall back on.
func TestRunProgressGuardSkippedWhenFreeRingNonEmpty(t *testing.T) {
	cache, cfg, sutTable, a, im := testSetup(t, 4)
	c := New(cache, cfg, sutTable, im, a)

	for a.RemainingTailBlocks() >= cfg.SegSize/2 {
		_, err := a.Allocate(common.KindData, 0, 0, 0)
		require.NoError(t, err)
	}
	a.PushFree(1)

	// No segment actually holds live data here, so Run still reports
	// ErrOutOfSpace via the ordinary "no victims" path -- but unlike the
	// guard-triggered case above, it must not have latched gcFailed,
	// since the guard itself never fired.
	_ = c.Run()
	assert.False(t, a.GCFailed())
}

// writeIndirectData allocates a data block through a fresh indirect
// block, at an offset >= NDirect, mirroring lfs.FS.WriteData's COW
// discipline without going through the lfs package.
func writeIndirectData(t *testing.T, cache *bufcache.Cache, cfg common.Config, a *alloc.Allocator, im *imap.Map, inum common.Inum, offset uint64, payload byte) (dataBlock, indBlock common.Bnum) {
	t.Helper()
	ino, err := im.IRead(inum)
	require.NoError(t, err)

	dataBlock, err = a.Allocate(common.KindData, inum, offset, 0)
	require.NoError(t, err)
	dbuf, err := cache.Bread(dataBlock)
	require.NoError(t, err)
	for i := range dbuf.Data {
		dbuf.Data[i] = payload
	}
	require.NoError(t, cache.Bwrite(dbuf))
	cache.Brelse(dbuf)

	ptrs := make([]common.Bnum, cfg.NIndirect())
	ptrs[offset-cfg.NDirect] = dataBlock
	indBlock, err = a.Allocate(common.KindIndirect, inum, 0, 0)
	require.NoError(t, err)
	ibuf, err := cache.Bread(indBlock)
	require.NoError(t, err)
	copy(ibuf.Data, inode.EncodeIndirect(cfg, ptrs))
	require.NoError(t, cache.Bwrite(ibuf))
	cache.Brelse(ibuf)

	ino.Addrs[cfg.NDirect] = indBlock
	if offset+1 > ino.Size/cfg.BlockSize {
		ino.Size = (offset + 1) * cfg.BlockSize
	}
	im.IUpdate(inum, ino)
	return dataBlock, indBlock
}

func loadIndirectFor(t *testing.T, cache *bufcache.Cache, cfg common.Config) func(common.Bnum) ([]common.Bnum, error) {
	return func(bn common.Bnum) ([]common.Bnum, error) {
		buf, err := cache.Bread(bn)
		if err != nil {
			return nil, err
		}
		ptrs := inode.DecodeIndirect(cfg, buf.Data)
		cache.Brelse(buf)
		return ptrs, nil
	}
}

// TestCleanSegmentRelocatesIndirectDataAndReadsBackCorrectly covers the
// scenario spec.md §8's end-to-end list names but which selectVictims/
// CleanSegment's INODE-only test never exercised: a DATA block behind
// an inode's indirect pointer, still live at cleaning time, must come
// out relocated with its bytes intact and readable afterward.
func TestCleanSegmentRelocatesIndirectDataAndReadsBackCorrectly(t *testing.T) {
	cache, cfg, sutTable, a, im := testSetup(t, 4)
	c := New(cache, cfg, sutTable, im, a)

	inum, err := im.IAlloc(common.TypeFile)
	require.NoError(t, err)
	require.NoError(t, im.Flush())

	offset := cfg.NDirect
	dataBlock, _ := writeIndirectData(t, cache, cfg, a, im, inum, offset, 0xAB)
	require.NoError(t, im.Flush())

	victimSeg := cfg.SegOf(dataBlock)
	require.NoError(t, a.SealCurrent())
	require.NoError(t, c.CleanSegment(victimSeg))

	ino, err := im.IRead(inum)
	require.NoError(t, err)
	newBlock, err := ino.Bmap(cfg, offset, loadIndirectFor(t, cache, cfg))
	require.NoError(t, err)
	assert.NotEqual(t, dataBlock, newBlock, "the indirect-addressed data block must have been relocated")
	assert.NotEqual(t, victimSeg, cfg.SegOf(newBlock))

	buf, err := cache.Bread(newBlock)
	require.NoError(t, err)
	for _, b := range buf.Data {
		assert.Equal(t, byte(0xAB), b, "relocated block content must be preserved")
	}
	cache.Brelse(buf)
}

// TestCleanSegmentDecrementsOldIndirectBlockLiveBytes reproduces the
// everyday case where a write's data block and its indirect block land
// in different segments (here forced by padding the first segment to
// its last usable slot before allocating the pair): relocating the
// data block also replaces the indirect block, and the indirect
// block's own (different) segment must lose its live-byte credit for
// the copy being replaced, or that segment's cost-benefit score stays
// wrong forever.
func TestCleanSegmentDecrementsOldIndirectBlockLiveBytes(t *testing.T) {
	cache, cfg, sutTable, a, im := testSetup(t, 6)
	c := New(cache, cfg, sutTable, im, a)

	inum, err := im.IAlloc(common.TypeFile)
	require.NoError(t, err)
	require.NoError(t, im.Flush())

	for a.SegOffset() < cfg.SegSize-2 {
		_, err := a.Allocate(common.KindData, 0, 0, 0)
		require.NoError(t, err)
	}

	offset := cfg.NDirect
	dataBlock, indBlock := writeIndirectData(t, cache, cfg, a, im, inum, offset, 0xCD)
	require.NoError(t, im.Flush())

	segOfData := cfg.SegOf(dataBlock)
	segOfInd := cfg.SegOf(indBlock)
	require.NotEqual(t, segOfData, segOfInd, "test setup must straddle a segment boundary")

	require.NoError(t, a.SealCurrent())

	beforeLive, _ := sutTable.Read(segOfInd)
	require.NoError(t, c.CleanSegment(segOfData))
	afterLive, _ := sutTable.Read(segOfInd)

	assert.Equal(t, beforeLive-cfg.BlockSize, afterLive,
		"the old indirect block's segment must lose its live-byte credit once the indirect block is replaced")
}
