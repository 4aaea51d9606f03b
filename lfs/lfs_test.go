package lfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/diskio"
)

func smallConfig() common.Config {
	cfg := common.DefaultConfig()
	cfg.NSegs = 6
	cfg.NInodes = 32
	return cfg
}

func newTestDisk(cfg common.Config) diskio.Disk {
	return diskio.NewMemDisk(cfg.SegEnd(), cfg.BlockSize)
}

func TestFormatCreatesRootDirectory(t *testing.T) {
	cfg := smallConfig()
	d := newTestDisk(cfg)
	fs, err := Format(d, cfg)
	require.NoError(t, err)

	root, err := fs.ReadI(common.ROOTINUM)
	require.NoError(t, err)
	assert.Equal(t, common.TypeDir, root.Type)
	assert.Equal(t, uint64(1), root.Nlink)
}

func TestWriteReadDataDirect(t *testing.T) {
	cfg := smallConfig()
	d := newTestDisk(cfg)
	fs, err := Format(d, cfg)
	require.NoError(t, err)

	inum, err := fs.IAlloc(common.TypeFile)
	require.NoError(t, err)

	payload := make([]byte, cfg.BlockSize)
	copy(payload, []byte("hello lfs"))
	require.NoError(t, fs.WriteData(inum, 0, payload))

	got, err := fs.ReadData(inum, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadSparseHoleReturnsZeroBlock(t *testing.T) {
	cfg := smallConfig()
	d := newTestDisk(cfg)
	fs, err := Format(d, cfg)
	require.NoError(t, err)

	inum, err := fs.IAlloc(common.TypeFile)
	require.NoError(t, err)

	got, err := fs.ReadData(inum, 3)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, cfg.BlockSize), got)
}

func TestWriteDataThroughIndirectBlock(t *testing.T) {
	cfg := smallConfig()
	d := newTestDisk(cfg)
	fs, err := Format(d, cfg)
	require.NoError(t, err)

	inum, err := fs.IAlloc(common.TypeFile)
	require.NoError(t, err)

	offset := cfg.NDirect + 2
	payload := make([]byte, cfg.BlockSize)
	copy(payload, []byte("past the direct pointers"))
	require.NoError(t, fs.WriteData(inum, offset, payload))

	got, err := fs.ReadData(inum, offset)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	ino, err := fs.ReadI(inum)
	require.NoError(t, err)
	assert.NotEqual(t, common.NULLBNUM, ino.Addrs[cfg.NDirect])
}

func TestOverwriteMarksOldBlockDead(t *testing.T) {
	cfg := smallConfig()
	d := newTestDisk(cfg)
	fs, err := Format(d, cfg)
	require.NoError(t, err)

	inum, err := fs.IAlloc(common.TypeFile)
	require.NoError(t, err)

	first := make([]byte, cfg.BlockSize)
	copy(first, []byte("version one"))
	require.NoError(t, fs.WriteData(inum, 0, first))
	ino, err := fs.ReadI(inum)
	require.NoError(t, err)
	oldBlock := ino.Addrs[0]
	oldSeg := cfg.SegOf(oldBlock)
	liveBefore, _ := fs.sut.Read(oldSeg)

	second := make([]byte, cfg.BlockSize)
	copy(second, []byte("version two"))
	require.NoError(t, fs.WriteData(inum, 0, second))
	ino, err = fs.ReadI(inum)
	require.NoError(t, err)
	assert.NotEqual(t, oldBlock, ino.Addrs[0], "overwrite must copy to a new block, never mutate in place")

	// The old block's bytes leave its segment's live count; the new
	// block adds them back only if it landed in the same segment.
	want := liveBefore - cfg.BlockSize
	if cfg.SegOf(ino.Addrs[0]) == oldSeg {
		want += cfg.BlockSize
	}
	liveAfter, _ := fs.sut.Read(oldSeg)
	assert.Equal(t, want, liveAfter)

	got, err := fs.ReadData(inum, 0)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestTruncateEmptiesInode(t *testing.T) {
	cfg := smallConfig()
	d := newTestDisk(cfg)
	fs, err := Format(d, cfg)
	require.NoError(t, err)

	inum, err := fs.IAlloc(common.TypeFile)
	require.NoError(t, err)
	payload := make([]byte, cfg.BlockSize)
	require.NoError(t, fs.WriteData(inum, 0, payload))

	ino, err := fs.Truncate(inum)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ino.Size)
	for _, addr := range ino.Addrs {
		assert.Equal(t, common.NULLBNUM, addr)
	}
}

func TestSyncThenMountRecoversLogTail(t *testing.T) {
	cfg := smallConfig()
	d := newTestDisk(cfg)
	fs, err := Format(d, cfg)
	require.NoError(t, err)

	inum, err := fs.IAlloc(common.TypeFile)
	require.NoError(t, err)
	payload := make([]byte, cfg.BlockSize)
	copy(payload, []byte("durable across mount"))
	require.NoError(t, fs.WriteData(inum, 0, payload))
	require.NoError(t, fs.Sync())

	mounted, err := Mount(d, cfg)
	require.NoError(t, err)
	assert.Equal(t, fs.alloc.CurSeg(), mounted.alloc.CurSeg())
	assert.Equal(t, fs.alloc.SegOffset(), mounted.alloc.SegOffset())
	got, err := mounted.ReadData(inum, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	ino, err := mounted.ReadI(inum)
	require.NoError(t, err)
	assert.Equal(t, cfg.BlockSize, ino.Size)
}

func TestMountAfterCrashUsesLastValidCheckpoint(t *testing.T) {
	cfg := smallConfig()
	d := newTestDisk(cfg)
	fs, err := Format(d, cfg)
	require.NoError(t, err)

	inum, err := fs.IAlloc(common.TypeFile)
	require.NoError(t, err)
	payload := make([]byte, cfg.BlockSize)
	require.NoError(t, fs.WriteData(inum, 0, payload))
	require.NoError(t, fs.Sync())

	snap, ok := d.(diskio.Snapshotter)
	require.True(t, ok)
	frozen := snap.Snapshot()

	// Simulate more activity after the snapshot that never got synced.
	inum2, err := fs.IAlloc(common.TypeFile)
	require.NoError(t, err)
	require.NoError(t, fs.WriteData(inum2, 0, payload))

	recovered, err := Mount(frozen, cfg)
	require.NoError(t, err)
	got, err := recovered.ReadData(inum, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestGCReclaimsSpaceAcrossManyWrites(t *testing.T) {
	cfg := smallConfig()
	d := newTestDisk(cfg)
	fs, err := Format(d, cfg)
	require.NoError(t, err)

	inum, err := fs.IAlloc(common.TypeFile)
	require.NoError(t, err)
	payload := make([]byte, cfg.BlockSize)

	// Repeated overwrites of the same block churn through many
	// segments' worth of dead copies, forcing the allocator to invoke
	// the cleaner well before the disk is nominally full.
	for i := 0; i < 400; i++ {
		require.NoError(t, fs.WriteData(inum, 0, payload))
	}
	assert.False(t, fs.GCFailed())
}

// TestGCReclaimsSpaceAcrossIndirectWrites exercises the scenario the
// direct-offset version above misses entirely: repeated writes to an
// offset behind the indirect pointer, forcing the cleaner to relocate
// both DATA and INDIRECT blocks (cascading COW rewrites the indirect
// block on every write), then confirms the data actually read back
// afterward still matches what was last written.
func TestGCReclaimsSpaceAcrossIndirectWrites(t *testing.T) {
	cfg := smallConfig()
	d := newTestDisk(cfg)
	fs, err := Format(d, cfg)
	require.NoError(t, err)

	inum, err := fs.IAlloc(common.TypeFile)
	require.NoError(t, err)

	offset := cfg.NDirect + 1
	var last []byte
	for i := 0; i < 400; i++ {
		payload := make([]byte, cfg.BlockSize)
		payload[0] = byte(i)
		require.NoError(t, fs.WriteData(inum, offset, payload))
		last = payload
	}
	assert.False(t, fs.GCFailed())

	got, err := fs.ReadData(inum, offset)
	require.NoError(t, err)
	assert.Equal(t, last, got, "data behind the indirect pointer must survive repeated GC passes intact")
}
