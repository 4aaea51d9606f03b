// Package lfs is the top-level facade (spec.md §9's three-owner
// split): it composes the block allocator, SSB, SUT, imap, and
// cleaner into one mounted filesystem and enforces the fixed sync
// order that keeps the checkpoint's I5 atomicity meaningful.
//
// Grounded on the teacher's jrnl.Jrnl/twophase.TransactionCoordinator,
// which is the single object client code calls Begin/Commit against
// while it privately owns the WAL, buffer cache, and transaction log;
// here that composition collapses onto an LFS's simpler structure —
// no distinct commit log, since the segment log already serves that
// role — while keeping the "one facade owns every subsystem" shape.
package lfs

import (
	"sync"

	"github.com/Mercury-727/lfs-xv6/alloc"
	"github.com/Mercury-727/lfs-xv6/bufcache"
	"github.com/Mercury-727/lfs-xv6/checkpoint"
	"github.com/Mercury-727/lfs-xv6/cleaner"
	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/diskio"
	"github.com/Mercury-727/lfs-xv6/icache"
	"github.com/Mercury-727/lfs-xv6/imap"
	"github.com/Mercury-727/lfs-xv6/inode"
	"github.com/Mercury-727/lfs-xv6/internal/util"
	"github.com/Mercury-727/lfs-xv6/lfserr"
	"github.com/Mercury-727/lfs-xv6/super"
	"github.com/Mercury-727/lfs-xv6/sut"
)

// FS is a mounted log-structured filesystem. Its lock ordering
// follows spec.md §5: icache -> imap's own internal lock -> the
// allocator's own internal lock -> per-inode handle locks -> buffer
// cache locks. syncMu is held only around Sync, never across a
// blocking disk I/O beyond the sync itself.
type FS struct {
	syncMu sync.Mutex

	disk    diskio.Disk
	super   *super.FsSuper
	cache   *bufcache.Cache
	icache  *icache.Cache
	sut     *sut.Table
	imap    *imap.Map
	alloc   *alloc.Allocator
	cleaner *cleaner.Cleaner

	ckptSlot int
}

// Format initializes a fresh filesystem image on d and mounts it: an
// all-free SUT, an all-unused imap, segment 0 opened for writing, a
// root directory inode, and the first checkpoint (out of scope per
// spec.md §1 to build a standalone mkfs tool, but needed here so
// tests can exercise the filesystem without one).
func Format(d diskio.Disk, cfg common.Config) (*FS, error) {
	fsSuper, err := super.Format(d, cfg)
	if err != nil {
		return nil, err
	}
	cache := bufcache.New(d)

	sutTable := sut.NewEmpty(cfg)
	if err := sutTable.PersistAll(cache, cfg); err != nil {
		return nil, err
	}
	if err := zeroRegion(cache, cfg.ImapStart, common.NImapBlocks); err != nil {
		return nil, err
	}

	sutTable.MarkAllocated(0, 1)

	allocator := alloc.New(cache, cfg, sutTable, 0, 0)
	imapMap := imap.New(cache, cfg, sutTable, allocator)
	cleanerObj := cleaner.New(cache, cfg, sutTable, imapMap, allocator)
	allocator.SetGC(cleanerObj.Run)
	icacheObj := icache.New(func(inum common.Inum) { imapMap.IFree(inum) })

	fs := &FS{
		disk:    d,
		super:   fsSuper,
		cache:   cache,
		icache:  icacheObj,
		sut:     sutTable,
		imap:    imapMap,
		alloc:   allocator,
		cleaner: cleanerObj,
	}

	root, err := imapMap.IAlloc(common.TypeDir)
	if err != nil {
		return nil, err
	}
	if root != common.ROOTINUM {
		lfserr.PanicInvariant("lfs.Format", "root directory did not receive ROOTINUM")
	}
	rootIno, _ := imapMap.IRead(root)
	rootIno.Nlink = 1
	imapMap.IUpdate(root, rootIno)

	if err := fs.Sync(); err != nil {
		return nil, err
	}
	return fs, nil
}

func zeroRegion(cache *bufcache.Cache, start common.Bnum, n uint64) error {
	for i := uint64(0); i < n; i++ {
		buf, err := cache.Bread(start + i)
		if err != nil {
			return err
		}
		for j := range buf.Data {
			buf.Data[j] = 0
		}
		err = cache.Bwrite(buf)
		cache.Brelse(buf)
		if err != nil {
			return err
		}
	}
	return nil
}

// Mount recovers a previously formatted filesystem from d: it reads
// whichever checkpoint slot is valid (I5), loads the SUT and imap from
// their fixed regions, and resumes the log tail exactly where the
// checkpoint left it.
func Mount(d diskio.Disk, cfg common.Config) (*FS, error) {
	fsSuper, err := super.Mount(d, cfg)
	if err != nil {
		return nil, err
	}
	cfg = fsSuper.Cfg
	cache := bufcache.New(d)

	rec, slot, ok := checkpoint.Recover(d, cfg)
	if !ok {
		util.DPrintf(1, "lfs", "no valid checkpoint found, mounting at segment 0")
		rec = checkpoint.Record{CurSeg: 0, SegOffset: 0}
		slot = checkpoint.OtherSlot(0)
	}

	sutTable, err := sut.Load(cache, cfg)
	if err != nil {
		return nil, err
	}
	imapEntries, err := imap.LoadEntries(cache, cfg)
	if err != nil {
		return nil, err
	}

	allocator := alloc.New(cache, cfg, sutTable, rec.CurSeg, rec.SegOffset)
	imapMap := imap.New(cache, cfg, sutTable, allocator)
	imapMap.SetEntries(imapEntries)
	cleanerObj := cleaner.New(cache, cfg, sutTable, imapMap, allocator)
	allocator.SetGC(cleanerObj.Run)
	icacheObj := icache.New(func(inum common.Inum) { imapMap.IFree(inum) })

	return &FS{
		disk:     d,
		super:    fsSuper,
		cache:    cache,
		icache:   icacheObj,
		sut:      sutTable,
		imap:     imapMap,
		alloc:    allocator,
		cleaner:  cleanerObj,
		ckptSlot: slot,
	}, nil
}

// ReadI returns inum's current inode contents.
func (fs *FS) ReadI(inum common.Inum) (inode.Inode, error) {
	return fs.imap.IRead(inum)
}

// WriteI stages ino as inum's new contents; it is not durable until
// the next Sync.
func (fs *FS) WriteI(inum common.Inum, ino inode.Inode) {
	fs.imap.IUpdate(inum, ino)
}

// IAlloc creates a new inode of the given type and returns its inum.
func (fs *FS) IAlloc(typ uint64) (common.Inum, error) {
	return fs.imap.IAlloc(typ)
}

// IFree releases inum for reuse. The caller is responsible for having
// already dropped the inode's link count to zero (icache.Iput does
// this automatically via the FreeFunc wired at construction).
func (fs *FS) IFree(inum common.Inum) {
	fs.imap.IFree(inum)
}

func (fs *FS) loadIndirect(block common.Bnum) ([]common.Bnum, error) {
	buf, err := fs.cache.Bread(block)
	if err != nil {
		return nil, err
	}
	ptrs := inode.DecodeIndirect(fs.super.Cfg, buf.Data)
	fs.cache.Brelse(buf)
	return ptrs, nil
}

// Truncate frees every data block owned by inum's inode and returns
// its new (empty) contents.
func (fs *FS) Truncate(inum common.Inum) (inode.Inode, error) {
	ino, err := fs.imap.IRead(inum)
	if err != nil {
		return inode.Inode{}, err
	}
	return fs.imap.Truncate(inum, ino, fs.loadIndirect), nil
}

// WriteData allocates a fresh copy of file inum's block at offset,
// updating the inode's address list, and stages the inode update (not
// durable until the next Sync). A write past NDirect never mutates the
// existing indirect block in place — like every other block, it gets
// copied to a new address with the one changed pointer, and the
// inode's own indirect pointer is updated to match (spec.md §4.1/§4.4).
func (fs *FS) WriteData(inum common.Inum, offset uint64, data []byte) error {
	cfg := fs.super.Cfg
	ino, err := fs.imap.IRead(inum)
	if err != nil {
		return err
	}
	if offset >= cfg.MaxFile() {
		return lfserr.NewCorruption("lfs.WriteData", "offset beyond MaxFile")
	}

	block, err := fs.alloc.Allocate(common.KindData, inum, offset, 0)
	if err != nil {
		return err
	}
	if err := fs.writeThrough(block, data); err != nil {
		return err
	}

	if offset < cfg.NDirect {
		if old := ino.Addrs[offset]; old != common.NULLBNUM {
			fs.sut.Update(cfg, cfg.SegOf(old), -int64(cfg.BlockSize))
		}
		ino.Addrs[offset] = block
	} else {
		idx := offset - cfg.NDirect
		var ptrs []common.Bnum
		if ino.Addrs[cfg.NDirect] == common.NULLBNUM {
			ptrs = make([]common.Bnum, cfg.NIndirect())
		} else {
			ptrs, err = fs.loadIndirect(ino.Addrs[cfg.NDirect])
			if err != nil {
				return err
			}
			fs.sut.Update(cfg, cfg.SegOf(ino.Addrs[cfg.NDirect]), -int64(cfg.BlockSize))
		}
		if ptrs[idx] != common.NULLBNUM {
			fs.sut.Update(cfg, cfg.SegOf(ptrs[idx]), -int64(cfg.BlockSize))
		}
		ptrs[idx] = block
		indBlock, err := fs.alloc.Allocate(common.KindIndirect, inum, 0, 0)
		if err != nil {
			return err
		}
		if err := fs.writeThrough(indBlock, inode.EncodeIndirect(cfg, ptrs)); err != nil {
			return err
		}
		ino.Addrs[cfg.NDirect] = indBlock
	}
	if offset+1 > ino.Size/cfg.BlockSize {
		ino.Size = (offset + 1) * cfg.BlockSize
	}
	fs.imap.IUpdate(inum, ino)
	return nil
}

// ReadData returns the contents of file inum's block at offset, or a
// zero block if it was never written (a sparse hole).
func (fs *FS) ReadData(inum common.Inum, offset uint64) ([]byte, error) {
	cfg := fs.super.Cfg
	ino, err := fs.imap.IRead(inum)
	if err != nil {
		return nil, err
	}
	block, err := ino.Bmap(cfg, offset, fs.loadIndirect)
	if err != nil {
		return nil, err
	}
	if block == common.NULLBNUM {
		return make([]byte, cfg.BlockSize), nil
	}
	buf, err := fs.cache.Bread(block)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), buf.Data...)
	fs.cache.Brelse(buf)
	return out, nil
}

func (fs *FS) writeThrough(block common.Bnum, data []byte) error {
	buf, err := fs.cache.Bread(block)
	if err != nil {
		return err
	}
	copy(buf.Data, data)
	err = fs.cache.Bwrite(buf)
	fs.cache.Brelse(buf)
	return err
}

// Sync performs the fixed durability order from spec.md §9: drain the
// dirty-inode buffer, flush any pending SSB, persist the SUT, write
// the imap, then write the checkpoint to the slot not currently
// holding the valid one (I5). Each step's ordering matters: a
// checkpoint must never be observed valid before everything it
// references is durable.
func (fs *FS) Sync() error {
	fs.syncMu.Lock()
	defer fs.syncMu.Unlock()

	if err := fs.imap.Flush(); err != nil {
		return err
	}
	cfg := fs.super.Cfg
	if err := fs.alloc.SealCurrent(); err != nil {
		return err
	}
	if err := fs.sut.Persist(fs.cache, cfg); err != nil {
		return err
	}
	if err := fs.imap.Persist(fs.cache); err != nil {
		return err
	}
	if err := fs.cache.Barrier(); err != nil {
		return err
	}

	ts := fs.alloc.Tick()
	rec := checkpoint.Record{
		LogTail:   0,
		CurSeg:    fs.alloc.CurSeg(),
		SegOffset: fs.alloc.SegOffset(),
	}
	nextSlot := checkpoint.OtherSlot(fs.ckptSlot)
	if err := checkpoint.Write(fs.disk, cfg, nextSlot, rec, ts); err != nil {
		return err
	}
	if err := fs.disk.Barrier(); err != nil {
		return err
	}
	fs.ckptSlot = nextSlot
	return nil
}

// Icache exposes the in-memory inode handle cache to callers layering
// a directory/path-name protocol on top (out of scope here per
// spec.md §1, but the interface is part of §6).
func (fs *FS) Icache() *icache.Cache { return fs.icache }

// Config returns the mounted filesystem's tunables.
func (fs *FS) Config() common.Config { return fs.super.Cfg }

// GCFailed reports whether the allocator is latched out of space.
func (fs *FS) GCFailed() bool { return fs.alloc.GCFailed() }

// Close syncs and releases the underlying disk handle.
func (fs *FS) Close() error {
	if err := fs.Sync(); err != nil {
		return err
	}
	return fs.disk.Close()
}
