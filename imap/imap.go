// Package imap implements the inode map and dirty-inode buffer
// (spec.md §4.4): the indirection that lets an inode's on-disk block
// move every time it's rewritten, and the small in-memory staging area
// that batches several dirty inodes into one packed block before
// flushing, so N dirty inodes cost one SSB entry instead of N.
//
// Grounded on xv6 fs.h's IMAP_ENCODE/IMAP_BLOCK/IMAP_SLOT macros for
// the packed (block, version, slot) entry, and on the teacher's
// buftxn.BufTxn staging-then-flush shape (accumulate dirty objects
// under a lock, then install them into their backing blocks as one
// batch) for the dirty-inode buffer itself.
package imap

import (
	"sync"

	"github.com/tchajed/marshal"

	"github.com/Mercury-727/lfs-xv6/alloc"
	"github.com/Mercury-727/lfs-xv6/bufcache"
	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/inode"
	"github.com/Mercury-727/lfs-xv6/lfserr"
	"github.com/Mercury-727/lfs-xv6/sut"
)

// entryFlushing is the imap's ALL-ONES sentinel: the inode is in the
// dirty buffer (or being flushed) and has no stable on-disk address.
const entryFlushing = ^uint64(0)

// pack/unpack the three imap entry fields into one word: block in the
// high bits, an 8-bit version, a 4-bit in-block slot — mirroring
// fs.h's IMAP_ENCODE(blk, ver, slot) = (blk<<12)|((ver&0xFF)<<4)|(slot&0xF).
func pack(block common.Bnum, version uint8, slot uint8) uint64 {
	return block<<12 | uint64(version&0xFF)<<4 | uint64(slot&0xF)
}

func unpack(e uint64) (block common.Bnum, version uint8, slot uint8) {
	return e >> 12, uint8((e >> 4) & 0xFF), uint8(e & 0xF)
}

type dirtyEntry struct {
	ino     inode.Inode
	version uint64
}

// Map is the inode map plus its dirty-inode buffer, one per mounted
// filesystem.
type Map struct {
	mu      sync.Mutex
	entries   []uint64 // indexed by inum; 0 = unused, entryFlushing = in dirty buffer
	dirty     map[common.Inum]*dirtyEntry
	nextAlloc common.Inum // hint for IAlloc's scan start

	cache *bufcache.Cache
	cfg   common.Config
	sut   *sut.Table
	alloc *alloc.Allocator
}

// New constructs an imap for a freshly formatted filesystem (every
// entry unused).
func New(cache *bufcache.Cache, cfg common.Config, sutTable *sut.Table, a *alloc.Allocator) *Map {
	return &Map{
		entries:   make([]uint64, cfg.NInodes),
		dirty:     make(map[common.Inum]*dirtyEntry),
		cache:     cache,
		cfg:       cfg,
		sut:       sutTable,
		alloc:     a,
		nextAlloc: common.ROOTINUM,
	}
}

func entriesPerImapBlock(cfg common.Config) uint64 {
	return cfg.BlockSize / 8
}

// LoadEntries reads the fixed imap region (cfg.ImapStart, NImapBlocks
// blocks) into a packed-entry slice, for Map.SetEntries at mount time.
func LoadEntries(cache *bufcache.Cache, cfg common.Config) ([]uint64, error) {
	entries := make([]uint64, cfg.NInodes)
	perBlock := entriesPerImapBlock(cfg)
	for b := uint64(0); b < common.NImapBlocks; b++ {
		base := b * perBlock
		if base >= cfg.NInodes {
			break
		}
		n := perBlock
		if base+n > cfg.NInodes {
			n = cfg.NInodes - base
		}
		buf, err := cache.Bread(cfg.ImapStart + b)
		if err != nil {
			return nil, err
		}
		dec := marshal.NewDec(buf.Data)
		copy(entries[base:base+n], dec.GetInts(n))
		cache.Brelse(buf)
	}
	return entries, nil
}

// Persist rewrites the whole fixed imap region from the in-memory
// table. The imap is small (NImapBlocks blocks total) so, unlike the
// SUT, it is always written in full on each sync rather than tracking
// per-block dirtiness (spec.md §9's fixed sync order just needs this
// to happen after Flush and before the checkpoint write).
func (m *Map) Persist(cache *bufcache.Cache) error {
	m.mu.Lock()
	entries := append([]uint64(nil), m.entries...)
	m.mu.Unlock()

	perBlock := entriesPerImapBlock(m.cfg)
	for b := uint64(0); b < common.NImapBlocks; b++ {
		base := b * perBlock
		if base >= m.cfg.NInodes {
			break
		}
		n := perBlock
		if base+n > m.cfg.NInodes {
			n = m.cfg.NInodes - base
		}
		padded := make([]uint64, perBlock)
		copy(padded, entries[base:base+n])
		enc := marshal.NewEnc(m.cfg.BlockSize)
		enc.PutInts(padded)

		buf, err := cache.Bread(m.cfg.ImapStart + b)
		if err != nil {
			return err
		}
		copy(buf.Data, enc.Finish())
		err = cache.Bwrite(buf)
		cache.Brelse(buf)
		if err != nil {
			return err
		}
	}
	return nil
}

// Entries returns a copy of the packed in-memory table. The facade's
// Sync path does not use it; Persist writes the table to its fixed
// blocks directly.
func (m *Map) Entries() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.entries))
	copy(out, m.entries)
	return out
}

// Load copies entries into a fresh table of cfg.NInodes entries,
// dropping any extra entries and zero-filling missing ones. The
// facade's Mount reads the on-disk table with LoadEntries instead.
func Load(cfg common.Config, entries []uint64) []uint64 {
	out := make([]uint64, cfg.NInodes)
	copy(out, entries)
	return out
}

// SetEntries overwrites the in-memory table, used once at mount after
// LoadEntries decodes the on-disk imap blocks.
func (m *Map) SetEntries(entries []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.entries, entries)
}

// IAlloc reserves an unused inum, places a zeroed inode of type typ
// into the dirty buffer, and returns the inum. The inode has no
// on-disk address until the next flush (spec.md §4.4).
func (m *Map) IAlloc(typ uint64) (common.Inum, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.nextAlloc
	for i := common.Inum(0); i < m.cfg.NInodes; i++ {
		inum := (start + i) % m.cfg.NInodes
		if inum == common.NULLINUM {
			continue
		}
		if m.entries[inum] != 0 {
			continue
		}
		if _, busy := m.dirty[inum]; busy {
			continue
		}
		zero := inode.Zero(m.cfg, typ)
		zero.Inum = inum
		m.entries[inum] = entryFlushing
		m.dirty[inum] = &dirtyEntry{ino: zero, version: 0}
		m.nextAlloc = (inum + 1) % m.cfg.NInodes
		return inum, nil
	}
	return common.NULLINUM, lfserr.ErrOutOfSpace
}

// IUpdate stages ino as inum's new contents in the dirty buffer,
// overwriting any not-yet-flushed version. The on-disk copy (if any)
// is untouched until the next flush.
func (m *Map) IUpdate(inum common.Inum, ino inode.Inode) {
	ino.Inum = inum
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirty[inum]
	if !ok {
		d = &dirtyEntry{version: m.versionOf(inum)}
		m.dirty[inum] = d
	}
	d.ino = ino
	m.entries[inum] = entryFlushing
}

func (m *Map) versionOf(inum common.Inum) uint64 {
	e := m.entries[inum]
	if e == 0 || e == entryFlushing {
		return 0
	}
	_, v, _ := unpack(e)
	return uint64(v)
}

// IRead returns inum's current contents: from the dirty buffer if
// present, otherwise read through the imap entry to its packed block.
func (m *Map) IRead(inum common.Inum) (inode.Inode, error) {
	m.mu.Lock()
	if d, ok := m.dirty[inum]; ok {
		ino := d.ino
		m.mu.Unlock()
		return ino, nil
	}
	e := m.entries[inum]
	m.mu.Unlock()

	if e == 0 {
		return inode.Inode{}, lfserr.NewCorruption("imap.IRead", "read of unused inum")
	}
	block, _, slot := unpack(e)
	buf, err := m.cache.Bread(block)
	if err != nil {
		return inode.Inode{}, err
	}
	ino := inode.GetSlot(m.cfg, buf.Data, uint64(slot))
	m.cache.Brelse(buf)
	return ino, nil
}

// IFree marks inum unused: any dirty buffer entry is dropped, and if
// it had a stable on-disk slot, that slot's share of the block
// (BlockSize/IPB bytes) is marked dead in the SUT so the cleaner can
// reclaim it once the block's other slots are dead too.
func (m *Map) IFree(inum common.Inum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dirty, inum)
	e := m.entries[inum]
	m.entries[inum] = 0
	if e != 0 && e != entryFlushing {
		block, _, _ := unpack(e)
		m.sut.Update(m.cfg, m.cfg.SegOf(block), -int64(m.cfg.BlockSize)/int64(m.cfg.IPB()))
	}
}

// Truncate drops every data block owned by ino (marking them dead in
// the SUT), zeros its size, and stages it in the dirty buffer with its
// version bumped by one (spec.md §4.4's truncate/version-bump rule).
// The new version is recorded in the imap entry and the inode block's
// SSB entry; the cleaner judges a data block live by comparing its
// address with the owner's Bmap and does not compare versions.
func (m *Map) Truncate(inum common.Inum, ino inode.Inode, freeIndirect func(common.Bnum) ([]common.Bnum, error)) inode.Inode {
	for i, bn := range ino.Addrs[:m.cfg.NDirect] {
		if bn != common.NULLBNUM {
			m.sut.Update(m.cfg, m.cfg.SegOf(bn), -int64(m.cfg.BlockSize))
			ino.Addrs[i] = common.NULLBNUM
		}
	}
	if ind := ino.Addrs[m.cfg.NDirect]; ind != common.NULLBNUM {
		if ptrs, err := freeIndirect(ind); err == nil {
			for _, bn := range ptrs {
				if bn != common.NULLBNUM {
					m.sut.Update(m.cfg, m.cfg.SegOf(bn), -int64(m.cfg.BlockSize))
				}
			}
		}
		m.sut.Update(m.cfg, m.cfg.SegOf(ind), -int64(m.cfg.BlockSize))
		ino.Addrs[m.cfg.NDirect] = common.NULLBNUM
	}
	ino.Size = 0

	m.mu.Lock()
	v := m.versionOf(inum) + 1
	if d, ok := m.dirty[inum]; ok {
		v = d.version + 1
	}
	m.dirty[inum] = &dirtyEntry{ino: ino, version: v}
	m.entries[inum] = entryFlushing
	m.mu.Unlock()
	return ino
}

// Flush packs every currently-dirty inode into as many blocks as
// needed (IPB per block), allocates one INODE-kind SSB entry per
// block through the allocator, writes them, and installs the new
// (block, version, slot) imap entries — the flush protocol of spec.md
// §4.4: move dirty -> flushing, allocate+write, update imap under
// lock, clear flushing.
func (m *Map) Flush() error {
	m.mu.Lock()
	if len(m.dirty) == 0 {
		m.mu.Unlock()
		return nil
	}
	flushing := m.dirty
	m.dirty = make(map[common.Inum]*dirtyEntry)
	m.mu.Unlock()

	inums := make([]common.Inum, 0, len(flushing))
	for inum := range flushing {
		inums = append(inums, inum)
	}

	ipb := m.cfg.IPB()
	for start := 0; start < len(inums); start += int(ipb) {
		end := start + int(ipb)
		if end > len(inums) {
			end = len(inums)
		}
		group := inums[start:end]

		// Use the group's first inum (map iteration order, not
		// necessarily the lowest) to tag the SSB entry; the
		// whole block is self-describing once read back (every slot
		// carries its own inode), this just needs to be *an* inum in
		// the block so the cleaner's relocation path can find it.
		block, err := m.alloc.Allocate(common.KindInode, group[0], 0, flushing[group[0]].version)
		if err != nil {
			m.mu.Lock()
			for inum, d := range flushing {
				if _, still := m.dirty[inum]; !still {
					m.dirty[inum] = d
				}
			}
			m.mu.Unlock()
			return err
		}

		blk := inode.NewBlock(m.cfg)
		slotOf := make(map[common.Inum]uint8, len(group))
		for i, inum := range group {
			d := flushing[inum]
			inode.PutSlot(m.cfg, blk, uint64(i), d.ino)
			slotOf[inum] = uint8(i)
		}
		buf, err := m.cache.Bread(block)
		if err != nil {
			return err
		}
		copy(buf.Data, blk)
		if err := m.cache.Bwrite(buf); err != nil {
			m.cache.Brelse(buf)
			return err
		}
		m.cache.Brelse(buf)

		m.mu.Lock()
		for _, inum := range group {
			d := flushing[inum]
			m.entries[inum] = pack(block, uint8(d.version), slotOf[inum])
		}
		m.mu.Unlock()
	}
	return nil
}

// Dirty reports whether any inode is currently staged unflushed.
func (m *Map) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty) > 0
}

// Relocate rewrites inum's packed entry to point at a block the
// cleaner just copied its data into, without going through the dirty
// buffer — used when the cleaner moves an INODE block wholesale and
// only the address changes, not the contents (spec.md §4.5).
func (m *Map) Relocate(inum common.Inum, newBlock common.Bnum, slot uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[inum]
	if e == 0 || e == entryFlushing {
		return
	}
	_, v, _ := unpack(e)
	m.entries[inum] = pack(newBlock, v, slot)
}

// Lookup returns inum's current (block, version, slot, ok) without
// resolving through the dirty buffer — the raw imap entry, as the
// cleaner needs when deciding whether a block it's scanning is still
// the live copy or a stale, already-superseded one.
func (m *Map) Lookup(inum common.Inum) (block common.Bnum, version uint8, slot uint8, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[inum]
	if e == 0 || e == entryFlushing {
		return 0, 0, 0, false
	}
	block, version, slot = unpack(e)
	return block, version, slot, true
}
