// Package inode is the on-disk inode layout (spec.md §3) and the
// logic for packing IPB of them into one block and resolving a file
// offset to a block address through direct pointers and the single
// indirect block.
//
// Grounded on the teacher's buf.Buf.Install/Load, which slices a
// block's bytes at a sub-block Addr to read or write one object in
// place; here the same byte-slicing technique addresses a whole
// inode-sized slot instead of a bit-sized field, since an LFS packs
// whole inodes (not individual dirty bits) multiple-per-block.
package inode

import (
	"github.com/tchajed/marshal"

	"github.com/Mercury-727/lfs-xv6/common"
)

// Inode is the in-memory form of an on-disk inode (fs.h's dinode,
// generalized from fixed C field widths to marshal's 8-byte words).
// Inum is carried in the slot itself (unlike xv6's dinode) so the
// cleaner can recover which inode occupies a slot by reading the
// block alone, without needing the imap to tell it in advance — an
// INODE-kind block packs several inodes per SSB entry, so the entry
// alone can't name all of their inums.
type Inode struct {
	Inum  common.Inum
	Type  uint64
	Major uint64
	Minor uint64
	Nlink uint64
	Size  uint64
	Addrs []common.Bnum // len == cfg.NDirect+1 (last slot is the indirect pointer)
}

// Zero returns a freshly-zeroed inode of the given type, as ialloc
// hands to the dirty-inode buffer (spec.md §4.4).
func Zero(cfg common.Config, typ uint64) Inode {
	return Inode{
		Type:  typ,
		Addrs: make([]common.Bnum, cfg.NDirect+1),
	}
}

func slotOffset(cfg common.Config, slot uint64) uint64 {
	return slot * cfg.InodeSize
}

// PutSlot encodes ino into slot slot of blk (an already-allocated
// cfg.BlockSize-byte buffer), leaving the rest of the block untouched
// — the generalized form of Buf.Install applied to one inode-sized
// byte range instead of one bit.
func PutSlot(cfg common.Config, blk []byte, slot uint64, ino Inode) {
	off := slotOffset(cfg, slot)
	enc := marshal.NewEnc(cfg.InodeSize)
	meta := (ino.Type & 0xFF) | (ino.Nlink&0xFFFF)<<8 | (ino.Major&0xFFFF)<<24 | (ino.Minor&0xFFFF)<<40
	enc.PutInt(ino.Inum)
	enc.PutInt(meta)
	enc.PutInt(ino.Size)
	addrs := make([]uint64, cfg.NDirect+1)
	copy(addrs, ino.Addrs)
	enc.PutInts(addrs)
	copy(blk[off:off+cfg.InodeSize], enc.Finish())
}

// GetSlot decodes the inode occupying slot slot of blk — the
// generalized form of Buf.Load for a whole-inode byte range.
func GetSlot(cfg common.Config, blk []byte, slot uint64) Inode {
	off := slotOffset(cfg, slot)
	dec := marshal.NewDec(blk[off : off+cfg.InodeSize])
	inum := dec.GetInt()
	meta := dec.GetInt()
	size := dec.GetInt()
	addrs := dec.GetInts(cfg.NDirect + 1)
	return Inode{
		Inum:  inum,
		Type:  meta & 0xFF,
		Nlink: (meta >> 8) & 0xFFFF,
		Major: (meta >> 24) & 0xFFFF,
		Minor: (meta >> 40) & 0xFFFF,
		Size:  size,
		Addrs: addrs,
	}
}

// NewBlock allocates a zeroed block-sized buffer ready for PutSlot.
func NewBlock(cfg common.Config) []byte {
	return make([]byte, cfg.BlockSize)
}

// Bmap resolves file offset (in blocks) to a data-block address,
// following direct pointers or, for offsets >= NDirect, the single
// indirect block (loaded via loadIndirect, which the caller supplies
// since resolving it may require a buffer-cache read). Returns
// common.NULLBNUM if the offset has never been written.
func (ino Inode) Bmap(cfg common.Config, off uint64, loadIndirect func(common.Bnum) ([]common.Bnum, error)) (common.Bnum, error) {
	if off < cfg.NDirect {
		return ino.Addrs[off], nil
	}
	ind := ino.Addrs[cfg.NDirect]
	if ind == common.NULLBNUM {
		return common.NULLBNUM, nil
	}
	ptrs, err := loadIndirect(ind)
	if err != nil {
		return 0, err
	}
	idx := off - cfg.NDirect
	if idx >= uint64(len(ptrs)) {
		return common.NULLBNUM, nil
	}
	return ptrs[idx], nil
}

// EncodeIndirect packs NIndirect block pointers into one block.
func EncodeIndirect(cfg common.Config, ptrs []common.Bnum) []byte {
	enc := marshal.NewEnc(cfg.BlockSize)
	padded := make([]uint64, cfg.NIndirect())
	copy(padded, ptrs)
	enc.PutInts(padded)
	return enc.Finish()
}

// DecodeIndirect unpacks an indirect block's pointers.
func DecodeIndirect(cfg common.Config, blk []byte) []common.Bnum {
	dec := marshal.NewDec(blk)
	return dec.GetInts(cfg.NIndirect())
}
