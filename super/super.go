// Package super holds the Superblock (spec.md §3/§6): the fixed,
// read-only-at-runtime record written once by the image builder that
// describes the disk layout. Reconstructed here from the shape the
// teacher's txn.MkTxn(fs *super.FsSuper) call site implies (a struct
// that owns the Disk handle alongside the on-disk layout fields) —
// the teacher's own super package was filtered out of the retrieval
// pack, only its call site survived. Encoded with the same
// tchajed/marshal idiom the teacher uses for every other on-disk
// record (buf.Buf.BnumGet/BnumPut, wal's circular-log headers).
package super

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/diskio"
)

// Magic identifies an LFS-formatted disk ("LFS!").
const Magic uint64 = 0x4C465321

// Superblock is the on-disk, fixed-location record at block 0. It
// carries every layout field a mount needs to reconstruct cfg without
// the caller having to already know it — only BlockSize itself must be
// known out of band, since it's needed to read this block in the
// first place.
type Superblock struct {
	Magic           uint64
	Size            uint64 // total blocks in the image
	NSegs           uint64
	SegSize         uint64
	SegStart        common.Bnum
	NInodes         uint64
	Checkpoint0     common.Bnum
	Checkpoint1     common.Bnum
	SutStart        common.Bnum
	ImapStart       common.Bnum
	NDirect         uint64
	InodeSize       uint64
	GCThreshold     uint64
	GCTargetSegs    uint64
	GCUtilThreshold uint64
}

// FsSuper owns the disk handle plus the parsed superblock and config;
// it is the "owner" object every other component is constructed from
// at mount time, mirroring the role the teacher's txn.Txn expects of
// *super.FsSuper.
type FsSuper struct {
	Disk diskio.Disk
	SB   Superblock
	Cfg  common.Config
}

// Format writes a fresh superblock for cfg onto d (the image-builder
// step; out of scope per spec.md §1, provided here only so tests can
// construct a filesystem without a separate tool).
func Format(d diskio.Disk, cfg common.Config) (*FsSuper, error) {
	size, err := d.Size()
	if err != nil {
		return nil, err
	}
	sb := Superblock{
		Magic:           Magic,
		Size:            size,
		NSegs:           cfg.NSegs,
		SegSize:         cfg.SegSize,
		SegStart:        cfg.SegStart,
		NInodes:         cfg.NInodes,
		Checkpoint0:     cfg.CheckpointBlock0,
		Checkpoint1:     cfg.CheckpointBlock1,
		SutStart:        cfg.SutStart,
		ImapStart:       cfg.ImapStart,
		NDirect:         cfg.NDirect,
		InodeSize:       cfg.InodeSize,
		GCThreshold:     cfg.GCThreshold,
		GCTargetSegs:    cfg.GCTargetSegs,
		GCUtilThreshold: cfg.GCUtilThreshold,
	}
	fs := &FsSuper{Disk: d, SB: sb, Cfg: cfg}
	if err := fs.writeSuperblock(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Mount reads and validates the superblock already on d.
func Mount(d diskio.Disk, cfg common.Config) (*FsSuper, error) {
	blk, err := d.Read(0)
	if err != nil {
		return nil, err
	}
	sb, err := decodeSuperblock(blk)
	if err != nil {
		return nil, err
	}
	if sb.Magic != Magic {
		return nil, fmt.Errorf("super: bad magic 0x%x, want 0x%x", sb.Magic, Magic)
	}
	cfg.NSegs = sb.NSegs
	cfg.SegSize = sb.SegSize
	cfg.SegStart = sb.SegStart
	cfg.NInodes = sb.NInodes
	cfg.CheckpointBlock0 = sb.Checkpoint0
	cfg.CheckpointBlock1 = sb.Checkpoint1
	cfg.SutStart = sb.SutStart
	cfg.ImapStart = sb.ImapStart
	cfg.NDirect = sb.NDirect
	cfg.InodeSize = sb.InodeSize
	cfg.GCThreshold = sb.GCThreshold
	cfg.GCTargetSegs = sb.GCTargetSegs
	cfg.GCUtilThreshold = sb.GCUtilThreshold
	return &FsSuper{Disk: d, SB: sb, Cfg: cfg}, nil
}

func (fs *FsSuper) writeSuperblock() error {
	blk := encodeSuperblock(fs.SB, fs.Cfg.BlockSize)
	return fs.Disk.Write(0, blk)
}

func encodeSuperblock(sb Superblock, blockSize uint64) []byte {
	enc := marshal.NewEnc(blockSize)
	enc.PutInt(sb.Magic)
	enc.PutInt(sb.Size)
	enc.PutInt(sb.NSegs)
	enc.PutInt(sb.SegSize)
	enc.PutInt(sb.SegStart)
	enc.PutInt(sb.NInodes)
	enc.PutInt(sb.Checkpoint0)
	enc.PutInt(sb.Checkpoint1)
	enc.PutInt(sb.SutStart)
	enc.PutInt(sb.ImapStart)
	enc.PutInt(sb.NDirect)
	enc.PutInt(sb.InodeSize)
	enc.PutInt(sb.GCThreshold)
	enc.PutInt(sb.GCTargetSegs)
	enc.PutInt(sb.GCUtilThreshold)
	return enc.Finish()
}

const superblockWords = 15

func decodeSuperblock(blk []byte) (Superblock, error) {
	if uint64(len(blk)) < superblockWords*8 {
		return Superblock{}, fmt.Errorf("super: block too small")
	}
	dec := marshal.NewDec(blk)
	sb := Superblock{
		Magic:           dec.GetInt(),
		Size:            dec.GetInt(),
		NSegs:           dec.GetInt(),
		SegSize:         dec.GetInt(),
		SegStart:        dec.GetInt(),
		NInodes:         dec.GetInt(),
		Checkpoint0:     dec.GetInt(),
		Checkpoint1:     dec.GetInt(),
		SutStart:        dec.GetInt(),
		ImapStart:       dec.GetInt(),
		NDirect:         dec.GetInt(),
		InodeSize:       dec.GetInt(),
		GCThreshold:     dec.GetInt(),
		GCTargetSegs:    dec.GetInt(),
		GCUtilThreshold: dec.GetInt(),
	}
	return sb, nil
}
