// Package checkpoint implements the checkpoint record (spec.md §3/§6)
// and its atomicity rule (I5): header and footer timestamps equal iff
// the checkpoint is valid, so a torn write is never mistaken for a
// valid one. Two fixed slots exist; recovery picks whichever is valid
// with the higher timestamp, falling back to "freshly formatted" if
// neither is.
//
// Grounded on the teacher's wal/0circular.go two-header technique
// (hdr1 records the log's end position, hdr2 its start, written and
// barriered in a fixed order so a crash leaves the pair internally
// consistent), generalized here from a circular log's start/end pair
// to a single record's header/footer pair.
package checkpoint

import (
	"encoding/binary"

	"github.com/tchajed/marshal"

	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/diskio"
)

// Record is the in-memory form of a checkpoint.
type Record struct {
	Timestamp   uint64
	LogTail     common.Bnum
	CurSeg      uint64
	SegOffset   uint64
	ImapAddrs   [common.NImapBlocks]common.Bnum
	ImapNBlocks uint64
	SutAddrs    [common.NSutBlocks]common.Bnum
	SutNBlocks  uint64
	Valid       uint64
}

// encode lays the record out exactly as spec.md §6 describes:
// header timestamp first, metadata, zero padding, footer timestamp in
// the last 8 bytes. Every field but the footer uses the corpus's
// marshal.Enc word-oriented encoding; the footer is poked into the
// last 8 bytes directly since Enc only appends sequentially and the
// spec requires the footer at a fixed trailing offset regardless of
// how much of the block the metadata fills.
func encode(r Record, blockSize uint64) []byte {
	enc := marshal.NewEnc(blockSize)
	enc.PutInt(r.Timestamp)
	enc.PutInt(r.LogTail)
	enc.PutInt(r.CurSeg)
	enc.PutInt(r.SegOffset)
	enc.PutInts(r.ImapAddrs[:])
	enc.PutInt(r.ImapNBlocks)
	enc.PutInts(r.SutAddrs[:])
	enc.PutInt(r.SutNBlocks)
	enc.PutInt(r.Valid)
	blk := enc.Finish()
	binary.LittleEndian.PutUint64(blk[blockSize-8:], r.Timestamp)
	return blk
}

func decode(blk []byte) (Record, uint64) {
	dec := marshal.NewDec(blk)
	var r Record
	r.Timestamp = dec.GetInt()
	r.LogTail = dec.GetInt()
	r.CurSeg = dec.GetInt()
	r.SegOffset = dec.GetInt()
	copy(r.ImapAddrs[:], dec.GetInts(common.NImapBlocks))
	r.ImapNBlocks = dec.GetInt()
	copy(r.SutAddrs[:], dec.GetInts(common.NSutBlocks))
	r.SutNBlocks = dec.GetInt()
	r.Valid = dec.GetInt()
	footer := binary.LittleEndian.Uint64(blk[len(blk)-8:])
	return r, footer
}

// Write persists r into slot (0 or 1) at cfg's fixed checkpoint block,
// setting Valid=1 and header==footer, so the write is atomic under
// I5: a crash mid-write leaves header != footer and the slot is
// rejected on recovery.
func Write(d diskio.Disk, cfg common.Config, slot int, r Record, timestamp uint64) error {
	r.Timestamp = timestamp
	r.Valid = 1
	blk := encode(r, cfg.BlockSize)
	return d.Write(blockFor(cfg, slot), blk)
}

func blockFor(cfg common.Config, slot int) common.Bnum {
	if slot == 0 {
		return cfg.CheckpointBlock0
	}
	return cfg.CheckpointBlock1
}

// slotResult is one candidate read from disk.
type slotResult struct {
	rec   Record
	valid bool
}

func readSlot(d diskio.Disk, cfg common.Config, slot int) slotResult {
	blk, err := d.Read(blockFor(cfg, slot))
	if err != nil {
		return slotResult{}
	}
	rec, footer := decode(blk)
	return slotResult{rec: rec, valid: rec.Valid == 1 && rec.Timestamp == footer}
}

// Recover selects the checkpoint to boot from (spec.md §6): the valid
// slot with the higher timestamp, or a zero Record with ok=false if
// neither slot is valid (freshly formatted). slot reports which of
// the two on-disk slots was chosen so the caller can alternate writes
// to the other slot on the next sync, guaranteeing a crash mid-write
// never clobbers the last known-good checkpoint.
func Recover(d diskio.Disk, cfg common.Config) (rec Record, slot int, ok bool) {
	s0 := readSlot(d, cfg, 0)
	s1 := readSlot(d, cfg, 1)
	switch {
	case s0.valid && s1.valid:
		if s0.rec.Timestamp >= s1.rec.Timestamp {
			return s0.rec, 0, true
		}
		return s1.rec, 1, true
	case s0.valid:
		return s0.rec, 0, true
	case s1.valid:
		return s1.rec, 1, true
	default:
		return Record{}, 0, false
	}
}

// OtherSlot returns the slot not currently holding the valid
// checkpoint, i.e. the one the next sync should write to.
func OtherSlot(slot int) int {
	if slot == 0 {
		return 1
	}
	return 0
}
