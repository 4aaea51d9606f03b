// Package ssb implements the Segment Summary Buffer (spec.md §4.2): an
// in-memory buffer of per-block descriptors that gets flushed as a
// single self-describing block, guaranteeing I1 (every completed
// segment has exactly one SSB covering its non-reserved blocks).
//
// Grounded on xv6 fs.c's lfs_alloc_with_ssb/gc_compute_checksum and
// encoded with the corpus's tchajed/marshal idiom, the same one the
// teacher uses for buf.Buf's sub-block words.
package ssb

import (
	"sync"

	"github.com/tchajed/marshal"

	"github.com/Mercury-727/lfs-xv6/bufcache"
	"github.com/Mercury-727/lfs-xv6/common"
)

// Magic identifies an SSB block ("SSB!").
const Magic uint64 = 0x53534221

const headerWords = 5 // magic, nblocks, checksum, timestamp, next_seg_addr
const entryWords = 3  // (kind|inum), offset, version

// Entry describes one appended data/inode/indirect block. Kind and
// Inum share one word (kind in the top byte) so that one SSB block's
// entry capacity covers a full segment's worth of data blocks — the
// same bitfield-packing idiom the imap encoding uses.
type Entry struct {
	Kind    common.Kind
	Inum    common.Inum
	Offset  uint64
	Version uint64
}

func (e Entry) words() [entryWords]uint64 {
	kindInum := uint64(e.Kind)<<56 | (e.Inum & (1<<56 - 1))
	return [entryWords]uint64{kindInum, e.Offset, e.Version}
}

func entryFromWords(w []uint64) Entry {
	return Entry{
		Kind:    common.Kind(w[0] >> 56),
		Inum:    w[0] & (1<<56 - 1),
		Offset:  w[1],
		Version: w[2],
	}
}

// EntriesPerBlock returns how many SSB entries fit in one block.
func EntriesPerBlock(cfg common.Config) uint64 {
	return (cfg.BlockSize/8 - headerWords) / entryWords
}

// Buffer is the in-memory, per-allocator SSB staging area. There is
// exactly one live Buffer per mounted filesystem (owned by alloc.Allocator).
type Buffer struct {
	mu              sync.Mutex
	live            []Entry
	flushing        []Entry
	flushInProgress bool
	pendingBlock    common.Bnum // reserved end-of-segment block, 0 if none
	timestamp       uint64
}

func New() *Buffer {
	return &Buffer{}
}

// Add enqueues an entry. Returns false if the live buffer is already
// full — the allocator is responsible for triggering a flush before
// that happens (spec.md §4.1 step 2).
func (b *Buffer) Add(cfg common.Config, e Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if uint64(len(b.live)) >= EntriesPerBlock(cfg) {
		return false
	}
	b.live = append(b.live, e)
	return true
}

// Full reports whether the live buffer has no room for another entry.
func (b *Buffer) Full(cfg common.Config) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.live)) >= EntriesPerBlock(cfg)
}

// Empty reports whether the live buffer currently has no entries.
func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live) == 0
}

// PrepareReserved copies the live buffer into the flushing buffer,
// clears the live buffer, and records which block the allocator
// reserved for it (the end-of-segment SSB slot, spec.md §4.1 step 2).
// The caller must follow up with WritePending once the allocator's
// own allocation for the triggering write has returned.
func (b *Buffer) PrepareReserved(block common.Bnum) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushInProgress {
		panic("ssb: PrepareReserved: flush already in progress")
	}
	b.flushing = b.live
	b.live = nil
	b.flushInProgress = true
	b.pendingBlock = block
}

// WritePending persists the flushing buffer to the block reserved by
// PrepareReserved. It is a no-op if no flush was prepared. Must be
// called after the allocator's triggering allocation returns, but
// before any further block write, so the segment's SSB is durable by
// the time the segment is sealed (spec.md §4.2).
func (b *Buffer) WritePending(cache *bufcache.Cache, cfg common.Config) error {
	b.mu.Lock()
	if !b.flushInProgress || b.pendingBlock == common.NULLBNUM {
		b.mu.Unlock()
		return nil
	}
	entries := b.flushing
	block := b.pendingBlock
	b.mu.Unlock()

	if err := writeBlock(cache, cfg, block, entries, b.timestamp); err != nil {
		return err
	}

	b.mu.Lock()
	b.flushing = nil
	b.flushInProgress = false
	b.pendingBlock = common.NULLBNUM
	b.mu.Unlock()
	return nil
}

func writeBlock(cache *bufcache.Cache, cfg common.Config, block common.Bnum, entries []Entry, timestamp uint64) error {
	buf, err := cache.Bread(block)
	if err != nil {
		return err
	}
	copy(buf.Data, encode(cfg, entries, timestamp))
	err = cache.Bwrite(buf)
	cache.Brelse(buf)
	return err
}

func encode(cfg common.Config, entries []Entry, timestamp uint64) []byte {
	enc := marshal.NewEnc(cfg.BlockSize)
	enc.PutInt(Magic)
	enc.PutInt(uint64(len(entries)))
	enc.PutInt(checksum(entries))
	enc.PutInt(timestamp)
	enc.PutInt(0) // next_seg_addr: reserved for roll-forward, unused (see DESIGN.md)
	for _, e := range entries {
		w := e.words()
		enc.PutInts(w[:])
	}
	return enc.Finish()
}

// checksum XORs every 64-bit word across all entries, per
// spec.md §4.2/§6 ("checksum = XOR over entry words").
func checksum(entries []Entry) uint64 {
	var sum uint64
	for _, e := range entries {
		for _, w := range e.words() {
			sum ^= w
		}
	}
	return sum
}

// Decoded is a parsed, checksum-verified SSB block.
type Decoded struct {
	NBlocks   uint64
	Timestamp uint64
	Entries   []Entry
}

// Decode parses blk as an SSB block, returning ok=false if the magic
// or checksum doesn't verify (spec.md §7: read-side corruption is
// logged and the block treated as absent, never a hard failure).
func Decode(cfg common.Config, blk []byte) (Decoded, bool) {
	dec := marshal.NewDec(blk)
	magic := dec.GetInt()
	if magic != Magic {
		return Decoded{}, false
	}
	nblocks := dec.GetInt()
	wantChecksum := dec.GetInt()
	timestamp := dec.GetInt()
	dec.GetInt() // next_seg_addr, unused

	maxEntries := EntriesPerBlock(cfg)
	if nblocks > maxEntries {
		return Decoded{}, false
	}
	entries := make([]Entry, 0, nblocks)
	for i := uint64(0); i < nblocks; i++ {
		words := dec.GetInts(entryWords)
		entries = append(entries, entryFromWords(words))
	}
	if checksum(entries) != wantChecksum {
		return Decoded{}, false
	}
	return Decoded{NBlocks: nblocks, Timestamp: timestamp, Entries: entries}, true
}
