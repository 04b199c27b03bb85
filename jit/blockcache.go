package jit

import (
	"bytes"
	"fmt"

	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
)

// reservedTag marks slot 0. Lookup never returns slot 0, so the tag does
// not have to be unreachable for every mask and address.
const reservedTag = ^uint64(0)

type CacheStats struct {
	Blocks     int
	Capacity   int
	Finalized  uint64
	Links      uint64
	Clears     uint64
	Generation uint64
}

// BlockCache maps (address, mode bits) to compiled blocks through a
// direct-mapped index. Index slots only accelerate lookups: a stale slot
// costs a recompile, never a wrong block, because every hit is verified
// against the full tag.
type BlockCache struct {
	blocks     []JitBlock
	numBlocks  int
	iCache     []uint32
	mask       uint32
	tagMask    uint32
	startAddrs map[uint64]int

	onFinalize func(*JitBlock)
	onClear    func()
	stats      CacheStats
}

func NewBlockCache(icacheBits int, maxBlocks int, tagMask uint32) (*BlockCache, error) {
	if icacheBits < 4 || icacheBits > 24 {
		return nil, fmt.Errorf("icache_bits=%d: %w", icacheBits, jiterrors.ErrCInvalidICacheBits)
	}
	if maxBlocks < 2 {
		return nil, fmt.Errorf("max_blocks=%d: %w", maxBlocks, jiterrors.ErrCInvalidMaxBlocks)
	}
	if tagMask == 0 {
		return nil, jiterrors.ErrCInvalidTagMask
	}
	c := &BlockCache{
		blocks:     make([]JitBlock, maxBlocks),
		iCache:     make([]uint32, 1<<icacheBits),
		mask:       uint32(1<<icacheBits) - 1,
		tagMask:    tagMask,
		startAddrs: make(map[uint64]int),
	}
	c.reset()
	return c, nil
}

func (c *BlockCache) reset() {
	c.blocks[0] = JitBlock{Tag: reservedTag, EffectiveAddress: 0xFFFFFFFF}
	c.numBlocks = 1
	clear(c.iCache)
	clear(c.startAddrs)
}

// SetOnFinalize installs a hook run for every finalized block.
func (c *BlockCache) SetOnFinalize(fn func(*JitBlock)) {
	c.onFinalize = fn
}

// SetOnClear installs a hook run before Clear drops the blocks, while they
// are still readable through ForEach.
func (c *BlockCache) SetOnClear(fn func()) {
	c.onClear = fn
}

func (c *BlockCache) TagMask() uint32 {
	return c.tagMask
}

// Lookup returns the block compiled for (address, msr) if the index slot
// holds it, nil otherwise.
func (c *BlockCache) Lookup(address uint32, msr uint32) *JitBlock {
	n := c.iCache[(address>>2)&c.mask]
	if n == 0 {
		return nil
	}
	b := &c.blocks[n]
	if b.Tag != MakeTag(address, msr, c.tagMask) {
		return nil
	}
	return b
}

// AllocateBlock reserves a block for (address, msr). It returns nil when the
// table is full; the caller clears the cache and retries.
func (c *BlockCache) AllocateBlock(address uint32, msr uint32) *JitBlock {
	if c.IsFull() {
		return nil
	}
	n := c.numBlocks
	c.numBlocks++
	b := &c.blocks[n]
	*b = JitBlock{
		Tag:              MakeTag(address, msr, c.tagMask),
		EffectiveAddress: address,
		MSRBits:          msr & c.tagMask,
		number:           n,
	}
	return b
}

// FinalizeBlock installs code as b's entry and links b into the index.
func (c *BlockCache) FinalizeBlock(b *JitBlock, code Code) {
	b.Entry = code
	c.startAddrs[b.Tag] = b.number
	c.Link(b)
	c.stats.Finalized++
	if c.onFinalize != nil {
		c.onFinalize(b)
	}
	log.Trace(log.CacheMonitoring, "FinalizeBlock", "block", b.String())
}

// GetBlockNumberFromStartAddress finds a finalized block even when its
// index slot has been taken by an aliasing address. It returns -1 if none.
func (c *BlockCache) GetBlockNumberFromStartAddress(address uint32, msr uint32) int {
	n, ok := c.startAddrs[MakeTag(address, msr, c.tagMask)]
	if !ok {
		return -1
	}
	return n
}

// Block returns block n, or nil if n is not a live block number.
func (c *BlockCache) Block(n int) *JitBlock {
	if n <= 0 || n >= c.numBlocks {
		return nil
	}
	return &c.blocks[n]
}

// Link points b's index slot at b.
func (c *BlockCache) Link(b *JitBlock) {
	c.iCache[(b.EffectiveAddress>>2)&c.mask] = uint32(b.number)
	c.stats.Links++
}

// Clear drops every block. Outstanding *JitBlock values must not be run
// afterwards.
func (c *BlockCache) Clear() {
	if c.onClear != nil && c.numBlocks > 1 {
		c.onClear()
	}
	for i := 1; i < c.numBlocks; i++ {
		c.blocks[i] = JitBlock{}
	}
	c.reset()
	c.stats.Clears++
	c.stats.Generation++
	log.Debug(log.CacheMonitoring, "BlockCache cleared", "generation", c.stats.Generation)
}

// InvalidateICache clears the cache if any block was compiled from the
// physical range [address, address+length).
func (c *BlockCache) InvalidateICache(address uint32, length uint32) bool {
	if length == 0 {
		return false
	}
	end := uint64(address) + uint64(length)
	for i := 1; i < c.numBlocks; i++ {
		b := &c.blocks[i]
		bStart := uint64(b.PhysicalAddress)
		bEnd := bStart + 4*uint64(b.OriginalSize)
		if bStart < end && uint64(address) < bEnd {
			log.Debug(log.CacheMonitoring, "InvalidateICache", "address", fmt.Sprintf("%08x", address), "length", length, "block", b.String())
			c.Clear()
			return true
		}
	}
	return false
}

// Validate refetches each block's guest words and clears the cache on the
// first fingerprint mismatch. fetch reads one instruction word under msr.
func (c *BlockCache) Validate(fetch func(msr uint32, address uint32) (uint32, bool)) bool {
	words := make([]uint32, 0, 64)
	for i := 1; i < c.numBlocks; i++ {
		b := &c.blocks[i]
		words = words[:0]
		ok := true
		for j := uint32(0); j < b.OriginalSize; j++ {
			w, fetched := fetch(b.MSRBits, b.EffectiveAddress+4*j)
			if !fetched {
				ok = false
				break
			}
			words = append(words, w)
		}
		if !ok {
			c.Clear()
			return false
		}
		fp := Fingerprint(words)
		if !bytes.Equal(fp[:], b.Fingerprint[:]) {
			log.Debug(log.CacheMonitoring, "Validate: guest code changed", "block", b.String())
			c.Clear()
			return false
		}
	}
	return true
}

func (c *BlockCache) IsFull() bool {
	return c.numBlocks >= len(c.blocks)
}

// NumBlocks excludes the reserved block.
func (c *BlockCache) NumBlocks() int {
	return c.numBlocks - 1
}

func (c *BlockCache) ForEach(fn func(*JitBlock)) {
	for i := 1; i < c.numBlocks; i++ {
		fn(&c.blocks[i])
	}
}

func (c *BlockCache) Stats() CacheStats {
	s := c.stats
	s.Blocks = c.NumBlocks()
	s.Capacity = len(c.blocks) - 1
	return s
}
