package jit

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Exit names the dispatcher entry a block continues at.
type Exit uint8

const (
	// ExitNoCheck chains to the next block after the downcount test.
	ExitNoCheck Exit = iota
	// ExitChecked re-runs the debug hook and reselects the memory base.
	// Blocks return it after MSR changes and exception delivery.
	ExitChecked
	// ExitMispredictedReturn is returned by a predicted blr whose popped
	// return address did not match LR.
	ExitMispredictedReturn
	// ExitHalt leaves the dispatch loop at once. Blocks return it after
	// an inline breakpoint or watchpoint has already stopped the CPU.
	ExitHalt
)

func (e Exit) String() string {
	switch e {
	case ExitNoCheck:
		return "nocheck"
	case ExitChecked:
		return "checked"
	case ExitMispredictedReturn:
		return "mispredicted"
	case ExitHalt:
		return "halt"
	}
	return fmt.Sprintf("exit(%d)", uint8(e))
}

// Code is the native entry point of a compiled block.
type Code func() Exit

// JitBlock is a compiled guest fragment. Entry is valid only while the
// block is present in the BlockCache that allocated it.
type JitBlock struct {
	Tag              uint64
	EffectiveAddress uint32
	PhysicalAddress  uint32
	MSRBits          uint32
	Entry            Code
	OriginalSize     uint32 // guest instructions
	CodeSize         uint32 // emitted operations
	Cycles           uint32
	Fingerprint      [32]byte
	RunCount         uint64

	number int
}

func (b *JitBlock) Number() int {
	return b.number
}

func (b *JitBlock) String() string {
	return fmt.Sprintf("block#%d %08x msr=%02x insts=%d cycles=%d", b.number, b.EffectiveAddress, b.MSRBits, b.OriginalSize, b.Cycles)
}

// Fingerprint hashes the guest words a block was compiled from.
func Fingerprint(words []uint32) [32]byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[4*i:], w)
	}
	return blake2b.Sum256(buf)
}

// MakeTag combines the verified mode bits and the address so a lookup is a
// single comparison.
func MakeTag(address uint32, msr uint32, mask uint32) uint64 {
	return uint64(msr&mask)<<32 | uint64(address)
}
