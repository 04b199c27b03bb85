// Package powerpc describes the guest processor: its register state, the
// exception model, and the breakpoint/watchpoint registries the dispatch
// core consults.
package powerpc

import "fmt"

// MSR bits.
const (
	MSR_LE  uint32 = 1 << 0
	MSR_RI  uint32 = 1 << 1
	MSR_DR  uint32 = 1 << 4 // data address translation
	MSR_IR  uint32 = 1 << 5 // instruction address translation
	MSR_IP  uint32 = 1 << 6
	MSR_FP  uint32 = 1 << 13
	MSR_PR  uint32 = 1 << 14
	MSR_EE  uint32 = 1 << 15
	MSR_ILE uint32 = 1 << 16
	MSR_POW uint32 = 1 << 18
)

// Special purpose register numbers used by mfspr/mtspr.
const (
	SPR_XER   = 1
	SPR_LR    = 8
	SPR_CTR   = 9
	SPR_DSISR = 18
	SPR_DAR   = 19
	SPR_DEC   = 22
	SPR_SRR0  = 26
	SPR_SRR1  = 27
)

// Condition register field bits.
const (
	CR_LT uint8 = 8
	CR_GT uint8 = 4
	CR_EQ uint8 = 2
	CR_SO uint8 = 1
)

// XER bits.
const (
	XER_SO uint32 = 1 << 31
	XER_OV uint32 = 1 << 30
	XER_CA uint32 = 1 << 29
)

// State is the live guest processor state the dispatcher reads and writes
// on every iteration.
type State struct {
	PC        uint32
	NPC       uint32
	MSR       uint32
	Downcount int32

	GPR   [32]uint32
	CR    [8]uint8
	LR    uint32
	CTR   uint32
	XER   uint32
	SRR0  uint32
	SRR1  uint32
	DAR   uint32
	DSISR uint32
	DEC   uint32

	// Exceptions is the pending exception bitmask.
	Exceptions uint32

	// MemBase is the base of the memory view generated loads and stores
	// add effective addresses to. Chosen by the dispatcher from MSR.DR.
	MemBase uint64

	programReason uint32
}

// NewState returns a state in the reset configuration: translation off,
// PC at the system reset vector.
func NewState() *State {
	return &State{
		PC:  0x100,
		NPC: 0x104,
	}
}

// CRBit returns condition register bit bi (0 is CR0.LT).
func (s *State) CRBit(bi uint32) bool {
	field := bi >> 2
	shift := 3 - (bi & 3)
	return (s.CR[field]>>shift)&1 != 0
}

// SetCRField stores the comparison result of a against b in field crf,
// copying XER.SO into the SO bit.
func (s *State) SetCRField(crf uint32, lt, gt bool) {
	var v uint8
	switch {
	case lt:
		v = CR_LT
	case gt:
		v = CR_GT
	default:
		v = CR_EQ
	}
	if s.XER&XER_SO != 0 {
		v |= CR_SO
	}
	s.CR[crf&7] = v
}

// CRValue packs the eight fields into the 32-bit CR image.
func (s *State) CRValue() uint32 {
	var v uint32
	for i := 0; i < 8; i++ {
		v |= uint32(s.CR[i]&0xF) << (28 - 4*uint(i))
	}
	return v
}

func (s *State) SPR(n uint32) (uint32, bool) {
	switch n {
	case SPR_XER:
		return s.XER, true
	case SPR_LR:
		return s.LR, true
	case SPR_CTR:
		return s.CTR, true
	case SPR_DSISR:
		return s.DSISR, true
	case SPR_DAR:
		return s.DAR, true
	case SPR_DEC:
		return s.DEC, true
	case SPR_SRR0:
		return s.SRR0, true
	case SPR_SRR1:
		return s.SRR1, true
	}
	return 0, false
}

func (s *State) SetSPR(n uint32, v uint32) bool {
	switch n {
	case SPR_XER:
		s.XER = v
	case SPR_LR:
		s.LR = v
	case SPR_CTR:
		s.CTR = v
	case SPR_DSISR:
		s.DSISR = v
	case SPR_DAR:
		s.DAR = v
	case SPR_DEC:
		s.DEC = v
	case SPR_SRR0:
		s.SRR0 = v
	case SPR_SRR1:
		s.SRR1 = v
	default:
		return false
	}
	return true
}

func (s *State) String() string {
	return fmt.Sprintf("pc=%08x npc=%08x msr=%08x lr=%08x ctr=%08x cr=%08x downcount=%d",
		s.PC, s.NPC, s.MSR, s.LR, s.CTR, s.CRValue(), s.Downcount)
}

// RotateMask returns the rlwinm/rlwnm mask selecting bits mb through me,
// wrapping when mb > me.
func RotateMask(mb, me uint8) uint32 {
	var tail uint32
	if me < 31 {
		tail = ^uint32(0) >> (me + 1)
	}
	mask := (^uint32(0) >> mb) ^ tail
	if mb > me {
		return ^mask
	}
	return mask
}
