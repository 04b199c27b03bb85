package compiler

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/ppc64/ppc64asm"
)

// rfiWord is the 32-bit rfi encoding, which the 64-bit tables only know
// as part of rfid.
const rfiWord = 0x4C000064

// insn gives field access to a raw guest instruction word.
type insn uint32

func (w insn) OPCD() uint32 { return uint32(w) >> 26 }
func (w insn) RD() uint32   { return (uint32(w) >> 21) & 31 }
func (w insn) RS() uint32   { return (uint32(w) >> 21) & 31 }
func (w insn) RA() uint32   { return (uint32(w) >> 16) & 31 }
func (w insn) RB() uint32   { return (uint32(w) >> 11) & 31 }
func (w insn) SIMM() int32  { return int32(int16(uint32(w))) }
func (w insn) UIMM() uint32 { return uint32(w) & 0xFFFF }
func (w insn) XO() uint32   { return (uint32(w) >> 1) & 0x3FF }
func (w insn) XO9() uint32  { return (uint32(w) >> 1) & 0x1FF }
func (w insn) OE() bool     { return uint32(w)&(1<<10) != 0 }
func (w insn) Rc() bool     { return uint32(w)&1 != 0 }
func (w insn) SH() uint32   { return (uint32(w) >> 11) & 31 }
func (w insn) MB() uint8    { return uint8((uint32(w) >> 6) & 31) }
func (w insn) ME() uint8    { return uint8((uint32(w) >> 1) & 31) }
func (w insn) BO() uint32   { return (uint32(w) >> 21) & 31 }
func (w insn) BI() uint32   { return (uint32(w) >> 16) & 31 }
func (w insn) BD() int32    { return int32(int16(uint32(w) & 0xFFFC)) }
func (w insn) AA() bool     { return uint32(w)&2 != 0 }
func (w insn) LK() bool     { return uint32(w)&1 != 0 }
func (w insn) CRFD() uint32 { return (uint32(w) >> 23) & 7 }
func (w insn) CRFS() uint32 { return (uint32(w) >> 18) & 7 }
func (w insn) CRM() uint32  { return (uint32(w) >> 12) & 0xFF }
func (w insn) TO() uint32   { return (uint32(w) >> 21) & 31 }

// LI is the sign-extended I-form branch displacement.
func (w insn) LI() int32 {
	return int32(uint32(w)&0x03FFFFFC<<6) >> 6
}

// SPR reassembles the split spr field of mfspr/mtspr.
func (w insn) SPR() uint32 {
	return ((uint32(w) >> 16) & 31) | ((uint32(w)>>11)&31)<<5
}

// decoded is what the decode cache holds per instruction word.
type decoded struct {
	inst  ppc64asm.Inst
	valid bool
}

func decodeWord(word uint32) decoded {
	if word == rfiWord {
		return decoded{valid: true}
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], word)
	inst, err := ppc64asm.Decode(buf[:], binary.BigEndian)
	if err != nil || inst.Op == 0 {
		return decoded{}
	}
	return decoded{inst: inst, valid: true}
}

// Disassemble renders word at pc in GNU syntax.
func Disassemble(word uint32, pc uint32) string {
	if word == rfiWord {
		return "rfi"
	}
	d := decodeWord(word)
	if !d.valid {
		return fmt.Sprintf(".long 0x%08x", word)
	}
	return ppc64asm.GNUSyntax(d.inst, uint64(pc))
}

// branchTarget returns the static target of b/bc at address.
func branchTarget(w insn, address uint32) (uint32, bool) {
	switch w.OPCD() {
	case 18:
		if w.AA() {
			return uint32(w.LI()), true
		}
		return address + uint32(w.LI()), true
	case 16:
		if w.AA() {
			return uint32(w.BD()), true
		}
		return address + uint32(w.BD()), true
	}
	return 0, false
}

// endsBlock reports whether w transfers control or changes state the
// dispatcher must observe before the next instruction.
func endsBlock(w insn) bool {
	switch w.OPCD() {
	case 16, 17, 18:
		return true
	case 19:
		switch w.XO() {
		case 16, 528, 50, 150:
			return true
		}
	case 31:
		switch w.XO() {
		case 146, 982:
			return true
		}
	}
	return false
}

// isCompare matches cmp, cmpl, cmpi and cmpli.
func isCompare(w insn) bool {
	switch w.OPCD() {
	case 10, 11:
		return true
	case 31:
		return w.XO() == 0 || w.XO() == 32
	}
	return false
}

// opCycles is the static cost charged for one instruction.
func opCycles(w insn) int32 {
	switch w.OPCD() {
	case 7:
		return 3
	case 31:
		switch w.XO9() {
		case 235, 75, 11:
			return 4
		case 491, 459:
			return 20
		}
	}
	return 1
}
