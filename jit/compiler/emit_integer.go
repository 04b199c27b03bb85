package compiler

import (
	"math/bits"

	"github.com/colorfulnotion/dynarec/jit"
	"github.com/colorfulnotion/dynarec/powerpc"
)

func addCarry(a, b, cin uint32) (uint32, bool) {
	s := uint64(a) + uint64(b) + uint64(cin)
	return uint32(s), s>>32 != 0
}

func addOverflow(a, b, r uint32) bool {
	return ((a^r)&(b^r))>>31 != 0
}

func carryIn(st *powerpc.State) uint32 {
	if st.XER&powerpc.XER_CA != 0 {
		return 1
	}
	return 0
}

func setCA(st *powerpc.State, ca bool) {
	if ca {
		st.XER |= powerpc.XER_CA
	} else {
		st.XER &^= powerpc.XER_CA
	}
}

func setOV(st *powerpc.State, ov bool) {
	if ov {
		st.XER |= powerpc.XER_OV | powerpc.XER_SO
	} else {
		st.XER &^= powerpc.XER_OV
	}
}

func updateCR0(st *powerpc.State, v uint32) {
	st.SetCRField(0, int32(v) < 0, int32(v) > 0)
}

// arithFunc computes an XO-form result from rA, rB and the incoming carry.
type arithFunc func(a, b, ca uint32) (r uint32, carry bool, ov bool)

type arithSpec struct {
	fn     arithFunc
	setsCA bool
}

var arithOps = map[uint32]arithSpec{
	266: {fn: func(a, b, _ uint32) (uint32, bool, bool) { // add
		r := a + b
		return r, false, addOverflow(a, b, r)
	}},
	10: {setsCA: true, fn: func(a, b, _ uint32) (uint32, bool, bool) { // addc
		r, c := addCarry(a, b, 0)
		return r, c, addOverflow(a, b, r)
	}},
	138: {setsCA: true, fn: func(a, b, ca uint32) (uint32, bool, bool) { // adde
		r, c := addCarry(a, b, ca)
		return r, c, addOverflow(a, b, r)
	}},
	202: {setsCA: true, fn: func(a, _, ca uint32) (uint32, bool, bool) { // addze
		r, c := addCarry(a, 0, ca)
		return r, c, addOverflow(a, 0, r)
	}},
	234: {setsCA: true, fn: func(a, _, ca uint32) (uint32, bool, bool) { // addme
		r, c := addCarry(a, 0xFFFFFFFF, ca)
		return r, c, addOverflow(a, 0xFFFFFFFF, r)
	}},
	40: {fn: func(a, b, _ uint32) (uint32, bool, bool) { // subf
		r, _ := addCarry(^a, b, 1)
		return r, false, addOverflow(^a, b, r)
	}},
	8: {setsCA: true, fn: func(a, b, _ uint32) (uint32, bool, bool) { // subfc
		r, c := addCarry(^a, b, 1)
		return r, c, addOverflow(^a, b, r)
	}},
	136: {setsCA: true, fn: func(a, b, ca uint32) (uint32, bool, bool) { // subfe
		r, c := addCarry(^a, b, ca)
		return r, c, addOverflow(^a, b, r)
	}},
	200: {setsCA: true, fn: func(a, _, ca uint32) (uint32, bool, bool) { // subfze
		r, c := addCarry(^a, 0, ca)
		return r, c, addOverflow(^a, 0, r)
	}},
	232: {setsCA: true, fn: func(a, _, ca uint32) (uint32, bool, bool) { // subfme
		r, c := addCarry(^a, 0xFFFFFFFF, ca)
		return r, c, addOverflow(^a, 0xFFFFFFFF, r)
	}},
	104: {fn: func(a, _, _ uint32) (uint32, bool, bool) { // neg
		return -a, false, a == 0x80000000
	}},
	235: {fn: func(a, b, _ uint32) (uint32, bool, bool) { // mullw
		p := int64(int32(a)) * int64(int32(b))
		return uint32(p), false, p != int64(int32(p))
	}},
	75: {fn: func(a, b, _ uint32) (uint32, bool, bool) { // mulhw
		return uint32(uint64(int64(int32(a))*int64(int32(b))) >> 32), false, false
	}},
	11: {fn: func(a, b, _ uint32) (uint32, bool, bool) { // mulhwu
		hi, _ := bits.Mul32(a, b)
		return hi, false, false
	}},
	491: {fn: func(a, b, _ uint32) (uint32, bool, bool) { // divw
		if b == 0 || (a == 0x80000000 && b == 0xFFFFFFFF) {
			if int32(a) < 0 {
				return 0xFFFFFFFF, false, true
			}
			return 0, false, true
		}
		return uint32(int32(a) / int32(b)), false, false
	}},
	459: {fn: func(a, b, _ uint32) (uint32, bool, bool) { // divwu
		if b == 0 {
			return 0, false, true
		}
		return a / b, false, false
	}},
}

func (c *Compiler) arith(o *analyzedOp, xo uint32) op {
	spec, ok := arithOps[xo]
	if !ok {
		return c.unsupported(o)
	}
	st := c.st
	w := o.Word
	rd, ra, rb := w.RD(), w.RA(), w.RB()
	oe, rc := w.OE(), w.Rc()
	fn, setsCA := spec.fn, spec.setsCA
	return func() (jit.Exit, bool) {
		r, carry, ov := fn(st.GPR[ra], st.GPR[rb], carryIn(st))
		st.GPR[rd] = r
		if setsCA {
			setCA(st, carry)
		}
		if oe {
			setOV(st, ov)
		}
		if rc {
			updateCR0(st, r)
		}
		return jit.ExitNoCheck, false
	}
}

// arithImmediate covers mulli, subfic, addic, addic., addi and addis.
func (c *Compiler) arithImmediate(o *analyzedOp) op {
	st := c.st
	w := o.Word
	rd, ra := w.RD(), w.RA()
	imm := uint32(w.SIMM())
	switch w.OPCD() {
	case 7:
		return func() (jit.Exit, bool) {
			st.GPR[rd] = st.GPR[ra] * imm
			return jit.ExitNoCheck, false
		}
	case 8:
		return func() (jit.Exit, bool) {
			r, ca := addCarry(^st.GPR[ra], imm, 1)
			st.GPR[rd] = r
			setCA(st, ca)
			return jit.ExitNoCheck, false
		}
	case 12, 13:
		record := w.OPCD() == 13
		return func() (jit.Exit, bool) {
			r, ca := addCarry(st.GPR[ra], imm, 0)
			st.GPR[rd] = r
			setCA(st, ca)
			if record {
				updateCR0(st, r)
			}
			return jit.ExitNoCheck, false
		}
	case 15:
		imm <<= 16
	}
	if ra == 0 {
		return func() (jit.Exit, bool) {
			st.GPR[rd] = imm
			return jit.ExitNoCheck, false
		}
	}
	return func() (jit.Exit, bool) {
		st.GPR[rd] = st.GPR[ra] + imm
		return jit.ExitNoCheck, false
	}
}

// logicalImmediate covers ori, oris, xori, xoris, andi. and andis.
func (c *Compiler) logicalImmediate(o *analyzedOp) op {
	st := c.st
	w := o.Word
	rs, ra := w.RS(), w.RA()
	imm := w.UIMM()
	var fn func(uint32) uint32
	record := false
	switch w.OPCD() {
	case 24:
		fn = func(v uint32) uint32 { return v | imm }
	case 25:
		fn = func(v uint32) uint32 { return v | imm<<16 }
	case 26:
		fn = func(v uint32) uint32 { return v ^ imm }
	case 27:
		fn = func(v uint32) uint32 { return v ^ imm<<16 }
	case 28:
		fn = func(v uint32) uint32 { return v & imm }
		record = true
	case 29:
		fn = func(v uint32) uint32 { return v & (imm << 16) }
		record = true
	}
	return func() (jit.Exit, bool) {
		r := fn(st.GPR[rs])
		st.GPR[ra] = r
		if record {
			updateCR0(st, r)
		}
		return jit.ExitNoCheck, false
	}
}

var logicalOps = map[uint32]func(s, b uint32) uint32{
	28:  func(s, b uint32) uint32 { return s & b },
	60:  func(s, b uint32) uint32 { return s &^ b },
	124: func(s, b uint32) uint32 { return ^(s | b) },
	284: func(s, b uint32) uint32 { return ^(s ^ b) },
	316: func(s, b uint32) uint32 { return s ^ b },
	412: func(s, b uint32) uint32 { return s | ^b },
	444: func(s, b uint32) uint32 { return s | b },
	476: func(s, b uint32) uint32 { return ^(s & b) },
	26:  func(s, _ uint32) uint32 { return uint32(bits.LeadingZeros32(s)) },
	922: func(s, _ uint32) uint32 { return uint32(int32(int16(s))) },
	954: func(s, _ uint32) uint32 { return uint32(int32(int8(s))) },
}

func (c *Compiler) logical(o *analyzedOp, xo uint32) op {
	st := c.st
	w := o.Word
	rs, ra, rb, rc := w.RS(), w.RA(), w.RB(), w.Rc()
	fn := logicalOps[xo]
	return func() (jit.Exit, bool) {
		r := fn(st.GPR[rs], st.GPR[rb])
		st.GPR[ra] = r
		if rc {
			updateCR0(st, r)
		}
		return jit.ExitNoCheck, false
	}
}

// rotate covers rlwimi, rlwinm and rlwnm.
func (c *Compiler) rotate(o *analyzedOp) op {
	st := c.st
	w := o.Word
	rs, ra, rb, rc := w.RS(), w.RA(), w.RB(), w.Rc()
	sh := int(w.SH())
	mask := powerpc.RotateMask(w.MB(), w.ME())
	switch w.OPCD() {
	case 20:
		return func() (jit.Exit, bool) {
			r := bits.RotateLeft32(st.GPR[rs], sh)&mask | st.GPR[ra]&^mask
			st.GPR[ra] = r
			if rc {
				updateCR0(st, r)
			}
			return jit.ExitNoCheck, false
		}
	case 23:
		return func() (jit.Exit, bool) {
			r := bits.RotateLeft32(st.GPR[rs], int(st.GPR[rb]&31)) & mask
			st.GPR[ra] = r
			if rc {
				updateCR0(st, r)
			}
			return jit.ExitNoCheck, false
		}
	}
	return func() (jit.Exit, bool) {
		r := bits.RotateLeft32(st.GPR[rs], sh) & mask
		st.GPR[ra] = r
		if rc {
			updateCR0(st, r)
		}
		return jit.ExitNoCheck, false
	}
}

// shift covers slw, srw, sraw and srawi.
func (c *Compiler) shift(o *analyzedOp, xo uint32) op {
	st := c.st
	w := o.Word
	rs, ra, rb, rc := w.RS(), w.RA(), w.RB(), w.Rc()
	immediate := w.SH()
	return func() (jit.Exit, bool) {
		s := st.GPR[rs]
		var r uint32
		switch xo {
		case 24:
			if n := st.GPR[rb] & 0x3F; n < 32 {
				r = s << n
			}
		case 536:
			if n := st.GPR[rb] & 0x3F; n < 32 {
				r = s >> n
			}
		default:
			n := immediate
			if xo == 792 {
				n = st.GPR[rb] & 0x3F
			}
			negative := int32(s) < 0
			if n > 31 {
				if negative {
					r = 0xFFFFFFFF
				}
				setCA(st, negative)
			} else {
				r = uint32(int32(s) >> n)
				setCA(st, negative && s&(1<<n-1) != 0)
			}
		}
		st.GPR[ra] = r
		if rc {
			updateCR0(st, r)
		}
		return jit.ExitNoCheck, false
	}
}

func compareSigned(a, b int32, xer uint32) uint8 {
	var f uint8
	switch {
	case a < b:
		f = powerpc.CR_LT
	case a > b:
		f = powerpc.CR_GT
	default:
		f = powerpc.CR_EQ
	}
	if xer&powerpc.XER_SO != 0 {
		f |= powerpc.CR_SO
	}
	return f
}

func compareUnsigned(a, b uint32, xer uint32) uint8 {
	var f uint8
	switch {
	case a < b:
		f = powerpc.CR_LT
	case a > b:
		f = powerpc.CR_GT
	default:
		f = powerpc.CR_EQ
	}
	if xer&powerpc.XER_SO != 0 {
		f |= powerpc.CR_SO
	}
	return f
}

// compareFunc returns the CR field value cmp, cmpl, cmpi or cmpli
// produces.
func (c *Compiler) compareFunc(w insn) func() uint8 {
	st := c.st
	ra, rb := w.RA(), w.RB()
	switch w.OPCD() {
	case 11:
		imm := w.SIMM()
		return func() uint8 { return compareSigned(int32(st.GPR[ra]), imm, st.XER) }
	case 10:
		imm := w.UIMM()
		return func() uint8 { return compareUnsigned(st.GPR[ra], imm, st.XER) }
	}
	if w.XO() == 32 {
		return func() uint8 { return compareUnsigned(st.GPR[ra], st.GPR[rb], st.XER) }
	}
	return func() uint8 { return compareSigned(int32(st.GPR[ra]), int32(st.GPR[rb]), st.XER) }
}

func (c *Compiler) compare(o *analyzedOp) op {
	st := c.st
	crf := o.Word.CRFD()
	cmp := c.compareFunc(o.Word)
	return func() (jit.Exit, bool) {
		st.CR[crf] = cmp()
		return jit.ExitNoCheck, false
	}
}

func trapped(to uint32, a, b uint32) bool {
	sa, sb := int32(a), int32(b)
	return (to&16 != 0 && sa < sb) ||
		(to&8 != 0 && sa > sb) ||
		(to&4 != 0 && a == b) ||
		(to&2 != 0 && a < b) ||
		(to&1 != 0 && a > b)
}

func (c *Compiler) trapImmediate(o *analyzedOp) op {
	st := c.st
	w := o.Word
	to, ra, imm := w.TO(), w.RA(), uint32(w.SIMM())
	raise := c.programException(o.Address, powerpc.ProgramTrap)
	return func() (jit.Exit, bool) {
		if trapped(to, st.GPR[ra], imm) {
			return raise()
		}
		return jit.ExitNoCheck, false
	}
}

func (c *Compiler) trap(o *analyzedOp) op {
	st := c.st
	w := o.Word
	to, ra, rb := w.TO(), w.RA(), w.RB()
	raise := c.programException(o.Address, powerpc.ProgramTrap)
	return func() (jit.Exit, bool) {
		if trapped(to, st.GPR[ra], st.GPR[rb]) {
			return raise()
		}
		return jit.ExitNoCheck, false
	}
}
