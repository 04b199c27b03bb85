package compiler

import (
	"github.com/colorfulnotion/dynarec/jit"
)

// condition evaluates the BO/BI test of a conditional branch, decrementing
// CTR first when BO asks for it.
func (c *Compiler) condition(w insn) func() bool {
	st := c.st
	bo, bi := w.BO(), w.BI()
	if bo&0x14 == 0x14 {
		return func() bool { return true }
	}
	return func() bool {
		ctrOK := true
		if bo&4 == 0 {
			st.CTR--
			ctrOK = (st.CTR != 0) != (bo&2 != 0)
		}
		condOK := bo&16 != 0 || st.CRBit(bi) == (bo&8 != 0)
		return ctrOK && condOK
	}
}

// branch emits b, ba, bl and bla. With return prediction enabled a
// linking branch also pushes the return address onto the execution stack.
func (c *Compiler) branch(o *analyzedOp) op {
	st := c.st
	stack := c.base.Stack
	w := o.Word
	target, _ := branchTarget(w, o.Address)
	ret := o.Address + 4
	if !w.LK() {
		return func() (jit.Exit, bool) {
			st.PC = target
			return jit.ExitNoCheck, true
		}
	}
	push := c.base.Config.EnableBLROptimization
	return func() (jit.Exit, bool) {
		st.LR = ret
		if push {
			stack.Push(ret)
		}
		st.PC = target
		return jit.ExitNoCheck, true
	}
}

func (c *Compiler) branchConditional(o *analyzedOp) op {
	st := c.st
	stack := c.base.Stack
	w := o.Word
	target, _ := branchTarget(w, o.Address)
	ret := o.Address + 4
	lk := w.LK()
	push := lk && c.base.Config.EnableBLROptimization
	cond := c.condition(w)
	return func() (jit.Exit, bool) {
		taken := cond()
		if lk {
			st.LR = ret
		}
		if !taken {
			st.PC = ret
			return jit.ExitNoCheck, true
		}
		if push {
			stack.Push(ret)
		}
		st.PC = target
		return jit.ExitNoCheck, true
	}
}

// branchToLink emits bclr and bclrl. An unconditional blr pops the
// predicted return address; when it differs from LR the block exits
// through the mispredicted-return entry, which realigns PC.
func (c *Compiler) branchToLink(o *analyzedOp) op {
	st := c.st
	stack := c.base.Stack
	w := o.Word
	ret := o.Address + 4
	lk := w.LK()
	blrOpt := c.base.Config.EnableBLROptimization
	predict := blrOpt && !lk && w.BO()&0x14 == 0x14
	push := blrOpt && lk
	cond := c.condition(w)
	if predict {
		return func() (jit.Exit, bool) {
			target := st.LR
			st.PC = target
			if stack.Pop() != target {
				return jit.ExitMispredictedReturn, true
			}
			return jit.ExitNoCheck, true
		}
	}
	return func() (jit.Exit, bool) {
		taken := cond()
		target := st.LR &^ 3
		if lk {
			st.LR = ret
		}
		if !taken {
			st.PC = ret
			return jit.ExitNoCheck, true
		}
		if push {
			stack.Push(ret)
		}
		st.PC = target
		return jit.ExitNoCheck, true
	}
}

// branchToCount emits bcctr and bcctrl.
func (c *Compiler) branchToCount(o *analyzedOp) op {
	st := c.st
	stack := c.base.Stack
	w := o.Word
	ret := o.Address + 4
	lk := w.LK()
	push := lk && c.base.Config.EnableBLROptimization
	cond := c.condition(w)
	return func() (jit.Exit, bool) {
		taken := cond()
		target := st.CTR &^ 3
		if lk {
			st.LR = ret
		}
		if !taken {
			st.PC = ret
			return jit.ExitNoCheck, true
		}
		if push {
			stack.Push(ret)
		}
		st.PC = target
		return jit.ExitNoCheck, true
	}
}

// fusable reports whether br can be folded into the compare cmp: a
// non-linking conditional branch that leaves CTR alone and tests the CR
// field cmp writes.
func fusable(cmp, br *analyzedOp) bool {
	w := br.Word
	return w.OPCD() == 16 && !w.LK() && w.BO()&4 != 0 && w.BI()>>2 == cmp.Word.CRFD()
}

// compareBranch runs a compare and the conditional branch that consumes
// it as one op.
func (c *Compiler) compareBranch(cmp, br *analyzedOp) op {
	st := c.st
	compare := c.compareFunc(cmp.Word)
	crf := cmp.Word.CRFD()
	bo, bi := br.Word.BO(), br.Word.BI()
	bit := uint8(8) >> (bi & 3)
	want := bo&8 != 0
	always := bo&16 != 0
	target, _ := branchTarget(br.Word, br.Address)
	next := br.Address + 4
	return func() (jit.Exit, bool) {
		f := compare()
		st.CR[crf] = f
		if always || (f&bit != 0) == want {
			st.PC = target
		} else {
			st.PC = next
		}
		return jit.ExitNoCheck, true
	}
}
