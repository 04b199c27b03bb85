package compiler

import (
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/jit"
	"github.com/colorfulnotion/dynarec/powerpc"
)

const (
	rfiMask        uint32 = 0x87C0FFFF
	rfiClearMSR13  uint32 = 0xFFFBFFFF
	sprTBL         uint32 = 268
	sprTBU         uint32 = 269
	sprPrivileged  uint32 = 0x10
	cacheLineBytes uint32 = 32
)

// programException raises a program exception for the instruction at
// address and leaves the block through the checked entry.
func (c *Compiler) programException(address uint32, reason uint32) op {
	st := c.st
	return func() (jit.Exit, bool) {
		st.PC = address
		st.NPC = address + 4
		st.RaiseProgram(reason)
		st.CheckExceptions()
		return jit.ExitChecked, true
	}
}

// privileged wraps fn so it raises a privileged-instruction exception in
// problem state.
func (c *Compiler) privileged(address uint32, fn op) op {
	st := c.st
	raise := c.programException(address, powerpc.ProgramPrivileged)
	return func() (jit.Exit, bool) {
		if st.MSR&powerpc.MSR_PR != 0 {
			return raise()
		}
		return fn()
	}
}

// breakpointCheck stops before address when a breakpoint there moves the
// CPU out of Running.
func (c *Compiler) breakpointCheck(address uint32) op {
	st := c.st
	bps := c.base.Breakpoints
	rs := c.base.RunState
	return func() (jit.Exit, bool) {
		st.PC = address
		bps.CheckBreakPoints()
		if rs.State() != cpu.Running {
			st.NPC = address
			return jit.ExitHalt, true
		}
		return jit.ExitNoCheck, false
	}
}

func (c *Compiler) systemCall(o *analyzedOp) op {
	st := c.st
	address := o.Address
	return func() (jit.Exit, bool) {
		st.PC = address
		st.NPC = address + 4
		st.Exceptions |= powerpc.ExceptionSyscall
		st.CheckExceptions()
		return jit.ExitChecked, true
	}
}

func (c *Compiler) returnFromInterrupt(o *analyzedOp) op {
	st := c.st
	return c.privileged(o.Address, func() (jit.Exit, bool) {
		st.MSR = (st.MSR &^ rfiMask) | (st.SRR1 & rfiMask)
		st.MSR &= rfiClearMSR13
		st.PC = st.SRR0 &^ 3
		st.NPC = st.PC
		st.CheckExternalExceptions()
		return jit.ExitChecked, true
	})
}

func (c *Compiler) contextSync(o *analyzedOp) op {
	st := c.st
	next := o.Address + 4
	return func() (jit.Exit, bool) {
		st.PC = next
		return jit.ExitChecked, true
	}
}

// moveMSR covers mfmsr and mtmsr. mtmsr ends the block so the next
// dispatch reselects the memory base, and takes any external exception
// the new MSR.EE unmasks.
func (c *Compiler) moveMSR(o *analyzedOp, xo uint32) op {
	st := c.st
	rd := o.Word.RD()
	next := o.Address + 4
	if xo == 83 {
		return c.privileged(o.Address, func() (jit.Exit, bool) {
			st.GPR[rd] = st.MSR
			return jit.ExitNoCheck, false
		})
	}
	return c.privileged(o.Address, func() (jit.Exit, bool) {
		st.MSR = st.GPR[rd]
		st.PC = next
		st.NPC = next
		st.CheckExternalExceptions()
		return jit.ExitChecked, true
	})
}

// moveSPR covers mfspr, mtspr and mftb.
func (c *Compiler) moveSPR(o *analyzedOp, xo uint32) op {
	st := c.st
	w := o.Word
	rd := w.RD()
	spr := w.SPR()
	illegal := c.programException(o.Address, powerpc.ProgramIllegal)

	if xo == 371 || (xo == 339 && (spr == sprTBL || spr == sprTBU)) {
		timeBase := c.timeBase
		upper := spr == sprTBU
		return func() (jit.Exit, bool) {
			tb := timeBase()
			if upper {
				st.GPR[rd] = uint32(tb >> 32)
			} else {
				st.GPR[rd] = uint32(tb)
			}
			return jit.ExitNoCheck, false
		}
	}

	var fn op
	if xo == 339 {
		fn = func() (jit.Exit, bool) {
			v, ok := st.SPR(spr)
			if !ok {
				return illegal()
			}
			st.GPR[rd] = v
			return jit.ExitNoCheck, false
		}
	} else {
		fn = func() (jit.Exit, bool) {
			if !st.SetSPR(spr, st.GPR[rd]) {
				return illegal()
			}
			return jit.ExitNoCheck, false
		}
	}
	if spr&sprPrivileged != 0 {
		return c.privileged(o.Address, fn)
	}
	return fn
}

// moveCR covers mfcr and mtcrf.
func (c *Compiler) moveCR(o *analyzedOp, xo uint32) op {
	st := c.st
	w := o.Word
	rd := w.RD()
	if xo == 19 {
		return func() (jit.Exit, bool) {
			st.GPR[rd] = st.CRValue()
			return jit.ExitNoCheck, false
		}
	}
	crm := w.CRM()
	return func() (jit.Exit, bool) {
		v := st.GPR[rd]
		for i := uint32(0); i < 8; i++ {
			if crm&(0x80>>i) != 0 {
				st.CR[i] = uint8(v>>(28-4*i)) & 0xF
			}
		}
		return jit.ExitNoCheck, false
	}
}

func (c *Compiler) moveCRField(o *analyzedOp) op {
	st := c.st
	crfd, crfs := o.Word.CRFD(), o.Word.CRFS()
	return func() (jit.Exit, bool) {
		st.CR[crfd] = st.CR[crfs]
		return jit.ExitNoCheck, false
	}
}

var crOps = map[uint32]func(a, b bool) bool{
	33:  func(a, b bool) bool { return !(a || b) },
	129: func(a, b bool) bool { return a && !b },
	193: func(a, b bool) bool { return a != b },
	225: func(a, b bool) bool { return !(a && b) },
	257: func(a, b bool) bool { return a && b },
	289: func(a, b bool) bool { return a == b },
	417: func(a, b bool) bool { return a || !b },
	449: func(a, b bool) bool { return a || b },
}

func (c *Compiler) crLogical(o *analyzedOp) op {
	st := c.st
	w := o.Word
	bt, ba, bb := w.RD(), w.RA(), w.RB()
	fn := crOps[w.XO()]
	field, bit := bt>>2, uint8(8)>>(bt&3)
	return func() (jit.Exit, bool) {
		if fn(st.CRBit(ba), st.CRBit(bb)) {
			st.CR[field] |= bit
		} else {
			st.CR[field] &^= bit
		}
		return jit.ExitNoCheck, false
	}
}

// invalidateICache emits icbi. Blocks compiled from the line are dropped,
// so the block ends here.
func (c *Compiler) invalidateICache(o *analyzedOp) op {
	st := c.st
	mem := c.mem
	cache := c.base.Cache
	ra, rb := o.Word.RA(), o.Word.RB()
	next := o.Address + 4
	return func() (jit.Exit, bool) {
		ea := st.GPR[rb]
		if ra != 0 {
			ea += st.GPR[ra]
		}
		if pa, ok := mem.TranslateData(st.MSR, ea&^(cacheLineBytes-1)); ok {
			cache.InvalidateICache(pa, cacheLineBytes)
		}
		st.PC = next
		return jit.ExitChecked, true
	}
}
