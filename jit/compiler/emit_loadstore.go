package compiler

import (
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/jit"
)

type loadFunc func(ea uint32) (uint32, bool)
type storeFunc func(ea uint32, v uint32) bool

// loader picks the access path for size-byte loads from the memory
// options in force at compile time. The fast path falls back to the
// checked helper whenever the direct access misses.
func (c *Compiler) loader(size int) loadFunc {
	st, mem := c.st, c.mem
	fast := c.base.MemoryOptions().Fastmem
	switch size {
	case 1:
		if fast {
			return func(ea uint32) (uint32, bool) {
				if v, ok := mem.FastRead8(st.MemBase, ea); ok {
					return uint32(v), true
				}
				v, ok := mem.Read8(st, ea)
				return uint32(v), ok
			}
		}
		return func(ea uint32) (uint32, bool) {
			v, ok := mem.Read8(st, ea)
			return uint32(v), ok
		}
	case 2:
		if fast {
			return func(ea uint32) (uint32, bool) {
				if v, ok := mem.FastRead16(st.MemBase, ea); ok {
					return uint32(v), true
				}
				v, ok := mem.Read16(st, ea)
				return uint32(v), ok
			}
		}
		return func(ea uint32) (uint32, bool) {
			v, ok := mem.Read16(st, ea)
			return uint32(v), ok
		}
	}
	if fast {
		return func(ea uint32) (uint32, bool) {
			if v, ok := mem.FastRead32(st.MemBase, ea); ok {
				return v, true
			}
			return mem.Read32(st, ea)
		}
	}
	return func(ea uint32) (uint32, bool) {
		return mem.Read32(st, ea)
	}
}

func (c *Compiler) storer(size int) storeFunc {
	st, mem := c.st, c.mem
	fast := c.base.MemoryOptions().Fastmem
	switch size {
	case 1:
		if fast {
			return func(ea uint32, v uint32) bool {
				return mem.FastWrite8(st.MemBase, ea, uint8(v)) || mem.Write8(st, ea, uint8(v))
			}
		}
		return func(ea uint32, v uint32) bool { return mem.Write8(st, ea, uint8(v)) }
	case 2:
		if fast {
			return func(ea uint32, v uint32) bool {
				return mem.FastWrite16(st.MemBase, ea, uint16(v)) || mem.Write16(st, ea, uint16(v))
			}
		}
		return func(ea uint32, v uint32) bool { return mem.Write16(st, ea, uint16(v)) }
	}
	if fast {
		return func(ea uint32, v uint32) bool {
			return mem.FastWrite32(st.MemBase, ea, v) || mem.Write32(st, ea, v)
		}
	}
	return func(ea uint32, v uint32) bool { return mem.Write32(st, ea, v) }
}

// access describes one load or store instruction after field decoding.
type access struct {
	address  uint32
	rd, ra   uint32
	rb       uint32
	indexed  bool
	disp     uint32
	update   bool
	size     int
	signed   bool
	isStore  bool
	memcheck bool
}

func (a *access) ea(gpr *[32]uint32) uint32 {
	off := a.disp
	if a.indexed {
		off = gpr[a.rb]
	}
	if a.ra == 0 && !a.update {
		return off
	}
	return gpr[a.ra] + off
}

// memoryOp builds the op for a. A failed access has raised a DSI, which is
// delivered before leaving through the checked entry. With memcheck on, a
// watchpoint that stopped the CPU halts the loop after the access.
func (c *Compiler) memoryOp(a access) op {
	st := c.st
	rs := c.base.RunState
	next := a.address + 4
	fault := func() (jit.Exit, bool) {
		st.CheckExceptions()
		return jit.ExitChecked, true
	}
	finish := func() (jit.Exit, bool) {
		if a.memcheck && rs.State() != cpu.Running {
			st.PC = next
			st.NPC = next
			return jit.ExitHalt, true
		}
		return jit.ExitNoCheck, false
	}

	if a.isStore {
		store := c.storer(a.size)
		return func() (jit.Exit, bool) {
			ea := a.ea(&st.GPR)
			st.PC = a.address
			if !store(ea, st.GPR[a.rd]) {
				return fault()
			}
			if a.update {
				st.GPR[a.ra] = ea
			}
			return finish()
		}
	}
	load := c.loader(a.size)
	return func() (jit.Exit, bool) {
		ea := a.ea(&st.GPR)
		st.PC = a.address
		v, ok := load(ea)
		if !ok {
			return fault()
		}
		if a.signed {
			v = uint32(int32(int16(v)))
		}
		st.GPR[a.rd] = v
		if a.update {
			st.GPR[a.ra] = ea
		}
		return finish()
	}
}

func (c *Compiler) newAccess(o *analyzedOp) access {
	w := o.Word
	return access{
		address:  o.Address,
		rd:       w.RD(),
		ra:       w.RA(),
		rb:       w.RB(),
		disp:     uint32(w.SIMM()),
		memcheck: c.base.MemoryOptions().Memcheck,
	}
}

// loadImmediate covers lwz, lbz, lhz, lha and their update forms.
func (c *Compiler) loadImmediate(o *analyzedOp) op {
	a := c.newAccess(o)
	opcd := o.Word.OPCD()
	a.update = opcd&1 != 0
	switch opcd {
	case 32, 33:
		a.size = 4
	case 34, 35:
		a.size = 1
	case 40, 41:
		a.size = 2
	case 42, 43:
		a.size = 2
		a.signed = true
	}
	return c.memoryOp(a)
}

// storeImmediate covers stw, stb, sth and their update forms.
func (c *Compiler) storeImmediate(o *analyzedOp) op {
	a := c.newAccess(o)
	opcd := o.Word.OPCD()
	a.update = opcd&1 != 0
	a.isStore = true
	switch opcd {
	case 36, 37:
		a.size = 4
	case 38, 39:
		a.size = 1
	case 44, 45:
		a.size = 2
	}
	return c.memoryOp(a)
}

func (c *Compiler) loadIndexed(o *analyzedOp, xo uint32) op {
	a := c.newAccess(o)
	a.indexed = true
	a.update = xo&0x20 != 0
	switch xo {
	case 23, 55:
		a.size = 4
	case 87, 119:
		a.size = 1
	case 279, 311:
		a.size = 2
	case 343, 375:
		a.size = 2
		a.signed = true
	}
	return c.memoryOp(a)
}

func (c *Compiler) storeIndexed(o *analyzedOp, xo uint32) op {
	a := c.newAccess(o)
	a.indexed = true
	a.isStore = true
	a.update = xo&0x20 != 0
	switch xo {
	case 151, 183:
		a.size = 4
	case 215, 247:
		a.size = 1
	case 407, 439:
		a.size = 2
	}
	return c.memoryOp(a)
}

// loadStoreMultiple covers lmw and stmw.
func (c *Compiler) loadStoreMultiple(o *analyzedOp) op {
	st := c.st
	w := o.Word
	rd, ra := w.RD(), w.RA()
	disp := uint32(w.SIMM())
	address := o.Address
	if w.OPCD() == 47 {
		store := c.storer(4)
		return func() (jit.Exit, bool) {
			ea := disp
			if ra != 0 {
				ea += st.GPR[ra]
			}
			st.PC = address
			for r := rd; r < 32; r++ {
				if !store(ea, st.GPR[r]) {
					st.CheckExceptions()
					return jit.ExitChecked, true
				}
				ea += 4
			}
			return jit.ExitNoCheck, false
		}
	}
	load := c.loader(4)
	return func() (jit.Exit, bool) {
		ea := disp
		if ra != 0 {
			ea += st.GPR[ra]
		}
		st.PC = address
		for r := rd; r < 32; r++ {
			v, ok := load(ea)
			if !ok {
				st.CheckExceptions()
				return jit.ExitChecked, true
			}
			st.GPR[r] = v
			ea += 4
		}
		return jit.ExitNoCheck, false
	}
}

// zeroCacheLine emits dcbz.
func (c *Compiler) zeroCacheLine(o *analyzedOp) op {
	st := c.st
	ra, rb := o.Word.RA(), o.Word.RB()
	address := o.Address
	store := c.storer(4)
	return func() (jit.Exit, bool) {
		ea := st.GPR[rb]
		if ra != 0 {
			ea += st.GPR[ra]
		}
		ea &^= cacheLineBytes - 1
		st.PC = address
		for off := uint32(0); off < cacheLineBytes; off += 4 {
			if !store(ea+off, 0) {
				st.CheckExceptions()
				return jit.ExitChecked, true
			}
		}
		return jit.ExitNoCheck, false
	}
}
