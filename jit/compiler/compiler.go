// Package compiler is the reference block compiler for 32-bit PowerPC
// guests. Each guest instruction becomes a Go closure; a block runs its
// closures in order and returns the dispatcher entry to continue at.
package compiler

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/jit"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/powerpc"
)

// op runs one guest instruction. done is true when the instruction left
// the block, with exit naming the dispatcher entry to continue at.
type op func() (exit jit.Exit, done bool)

type Stats struct {
	Compiles     uint64
	Relinks      uint64
	FetchFaults  uint64
	Fused        uint64
	Instructions uint64
	Unsupported  uint64
	CacheFull    uint64
}

type Compiler struct {
	base     *jit.Base
	st       *powerpc.State
	mem      *memory.Memory
	analyzer *Analyzer
	timeBase func() uint64
	stats    Stats
}

func New(base *jit.Base, mem *memory.Memory) (*Compiler, error) {
	analyzer, err := NewAnalyzer(mem)
	if err != nil {
		return nil, err
	}
	return &Compiler{
		base:     base,
		st:       base.State,
		mem:      mem,
		analyzer: analyzer,
		timeBase: func() uint64 { return 0 },
	}, nil
}

// SetTimeBase installs the source mftb reads.
func (c *Compiler) SetTimeBase(fn func() uint64) {
	c.timeBase = fn
}

func (c *Compiler) Stats() Stats {
	return c.stats
}

// Jit compiles the block at address under the current MSR. A block that
// already exists but lost its index slot to an aliasing address is relinked
// instead. If the first instruction cannot be fetched an ISI is delivered
// and no block is produced.
func (c *Compiler) Jit(address uint32) {
	cache := c.base.Cache
	st := c.st

	if n := cache.GetBlockNumberFromStartAddress(address, st.MSR); n >= 0 {
		cache.Link(cache.Block(n))
		c.stats.Relinks++
		return
	}
	if cache.IsFull() {
		c.stats.CacheFull++
		log.Debug(log.CompileMonitoring, "block cache full, clearing", "blocks", cache.NumBlocks())
		cache.Clear()
	}

	maxOps := c.base.Config.MaxBlockInstructions
	stepping := c.base.IsStepping()
	if stepping {
		maxOps = 1
	}
	cb := c.analyzer.Analyze(st.MSR, address, maxOps)
	if cb.FetchFault {
		c.stats.FetchFaults++
		log.Debug(log.CompileMonitoring, "instruction fetch fault", "pc", fmt.Sprintf("%08x", address), "msr", fmt.Sprintf("%08x", st.MSR))
		st.PC = address
		st.Exceptions |= powerpc.ExceptionISI
		st.CheckExceptions()
		return
	}

	blk := cache.AllocateBlock(address, st.MSR)
	ops, cycles := c.assemble(cb, stepping)
	blk.PhysicalAddress = cb.Physical
	blk.OriginalSize = uint32(len(cb.Ops))
	blk.CodeSize = uint32(len(ops))
	blk.Cycles = uint32(cycles)
	blk.Fingerprint = jit.Fingerprint(cb.Words())

	last := cb.Ops[len(cb.Ops)-1]
	next := last.Address + 4
	cache.FinalizeBlock(blk, func() jit.Exit {
		st.Downcount -= cycles
		for _, fn := range ops {
			if exit, done := fn(); done {
				return exit
			}
		}
		st.PC = next
		return jit.ExitNoCheck
	})

	c.stats.Compiles++
	c.stats.Instructions += uint64(len(cb.Ops))
	if jit.DebugCompiler() {
		for _, o := range cb.Ops {
			log.Debug(log.CompileMonitoring, "  "+Disassemble(uint32(o.Word), o.Address), "pc", fmt.Sprintf("%08x", o.Address))
		}
	}
	if log.ModuleEnabled(log.CompileMonitoring) {
		log.Trace(log.CompileMonitoring, "Jit", "block", blk.String())
	}
}

// assemble emits the ops of cb and totals their cycle cost.
func (c *Compiler) assemble(cb *codeBlock, stepping bool) ([]op, int32) {
	infos := make([]jit.OpInfo, len(cb.Ops))
	for i, o := range cb.Ops {
		infos[i] = jit.OpInfo{Address: o.Address, IsBranchTarget: o.IsBranchTarget}
	}
	js := c.base.NewJitState(infos)
	checkBreakpoints := c.base.Config.EnableDebugging && !stepping

	ops := make([]op, 0, len(cb.Ops))
	var cycles int32
	for i := 0; i < len(cb.Ops); i++ {
		js.SetIndex(i)
		o := &cb.Ops[i]
		if checkBreakpoints && c.base.Breakpoints.IsAddressBreakPoint(o.Address) {
			ops = append(ops, c.breakpointCheck(o.Address))
		}
		cycles += opCycles(o.Word)
		if isCompare(o.Word) && js.MergeAllowedNextInstructions(1) && fusable(o, &cb.Ops[i+1]) {
			ops = append(ops, c.compareBranch(o, &cb.Ops[i+1]))
			cycles += opCycles(cb.Ops[i+1].Word)
			c.stats.Fused++
			i++
			continue
		}
		ops = append(ops, c.emit(o))
	}
	return ops, cycles
}

// emit selects the emitter for one instruction.
func (c *Compiler) emit(o *analyzedOp) op {
	if !o.Decoded.valid {
		return c.programException(o.Address, powerpc.ProgramIllegal)
	}
	w := o.Word
	switch w.OPCD() {
	case 3:
		return c.trapImmediate(o)
	case 7, 8, 12, 13, 14, 15:
		return c.arithImmediate(o)
	case 10, 11:
		return c.compare(o)
	case 16:
		return c.branchConditional(o)
	case 17:
		return c.systemCall(o)
	case 18:
		return c.branch(o)
	case 19:
		return c.emit19(o)
	case 20, 21, 23:
		return c.rotate(o)
	case 24, 25, 26, 27, 28, 29:
		return c.logicalImmediate(o)
	case 31:
		return c.emit31(o)
	case 32, 33, 34, 35, 40, 41, 42, 43:
		return c.loadImmediate(o)
	case 36, 37, 38, 39, 44, 45:
		return c.storeImmediate(o)
	case 46, 47:
		return c.loadStoreMultiple(o)
	}
	return c.unsupported(o)
}

func (c *Compiler) emit19(o *analyzedOp) op {
	switch o.Word.XO() {
	case 0:
		return c.moveCRField(o)
	case 16:
		return c.branchToLink(o)
	case 33, 129, 193, 225, 257, 289, 417, 449:
		return c.crLogical(o)
	case 50:
		return c.returnFromInterrupt(o)
	case 150:
		return c.contextSync(o)
	case 528:
		return c.branchToCount(o)
	}
	return c.unsupported(o)
}

func (c *Compiler) emit31(o *analyzedOp) op {
	w := o.Word
	xo := w.XO()
	if w.OE() && isArithXO(xo&0x1FF) {
		xo &= 0x1FF
	}
	switch xo {
	case 0, 32:
		return c.compare(o)
	case 4:
		return c.trap(o)
	case 8, 10, 11, 40, 75, 104, 136, 138, 200, 202, 232, 234, 235, 266, 459, 491:
		return c.arith(o, xo)
	case 19, 144:
		return c.moveCR(o, xo)
	case 24, 536, 792, 824:
		return c.shift(o, xo)
	case 26, 28, 60, 124, 284, 316, 412, 444, 476, 922, 954:
		return c.logical(o, xo)
	case 23, 55, 87, 119, 279, 311, 343, 375:
		return c.loadIndexed(o, xo)
	case 151, 183, 215, 247, 407, 439:
		return c.storeIndexed(o, xo)
	case 83, 146:
		return c.moveMSR(o, xo)
	case 339, 467, 371:
		return c.moveSPR(o, xo)
	case 54, 86, 246, 278, 470, 598, 854:
		return c.nop()
	case 982:
		return c.invalidateICache(o)
	case 1014:
		return c.zeroCacheLine(o)
	}
	return c.unsupported(o)
}

func isArithXO(xo uint32) bool {
	switch xo {
	case 8, 10, 40, 104, 136, 138, 200, 202, 232, 234, 235, 266, 459, 491:
		return true
	}
	return false
}

// unsupported raises a program exception for a valid instruction the
// compiler has no emitter for.
func (c *Compiler) unsupported(o *analyzedOp) op {
	c.stats.Unsupported++
	log.Debug(log.CompileMonitoring, "unsupported instruction", "pc", fmt.Sprintf("%08x", o.Address), "inst", Disassemble(uint32(o.Word), o.Address))
	return c.programException(o.Address, powerpc.ProgramIllegal)
}

func (c *Compiler) nop() op {
	return func() (jit.Exit, bool) { return jit.ExitNoCheck, false }
}
