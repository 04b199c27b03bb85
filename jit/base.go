package jit

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/powerpc"
)

// MemoryOptions selects how generated loads and stores reach memory.
type MemoryOptions struct {
	Fastmem           bool // direct base+ea access
	Memcheck          bool // accesses may fault
	AlwaysUseMemFuncs bool // every access goes through the checked helpers
}

// Base holds what the dispatcher and a compiler share.
type Base struct {
	Config      Config
	State       *powerpc.State
	Cache       *BlockCache
	Stack       *StackGuard
	RunState    RunState
	Breakpoints Breakpoints
	Watchpoints Watchpoints

	memOpts MemoryOptions
}

// NewBase allocates the block cache and the execution stack. Nil
// breakpoint or watchpoint registries are treated as empty.
func NewBase(cfg Config, st *powerpc.State, rs RunState, bp Breakpoints, wp Watchpoints) (*Base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil || rs == nil {
		return nil, jiterrors.ErrFMissingCollaborator
	}
	if bp == nil {
		bp = noBreakpoints{}
	}
	if wp == nil {
		wp = noWatchpoints{}
	}
	cache, err := NewBlockCache(cfg.ICacheBits, cfg.MaxBlocks, cfg.TagMSRMask)
	if err != nil {
		return nil, err
	}
	stack, err := NewStackGuard(cfg.StackSize)
	if err != nil {
		return nil, err
	}
	b := &Base{
		Config:      cfg,
		State:       st,
		Cache:       cache,
		Stack:       stack,
		RunState:    rs,
		Breakpoints: bp,
		Watchpoints: wp,
	}
	b.memOpts = b.computeMemoryOptions()
	return b, nil
}

func (b *Base) Close() error {
	return b.Stack.Free()
}

func (b *Base) MemoryOptions() MemoryOptions {
	return b.memOpts
}

func (b *Base) computeMemoryOptions() MemoryOptions {
	watching := b.Watchpoints.HasAny()
	return MemoryOptions{
		Fastmem:           b.Config.Fastmem && !watching,
		Memcheck:          b.Config.MMU || watching,
		AlwaysUseMemFuncs: watching,
	}
}

// UpdateMemoryOptions recomputes the access strategy after a watchpoint or
// MMU change. Compiled blocks embed the old strategy, so a change clears
// the cache. It must not be called while a block is executing on another
// goroutine.
func (b *Base) UpdateMemoryOptions() bool {
	opts := b.computeMemoryOptions()
	if opts == b.memOpts {
		return false
	}
	log.Debug(log.CompileMonitoring, "UpdateMemoryOptions", "fastmem", opts.Fastmem, "memcheck", opts.Memcheck, "memfuncs", opts.AlwaysUseMemFuncs)
	b.memOpts = opts
	b.Cache.Clear()
	return true
}

// IsStepping reports whether blocks must be compiled one instruction long.
func (b *Base) IsStepping() bool {
	return b.RunState.State() == cpu.Stepping
}

// OpInfo is what the merge policy needs to know about one decoded op.
type OpInfo struct {
	Address        uint32
	IsBranchTarget bool
}

// JitState tracks the compiler's position in the decode window of the
// block being compiled.
type JitState struct {
	base  *Base
	ops   []OpInfo
	index int
}

func (b *Base) NewJitState(ops []OpInfo) *JitState {
	return &JitState{base: b, ops: ops}
}

func (js *JitState) SetIndex(i int) {
	js.index = i
}

func (js *JitState) Index() int {
	return js.index
}

// InstructionsLeft counts the ops after the current one.
func (js *JitState) InstructionsLeft() int {
	return len(js.ops) - 1 - js.index
}

// MergeAllowedNextInstructions reports whether the next count ops may be
// compiled together with the current one. Merging is refused while
// stepping, past the end of the window, across a breakpoint when
// debugging, and across a branch target.
func (js *JitState) MergeAllowedNextInstructions(count int) bool {
	if js.base.IsStepping() || js.InstructionsLeft() < count {
		return false
	}
	for i := 1; i <= count; i++ {
		op := js.ops[js.index+i]
		if js.base.Config.EnableDebugging && js.base.Breakpoints.IsAddressBreakPoint(op.Address) {
			return false
		}
		if op.IsBranchTarget {
			return false
		}
	}
	return true
}

func (o OpInfo) String() string {
	if o.IsBranchTarget {
		return fmt.Sprintf("%08x*", o.Address)
	}
	return fmt.Sprintf("%08x", o.Address)
}
