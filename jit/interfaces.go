package jit

import "github.com/colorfulnotion/dynarec/cpu"

// Compiler turns the guest code at address into a block and finalizes it
// into the cache. It may also produce nothing, in which case it has
// already raised a guest exception that moved PC.
type Compiler interface {
	Jit(address uint32)
}

// Timer advances scheduled events and returns the next cycle budget.
type Timer interface {
	Advance() int32
}

type Breakpoints interface {
	IsAddressBreakPoint(address uint32) bool
	CheckBreakPoints()
}

type Watchpoints interface {
	HasAny() bool
}

// RunState is the host-controlled run state the core polls.
type RunState interface {
	State() cpu.State
}

// MemoryBases provides the two memory view bases.
type MemoryBases interface {
	LogicalBase() uint64
	PhysicalBase() uint64
}

type noBreakpoints struct{}

func (noBreakpoints) IsAddressBreakPoint(uint32) bool { return false }
func (noBreakpoints) CheckBreakPoints()               {}

type noWatchpoints struct{}

func (noWatchpoints) HasAny() bool { return false }
