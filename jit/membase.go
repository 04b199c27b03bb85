package jit

import "github.com/colorfulnotion/dynarec/powerpc"

// MemoryBaseSelector picks the memory view matching MSR.DR. It runs on the
// checked entry only; blocks chained through the no-check entry keep the
// base selected last.
type MemoryBaseSelector struct {
	logical  uint64
	physical uint64
}

func NewMemoryBaseSelector(bases MemoryBases) MemoryBaseSelector {
	return MemoryBaseSelector{
		logical:  bases.LogicalBase(),
		physical: bases.PhysicalBase(),
	}
}

func (m MemoryBaseSelector) Select(st *powerpc.State) {
	if st.MSR&powerpc.MSR_DR != 0 {
		st.MemBase = m.logical
	} else {
		st.MemBase = m.physical
	}
}
