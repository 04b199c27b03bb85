package jit

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
)

type DispatchStats struct {
	Slices      uint64
	Dispatches  uint64
	Misses      uint64
	Mispredicts uint64
	DebugExits  uint64
}

// Dispatcher runs cached blocks back to back. Blocks return to it instead
// of jumping to each other, and the Exit they return selects the entry the
// next dispatch starts from:
//
//	checked:  debug hook, memory base selection, lookup
//	no-check: downcount test, debug hook, lookup
//
// A Dispatcher is not safe for concurrent use. Only the run state may be
// changed from other goroutines while Run is active.
type Dispatcher struct {
	base     *Base
	compiler Compiler
	timer    Timer
	membase  MemoryBaseSelector

	// debugHook is nil unless the dispatcher was built with debugging
	// enabled. It returns true when the loop must exit.
	debugHook func() bool

	stepping bool
	stats    DispatchStats
}

func NewDispatcher(base *Base, compiler Compiler, timer Timer, bases MemoryBases) (*Dispatcher, error) {
	if base == nil || compiler == nil || timer == nil || bases == nil {
		return nil, jiterrors.ErrFMissingCollaborator
	}
	d := &Dispatcher{
		base:     base,
		compiler: compiler,
		timer:    timer,
		membase:  NewMemoryBaseSelector(bases),
	}
	if base.Config.EnableDebugging {
		d.debugHook = d.checkDebug
	}
	return d, nil
}

func (d *Dispatcher) Base() *Base {
	return d.base
}

func (d *Dispatcher) Stats() DispatchStats {
	return d.stats
}

// checkDebug consults the breakpoint registry only while stepping, so an
// external stop is never rewritten by a breakpoint at the current PC.
func (d *Dispatcher) checkDebug() bool {
	rs := d.base.RunState
	if rs.State() != cpu.Stepping {
		return rs.State() != cpu.Running
	}
	d.base.Breakpoints.CheckBreakPoints()
	return rs.State() != cpu.Running
}

// Run dispatches until the run state leaves Running. The state is polled
// at the end of every timing slice, and before every dispatch when
// debugging is enabled.
func (d *Dispatcher) Run() error {
	b := d.base
	st := b.State
	if err := b.Stack.Enter(); err != nil {
		return err
	}
	if d.stepping {
		b.Cache.Clear()
		d.stepping = false
	}
	log.Debug(log.DispatchMonitoring, "Dispatcher enter", "pc", fmt.Sprintf("%08x", st.PC), "msr", fmt.Sprintf("%08x", st.MSR))

	for {
		st.Downcount = d.timer.Advance()
		d.stats.Slices++
		if !d.runSlice() {
			d.stats.DebugExits++
			break
		}
		st.NPC = st.PC
		if b.RunState.State() != cpu.Running {
			break
		}
	}

	st.NPC = st.PC
	b.Stack.Reset()
	log.Debug(log.DispatchMonitoring, "Dispatcher exit", "pc", fmt.Sprintf("%08x", st.PC), "state", b.RunState.State(), "dispatches", d.stats.Dispatches)
	return b.Stack.Exit()
}

// runSlice dispatches until the downcount is exhausted. Only the first
// dispatch of a slice skips the downcount test; blocks returning through
// the checked entry are tested like any other. It returns false when the
// debug hook or a halting block requested an exit.
func (d *Dispatcher) runSlice() bool {
	st := d.base.State
	next := ExitChecked
	for first := true; ; first = false {
		switch next {
		case ExitHalt:
			return false
		case ExitMispredictedReturn:
			st.PC &^= 3
			d.base.Stack.Reset()
			d.stats.Mispredicts++
			fallthrough
		case ExitNoCheck:
			if st.Downcount <= 0 {
				return true
			}
			if d.debugHook != nil && d.debugHook() {
				return false
			}
		default:
			if !first && st.Downcount <= 0 {
				return true
			}
			if d.debugHook != nil && d.debugHook() {
				return false
			}
			d.membase.Select(st)
		}

		blk := d.lookupOrCompile()
		if debugDispatcher {
			log.Trace(log.DispatchMonitoring, "dispatch", "block", blk.String(), "downcount", st.Downcount)
		}
		blk.RunCount++
		d.stats.Dispatches++
		next = blk.Entry()
	}
}

// lookupOrCompile retries until the cache holds a block for PC. A compile
// that produces nothing has raised a guest exception and moved PC, so the
// memory base is reselected before each retry.
func (d *Dispatcher) lookupOrCompile() *JitBlock {
	st := d.base.State
	blk := d.base.Cache.Lookup(st.PC, st.MSR)
	for blk == nil {
		d.stats.Misses++
		d.base.Stack.Reset()
		d.compiler.Jit(st.PC)
		d.membase.Select(st)
		blk = d.base.Cache.Lookup(st.PC, st.MSR)
	}
	return blk
}

// SingleStep runs the block at PC once without advancing timing. The run
// state should be Stepping so the compiler emits one-instruction blocks.
// The cache is cleared on the first step and again when Run resumes.
func (d *Dispatcher) SingleStep() error {
	b := d.base
	st := b.State
	if !d.stepping {
		b.Cache.Clear()
		d.stepping = true
	}
	if err := b.Stack.Enter(); err != nil {
		return err
	}
	d.membase.Select(st)
	blk := d.lookupOrCompile()
	blk.RunCount++
	d.stats.Dispatches++
	if blk.Entry() == ExitMispredictedReturn {
		st.PC &^= 3
		d.stats.Mispredicts++
	}
	st.NPC = st.PC
	b.Stack.Reset()
	return b.Stack.Exit()
}
