package jit

import (
	"testing"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/powerpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCompiler finalizes a block for every address it has a body for.
// An address without a body moves PC to redirect without producing a
// block, as a compiler does when fetching raises an exception.
type stubCompiler struct {
	base     *Base
	bodies   map[uint32]Code
	redirect map[uint32]uint32
	compiles map[uint32]int
}

func newStubCompiler(base *Base) *stubCompiler {
	return &stubCompiler{
		base:     base,
		bodies:   make(map[uint32]Code),
		redirect: make(map[uint32]uint32),
		compiles: make(map[uint32]int),
	}
}

func (c *stubCompiler) Jit(address uint32) {
	c.compiles[address]++
	if to, ok := c.redirect[address]; ok {
		c.base.State.PC = to
		return
	}
	body, ok := c.bodies[address]
	if !ok {
		panic("no body for address")
	}
	c.install(address, c.base.State.MSR, body)
}

func (c *stubCompiler) install(address, msr uint32, body Code) *JitBlock {
	b := c.base.Cache.AllocateBlock(address, msr)
	b.PhysicalAddress = address
	b.OriginalSize = 1
	c.base.Cache.FinalizeBlock(b, body)
	return b
}

// sliceTimer hands out a fixed budget and stops the CPU on its limit-th
// slice.
type sliceTimer struct {
	budget int32
	limit  int
	slices int
	ctl    *cpu.Control
}

func (t *sliceTimer) Advance() int32 {
	t.slices++
	if t.limit > 0 && t.slices >= t.limit {
		t.ctl.SetState(cpu.Stopped)
	}
	return t.budget
}

type dispatchFixture struct {
	base     *Base
	ctl      *cpu.Control
	bps      *powerpc.BreakPoints
	compiler *stubCompiler
	timer    *sliceTimer
	d        *Dispatcher
}

func newDispatchFixture(t *testing.T, cfg Config, budget int32, limit int) *dispatchFixture {
	t.Helper()
	base, ctl, bps, _ := newTestBase(t, cfg)
	f := &dispatchFixture{
		base:     base,
		ctl:      ctl,
		bps:      bps,
		compiler: newStubCompiler(base),
		timer:    &sliceTimer{budget: budget, limit: limit, ctl: ctl},
	}
	d, err := NewDispatcher(base, f.compiler, f.timer, fixedBases{})
	require.NoError(t, err)
	f.d = d
	return f
}

func TestNewDispatcherRequiresCollaborators(t *testing.T) {
	base, _, _, _ := newTestBase(t, DefaultConfig())
	_, err := NewDispatcher(base, nil, &sliceTimer{}, fixedBases{})
	require.ErrorIs(t, err, jiterrors.ErrFMissingCollaborator)
	_, err = NewDispatcher(base, newStubCompiler(base), nil, fixedBases{})
	require.ErrorIs(t, err, jiterrors.ErrFMissingCollaborator)
}

func TestDispatcherRunsCompiledLoop(t *testing.T) {
	f := newDispatchFixture(t, DefaultConfig(), 10, 3)
	st := f.base.State
	st.PC = 0x100
	f.compiler.bodies[0x100] = func() Exit {
		st.GPR[3]++
		st.Downcount--
		return ExitNoCheck
	}

	require.NoError(t, f.d.Run())

	assert.Equal(t, uint32(30), st.GPR[3], "three slices of ten cycles")
	assert.Equal(t, 1, f.compiler.compiles[0x100], "compiled exactly once")
	assert.Equal(t, cpu.Stopped, f.ctl.State())
	assert.Equal(t, st.PC, st.NPC)

	stats := f.d.Stats()
	assert.Equal(t, uint64(3), stats.Slices)
	assert.Equal(t, uint64(30), stats.Dispatches)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(30), f.base.Cache.Lookup(0x100, 0).RunCount)
	assert.False(t, f.base.Stack.Entered())
}

func TestDispatcherRetriesWhenCompileProducesNothing(t *testing.T) {
	f := newDispatchFixture(t, DefaultConfig(), 5, 1)
	st := f.base.State
	st.PC = 0x500
	f.compiler.redirect[0x500] = 0x700
	f.compiler.bodies[0x700] = func() Exit {
		st.Downcount -= 5
		return ExitNoCheck
	}

	require.NoError(t, f.d.Run())
	assert.Equal(t, uint32(0x700), st.PC)
	assert.Equal(t, uint64(2), f.d.Stats().Misses)
	assert.Equal(t, 1, f.compiler.compiles[0x500])
	assert.Equal(t, 1, f.compiler.compiles[0x700])
}

func TestDispatcherStopsAtBreakpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableDebugging = true
	f := newDispatchFixture(t, cfg, 1000, 0)
	st := f.base.State
	st.PC = 0x100
	f.bps.Add(0x104, false)

	f.compiler.install(0x100, 0, func() Exit {
		f.base.Stack.Push(0x108)
		st.PC = 0x104
		st.Downcount--
		return ExitNoCheck
	})
	// compiled with an inline breakpoint check ahead of the instruction
	f.compiler.install(0x104, 0, func() Exit {
		f.bps.CheckBreakPoints()
		if f.ctl.State() != cpu.Running {
			return ExitChecked
		}
		st.PC = 0x108
		return ExitNoCheck
	})
	f.compiler.bodies[0x108] = func() Exit {
		t.Fatal("block after the breakpoint ran")
		return ExitNoCheck
	}

	require.NoError(t, f.d.Run())
	assert.Equal(t, cpu.Stepping, f.ctl.State())
	assert.Equal(t, uint32(0x104), st.PC)
	assert.Zero(t, f.compiler.compiles[0x108])
	assert.Equal(t, uint64(1), f.d.Stats().DebugExits)
	assert.Equal(t, uint64(1), f.d.Stats().Slices, "exit happens mid-slice")
	assert.Equal(t, 0, f.base.Stack.Depth())
	assert.Equal(t, Sentinel, f.base.Stack.Pop())
	assert.Equal(t, 2, f.bps.List()[0].Hits)
}

// stoppingBreakpoints stops the CPU the first time it is consulted.
type stoppingBreakpoints struct {
	ctl    *cpu.Control
	checks int
}

func (b *stoppingBreakpoints) IsAddressBreakPoint(uint32) bool { return false }

func (b *stoppingBreakpoints) CheckBreakPoints() {
	b.checks++
	b.ctl.SetState(cpu.Stopped)
}

func TestDispatcherStopFromBreakpointCheckWhileStepping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableDebugging = true
	cfg.StackSize = 0
	st := powerpc.NewState()
	ctl := cpu.NewControl(cpu.Running)
	bps := &stoppingBreakpoints{ctl: ctl}
	base, err := NewBase(cfg, st, ctl, bps, nil)
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })
	comp := newStubCompiler(base)
	d, err := NewDispatcher(base, comp, &sliceTimer{budget: 1000, ctl: ctl}, fixedBases{})
	require.NoError(t, err)

	st.PC = 0x100
	comp.install(0x100, 0, func() Exit {
		base.Stack.Push(0x104)
		ctl.SetState(cpu.Stepping)
		st.PC = 0x104
		st.Downcount--
		return ExitNoCheck
	})
	comp.bodies[0x104] = func() Exit {
		t.Fatal("block ran after the breakpoint check stopped the CPU")
		return ExitNoCheck
	}

	require.NoError(t, d.Run())
	assert.Equal(t, cpu.Stopped, ctl.State())
	assert.Equal(t, 1, bps.checks)
	assert.Equal(t, uint32(0x104), st.PC)
	assert.Zero(t, comp.compiles[0x104])
	assert.Equal(t, uint64(1), d.Stats().Dispatches)
	assert.Equal(t, uint64(1), d.Stats().DebugExits)
	assert.Equal(t, 0, base.Stack.Depth())
	assert.False(t, base.Stack.Entered())
}

func TestDispatcherExternalStopKeepsState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableDebugging = true
	f := newDispatchFixture(t, cfg, 1000, 0)
	st := f.base.State
	st.PC = 0x100
	f.bps.Add(0x104, false)

	f.compiler.install(0x100, 0, func() Exit {
		f.ctl.SetState(cpu.Stopped)
		st.PC = 0x104
		st.Downcount--
		return ExitNoCheck
	})
	f.compiler.bodies[0x104] = func() Exit {
		t.Fatal("block ran after the stop request")
		return ExitNoCheck
	}

	require.NoError(t, f.d.Run())
	assert.Equal(t, cpu.Stopped, f.ctl.State(), "a stop landing on a breakpoint stays a stop")
	assert.Equal(t, 0, f.bps.List()[0].Hits)
	assert.Equal(t, uint64(1), f.d.Stats().DebugExits)
}

func TestDispatcherCheckedExitTestsDowncount(t *testing.T) {
	f := newDispatchFixture(t, DefaultConfig(), 3, 2)
	st := f.base.State
	st.PC = 0x700
	f.compiler.bodies[0x700] = func() Exit {
		st.GPR[3]++
		st.Downcount--
		return ExitChecked
	}

	require.NoError(t, f.d.Run())
	assert.Equal(t, uint32(6), st.GPR[3], "each slice ends when its budget is spent")
	assert.Equal(t, uint64(2), f.d.Stats().Slices)
	assert.Equal(t, cpu.Stopped, f.ctl.State())
}

func TestDispatcherHaltExitsWithoutRecheck(t *testing.T) {
	f := newDispatchFixture(t, DefaultConfig(), 100, 0)
	st := f.base.State
	st.PC = 0x100
	f.bps.Add(0x100, false)
	f.compiler.bodies[0x100] = func() Exit {
		f.bps.CheckBreakPoints()
		return ExitHalt
	}

	require.NoError(t, f.d.Run())
	assert.Equal(t, cpu.Stepping, f.ctl.State())
	assert.Equal(t, 1, f.bps.List()[0].Hits, "the dispatcher does not check the breakpoint again")
	assert.Equal(t, uint64(1), f.d.Stats().DebugExits)
	assert.Equal(t, uint64(1), f.d.Stats().Dispatches)
	assert.Equal(t, uint32(0x100), st.NPC)
}

func TestDispatcherWithoutDebuggingRunsToSliceEnd(t *testing.T) {
	f := newDispatchFixture(t, DefaultConfig(), 4, 0)
	st := f.base.State
	st.PC = 0x100
	f.compiler.bodies[0x100] = func() Exit {
		st.GPR[3]++
		st.Downcount--
		f.ctl.SetState(cpu.Stepping)
		return ExitNoCheck
	}

	require.NoError(t, f.d.Run())
	assert.Equal(t, uint32(4), st.GPR[3], "run state is polled only at the slice end")
	assert.Zero(t, f.d.Stats().DebugExits)
}

func TestDispatcherMemoryBaseOnlyOnCheckedEntry(t *testing.T) {
	f := newDispatchFixture(t, DefaultConfig(), 100, 0)
	st := f.base.State
	st.PC = 0x100
	var seenB, seenC uint64

	f.compiler.install(0x100, 0, func() Exit {
		st.MSR |= powerpc.MSR_DR
		st.PC = 0x200
		st.Downcount--
		return ExitNoCheck
	})
	f.compiler.install(0x200, powerpc.MSR_DR, func() Exit {
		seenB = st.MemBase
		st.PC = 0x300
		st.Downcount--
		return ExitChecked
	})
	f.compiler.install(0x300, powerpc.MSR_DR, func() Exit {
		seenC = st.MemBase
		f.ctl.SetState(cpu.Stopped)
		st.Downcount = 0
		return ExitNoCheck
	})

	require.NoError(t, f.d.Run())
	assert.Equal(t, fixedBases{}.PhysicalBase(), seenB, "chained block keeps the old base")
	assert.Equal(t, fixedBases{}.LogicalBase(), seenC, "checked entry picks the translated view")
	assert.Zero(t, f.d.Stats().Misses)
}

func TestDispatcherReturnPrediction(t *testing.T) {
	for _, tc := range []struct {
		name        string
		lr          uint32
		wantPC      uint32
		mispredicts uint64
	}{
		{name: "predicted", lr: 0x104, wantPC: 0x104},
		{name: "mispredicted", lr: 0x303, wantPC: 0x300, mispredicts: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newDispatchFixture(t, DefaultConfig(), 100, 0)
			st := f.base.State
			st.PC = 0x100
			stack := f.base.Stack
			blr := func() Exit {
				predicted := stack.Pop()
				st.PC = st.LR
				if predicted != st.LR {
					return ExitMispredictedReturn
				}
				return ExitNoCheck
			}
			stop := func() Exit {
				f.ctl.SetState(cpu.Stopped)
				st.Downcount = 0
				return ExitNoCheck
			}
			f.compiler.install(0x100, 0, func() Exit {
				st.LR = 0x104
				stack.Push(0x104)
				st.PC = 0x200
				st.Downcount--
				return ExitNoCheck
			})
			f.compiler.install(0x200, 0, func() Exit {
				st.LR = tc.lr
				return blr()
			})
			f.compiler.install(0x104, 0, stop)
			f.compiler.install(0x300, 0, stop)

			require.NoError(t, f.d.Run())
			assert.Equal(t, tc.wantPC, st.PC)
			assert.Equal(t, tc.mispredicts, f.d.Stats().Mispredicts)
		})
	}
}

func TestDispatcherSingleStep(t *testing.T) {
	f := newDispatchFixture(t, DefaultConfig(), 1, 1)
	st := f.base.State
	st.PC = 0x100
	body := func() Exit {
		st.GPR[3]++
		st.PC += 4
		st.Downcount--
		return ExitNoCheck
	}
	for _, pc := range []uint32{0x100, 0x104, 0x108} {
		f.compiler.bodies[pc] = body
	}
	f.compiler.install(0x100, 0, body)
	f.ctl.SetState(cpu.Stepping)

	require.NoError(t, f.d.SingleStep())
	assert.Equal(t, uint64(1), f.base.Cache.Stats().Clears, "entering stepping drops normal blocks")
	assert.Equal(t, uint32(0x104), st.PC)
	assert.Equal(t, st.PC, st.NPC)
	require.NoError(t, f.d.SingleStep())
	assert.Equal(t, uint32(0x108), st.PC)
	assert.Equal(t, uint64(1), f.base.Cache.Stats().Clears)
	assert.Equal(t, uint32(2), st.GPR[3])
	assert.False(t, f.base.Stack.Entered())

	f.ctl.SetState(cpu.Running)
	require.NoError(t, f.d.Run())
	assert.Equal(t, uint64(2), f.base.Cache.Stats().Clears, "leaving stepping drops stepping blocks")
}

func TestDispatcherRunIsNotReentrant(t *testing.T) {
	f := newDispatchFixture(t, DefaultConfig(), 1, 1)
	st := f.base.State
	st.PC = 0x100
	var inner error
	f.compiler.bodies[0x100] = func() Exit {
		inner = f.d.Run()
		st.Downcount--
		return ExitNoCheck
	}
	require.NoError(t, f.d.Run())
	require.ErrorIs(t, inner, jiterrors.ErrSStackReentered)
}
