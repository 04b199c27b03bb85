// Package core assembles one execution core: guest state and memory, the
// event scheduler, the debug registries and the dispatcher with its
// compiler.
package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/colorfulnotion/dynarec/coretiming"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/jit"
	"github.com/colorfulnotion/dynarec/jit/compiler"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/powerpc"
	"github.com/colorfulnotion/dynarec/storage"
	"github.com/colorfulnotion/dynarec/telemetry"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	Config  jit.Config
	RAMSize uint32

	// BlockDB enables the block registry. An empty BlockDBPath keeps it
	// in memory.
	BlockDB     bool
	BlockDBPath string

	// Tracer, when set, wraps the compiler with one span per compile.
	Tracer trace.TracerProvider
}

func DefaultOptions() Options {
	return Options{
		Config:  jit.DefaultConfig(),
		RAMSize: memory.DefaultRAMSize,
	}
}

type System struct {
	Config      jit.Config
	State       *powerpc.State
	Memory      *memory.Memory
	Control     *cpu.Control
	Scheduler   *coretiming.Scheduler
	BreakPoints *powerpc.BreakPoints
	MemChecks   *powerpc.MemChecks
	Base        *jit.Base
	Compiler    *compiler.Compiler
	Dispatcher  *jit.Dispatcher
	Registry    *storage.BlockRegistry

	decrementer coretiming.EventType
	stopEvent   coretiming.EventType

	// mu is held for the whole of Run and Step; configuration changes that
	// clear the cache take it too, so they never race the dispatch loop.
	mu     sync.Mutex
	closed bool
}

func New(opts Options) (*System, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	s := &System{
		Config:  opts.Config,
		State:   powerpc.NewState(),
		Memory:  memory.New(opts.RAMSize),
		Control: cpu.NewControl(cpu.Stopped),
	}
	s.Scheduler = coretiming.NewScheduler(&s.State.Downcount)
	s.BreakPoints = powerpc.NewBreakPoints(s.Control, s.State)
	s.MemChecks = powerpc.NewMemChecks(s.Control)
	s.Memory.SetWatchpoints(s.MemChecks)

	base, err := jit.NewBase(opts.Config, s.State, s.Control, s.BreakPoints, s.MemChecks)
	if err != nil {
		return nil, err
	}
	s.Base = base
	s.MemChecks.SetOnChange(func() { s.Base.UpdateMemoryOptions() })

	s.Compiler, err = compiler.New(base, s.Memory)
	if err != nil {
		base.Close()
		return nil, err
	}
	s.Compiler.SetTimeBase(func() uint64 { return uint64(s.Scheduler.GetTicks()) })

	var comp jit.Compiler = s.Compiler
	if opts.Tracer != nil {
		comp = telemetry.NewTracingCompiler(s.Compiler, base.Cache, opts.Tracer)
	}
	s.Dispatcher, err = jit.NewDispatcher(base, comp, sliceTimer{s}, s.Memory)
	if err != nil {
		base.Close()
		return nil, err
	}

	if opts.BlockDB {
		reg, err := storage.NewBlockRegistry(opts.BlockDBPath)
		if err != nil {
			base.Close()
			return nil, err
		}
		s.Registry = reg
		base.Cache.SetOnFinalize(s.registerBlock)
		base.Cache.SetOnClear(s.recordRuns)
	}

	s.decrementer = s.Scheduler.RegisterEvent("Decrementer", s.decrementerTick)
	s.stopEvent = s.Scheduler.RegisterEvent("StopAfter", func(uint64, int64) {
		s.Control.SetState(cpu.Stopped)
	})
	s.Scheduler.ScheduleEvent(decrementerPeriod, s.decrementer, 0)
	return s, nil
}

// sliceTimer advances the scheduler at every slice boundary and then
// delivers pending external exceptions, so an event raised by the
// scheduler is taken before the next block runs.
type sliceTimer struct {
	s *System
}

func (t sliceTimer) Advance() int32 {
	st := t.s.State
	budget := t.s.Scheduler.Advance()
	st.NPC = st.PC
	st.CheckExternalExceptions()
	return budget
}

func (s *System) registerBlock(b *jit.JitBlock) {
	if err := s.Registry.Register(b); err != nil {
		log.Warn(log.BlockDBMonitoring, "Register failed", "block", b.String(), "err", err)
	}
}

func (s *System) recordRuns() {
	if err := s.Registry.RecordRuns(s.Base.Cache); err != nil {
		log.Warn(log.BlockDBMonitoring, "RecordRuns failed", "err", err)
	}
}

// LoadImage copies a big-endian guest image to physical address pa and
// invalidates any block compiled from the overwritten range.
func (s *System) LoadImage(pa uint32, image []byte) error {
	if len(image)%4 != 0 {
		return fmt.Errorf("%d bytes: %w", len(image), jiterrors.ErrIUnalignedImage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Memory.WritePhysical(pa, image); err != nil {
		return err
	}
	s.Base.Cache.InvalidateICache(pa, uint32(len(image)))
	log.Debug(log.DispatchMonitoring, "LoadImage", "address", fmt.Sprintf("%08x", pa), "bytes", len(image))
	return nil
}

// SetEntry places the PC, with translation bits msr.
func (s *System) SetEntry(pc uint32, msr uint32) error {
	if pc&3 != 0 {
		return fmt.Errorf("entry %08x: %w", pc, jiterrors.ErrIUnalignedEntry)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State.PC = pc
	s.State.NPC = pc
	s.State.MSR = msr
	return nil
}

// StopAfter stops the run once cycles more guest cycles have elapsed.
func (s *System) StopAfter(cycles int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scheduler.RemoveEvent(s.stopEvent)
	s.Scheduler.ScheduleEvent(cycles, s.stopEvent, 0)
}

// Run executes until the run state leaves Running: a breakpoint or
// watchpoint, Stop from another goroutine, a StopAfter deadline or ctx
// cancellation. A run resumed on a breakpoint first steps over it.
func (s *System) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jiterrors.ErrFCoreClosed
	}
	if s.Config.EnableDebugging && s.BreakPoints.IsAddressBreakPoint(s.State.PC) {
		s.Control.SetState(cpu.Stepping)
		if err := s.Dispatcher.SingleStep(); err != nil {
			return err
		}
	}
	s.Control.SetState(cpu.Running)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Control.SetState(cpu.Stopped)
		case <-done:
		}
	}()

	if err := s.Dispatcher.Run(); err != nil {
		return err
	}
	if s.Control.State() == cpu.Running {
		s.Control.SetState(cpu.Stopped)
	}
	log.Debug(log.DispatchMonitoring, "Run returned", "pc", fmt.Sprintf("%08x", s.State.PC), "state", s.Control.State(), "ticks", s.Scheduler.GetTicks())
	return ctx.Err()
}

// Step executes one guest instruction and leaves the core Stepping.
func (s *System) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jiterrors.ErrFCoreClosed
	}
	s.Control.SetState(cpu.Stepping)
	return s.Dispatcher.SingleStep()
}

// Stop may be called from any goroutine; the loop notices at the next
// slice boundary.
func (s *System) Stop() {
	s.Control.SetState(cpu.Stopped)
}

// AddBreakpoint drops compiled blocks so the inline check is emitted.
func (s *System) AddBreakpoint(address uint32, temporary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BreakPoints.Add(address, temporary)
	s.Base.Cache.Clear()
}

func (s *System) RemoveBreakpoint(address uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.BreakPoints.Remove(address) {
		return false
	}
	s.Base.Cache.Clear()
	return true
}

// AddWatchpoint registers mc; the first watchpoint switches generated code
// to checked memory accesses.
func (s *System) AddWatchpoint(mc powerpc.MemCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MemChecks.Add(mc)
}

func (s *System) RemoveWatchpoint(start uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MemChecks.Remove(start)
}

// Close records outstanding run counts and releases the stack region and
// the registry.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.Registry != nil {
		s.recordRuns()
		err = s.Registry.Close()
	}
	if cerr := s.Base.Close(); err == nil {
		err = cerr
	}
	return err
}
