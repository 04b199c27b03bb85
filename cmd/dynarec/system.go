package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/colorfulnotion/dynarec/common"
	"github.com/colorfulnotion/dynarec/core"
	"github.com/colorfulnotion/dynarec/jit"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/powerpc"
	"github.com/colorfulnotion/dynarec/telemetry"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// imageFlags are shared by the commands that boot an image.
type imageFlags struct {
	configPath string
	load       string
	entry      string
	msr        string
	ramSize    uint32
	debug      bool
	fastmem    bool
	mmu        bool
	stackSize  int
	blockDB    string
	otlp       string
	breaks     []string
	watches    []string
}

func (f *imageFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "yaml jit configuration")
	fs.StringVar(&f.load, "load", "0x100", "physical load address of the image")
	fs.StringVar(&f.entry, "entry", "", "entry PC (defaults to the load address)")
	fs.StringVar(&f.msr, "msr", "0", "initial MSR")
	fs.Uint32Var(&f.ramSize, "ram", 0, "guest RAM bytes (0 = 32MiB)")
	fs.BoolVar(&f.debug, "debug", false, "enable breakpoints, watchpoints and the debug hook")
	fs.BoolVar(&f.fastmem, "fastmem", true, "use direct memory-view accesses")
	fs.BoolVar(&f.mmu, "mmu", false, "check every memory access for faults")
	fs.IntVar(&f.stackSize, "stack-size", jit.DefaultStackSize, "dedicated execution stack bytes (0 = host mode)")
	fs.StringVar(&f.blockDB, "blockdb", "", "record compiled blocks in this LevelDB directory")
	fs.StringVar(&f.otlp, "otlp", "", "OTLP/HTTP endpoint (host:port) for compile spans")
	fs.StringSliceVar(&f.breaks, "break", nil, "breakpoint address (repeatable)")
	fs.StringSliceVar(&f.watches, "watch", nil, "write watchpoint addr[:len] (repeatable)")
}

func (f *imageFlags) jitConfig(cmd *cobra.Command) (jit.Config, error) {
	cfg := jit.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = jit.LoadConfig(f.configPath); err != nil {
			return cfg, err
		}
	}
	fs := cmd.Flags()
	if fs.Changed("debug") || len(f.breaks) > 0 || len(f.watches) > 0 {
		cfg.EnableDebugging = f.debug || len(f.breaks) > 0 || len(f.watches) > 0
	}
	if fs.Changed("fastmem") {
		cfg.Fastmem = f.fastmem
	}
	if fs.Changed("mmu") {
		cfg.MMU = f.mmu
	}
	if fs.Changed("stack-size") {
		cfg.StackSize = f.stackSize
	}
	return cfg, nil
}

// boot builds a core, loads the image and applies break/watch flags. The
// returned cleanup shuts down the tracer and closes the core.
func (f *imageFlags) boot(ctx context.Context, cmd *cobra.Command, path string) (*core.System, func(), error) {
	cfg, err := f.jitConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	opts := core.DefaultOptions()
	opts.Config = cfg
	if f.ramSize != 0 {
		opts.RAMSize = f.ramSize
	}
	if f.blockDB != "" {
		opts.BlockDB = true
		opts.BlockDBPath = f.blockDB
	}
	var tp *sdktrace.TracerProvider
	if f.otlp != "" {
		if tp, err = telemetry.NewTracerProvider(ctx, f.otlp); err != nil {
			return nil, nil, err
		}
		opts.Tracer = tp
	}

	sys, err := core.New(opts)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := sys.Close(); err != nil {
			log.Warn(log.DispatchMonitoring, "close", "err", err)
		}
		if tp != nil {
			tp.Shutdown(context.Background())
		}
	}
	if err := f.loadInto(sys, path); err != nil {
		cleanup()
		return nil, nil, err
	}
	return sys, cleanup, nil
}

func (f *imageFlags) loadInto(sys *core.System, path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	load, err := common.ParseAddress(f.load)
	if err != nil {
		return err
	}
	entry := load
	if f.entry != "" {
		if entry, err = common.ParseAddress(f.entry); err != nil {
			return err
		}
	}
	msr, err := common.ParseAddress(f.msr)
	if err != nil {
		return err
	}
	if err := sys.LoadImage(load, image); err != nil {
		return err
	}
	if err := sys.SetEntry(entry, msr); err != nil {
		return err
	}
	for _, b := range f.breaks {
		addr, err := common.ParseAddress(b)
		if err != nil {
			return err
		}
		sys.AddBreakpoint(addr, false)
	}
	for _, w := range f.watches {
		mc, err := parseWatch(w)
		if err != nil {
			return err
		}
		sys.AddWatchpoint(mc)
	}
	return nil
}

// parseWatch reads addr[:len] into a breaking write watchpoint.
func parseWatch(s string) (powerpc.MemCheck, error) {
	addrStr, lenStr, hasLen := strings.Cut(s, ":")
	start, err := common.ParseAddress(addrStr)
	if err != nil {
		return powerpc.MemCheck{}, err
	}
	length := uint32(4)
	if hasLen {
		if length, err = common.ParseAddress("#" + lenStr); err != nil {
			return powerpc.MemCheck{}, err
		}
		if length == 0 {
			return powerpc.MemCheck{}, fmt.Errorf("watch %q: zero length", s)
		}
	}
	return powerpc.MemCheck{Start: start, End: start + length - 1, OnWrite: true, Break: true, Log: true}, nil
}

func printSummary(sys *core.System) {
	st := sys.State
	fmt.Printf("state   %s\n", sys.Control.State())
	fmt.Printf("pc      %08x  msr %08x  ticks %d\n", st.PC, st.MSR, sys.Scheduler.GetTicks())
	for i := 0; i < 32; i += 4 {
		fmt.Printf("r%-2d %08x  r%-2d %08x  r%-2d %08x  r%-2d %08x\n",
			i, st.GPR[i], i+1, st.GPR[i+1], i+2, st.GPR[i+2], i+3, st.GPR[i+3])
	}
	fmt.Printf("cr  %08x  lr %08x  ctr %08x  xer %08x\n", st.CRValue(), st.LR, st.CTR, st.XER)

	ds := sys.Dispatcher.Stats()
	cs := sys.Compiler.Stats()
	bc := sys.Base.Cache.Stats()
	fmt.Printf("dispatch slices=%d dispatches=%d misses=%d mispredicts=%d\n", ds.Slices, ds.Dispatches, ds.Misses, ds.Mispredicts)
	fmt.Printf("compile  blocks=%d relinks=%d instructions=%d fused=%d unsupported=%d\n", cs.Compiles, cs.Relinks, cs.Instructions, cs.Fused, cs.Unsupported)
	fmt.Printf("cache    live=%d/%d clears=%d generation=%d\n", bc.Blocks, bc.Capacity, bc.Clears, bc.Generation)
}
