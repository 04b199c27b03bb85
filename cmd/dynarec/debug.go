package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/colorfulnotion/dynarec/common"
	"github.com/colorfulnotion/dynarec/core"
	"github.com/colorfulnotion/dynarec/jit"
	"github.com/colorfulnotion/dynarec/jit/compiler"
	"github.com/dop251/goja"
	"github.com/spf13/cobra"
)

const debugHelp = `commands:
  s, step [n]          execute n instructions (default 1)
  c, continue          run until a breakpoint, watchpoint or Ctrl-C
  b, break <addr>      add a breakpoint
  d, delete <addr>     remove a breakpoint
  w, watch <addr[:n]>  break on writes to n bytes (default 4)
  unwatch <addr>       remove a watchpoint
  r, regs              show registers
  x <addr> [n]         dump n data words (default 4)
  dis [addr] [n]       disassemble n instructions (default 8, from PC)
  blocks               list the blocks in the cache
  js <code>            evaluate JavaScript: pc(), gpr(n), setgpr(n, v), read32(a), step(n)
  q, quit`

type debugger struct {
	sys   *core.System
	out   io.Writer
	color bool
	vm    *goja.Runtime
}

func newDebugger(sys *core.System, out io.Writer, color bool) *debugger {
	d := &debugger{sys: sys, out: out, color: color, vm: goja.New()}
	st := sys.State
	d.vm.Set("pc", func() uint32 { return st.PC })
	d.vm.Set("gpr", func(n int) uint32 { return st.GPR[n&31] })
	d.vm.Set("setgpr", func(n int, v uint32) { st.GPR[n&31] = v })
	d.vm.Set("read32", func(addr uint32) (uint32, error) {
		v, ok := d.readData(addr)
		if !ok {
			return 0, fmt.Errorf("address %08x not mapped", addr)
		}
		return v, nil
	})
	d.vm.Set("step", func(n int) (uint32, error) {
		return st.PC, d.step(max(n, 1), false)
	})
	d.vm.Set("print", func(args ...goja.Value) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		fmt.Fprintln(d.out, strings.Join(parts, " "))
	})
	return d
}

func (d *debugger) readData(addr uint32) (uint32, bool) {
	pa, ok := d.sys.Memory.TranslateData(d.sys.State.MSR, addr)
	if !ok {
		return 0, false
	}
	return d.sys.Memory.ReadPhysicalWord(pa)
}

func (d *debugger) where() {
	st := d.sys.State
	w, ok := d.sys.Memory.FetchInstruction(st.MSR, st.PC)
	if !ok {
		fmt.Fprintf(d.out, "%s  <unmapped>\n", common.Colorize(d.color, common.ColorCyan, common.Hex32(st.PC)))
		return
	}
	fmt.Fprintf(d.out, "%s  %08x  %s\n", common.Colorize(d.color, common.ColorCyan, common.Hex32(st.PC)), w, compiler.Disassemble(w, st.PC))
}

func (d *debugger) step(n int, show bool) error {
	for i := 0; i < n; i++ {
		if err := d.sys.Step(); err != nil {
			return err
		}
	}
	if show {
		d.where()
	}
	return nil
}

func (d *debugger) cont() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := d.sys.Run(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(d.out, common.Colorize(d.color, common.ColorYellow, "interrupted"))
		err = nil
	}
	d.where()
	return err
}

func (d *debugger) regs() {
	st := d.sys.State
	for i := 0; i < 32; i += 4 {
		fmt.Fprintf(d.out, "r%-2d %08x  r%-2d %08x  r%-2d %08x  r%-2d %08x\n",
			i, st.GPR[i], i+1, st.GPR[i+1], i+2, st.GPR[i+2], i+3, st.GPR[i+3])
	}
	fmt.Fprintf(d.out, "pc  %08x  msr %08x  cr %08x  lr %08x  ctr %08x  xer %08x\n",
		st.PC, st.MSR, st.CRValue(), st.LR, st.CTR, st.XER)
	fmt.Fprintf(d.out, "srr0 %08x  srr1 %08x  dar %08x  dec %08x\n", st.SRR0, st.SRR1, st.DAR, st.DEC)
}

func intArg(args []string, i int, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	return strconv.Atoi(args[i])
}

func addrArg(args []string, i int, def uint32) (uint32, error) {
	if len(args) <= i {
		return def, nil
	}
	return common.ParseAddress(args[i])
}

// exec runs one command line. It reports whether the session should end.
func (d *debugger) exec(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	sys := d.sys
	switch cmd {
	case "q", "quit", "exit":
		return true, nil
	case "h", "help":
		fmt.Fprintln(d.out, debugHelp)
	case "s", "step":
		n, err := intArg(args, 0, 1)
		if err != nil {
			return false, err
		}
		return false, d.step(n, true)
	case "c", "continue":
		return false, d.cont()
	case "b", "break":
		addr, err := addrArg(args, 0, sys.State.PC)
		if err != nil {
			return false, err
		}
		sys.AddBreakpoint(addr, false)
	case "d", "delete":
		addr, err := addrArg(args, 0, sys.State.PC)
		if err != nil {
			return false, err
		}
		if !sys.RemoveBreakpoint(addr) {
			return false, fmt.Errorf("no breakpoint at %08x", addr)
		}
	case "w", "watch":
		if len(args) == 0 {
			for _, mc := range sys.MemChecks.List() {
				fmt.Fprintf(d.out, "%08x-%08x hits=%d\n", mc.Start, mc.End, mc.HitCount)
			}
			return false, nil
		}
		mc, err := parseWatch(args[0])
		if err != nil {
			return false, err
		}
		sys.AddWatchpoint(mc)
	case "unwatch":
		addr, err := addrArg(args, 0, 0)
		if err != nil {
			return false, err
		}
		if !sys.RemoveWatchpoint(addr) {
			return false, fmt.Errorf("no watchpoint at %08x", addr)
		}
	case "r", "regs":
		d.regs()
	case "x":
		addr, err := addrArg(args, 0, sys.State.PC)
		if err != nil {
			return false, err
		}
		n, err := intArg(args, 1, 4)
		if err != nil {
			return false, err
		}
		for i := 0; i < n; i++ {
			a := addr + uint32(4*i)
			if v, ok := d.readData(a); ok {
				fmt.Fprintf(d.out, "%08x:  %08x\n", a, v)
			} else {
				fmt.Fprintf(d.out, "%08x:  ????????\n", a)
			}
		}
	case "dis":
		addr, err := addrArg(args, 0, sys.State.PC)
		if err != nil {
			return false, err
		}
		n, err := intArg(args, 1, 8)
		if err != nil {
			return false, err
		}
		for i := 0; i < n; i++ {
			a := addr + uint32(4*i)
			w, ok := sys.Memory.FetchInstruction(sys.State.MSR, a)
			if !ok {
				break
			}
			mark := "  "
			if sys.BreakPoints.IsAddressBreakPoint(a) {
				mark = common.Colorize(d.color, common.ColorRed, "* ")
			}
			fmt.Fprintf(d.out, "%s%08x:  %08x  %s\n", mark, a, w, compiler.Disassemble(w, a))
		}
	case "blocks":
		sys.Base.Cache.ForEach(func(b *jit.JitBlock) {
			fmt.Fprintln(d.out, b.String())
		})
		s := sys.Base.Cache.Stats()
		fmt.Fprintf(d.out, "%d/%d blocks, generation %d\n", s.Blocks, s.Capacity, s.Generation)
	case "js":
		v, err := d.vm.RunString(rest)
		if err != nil {
			return false, err
		}
		if v != nil && !goja.IsUndefined(v) {
			fmt.Fprintln(d.out, v.String())
		}
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func newDebugCmd() *cobra.Command {
	var flags imageFlags
	cmd := &cobra.Command{
		Use:   "debug <image>",
		Short: "Interactive debugger: step, breakpoints, watchpoints, JavaScript console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Flags().Set("debug", "true"); err != nil {
				return err
			}
			sys, cleanup, err := flags.boot(cmd.Context(), cmd, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "(dynarec) ",
				HistoryFile:     filepath.Join(os.TempDir(), "dynarec_history.txt"),
				InterruptPrompt: "^C",
				EOFPrompt:       "quit",
			})
			if err != nil {
				return err
			}
			defer rl.Close()

			d := newDebugger(sys, rl.Stdout(), true)
			d.where()
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				quit, err := d.exec(line)
				if err != nil {
					fmt.Fprintln(d.out, common.Colorize(d.color, common.ColorRed, err.Error()))
				}
				if quit {
					return nil
				}
			}
		},
	}
	flags.register(cmd)
	return cmd
}
