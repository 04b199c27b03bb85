package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/colorfulnotion/dynarec/common"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		flags  imageFlags
		cycles int64
	)
	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Run a big-endian guest image until it stops, a breakpoint hits or Ctrl-C",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sys, cleanup, err := flags.boot(ctx, cmd, args[0])
			if err != nil {
				return err
			}
			defer cleanup()
			if cycles > 0 {
				sys.StopAfter(cycles)
			}
			log.Info(log.DispatchMonitoring, "run", "image", args[0], "pc", common.Hex32(sys.State.PC), "debugging", sys.Config.EnableDebugging)
			err = sys.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			printSummary(sys)
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().Int64Var(&cycles, "cycles", 0, "stop after this many guest cycles (0 = no limit)")
	return cmd
}
