// dynarec runs 32-bit PowerPC guest images on the block-caching dynamic
// recompiler and inspects what it compiled.
package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/dynarec/log"
	"github.com/spf13/cobra"
)

var (
	logLevel string
	modules  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dynarec",
		Short: "PowerPC block-caching dynamic recompiler",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
			if modules != "" {
				log.EnableModules(modules)
			}
		},
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&modules, "modules", "", "comma separated log modules to enable, e.g. jit_dispatch,jit_cache")

	rootCmd.AddCommand(
		newRunCmd(),
		newDisasmCmd(),
		newBlocksCmd(),
		newProfileCmd(),
		newDebugCmd(),
		newVersionCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
