package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/colorfulnotion/dynarec/common"
	"github.com/colorfulnotion/dynarec/jit/compiler"
	"github.com/spf13/cobra"
)

func newDisasmCmd() *cobra.Command {
	var (
		load  string
		count int
	)
	cmd := &cobra.Command{
		Use:   "disasm <image>",
		Short: "Disassemble a big-endian guest image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			addr, err := common.ParseAddress(load)
			if err != nil {
				return err
			}
			n := len(image) / 4
			if count > 0 && count < n {
				n = count
			}
			for i := 0; i < n; i++ {
				w := binary.BigEndian.Uint32(image[4*i:])
				pc := addr + uint32(4*i)
				fmt.Printf("%08x:  %08x  %s\n", pc, w, compiler.Disassemble(w, pc))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&load, "load", "0x100", "address of the first word")
	cmd.Flags().IntVar(&count, "count", 0, "number of words (0 = whole image)")
	return cmd
}
