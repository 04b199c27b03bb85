package main

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/common"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("dynarec", common.BuildVersion())
		},
	}
}
