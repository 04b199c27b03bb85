package main

import (
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/dynarec/storage"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

func readRegistry(path string) ([]storage.BlockRecord, error) {
	if path == "" {
		return nil, fmt.Errorf("--blockdb is required")
	}
	reg, err := storage.OpenBlockRegistryReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	return reg.List()
}

// blockTree groups records by translation mode, then lists them by address.
func blockTree(title string, recs []storage.BlockRecord) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("\033[1;34m%s\033[0m (%d blocks)", title, len(recs)))
	modes := map[uint32]treeprint.Tree{}
	for _, r := range recs {
		branch, ok := modes[r.MSRBits]
		if !ok {
			branch = tree.AddBranch(fmt.Sprintf("\033[1;33mmsr=%02x\033[0m", r.MSRBits))
			modes[r.MSRBits] = branch
		}
		branch.AddNode(fmt.Sprintf("%08x  phys=%08x  insns=%-3d cycles=%-4d runs=%-8d compiles=%d  %s",
			r.EffectiveAddress, r.PhysicalAddress, r.Instructions, r.Cycles, r.RunCount, r.Compiles, shortFingerprint(r.Fingerprint)))
	}
	return tree
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

// recordsByAddress keys records for diffing; the tag sorts by mode first.
func recordsByAddress(recs []storage.BlockRecord) ([]byte, error) {
	m := make(map[string]storage.BlockRecord, len(recs))
	for _, r := range recs {
		m[fmt.Sprintf("%02x/%08x", r.MSRBits, r.EffectiveAddress)] = r
	}
	return json.Marshal(m)
}

func diffRegistries(a, b []storage.BlockRecord) (string, error) {
	left, err := recordsByAddress(a)
	if err != nil {
		return "", err
	}
	right, err := recordsByAddress(b)
	if err != nil {
		return "", err
	}
	delta, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return "", err
	}
	if !delta.Modified() {
		return "", nil
	}
	var leftObj interface{}
	if err := json.Unmarshal(left, &leftObj); err != nil {
		return "", err
	}
	asciiFmt := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       true,
	})
	return asciiFmt.Format(delta)
}

func newBlocksCmd() *cobra.Command {
	var dbPath, diffPath string
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "List the blocks recorded in a block registry, or diff two registries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := readRegistry(dbPath)
			if err != nil {
				return err
			}
			if diffPath == "" {
				fmt.Print(blockTree(dbPath, recs).String())
				return nil
			}
			other, err := readRegistry(diffPath)
			if err != nil {
				return err
			}
			out, err := diffRegistries(recs, other)
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Println("registries match")
				return nil
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "blockdb", "", "block registry directory")
	cmd.Flags().StringVar(&diffPath, "diff", "", "second registry to compare against")
	return cmd
}
