package main

import (
	"cmp"
	"fmt"
	"os"

	"github.com/colorfulnotion/dynarec/storage"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"
)

// hottest returns the top n records by executed cycles.
func hottest(recs []storage.BlockRecord, n int) []storage.BlockRecord {
	sorted := slices.Clone(recs)
	slices.SortFunc(sorted, func(a, b storage.BlockRecord) int {
		return cmp.Compare(b.RunCount*uint64(b.Cycles), a.RunCount*uint64(a.Cycles))
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func profilePage(title string, recs []storage.BlockRecord) *components.Page {
	labels := make([]string, 0, len(recs))
	runs := make([]opts.BarData, 0, len(recs))
	cost := make([]opts.BarData, 0, len(recs))
	compiles := make([]opts.BarData, 0, len(recs))
	for _, r := range recs {
		labels = append(labels, fmt.Sprintf("%08x", r.EffectiveAddress))
		runs = append(runs, opts.BarData{Value: r.RunCount})
		cost = append(cost, opts.BarData{Value: r.RunCount * uint64(r.Cycles)})
		compiles = append(compiles, opts.BarData{Value: r.Compiles})
	}

	hot := charts.NewBar()
	hot.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: "guest cycles and dispatches per block"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	hot.SetXAxis(labels).
		AddSeries("cycles", cost).
		AddSeries("runs", runs)

	churn := charts.NewBar()
	churn.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Recompiles", Subtitle: "compilations per block across cache clears"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	churn.SetXAxis(labels).AddSeries("compiles", compiles)

	page := components.NewPage()
	page.AddCharts(hot, churn)
	return page
}

func newProfileCmd() *cobra.Command {
	var (
		dbPath string
		out    string
		top    int
	)
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Render an HTML chart of the hottest recorded blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := readRegistry(dbPath)
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			hot := hottest(recs, top)
			if err := profilePage("Block profile "+dbPath, hot).Render(f); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d of %d blocks)\n", out, len(hot), len(recs))
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "blockdb", "", "block registry directory")
	cmd.Flags().StringVar(&out, "out", "profile.html", "output HTML file")
	cmd.Flags().IntVar(&top, "top", 40, "number of blocks to chart")
	return cmd
}
