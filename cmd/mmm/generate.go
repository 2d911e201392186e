package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/mmm/internal/dataset"
	"github.com/fractal-lba/mmm/internal/synth"
)

// groundTruthPath is where generate writes the ground truth for csvPath.
func groundTruthPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + "_ground_truth.json"
}

func generateCmd(g *globals) *cobra.Command {
	var (
		opts     synth.Options
		scenario string
		out      string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic weekly dataset with known ground truth",
		Long: `Generates weekly spend and revenue from known adstock and saturation
parameters. The ground truth is written next to the CSV as
<name>_ground_truth.json and is used by 'mmm fit --validate'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scenario != "" {
				ov, ok := synth.Scenarios[scenario]
				if !ok {
					return fmt.Errorf("unknown scenario %q, want one of %v", scenario, synth.ScenarioNames())
				}
				opts.Overrides = ov
			}
			frame, truth, err := synth.Generate(opts)
			if err != nil {
				return err
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := dataset.WriteCSV(f, frame); err != nil {
				f.Close()
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			gtPath := groundTruthPath(out)
			if err := writeJSON(gtPath, truth); err != nil {
				return fmt.Errorf("failed to write ground truth: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "=== Synthetic Dataset ===\n")
			fmt.Fprintf(w, "Rows: %d\n", frame.Len())
			fmt.Fprintf(w, "Data: %s\n", out)
			fmt.Fprintf(w, "Ground truth: %s\n\n", gtPath)

			channels := make([]string, 0, len(truth.TrueROI))
			for ch := range truth.TrueROI {
				channels = append(channels, ch)
			}
			sort.Strings(channels)
			fmt.Fprintf(w, "%-10s %-16s %14s %14s %8s\n", "Channel", "Column", "Spend", "Contribution", "ROI")
			for _, ch := range channels {
				fmt.Fprintf(w, "%-10s %-16s %14.0f %14.0f %8.2f\n",
					ch, truth.SpendColumns[ch], truth.TotalSpend[ch], truth.TotalContribution[ch], truth.TrueROI[ch])
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Weeks, "weeks", synth.DefaultWeeks, "Number of weeks")
	cmd.Flags().StringSliceVar(&opts.Channels, "channels", nil, "Channels to generate (default TV,Radio,Digital,Social)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", synth.DefaultSeed, "Random seed")
	cmd.Flags().Float64Var(&opts.BaseRevenue, "base-revenue", synth.DefaultBaseRevenue, "Weekly baseline revenue")
	cmd.Flags().StringVar(&scenario, "scenario", "", "Preset parameter overrides: "+strings.Join(synth.ScenarioNames(), ", "))
	cmd.Flags().StringVarP(&out, "out", "o", "mmm_data.csv", "Output CSV path")

	return cmd
}
