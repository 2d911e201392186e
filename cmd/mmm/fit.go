package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/mmm/internal/dataset"
	"github.com/fractal-lba/mmm/internal/mcmc"
	"github.com/fractal-lba/mmm/internal/mmm"
	"github.com/fractal-lba/mmm/internal/registry"
	"github.com/fractal-lba/mmm/internal/synth"
	"github.com/fractal-lba/mmm/internal/validation"
)

type fitOptions struct {
	data          string
	channels      []string
	target        string
	controls      []string
	noAdstock     bool
	noSaturation  bool
	noTrend       bool
	noSeasonality bool
	draws         int
	tune          int
	chains        int
	seed          uint64
	out           string
	register      bool
	validate      bool
}

// modelConfig builds the model configuration from flags; sampler flags
// left unset keep the configured sampler.
func (o *fitOptions) modelConfig(cmd *cobra.Command, sampler mcmc.Config) mmm.Config {
	cfg := mmm.DefaultConfig(o.channels...)
	cfg.Outcome = o.target
	cfg.Controls = o.controls
	cfg.UseAdstock = !o.noAdstock
	cfg.UseSaturation = !o.noSaturation
	cfg.UseTrend = !o.noTrend
	cfg.UseSeasonality = !o.noSeasonality
	cfg.Sampler = sampler
	if cmd.Flags().Changed("draws") {
		cfg.Sampler.Draws = o.draws
	}
	if cmd.Flags().Changed("tune") {
		cfg.Sampler.Tune = o.tune
	}
	if cmd.Flags().Changed("chains") {
		cfg.Sampler.Chains = o.chains
	}
	if cmd.Flags().Changed("seed") {
		cfg.Sampler.Seed = o.seed
	}
	return cfg
}

func fitCmd(g *globals) *cobra.Command {
	o := &fitOptions{}
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a model to a CSV dataset",
		Long: `Samples the posterior with NUTS and writes the fitted snapshot as JSON.
The snapshot feeds 'mmm optimize'. With --register it is also stored in the
configured registry backend so the server can serve it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			frame, err := loadFrame(o.data)
			if err != nil {
				return err
			}
			cfg := o.modelConfig(cmd, g.cfg.Sampler)
			m, err := mmm.New(cfg)
			if err != nil {
				return err
			}

			started := time.Now()
			if err := m.Fit(ctx, frame); err != nil {
				return fmt.Errorf("fit failed: %w", err)
			}
			snap, err := m.Snapshot()
			if err != nil {
				return err
			}
			rec := &registry.Record{
				ID:       registry.NewID(),
				FittedAt: snap.FittedAt,
				Channels: snap.ChannelNames(),
				Snapshot: snap,
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "=== Fit ===\n")
			fmt.Fprintf(w, "Model ID: %s\n", rec.ID)
			fmt.Fprintf(w, "Observations: %d, elapsed: %v\n", snap.NObs, time.Since(started).Round(time.Millisecond))
			printDiagnostics(w, snap.Diagnostics)

			rois, err := m.ComputeROI(frame, nil)
			if err != nil {
				return err
			}
			printROI(w, rois)

			if err := writeJSON(o.out, rec); err != nil {
				return fmt.Errorf("failed to write snapshot: %w", err)
			}
			fmt.Fprintf(w, "\nSnapshot saved to %s\n", o.out)

			if o.register {
				store, err := registry.OpenStore(ctx, g.cfg.Registry)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.Put(ctx, rec, g.cfg.Registry.TTL); err != nil {
					return fmt.Errorf("failed to register model: %w", err)
				}
				fmt.Fprintf(w, "Registered in %s store\n", backendName(g.cfg.Registry.Backend))
			}

			if o.validate {
				return runValidation(cmd, m, frame, o.data)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&o.data, "data", "d", "", "Input CSV")
	cmd.Flags().StringSliceVar(&o.channels, "channels", nil, "Spend columns, one per channel")
	cmd.Flags().StringVar(&o.target, "target", mmm.DefaultOutcome, "Outcome column")
	cmd.Flags().StringSliceVar(&o.controls, "controls", nil, "Control columns")
	cmd.Flags().BoolVar(&o.noAdstock, "no-adstock", false, "Disable geometric adstock")
	cmd.Flags().BoolVar(&o.noSaturation, "no-saturation", false, "Disable Hill saturation")
	cmd.Flags().BoolVar(&o.noTrend, "no-trend", false, "Disable the linear trend")
	cmd.Flags().BoolVar(&o.noSeasonality, "no-seasonality", false, "Disable yearly seasonality")
	cmd.Flags().IntVar(&o.draws, "draws", 0, "Posterior draws per chain")
	cmd.Flags().IntVar(&o.tune, "tune", 0, "Warmup iterations per chain")
	cmd.Flags().IntVar(&o.chains, "chains", 0, "Number of chains")
	cmd.Flags().Uint64Var(&o.seed, "seed", 0, "Sampler seed")
	cmd.Flags().StringVarP(&o.out, "out", "o", "mmm_model.json", "Snapshot output path")
	cmd.Flags().BoolVar(&o.register, "register", false, "Store the snapshot in the configured registry")
	cmd.Flags().BoolVar(&o.validate, "validate", false, "Validate the fit, against ground truth when present")
	cmd.MarkFlagRequired("data")
	cmd.MarkFlagRequired("channels")

	return cmd
}

func loadFrame(path string) (*dataset.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	frame, err := dataset.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return frame, nil
}

func backendName(b string) string {
	if b == "" {
		return "memory"
	}
	return b
}

func printDiagnostics(w io.Writer, d mcmc.Diagnostics) {
	fmt.Fprintf(w, "R-hat max: %.3f, ESS min: %.0f, divergences: %d, samples: %d\n",
		d.RHatMax, d.ESSMin, d.Divergences, d.NSamples)
	if d.Converged {
		fmt.Fprintf(w, "Converged: yes\n")
	} else {
		fmt.Fprintf(w, "Converged: NO (results may be unreliable)\n")
	}
}

func printROI(w io.Writer, rois map[string]mmm.ChannelROI) {
	names := make([]string, 0, len(rois))
	for ch := range rois {
		names = append(names, ch)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "\n%-16s %14s %14s %8s %18s\n", "Channel", "Spend", "Contribution", "ROI", "95% interval")
	for _, ch := range names {
		r := rois[ch]
		fmt.Fprintf(w, "%-16s %14.0f %14.0f %8.2f [%7.2f, %7.2f]\n",
			ch, r.TotalSpend, r.TotalContribution, r.ROI, r.ROILower, r.ROIUpper)
	}
}

func runValidation(cmd *cobra.Command, m *mmm.Model, frame *dataset.Frame, dataPath string) error {
	in := validation.Input{Model: m, Data: frame}
	var truth synth.GroundTruth
	switch err := readJSON(groundTruthPath(dataPath), &truth); {
	case err == nil:
		in.Truth = &truth
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to read ground truth: %w", err)
	}

	rep, err := validation.Run(cmd.Context(), in)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "\n=== Validation ===\n")
	fmt.Fprintf(w, "MAPE: %.2f%%, R²: %.3f, interval coverage: %.1f%%\n",
		rep.Prediction.MAPE, rep.Prediction.RSquared, rep.Prediction.Coverage)
	if rep.Parameters != nil {
		fmt.Fprintf(w, "Parameter recovery: %.2f\n", rep.Parameters.OverallAccuracy)
	}
	if rep.ROI != nil {
		fmt.Fprintf(w, "ROI accuracy: %.2f (mean error %.2f)\n", rep.ROI.OverallAccuracy, rep.ROI.MeanError)
	}
	fmt.Fprintf(w, "All passed: %v (%d checks)\n", rep.Summary.AllPassed, rep.Summary.TotalTests)
	return nil
}
