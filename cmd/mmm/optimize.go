package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/fractal-lba/mmm/internal/optimizer"
	"github.com/fractal-lba/mmm/internal/registry"
)

type optimizeOptions struct {
	model    string
	modelID  string
	budget   float64
	strategy string
	min      map[string]string
	max      map[string]string
	current  map[string]string
	frontier []float64
	asJSON   bool
}

// parseAmounts converts channel=amount flag values to floats.
func parseAmounts(flag string, in map[string]string) (map[string]float64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(in))
	for ch, v := range in {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("--%s %s=%q: %w", flag, ch, v, err)
		}
		out[ch] = f
	}
	return out, nil
}

func optimizeCmd(g *globals) *cobra.Command {
	o := &optimizeOptions{}
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Allocate a budget across channels from a fitted model",
		Long: `Maximises expected contribution over the fitted response curves subject
to the total budget and per-channel bounds. The model is read from a snapshot
file written by 'mmm fit', or by id from the configured registry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rec, err := o.loadRecord(cmd, g)
			if err != nil {
				return err
			}
			curves, err := optimizer.CurvesFromSnapshot(rec.Snapshot)
			if err != nil {
				return err
			}
			opt, err := optimizer.New(curves, o.budget)
			if err != nil {
				return err
			}
			lo, err := parseAmounts("min", o.min)
			if err != nil {
				return err
			}
			hi, err := parseAmounts("max", o.max)
			if err != nil {
				return err
			}
			if lo != nil || hi != nil {
				if err := opt.SetBounds(lo, hi); err != nil {
					return err
				}
			}
			current, err := parseAmounts("current", o.current)
			if err != nil {
				return err
			}

			opts := optimizer.Options{Strategy: optimizer.Strategy(o.strategy)}
			var out struct {
				ModelID        string                    `json:"model_id"`
				Result         *optimizer.Result         `json:"result"`
				Recommendation *optimizer.Recommendation `json:"recommendations,omitempty"`
				Frontier       []optimizer.FrontierPoint `json:"frontier,omitempty"`
			}
			out.ModelID = rec.ID
			if current != nil {
				out.Recommendation, err = opt.Recommend(ctx, current, opts)
				if err != nil {
					return err
				}
				out.Result = out.Recommendation.Optimization
			} else if out.Result, err = opt.Optimize(ctx, opts); err != nil {
				return err
			}
			if len(o.frontier) > 0 {
				if out.Frontier, err = opt.EfficiencyFrontier(ctx, o.frontier, opts); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if o.asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(&out)
			}

			res := out.Result
			fmt.Fprintf(w, "=== Budget Allocation ===\n")
			fmt.Fprintf(w, "Model ID: %s\n", rec.ID)
			fmt.Fprintf(w, "Strategy: %s, success: %v", res.Strategy, res.Success)
			if res.Message != "" {
				fmt.Fprintf(w, " (%s)", res.Message)
			}
			fmt.Fprintf(w, "\n\n")

			channels := make([]string, 0, len(res.Allocation))
			for ch := range res.Allocation {
				channels = append(channels, ch)
			}
			sort.Strings(channels)
			fmt.Fprintf(w, "%-16s %14s %8s %10s\n", "Channel", "Budget", "ROI", "Marginal")
			for _, ch := range channels {
				fmt.Fprintf(w, "%-16s %14.0f %8.2f %10.4f\n", ch, res.Allocation[ch], res.ROI[ch], res.MarginalReturns[ch])
			}
			fmt.Fprintf(w, "\nTotal budget: %.0f\n", res.TotalBudget)
			fmt.Fprintf(w, "Expected contribution: %.0f\n", res.ExpectedContribution)
			fmt.Fprintf(w, "Net profit: %.0f\n", res.NetProfit)

			if r := out.Recommendation; r != nil {
				fmt.Fprintf(w, "\nVersus current allocation: contribution %.0f -> %.0f (%+.1f%%)\n",
					r.CurrentContribution, r.OptimalContribution, r.ExpectedImprovementPct)
				for _, ch := range channels {
					c := r.Changes[ch]
					fmt.Fprintf(w, "  %-16s %-9s %14.0f -> %14.0f\n", ch, c.Action, c.Current, c.Recommended)
				}
			}
			for _, p := range out.Frontier {
				fmt.Fprintf(w, "Frontier: budget %.0f -> contribution %.0f (ROI %.2f)\n", p.TotalBudget, p.ExpectedContribution, p.OverallROI)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&o.model, "model", "m", "", "Snapshot file written by 'mmm fit'")
	cmd.Flags().StringVar(&o.modelID, "model-id", "", "Model id in the configured registry")
	cmd.Flags().Float64VarP(&o.budget, "budget", "b", 0, "Total budget")
	cmd.Flags().StringVar(&o.strategy, "strategy", string(optimizer.StrategyGradient), "gradient or global")
	cmd.Flags().StringToStringVar(&o.min, "min", nil, "Per-channel minimum, column=amount")
	cmd.Flags().StringToStringVar(&o.max, "max", nil, "Per-channel maximum, column=amount")
	cmd.Flags().StringToStringVar(&o.current, "current", nil, "Current allocation to compare against, column=amount")
	cmd.Flags().Float64SliceVar(&o.frontier, "frontier", nil, "Budgets at which to trace the efficiency frontier")
	cmd.Flags().BoolVar(&o.asJSON, "json", false, "Print JSON")
	cmd.MarkFlagRequired("budget")
	cmd.MarkFlagsMutuallyExclusive("model", "model-id")

	return cmd
}

func (o *optimizeOptions) loadRecord(cmd *cobra.Command, g *globals) (*registry.Record, error) {
	switch {
	case o.model != "":
		var rec registry.Record
		if err := readJSON(o.model, &rec); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", o.model, err)
		}
		if rec.Snapshot == nil {
			return nil, fmt.Errorf("%s has no snapshot", o.model)
		}
		return &rec, nil
	case o.modelID != "":
		store, err := registry.OpenStore(cmd.Context(), g.cfg.Registry)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.Get(cmd.Context(), o.modelID)
	default:
		return nil, errors.New("one of --model or --model-id is required")
	}
}
