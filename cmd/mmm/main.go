// Command mmm runs the media mix model from the command line: generate
// synthetic data, fit a model, optimize budgets from a fitted snapshot,
// and migrate stored models between registry backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/fractal-lba/mmm/internal/config"
	"github.com/fractal-lba/mmm/internal/logging"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configFile string
	verbose    bool
	cfg        *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "mmm",
		Short: "Bayesian media mix modeling",
		Long: `Fits a Bayesian media mix model (adstock, saturation, trend and
seasonality) and allocates marketing budgets from the fitted response curves.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if g.verbose {
				cfg.Logging.Level = "debug"
			}
			logging.Init(cfg.Logging)
			g.cfg = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Config file (YAML); defaults to $"+config.PathEnvVar+" or ./mmm.yaml")
	rootCmd.PersistentFlags().BoolVar(&g.verbose, "verbose", false, "Verbose logging")

	rootCmd.AddCommand(generateCmd(g))
	rootCmd.AddCommand(fitCmd(g))
	rootCmd.AddCommand(optimizeCmd(g))
	rootCmd.AddCommand(migrateCmd(g))

	return rootCmd
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
