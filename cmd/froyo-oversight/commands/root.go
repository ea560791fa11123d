package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo-oversight",
		Short: "Oversight-enforced incident pipeline: ingest, fuse, decide, gate, export",
		Long: `froyo-oversight runs a single pass of the oversight pipeline: ingest sensor
readings, fuse them into entity tracks, evaluate declarative rules into
events, apply governance and signed-token approval gating, throttle with
risk-budget guardrails, cluster approved work into an autonomy plan, and
export the result to the configured sinks. Every stage is recorded in a
hash-chained audit log.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "ignored: no command changes its output format for this flag")

	rootCmd.AddCommand(newSimulateCommand())

	return rootCmd
}
