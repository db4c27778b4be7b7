package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reliefmesh/reliefmesh/pkg/config"
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
		Use:   "reliefmesh",
		Short: "ReliefMesh - Disaster Response Pipeline Coordinator",
		Long: `ReliefMesh coordinates a three-stage disaster-response pipeline:
rescue request intake, automated damage assessment from satellite imagery,
and logistics plan generation.

Stages communicate only through durable state records and triggers, so any
stage can crash and resume without losing or duplicating work.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newReconcileCommand())

	return rootCmd
}

// loadConfig resolves the effective configuration: defaults, overridden by
// the file named with --config when present.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.NewLoader().Load(configPath)
}
