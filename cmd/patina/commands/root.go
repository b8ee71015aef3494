package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	profilePath string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "patina",
		Short: "Patina - Plan-and-Execute Orchestration Core",
		Long: `Patina turns a goal into a validated DAG of execution units and runs
each unit in an isolated sandbox under explicit budgets and a
fail-closed capability policy.

Features:
  - Planner producing immutable, content-hashed plans
  - Starlark subprocess and WASM sandbox backends
  - Capability manifests with rate limits and Rego rules
  - Deterministic result and schema caching
  - Bounded re-planning on recoverable failures
  - Deterministic result reduction`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&profilePath, "profile", "c", "", "profile file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newPlanCommand(version))
	rootCmd.AddCommand(newStatusCommand(version))
	rootCmd.AddCommand(newRunsCommand(version))
	rootCmd.AddCommand(newManifestCommand())
	rootCmd.AddCommand(newServeCommand(version))

	return rootCmd
}
