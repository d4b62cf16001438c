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
		Use:   "rangekeeper",
		Short: "RangeKeeper - cyber range resource lifecycle manager",
		Long: `RangeKeeper manages the lifecycle of cyber range resources: operating
systems, databases, applications and profilers arranged in containment trees.

Features:
  - Registry of resources with a strict lifecycle state machine
  - Staged, parallel deploy and revoke plans derived from containment
  - Active and passive health intake with cooldown-gated recovery
  - Scenes declared in CUE or YAML
  - Rego admission policies for plans
  - SSH driver with Starlark probe rules`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./rangekeeper.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newSceneCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newRevokeCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
