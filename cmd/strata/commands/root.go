// Package commands wires the strata CLI: build renders module trees into
// artifacts, deploy/clean reconcile them against the remote platform, and
// dev watches the config tree and rebuilds on change.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	logLevel  string
	logFormat string
	profile   string
	stateDir  string
	historyDB string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Strata - declarative resource deployment engine",
		Long: `Strata renders a tree of resource modules into per-environment build
artifacts and reconciles them against a remote platform.

Workflow:
  - build: resolve modules, render variables, write artifacts
  - deploy: diff artifacts against remote state and apply in dependency order
  - clean: delete in-scope remote resources
  - validate: check descriptors, schemas and variables without building
  - dev: watch the config tree and rebuild on change`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "default", "telemetry profile (default, development, production)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", ".strata/platform", "local platform state directory")
	rootCmd.PersistentFlags().StringVar(&historyDB, "history-db", ".strata/history.db", "run history database path")

	rootCmd.AddCommand(newBuildCommand(version))
	rootCmd.AddCommand(newDeployCommand(version))
	rootCmd.AddCommand(newCleanCommand(version))
	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newDevCommand(version))
	rootCmd.AddCommand(newHistoryCommand(version))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
