package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	projectDir string
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
		Use:   "forge",
		Short: "SceneForge - live script runtime for scene projects",
		Long: `SceneForge runs the behavior scripts attached to a project's scene
entities: it compiles Starlark and WebAssembly sources into cached artifacts,
hot-reloads changed modules while a session plays, and drives the per-entity
lifecycle callbacks frame by frame.

Features:
  - Starlark behaviors compiled to reusable artifacts
  - Pre-built WebAssembly behaviors over a JSON host ABI
  - Watch mode with debounced recompilation and live module reload
  - Fixed-timestep simulation alongside per-frame callbacks
  - Persistent build index with a compile problems feed`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "project directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlayCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}
