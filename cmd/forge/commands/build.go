package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sceneforge/sceneforge/pkg/config"
)

func newBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile all behavior scripts",
		Long: `Compile every script source in the project's scripts directory into the
build tree. Unchanged sources are skipped via the compile cache; artifacts
whose sources disappeared are pruned.`,
		Example: `  # Build the current directory's project
  forge build

  # Build another project, machine-readable results
  forge build -p ./examples/demo --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			proj, err := config.Load(projectDir)
			if err != nil {
				return err
			}

			tel, err := initTelemetry(proj)
			if err != nil {
				return err
			}
			defer tel.shutdown()

			svc, store, err := openService(ctx, projectDir, proj, tel)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			log.Info().Str("project", proj.Name).Msg("Compiling scripts")

			results, err := svc.CompileAll(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode results: %w", err)
				}
				fmt.Println(string(out))
			} else {
				for _, r := range results {
					switch {
					case r.Success && r.Cached:
						fmt.Printf("  cached  %s\n", r.Script)
					case r.Success:
						fmt.Printf("✓ built   %s\n", r.Script)
					default:
						fmt.Printf("✗ failed  %s: %s\n", r.Script, r.Message)
					}
				}
			}

			failed := 0
			for _, r := range results {
				if !r.Success {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scripts failed to compile", failed, len(results))
			}
			if !jsonOutput {
				fmt.Printf("\n✅ %d scripts compiled\n", len(results))
			}
			return nil
		},
	}

	return cmd
}
