package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sceneforge/sceneforge/pkg/config"
	"github.com/sceneforge/sceneforge/pkg/runtime"
	"github.com/sceneforge/sceneforge/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var events int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the build pipeline status",
		Long: `Show the compilation service status and the build index: every script's
last compile outcome, and optionally the recent compile problems feed.`,
		Example: `  # Current project status
  forge status

  # Machine readable, with the last 20 compile events
  forge status --json --events 20`,
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

			status, err := svc.Status(ctx)
			if err != nil {
				return err
			}
			artifacts, err := store.ListArtifacts(ctx)
			if err != nil {
				return err
			}
			var feed []stores.CompileEvent
			if events > 0 {
				feed, err = store.ListEvents(ctx, "", events)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				out, err := json.MarshalIndent(struct {
					Project   string                  `json:"project"`
					Status    *runtime.WatchStatus    `json:"status"`
					Artifacts []stores.ArtifactRecord `json:"artifacts"`
					Events    []stores.CompileEvent   `json:"events,omitempty"`
				}{proj.Name, status, artifacts, feed}, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode status: %w", err)
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("Project:  %s\n", proj.Name)
			fmt.Printf("Watching: %v\n", status.Watching)
			fmt.Printf("Compiled: %d\n\n", status.CompiledCount)

			if len(artifacts) == 0 {
				fmt.Println("No scripts compiled yet. Run: forge build")
				return nil
			}

			fmt.Printf("%-40s %-8s %s\n", "SCRIPT", "STATUS", "COMPILED")
			for _, a := range artifacts {
				line := fmt.Sprintf("%-40s %-8s %s", a.Script, a.Status, a.CompiledAt.Format("2006-01-02 15:04:05"))
				if a.Error != "" {
					line += "  " + a.Error
				}
				fmt.Println(line)
			}

			if len(feed) > 0 {
				fmt.Printf("\nRecent compile events:\n")
				for _, ev := range feed {
					fmt.Printf("  [%s] %-7s %s: %s\n", ev.CreatedAt.Format("15:04:05"), ev.Level, ev.Script, ev.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&events, "events", 0, "include the N most recent compile events")

	return cmd
}
