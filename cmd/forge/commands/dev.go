package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sceneforge/sceneforge/pkg/runtime"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Play the scene with hot reload",
		Long: `Run the scene like play, but watch the script sources: edits recompile
after the debounce window and the changed modules hot-reload into the
running session. Runs until interrupted.`,
		Example: `  # Develop against the current directory's project
  forge dev

  # Another project, verbose reload logging
  forge dev -p ./examples/demo -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := buildStack(ctx, projectDir)
			if err != nil {
				return err
			}
			defer st.close()

			if err := st.compileAndRefresh(ctx); err != nil {
				return err
			}

			unsubscribe := st.cache.OnChanged(func(changed []runtime.ScriptID) {
				for _, id := range changed {
					fmt.Printf("↻ reloaded %s\n", id)
				}
			})
			defer unsubscribe()

			st.service.OnRecompiled(func() {
				refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				if err := st.cache.Refresh(refreshCtx); err != nil {
					log.Warn().Err(err).Msg("Module cache refresh failed")
				}
			})
			if err := st.service.StartWatching(ctx); err != nil {
				return fmt.Errorf("failed to start watching: %w", err)
			}

			// Polling backstops the watcher for editors that write through
			// renames the watcher misses.
			stopPolling := st.cache.StartPolling(ctx, st.project.Watch.Poll)
			defer stopPolling()

			log.Info().
				Str("scripts", st.project.Scripts.Dir).
				Dur("debounce", st.project.Watch.Debounce).
				Msg("Watching for script changes")

			return runSession(ctx, st, 0)
		},
	}

	return cmd
}
