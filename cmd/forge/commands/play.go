package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sceneforge/sceneforge/pkg/runtime"
)

func newPlayCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Run the scene's scripts headless",
		Long: `Compile the project's scripts, spawn the scene's entities into a fresh
world and run the lifecycle callbacks at the configured frame rate. The
session stops after --duration, or on interrupt.`,
		Example: `  # Play for five seconds
  forge play --duration 5s

  # Play until interrupted
  forge play -p ./examples/demo`,
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

			return runSession(ctx, st, duration)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "how long to play (0 = until interrupted)")

	return cmd
}

// runSession plays the stack's session until the context is done or the
// duration elapses, then stops it and prints the summary.
func runSession(ctx context.Context, st *stack, duration time.Duration) error {
	st.world.Start()
	if err := st.session.Play(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	log.Info().
		Str("scene", st.scene.Name).
		Int("entities", len(st.scene.Entities)).
		Int("frameRate", st.project.Simulation.FrameRate).
		Msg("Session playing")

	runCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	driver := runtime.NewFrameDriver(st.session, log.Logger, st.tel.metrics)
	err := driver.Run(runCtx, st.project.Simulation.FrameRate)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	total := st.session.TotalTime(time.Now())

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.session.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Session stop failed")
	}
	st.world.Stop()

	fmt.Printf("\nSession summary:\n")
	fmt.Printf("  scene:          %s\n", st.scene.Name)
	fmt.Printf("  entities:       %d\n", len(st.scene.Entities))
	fmt.Printf("  scripts:        %d\n", len(st.scene.Scripts()))
	fmt.Printf("  loaded modules: %d\n", st.cache.LoadedCount())
	fmt.Printf("  simulated time: %.2fs\n", total)
	return nil
}
