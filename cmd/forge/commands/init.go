package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sceneforge/sceneforge/pkg/config"
)

const scaffoldProject = `project: {
	name:  %q
	scene: "scene.yaml"
}
`

const scaffoldScene = `name: main
entities:
  - name: Hello
    transform: { position: [0, 0, 0] }
    behaviors:
      - script: scripts/hello.star
`

const scaffoldScript = `def init(ctx):
    ctx.state["frames"] = 0
    ctx.log("hello from %s" % ctx.entity.name)

def update(ctx):
    ctx.state["frames"] += 1

def destroy(ctx):
    ctx.log("goodbye after %d frames" % ctx.state["frames"])
`

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold a new SceneForge project",
		Long: `Scaffold a new project: project.cue, a minimal scene.yaml and a hello
behavior script. The project name is derived from the directory name.`,
		Example: `  # Scaffold into the current directory
  forge init

  # Scaffold a new project directory
  forge init my-game`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := projectDir
			if len(args) > 0 {
				dir = args[0]
			}

			abs, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("failed to resolve directory: %w", err)
			}
			name := invalidNameChars.ReplaceAllString(filepath.Base(abs), "-")
			if name == "" || name == "-" {
				name = "demo"
			}

			log.Info().Str("dir", abs).Str("name", name).Msg("Scaffolding project")

			projectPath := filepath.Join(dir, config.ProjectFileName)
			if _, err := os.Stat(projectPath); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", projectPath)
			}

			if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0o755); err != nil {
				return fmt.Errorf("failed to create scripts directory: %w", err)
			}

			files := []struct {
				path    string
				content string
			}{
				{projectPath, fmt.Sprintf(scaffoldProject, name)},
				{filepath.Join(dir, "scene.yaml"), scaffoldScene},
				{filepath.Join(dir, "scripts", "hello.star"), scaffoldScript},
			}
			for _, f := range files {
				if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", f.path, err)
				}
				fmt.Printf("✓ Created %s\n", f.path)
			}

			fmt.Printf("\n✅ Project %s initialized\n\n", name)
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Compile the scripts:   forge build -p %s\n", dir)
			fmt.Printf("  2. Run the scene:         forge play -p %s --duration 5s\n\n", dir)

			return nil
		},
	}

	return cmd
}
