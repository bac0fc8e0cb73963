package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.starlark.net/starlark"

	"github.com/sceneforge/sceneforge/pkg/config"
	"github.com/sceneforge/sceneforge/pkg/loader"
	"github.com/sceneforge/sceneforge/pkg/scene"
)

// wasmMagic is the WebAssembly binary header.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the project, scene and scripts",
		Long: `Validate the project configuration, the scene document and every script
the scene references. Starlark sources are syntax-checked against the
runtime's predeclared environment; nothing is written to the build tree.`,
		Example: `  # Validate the current directory's project
  forge validate

  # Validate another project
  forge validate -p ./examples/demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := config.Load(projectDir)
			if err != nil {
				return err
			}
			fmt.Printf("✓ project %s\n", proj.Name)

			scn, err := scene.Load(proj.ScenePath(projectDir))
			if err != nil {
				return err
			}
			fmt.Printf("✓ scene %s (%d entities)\n", scn.Name, len(scn.Entities))

			predeclared := loader.StarlarkPredeclared()
			var problems []string
			for _, id := range scn.Scripts() {
				path := filepath.Join(projectDir, filepath.FromSlash(string(id)))
				content, err := os.ReadFile(path)
				if err != nil {
					problems = append(problems, fmt.Sprintf("%s: source missing: %v", id, err))
					continue
				}

				switch strings.ToLower(filepath.Ext(path)) {
				case ".star":
					if _, _, err := starlark.SourceProgram(string(id), content, predeclared.Has); err != nil {
						problems = append(problems, fmt.Sprintf("%s: %v", id, err))
						continue
					}
				case ".wasm":
					if len(content) < len(wasmMagic) || string(content[:len(wasmMagic)]) != string(wasmMagic) {
						problems = append(problems, fmt.Sprintf("%s: not a WebAssembly binary", id))
						continue
					}
				default:
					problems = append(problems, fmt.Sprintf("%s: unsupported script format", id))
					continue
				}
				fmt.Printf("✓ script %s\n", id)
			}

			if len(problems) > 0 {
				fmt.Println()
				for _, p := range problems {
					fmt.Printf("✗ %s\n", p)
				}
				return fmt.Errorf("%d problems found", len(problems))
			}

			log.Info().Str("project", proj.Name).Msg("Validation passed")
			fmt.Printf("\n✅ Project is valid\n")
			return nil
		},
	}

	return cmd
}
