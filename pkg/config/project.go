package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"

	"github.com/sceneforge/sceneforge/pkg/telemetry"
)

// ProjectFileName is the configuration file looked up in the project root.
const ProjectFileName = "project.cue"

var validate = validator.New()

// projectSchema constrains and defaults the project document. Unification
// fills every omitted field with its `*` default.
const projectSchema = `
#Project: {
	// name identifies the project.
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// scene is the scene document, relative to the project root.
	scene: *"scene.yaml" | string

	// scripts.dir holds the authored script sources.
	scripts: dir: *"scripts" | string

	// build.dir receives compiled artifacts, mirroring the source tree.
	build: dir: *".forge/build" | string

	watch: {
		// debounce coalesces filesystem events before recompiling.
		debounce: *"500ms" | string
		// poll is the module cache's staleness polling interval.
		poll: *"2s" | string
	}

	simulation: {
		frameRate: *60 | int & >0 & <=240
		// fixedTimestep > 0 runs fixed_update on a fixed-step accumulator;
		// 0 runs it once per frame.
		fixedTimestep: *0.0 | number & >=0
		maxFixedSteps: *8 | int & >0 & <=64
	}

	telemetry: logging: {
		level:  *"info" | "trace" | "debug" | "warn" | "error"
		format: *"console" | "json"
	}
}

project: #Project
`

// Project is the decoded project configuration.
type Project struct {
	// Name identifies the project.
	Name string `validate:"required"`

	// Scene is the scene document path, relative to the project root.
	Scene string `validate:"required"`

	// Scripts configures the script source tree.
	Scripts ScriptsConfig

	// Build configures the compiled artifact tree.
	Build BuildConfig

	// Watch configures source watching and cache polling.
	Watch WatchConfig

	// Simulation configures the frame loop.
	Simulation SimulationConfig

	// Logging configures the runtime's log output.
	Logging LoggingConfig
}

// ScriptsConfig locates the authored script sources.
type ScriptsConfig struct {
	Dir string `validate:"required"`
}

// BuildConfig locates the compiled artifacts.
type BuildConfig struct {
	Dir string `validate:"required"`
}

// WatchConfig holds the watcher debounce and cache polling intervals.
type WatchConfig struct {
	Debounce time.Duration `validate:"gt=0"`
	Poll     time.Duration `validate:"gt=0"`
}

// SimulationConfig holds the frame loop parameters. A zero FixedTimestep
// runs fixed_update once per frame at the frame's delta.
type SimulationConfig struct {
	FrameRate     int     `validate:"gt=0,lte=240"`
	FixedTimestep float64 `validate:"gte=0"`
	MaxFixedSteps int     `validate:"gt=0,lte=64"`
}

// LoggingConfig holds the project's log level and format.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Format string `validate:"oneof=console json"`
}

// Default returns the configuration a project with no project.cue gets.
func Default() *Project {
	return &Project{
		Name:    "untitled",
		Scene:   "scene.yaml",
		Scripts: ScriptsConfig{Dir: "scripts"},
		Build:   BuildConfig{Dir: ".forge/build"},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
			Poll:     2 * time.Second,
		},
		Simulation: SimulationConfig{
			FrameRate:     60,
			FixedTimestep: 0,
			MaxFixedSteps: 8,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads dir/project.cue. A missing file is not an error: the built-in
// defaults apply.
func Load(dir string) (*Project, error) {
	path := filepath.Join(dir, ProjectFileName)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}
	return Parse(content, path)
}

// Parse decodes a project document from bytes. filename is used in error
// positions only.
func Parse(content []byte, filename string) (*Project, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(projectSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile project schema: %w", err)
	}

	val := ctx.CompileString(string(content), cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	unified := schema.Unify(val)
	if err := unified.Err(); err != nil {
		return nil, fmt.Errorf("invalid project config: %w", err)
	}

	projVal := unified.LookupPath(cue.ParsePath("project"))
	if !projVal.Exists() {
		return nil, fmt.Errorf("%s declares no project", filename)
	}
	if err := projVal.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid project config: %w", err)
	}

	var doc projectDoc
	if err := projVal.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode project config: %w", err)
	}

	p, err := doc.toProject()
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks struct constraints.
func (p *Project) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("project validation failed: %w", err)
	}
	return nil
}

// ScenePath returns the scene document path under the project root.
func (p *Project) ScenePath(root string) string {
	return filepath.Join(root, p.Scene)
}

// TelemetryConfig maps the project's logging subsection onto a full
// telemetry configuration.
func (p *Project) TelemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = p.Logging.Level
	cfg.Logging.Format = p.Logging.Format
	return cfg
}

// projectDoc mirrors the CUE document shape; durations arrive as strings.
type projectDoc struct {
	Name    string `json:"name"`
	Scene   string `json:"scene"`
	Scripts struct {
		Dir string `json:"dir"`
	} `json:"scripts"`
	Build struct {
		Dir string `json:"dir"`
	} `json:"build"`
	Watch struct {
		Debounce string `json:"debounce"`
		Poll     string `json:"poll"`
	} `json:"watch"`
	Simulation struct {
		FrameRate     int     `json:"frameRate"`
		FixedTimestep float64 `json:"fixedTimestep"`
		MaxFixedSteps int     `json:"maxFixedSteps"`
	} `json:"simulation"`
	Telemetry struct {
		Logging struct {
			Level  string `json:"level"`
			Format string `json:"format"`
		} `json:"logging"`
	} `json:"telemetry"`
}

func (d *projectDoc) toProject() (*Project, error) {
	debounce, err := time.ParseDuration(d.Watch.Debounce)
	if err != nil {
		return nil, fmt.Errorf("invalid watch.debounce %q: %w", d.Watch.Debounce, err)
	}
	poll, err := time.ParseDuration(d.Watch.Poll)
	if err != nil {
		return nil, fmt.Errorf("invalid watch.poll %q: %w", d.Watch.Poll, err)
	}

	return &Project{
		Name:    d.Name,
		Scene:   d.Scene,
		Scripts: ScriptsConfig{Dir: d.Scripts.Dir},
		Build:   BuildConfig{Dir: d.Build.Dir},
		Watch:   WatchConfig{Debounce: debounce, Poll: poll},
		Simulation: SimulationConfig{
			FrameRate:     d.Simulation.FrameRate,
			FixedTimestep: d.Simulation.FixedTimestep,
			MaxFixedSteps: d.Simulation.MaxFixedSteps,
		},
		Logging: LoggingConfig{
			Level:  d.Telemetry.Logging.Level,
			Format: d.Telemetry.Logging.Format,
		},
	}, nil
}
