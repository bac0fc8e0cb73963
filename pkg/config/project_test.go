package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseMinimalFillsDefaults(t *testing.T) {
	p, err := Parse([]byte(`project: name: "demo"`), "project.cue")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.Name != "demo" {
		t.Errorf("Name = %q, want demo", p.Name)
	}
	if p.Scene != "scene.yaml" {
		t.Errorf("Scene = %q, want scene.yaml", p.Scene)
	}
	if p.Scripts.Dir != "scripts" {
		t.Errorf("Scripts.Dir = %q, want scripts", p.Scripts.Dir)
	}
	if p.Build.Dir != ".forge/build" {
		t.Errorf("Build.Dir = %q, want .forge/build", p.Build.Dir)
	}
	if p.Watch.Debounce != 500*time.Millisecond {
		t.Errorf("Watch.Debounce = %v, want 500ms", p.Watch.Debounce)
	}
	if p.Watch.Poll != 2*time.Second {
		t.Errorf("Watch.Poll = %v, want 2s", p.Watch.Poll)
	}
	if p.Simulation.FrameRate != 60 {
		t.Errorf("Simulation.FrameRate = %d, want 60", p.Simulation.FrameRate)
	}
	if p.Simulation.FixedTimestep != 0 {
		t.Errorf("Simulation.FixedTimestep = %v, want 0", p.Simulation.FixedTimestep)
	}
	if p.Simulation.MaxFixedSteps != 8 {
		t.Errorf("Simulation.MaxFixedSteps = %d, want 8", p.Simulation.MaxFixedSteps)
	}
	if p.Logging.Level != "info" || p.Logging.Format != "console" {
		t.Errorf("Logging = %+v, want info/console", p.Logging)
	}
}

func TestParseFullDocument(t *testing.T) {
	doc := `
project: {
	name:    "shooter"
	scene:   "levels/arena.yaml"
	scripts: dir: "src"
	build:   dir: ".cache/build"
	watch: {
		debounce: "250ms"
		poll:     "1s"
	}
	simulation: {
		frameRate:     120
		fixedTimestep: 0.02
		maxFixedSteps: 4
	}
	telemetry: logging: {
		level:  "debug"
		format: "json"
	}
}
`
	p, err := Parse([]byte(doc), "project.cue")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.Name != "shooter" || p.Scene != "levels/arena.yaml" {
		t.Errorf("Name/Scene = %q/%q", p.Name, p.Scene)
	}
	if p.Scripts.Dir != "src" || p.Build.Dir != ".cache/build" {
		t.Errorf("dirs = %q/%q", p.Scripts.Dir, p.Build.Dir)
	}
	if p.Watch.Debounce != 250*time.Millisecond || p.Watch.Poll != time.Second {
		t.Errorf("Watch = %+v", p.Watch)
	}
	if p.Simulation.FrameRate != 120 || p.Simulation.FixedTimestep != 0.02 || p.Simulation.MaxFixedSteps != 4 {
		t.Errorf("Simulation = %+v", p.Simulation)
	}
	if p.Logging.Level != "debug" || p.Logging.Format != "json" {
		t.Errorf("Logging = %+v", p.Logging)
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing name", `project: scene: "scene.yaml"`},
		{"bad name characters", `project: name: "no spaces here"`},
		{"zero frame rate", `project: { name: "x", simulation: frameRate: 0 }`},
		{"excessive frame rate", `project: { name: "x", simulation: frameRate: 1000 }`},
		{"negative timestep", `project: { name: "x", simulation: fixedTimestep: -0.1 }`},
		{"unknown log level", `project: { name: "x", telemetry: logging: level: "shout" }`},
		{"bad duration", `project: { name: "x", watch: debounce: "fast" }`},
		{"syntax error", `project: { name: `},
		{"no project key", `name: "x"`},
	}
	for _, c := range cases {
		if _, err := Parse([]byte(c.doc), "project.cue"); err == nil {
			t.Errorf("%s: accepted", c.name)
		}
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	p, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if *p != *want {
		t.Errorf("Load of empty dir = %+v, want defaults %+v", p, want)
	}
}

func TestLoadReadsProjectFile(t *testing.T) {
	dir := t.TempDir()
	doc := []byte(`project: { name: "ondisk", scene: "world.yaml" }`)
	if err := os.WriteFile(filepath.Join(dir, ProjectFileName), doc, 0o644); err != nil {
		t.Fatalf("write project.cue: %v", err)
	}

	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Name != "ondisk" {
		t.Errorf("Name = %q, want ondisk", p.Name)
	}
	if got := p.ScenePath(dir); got != filepath.Join(dir, "world.yaml") {
		t.Errorf("ScenePath = %q", got)
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default does not validate: %v", err)
	}
}

func TestTelemetryConfig(t *testing.T) {
	p := Default()
	p.Logging.Level = "warn"
	p.Logging.Format = "json"

	cfg := p.TelemetryConfig()
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want warn/json", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("mapped telemetry config does not validate: %v", err)
	}
}
