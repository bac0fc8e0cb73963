// Package loader turns compiled script artifacts into the executable modules
// the module cache serves. Two engines are supported: Starlark programs
// (compiled .starc artifacts or raw .star sources) and WebAssembly modules.
// The Dispatcher routes by artifact extension, so the cache and the
// compilation service stay format-agnostic.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/pkg/runtime"
)

// Config assembles per-engine options for the dispatcher. Nil engine configs
// select defaults.
type Config struct {
	Starlark *StarlarkOptions
	WASM     *WASMConfig
}

// Dispatcher is the runtime.ModuleLoader wired into the module cache: it
// owns one loader per supported artifact format and routes by extension.
type Dispatcher struct {
	logger   zerolog.Logger
	starlark *StarlarkLoader
	wasm     *WASMLoader
}

// NewDispatcher creates a dispatcher with both engines ready. A nil config
// selects defaults for both.
func NewDispatcher(ctx context.Context, logger zerolog.Logger, cfg *Config) (*Dispatcher, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	wasm, err := NewWASMLoader(ctx, logger, cfg.WASM)
	if err != nil {
		return nil, fmt.Errorf("failed to create wasm loader: %w", err)
	}
	return &Dispatcher{
		logger:   logger.With().Str("component", "loader").Logger(),
		starlark: NewStarlarkLoader(logger, cfg.Starlark),
		wasm:     wasm,
	}, nil
}

// Load implements runtime.ModuleLoader, routing by the artifact's extension.
// An unrecognized extension is a load failure.
func (d *Dispatcher) Load(ctx context.Context, id runtime.ScriptID, artifactPath string, content []byte) (runtime.Module, error) {
	switch strings.ToLower(filepath.Ext(artifactPath)) {
	case ".starc", ".star":
		return d.starlark.Load(ctx, id, artifactPath, content)
	case ".wasm":
		return d.wasm.Load(ctx, id, artifactPath, content)
	default:
		return nil, runtime.NewLoadFailure(id, fmt.Sprintf("unsupported artifact format %q", filepath.Ext(artifactPath)), nil)
	}
}

// Close releases engine resources, in particular the shared wazero runtime.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.wasm.Close(ctx)
}
