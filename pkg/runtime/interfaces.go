package runtime

import (
	"context"
	"time"
)

// CompilationService is the script build pipeline the runtime consumes.
// The runtime never compiles sources itself; artifacts and their
// modification timestamps are the contract between the two sides.
type CompilationService interface {
	// ListCompiled returns the full artifact listing: script identity to
	// artifact path, for every successfully compiled script.
	ListCompiled(ctx context.Context) (map[ScriptID]string, error)

	// ArtifactModTime returns the artifact's last modification timestamp.
	ArtifactModTime(ctx context.Context, artifactPath string) (time.Time, error)

	// Compile compiles a single script on demand.
	Compile(ctx context.Context, id ScriptID) (*CompileResult, error)

	// StartWatching begins watching script sources for changes,
	// recompiling on edit.
	StartWatching(ctx context.Context) error

	// StopWatching stops the source watcher.
	StopWatching() error

	// Status reports whether the watcher is active and how many scripts
	// have compiled artifacts.
	Status(ctx context.Context) (*WatchStatus, error)
}

// CompileResult is the outcome of compiling one script.
type CompileResult struct {
	// Script is the compiled script's identity.
	Script ScriptID `json:"script"`

	// Success indicates the artifact was produced.
	Success bool `json:"success"`

	// ArtifactPath is the produced artifact's path when Success is true.
	ArtifactPath string `json:"artifactPath,omitempty"`

	// Message carries the compile error text when Success is false.
	Message string `json:"message,omitempty"`

	// Cached indicates the source was unchanged and the existing artifact
	// was reused.
	Cached bool `json:"cached,omitempty"`
}

// WatchStatus describes the compilation service's current state.
type WatchStatus struct {
	// Watching indicates the source watcher is active.
	Watching bool `json:"watching"`

	// CompiledCount is the number of scripts with a current artifact.
	CompiledCount int `json:"compiledCount"`
}

// ModuleLoader turns artifact content into executable modules. The cache
// does not interpret artifacts; loaders for each artifact format implement
// this capability.
type ModuleLoader interface {
	// Load constructs an executable module from artifact content. The
	// artifact path is provided for format dispatch and diagnostics.
	Load(ctx context.Context, id ScriptID, artifactPath string, content []byte) (Module, error)
}

// Module is one loaded script: the shared, cached executable unit. Its
// backing resource is ephemeral and must be released with Close when the
// cache evicts it.
type Module interface {
	// Handlers reports which lifecycle callbacks the module exports.
	Handlers() HandlerSet

	// Instantiate creates a fresh instance with isolated per-instance
	// state. Each behavior attachment gets its own instance.
	Instantiate(ctx context.Context) (Instance, error)

	// Close releases the module's backing resource. The module and its
	// instances must not be used afterwards.
	Close(ctx context.Context) error
}

// Instance is one behavior attachment's live copy of a module. State held
// by the instance persists across callbacks until the instance is closed
// (detach, destroy, or hot reload).
type Instance interface {
	// Call invokes the named lifecycle callback with the execution
	// context. Calling an unexported callback is an error.
	Call(ctx context.Context, cb Callback, ec *ExecContext) error

	// Close releases the instance.
	Close(ctx context.Context) error
}
