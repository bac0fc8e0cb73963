package compiler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/sceneforge/sceneforge/pkg/loader"
	"github.com/sceneforge/sceneforge/pkg/runtime"
	"github.com/sceneforge/sceneforge/pkg/stores"
	"github.com/sceneforge/sceneforge/pkg/telemetry"
)

// DefaultDebounce is how long the watcher lets a burst of file events settle
// before recompiling.
const DefaultDebounce = 500 * time.Millisecond

// ServiceConfig assembles a compilation service.
type ServiceConfig struct {
	// ProjectDir is the project root. Required.
	ProjectDir string

	// ScriptsDir is the source directory relative to the project root.
	// Defaults to "scripts".
	ScriptsDir string

	// BuildDir is the artifact directory relative to the project root.
	// Defaults to ".forge/build".
	BuildDir string

	// Debounce is the watcher's settle window. Defaults to DefaultDebounce.
	Debounce time.Duration

	// Logger is the parent logger.
	Logger zerolog.Logger

	// Metrics is optional.
	Metrics *telemetry.Metrics

	// Events is the optional editor event feed.
	Events *telemetry.EventPublisher

	// Tracer is the optional span source for compile spans.
	Tracer *telemetry.Tracer

	// Store is the optional persistent build index. Without it the compile
	// cache only spans the current process.
	Store stores.Store
}

// Service is the local compilation service. Artifacts mirror the source tree
// under the build directory: scripts/player.star compiles to
// <build>/scripts/player.starc, pre-built .wasm modules are copied as-is.
type Service struct {
	projectDir string
	scriptsDir string
	buildDir   string
	debounce   time.Duration
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	events     *telemetry.EventPublisher
	tracer     *telemetry.Tracer
	store      stores.Store

	mu       sync.Mutex
	hashes   map[runtime.ScriptID]string
	hooks    []func()
	watcher  *fsnotify.Watcher
	watching bool
	pending  map[runtime.ScriptID]fsnotify.Op
	flush    *time.Timer
}

// NewService creates a compilation service for a project directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.ProjectDir == "" {
		return nil, fmt.Errorf("project directory is required")
	}
	projectDir, err := filepath.Abs(cfg.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	scriptsDir := cfg.ScriptsDir
	if scriptsDir == "" {
		scriptsDir = "scripts"
	}
	buildDir := cfg.BuildDir
	if buildDir == "" {
		buildDir = filepath.Join(".forge", "build")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Service{
		projectDir: projectDir,
		scriptsDir: filepath.Join(projectDir, scriptsDir),
		buildDir:   filepath.Join(projectDir, buildDir),
		debounce:   debounce,
		logger:     cfg.Logger.With().Str("component", "compiler").Logger(),
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		tracer:     cfg.Tracer,
		store:      cfg.Store,
		hashes:     make(map[runtime.ScriptID]string),
	}, nil
}

// isSource reports whether a path names a compilable behavior source.
func isSource(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".star", ".wasm":
		return true
	default:
		return false
	}
}

// scriptID converts an absolute source path to its script identity: the
// project-relative, slash-separated path.
func (s *Service) scriptID(sourcePath string) (runtime.ScriptID, error) {
	rel, err := filepath.Rel(s.projectDir, sourcePath)
	if err != nil {
		return "", fmt.Errorf("source %s is outside the project: %w", sourcePath, err)
	}
	return runtime.ScriptID(filepath.ToSlash(rel)), nil
}

// sourcePath returns the absolute source path for a script identity.
func (s *Service) sourcePath(id runtime.ScriptID) string {
	return filepath.Join(s.projectDir, filepath.FromSlash(string(id)))
}

// artifactPath returns the absolute artifact path for a script identity.
// Starlark sources map to compiled .starc programs; wasm modules keep their
// extension.
func (s *Service) artifactPath(id runtime.ScriptID) string {
	rel := filepath.FromSlash(string(id))
	if strings.EqualFold(filepath.Ext(rel), ".star") {
		rel += "c"
	}
	return filepath.Join(s.buildDir, rel)
}

// artifactScriptID maps an artifact path back to its script identity, or
// false for files that are not artifacts.
func (s *Service) artifactScriptID(artifactPath string) (runtime.ScriptID, bool) {
	rel, err := filepath.Rel(s.buildDir, artifactPath)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".starc":
		return runtime.ScriptID(strings.TrimSuffix(rel, "c")), true
	case ".wasm":
		return runtime.ScriptID(rel), true
	default:
		return "", false
	}
}

// ListCompiled implements runtime.CompilationService. The artifact directory
// is the source of truth: every artifact file present maps to its script
// identity. A missing build directory is an empty listing, not an error.
func (s *Service) ListCompiled(ctx context.Context) (map[runtime.ScriptID]string, error) {
	listing := make(map[runtime.ScriptID]string)
	err := filepath.WalkDir(s.buildDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if id, ok := s.artifactScriptID(path); ok {
			listing[id] = path
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to walk build directory: %w", err)
	}
	return listing, nil
}

// ArtifactModTime implements runtime.CompilationService.
func (s *Service) ArtifactModTime(ctx context.Context, artifactPath string) (time.Time, error) {
	info, err := os.Stat(artifactPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return info.ModTime(), nil
}

// Compile implements runtime.CompilationService: compile one script on
// demand. An unchanged source whose artifact is still on disk is a cache hit
// and recompiles nothing. A compile error is not an error return; it is a
// failed CompileResult, recorded in the build index and the event feed. The
// previous artifact, if any, is left in place so running sessions keep the
// last good version.
func (s *Service) Compile(ctx context.Context, id runtime.ScriptID) (*runtime.CompileResult, error) {
	sourcePath := s.sourcePath(id)
	if !isSource(sourcePath) {
		return nil, fmt.Errorf("unsupported script type %q", filepath.Ext(string(id)))
	}
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read source %s: %w", id, err)
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", id, err)
	}

	hash := fmt.Sprintf("%016x", xxhash.Sum64(content))
	artifactPath := s.artifactPath(id)

	if s.cacheHit(ctx, id, hash, artifactPath) {
		s.logger.Debug().Str("script", string(id)).Msg("Source unchanged, artifact reused")
		return &runtime.CompileResult{Script: id, Success: true, ArtifactPath: artifactPath, Cached: true}, nil
	}

	_, span := s.tracer.StartCompileSpan(ctx, string(id))
	start := time.Now()
	compileErr := s.produceArtifact(id, sourcePath, artifactPath, content)
	duration := time.Since(start)
	if compileErr != nil {
		telemetry.RecordError(span, compileErr)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()

	rec := &stores.ArtifactRecord{
		Script:        string(id),
		SourcePath:    sourcePath,
		ArtifactPath:  artifactPath,
		SourceHash:    hash,
		SourceModTime: info.ModTime(),
		CompiledAt:    time.Now(),
		Status:        stores.ArtifactStatusOK,
	}

	if compileErr != nil {
		rec.Status = stores.ArtifactStatusError
		rec.Error = compileErr.Error()
		rec.ArtifactPath = ""
		s.recordOutcome(ctx, rec, stores.EventLevelError, fmt.Sprintf("compile failed: %v", compileErr))
		s.metrics.RecordCompile("error", duration)
		s.events.PublishCompileFailed(string(id), compileErr.Error())
		s.logger.Warn().Err(compileErr).Str("script", string(id)).Msg("Compile failed")
		return &runtime.CompileResult{Script: id, Success: false, Message: compileErr.Error()}, nil
	}

	s.mu.Lock()
	s.hashes[id] = hash
	s.mu.Unlock()

	s.recordOutcome(ctx, rec, stores.EventLevelInfo, "compiled")
	s.metrics.RecordCompile("ok", duration)
	s.events.PublishScriptCompiled(string(id), false)
	s.logger.Debug().
		Str("script", string(id)).
		Str("artifact", artifactPath).
		Dur("duration", duration).
		Msg("Compiled")
	return &runtime.CompileResult{Script: id, Success: true, ArtifactPath: artifactPath}, nil
}

// cacheHit reports whether the script's source hash is unchanged and its
// artifact is still on disk, consulting the in-process cache first and the
// persistent index second.
func (s *Service) cacheHit(ctx context.Context, id runtime.ScriptID, hash, artifactPath string) bool {
	if _, err := os.Stat(artifactPath); err != nil {
		return false
	}
	s.mu.Lock()
	cached, ok := s.hashes[id]
	s.mu.Unlock()
	if ok {
		return cached == hash
	}
	if s.store == nil {
		return false
	}
	rec, err := s.store.GetArtifact(ctx, string(id))
	if err != nil || rec == nil || rec.Status != stores.ArtifactStatusOK {
		return false
	}
	if rec.SourceHash != hash {
		return false
	}
	s.mu.Lock()
	s.hashes[id] = hash
	s.mu.Unlock()
	return true
}

// produceArtifact writes the artifact for one source. Starlark sources are
// compiled against the loader's predeclared environment so the serialized
// program resolves when the loader runs it; wasm modules are copied.
func (s *Service) produceArtifact(id runtime.ScriptID, sourcePath, artifactPath string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(artifactPath), 0o755); err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	switch strings.ToLower(filepath.Ext(sourcePath)) {
	case ".star":
		_, prog, err := starlark.SourceProgram(string(id), content, loader.StarlarkPredeclared().Has)
		if err != nil {
			return err
		}
		f, err := os.Create(artifactPath)
		if err != nil {
			return fmt.Errorf("failed to create artifact: %w", err)
		}
		if err := prog.Write(f); err != nil {
			_ = f.Close()
			_ = os.Remove(artifactPath)
			return fmt.Errorf("failed to write compiled program: %w", err)
		}
		return f.Close()
	case ".wasm":
		if err := os.WriteFile(artifactPath, content, 0o644); err != nil {
			return fmt.Errorf("failed to copy wasm module: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported script type %q", filepath.Ext(sourcePath))
	}
}

// recordOutcome persists a compile outcome to the build index. Index
// failures are logged, never surfaced: the artifact directory stays the
// source of truth.
func (s *Service) recordOutcome(ctx context.Context, rec *stores.ArtifactRecord, level stores.EventLevel, message string) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertArtifact(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str("script", rec.Script).Msg("Failed to update build index")
		return
	}
	ev := &stores.CompileEvent{Script: rec.Script, Level: level, Message: message}
	if rec.Error != "" {
		ev.Message = rec.Error
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("script", rec.Script).Msg("Failed to append compile event")
	}
}

// CompileAll compiles every source under the scripts directory and prunes
// artifacts and index rows whose sources vanished. Individual compile
// failures do not stop the pass; they are reported in their results.
func (s *Service) CompileAll(ctx context.Context) ([]runtime.CompileResult, error) {
	sources, err := s.listSources()
	if err != nil {
		return nil, err
	}

	results := make([]runtime.CompileResult, 0, len(sources))
	for _, id := range sources {
		res, err := s.Compile(ctx, id)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}

	if err := s.prune(ctx, sources); err != nil {
		return results, err
	}
	return results, nil
}

// listSources returns the sorted identities of every behavior source under
// the scripts directory. A missing scripts directory yields an empty list.
func (s *Service) listSources() ([]runtime.ScriptID, error) {
	var sources []runtime.ScriptID
	err := filepath.WalkDir(s.scriptsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !isSource(path) {
			return nil
		}
		id, err := s.scriptID(path)
		if err != nil {
			return err
		}
		sources = append(sources, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk scripts directory: %w", err)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources, nil
}

// prune removes artifacts and index rows for scripts no longer present in
// the source tree.
func (s *Service) prune(ctx context.Context, sources []runtime.ScriptID) error {
	live := make(map[runtime.ScriptID]bool, len(sources))
	for _, id := range sources {
		live[id] = true
	}
	listing, err := s.ListCompiled(ctx)
	if err != nil {
		return err
	}
	for id, artifactPath := range listing {
		if live[id] {
			continue
		}
		s.removeScript(ctx, id, artifactPath)
	}
	return nil
}

// removeScript drops a script's artifact, index row and cached hash.
func (s *Service) removeScript(ctx context.Context, id runtime.ScriptID, artifactPath string) {
	if err := os.Remove(artifactPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("script", string(id)).Msg("Failed to remove stale artifact")
	}
	s.mu.Lock()
	delete(s.hashes, id)
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.DeleteArtifact(ctx, string(id)); err != nil {
			s.logger.Warn().Err(err).Str("script", string(id)).Msg("Failed to remove index row")
		}
	}
	s.logger.Debug().Str("script", string(id)).Msg("Pruned removed script")
}

// Status implements runtime.CompilationService.
func (s *Service) Status(ctx context.Context) (*runtime.WatchStatus, error) {
	listing, err := s.ListCompiled(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	watching := s.watching
	s.mu.Unlock()
	return &runtime.WatchStatus{Watching: watching, CompiledCount: len(listing)}, nil
}

// OnRecompiled registers a hook run after every settled watcher burst, once
// the touched scripts have been recompiled or pruned. It is the push flavor
// of the module cache's change source: wire it to ModuleCache.Refresh.
func (s *Service) OnRecompiled(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}
