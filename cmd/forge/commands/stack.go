package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sceneforge/sceneforge/pkg/compiler"
	"github.com/sceneforge/sceneforge/pkg/config"
	"github.com/sceneforge/sceneforge/pkg/loader"
	"github.com/sceneforge/sceneforge/pkg/runtime"
	"github.com/sceneforge/sceneforge/pkg/scene"
	"github.com/sceneforge/sceneforge/pkg/stores"
	"github.com/sceneforge/sceneforge/pkg/telemetry"
	"github.com/sceneforge/sceneforge/pkg/world"
)

// indexPath is where the persistent build index lives, under the project root.
func indexPath(root string) string {
	return filepath.Join(root, ".forge", "index.db")
}

// telemetrySet groups the observability components one command run shares
// across the compiler, module cache and session.
type telemetrySet struct {
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer
}

// initTelemetry builds the command's telemetry from the project document and
// applies its logging section to the global logger. The --verbose flag and
// the LOG_LEVEL environment variable win over the document.
func initTelemetry(proj *config.Project) (*telemetrySet, error) {
	cfg := proj.TelemetryConfig()

	if !verbose && os.Getenv("LOG_LEVEL") == "" {
		// Command output goes to stdout; logs stay on stderr.
		cfg.Logging.Output = "stderr"
		lg, err := telemetry.NewLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to configure logging: %w", err)
		}
		log.Logger = lg.Zerolog()
		if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	events, err := telemetry.NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	return &telemetrySet{metrics: metrics, events: events, tracer: tracer}, nil
}

// shutdown flushes and stops the set's components. Safe on a nil set.
func (t *telemetrySet) shutdown() {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.events.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Event publisher shutdown failed")
	}
	if err := t.tracer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Tracer shutdown failed")
	}
}

// openService opens the build index and constructs the compilation service
// for a project. The caller owns the returned store's lifetime.
func openService(ctx context.Context, root string, proj *config.Project, tel *telemetrySet) (*compiler.Service, *stores.SQLiteStore, error) {
	dbPath := indexPath(root)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create build index: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to open build index: %w", err)
	}

	svc, err := compiler.NewService(compiler.ServiceConfig{
		ProjectDir: root,
		ScriptsDir: proj.Scripts.Dir,
		BuildDir:   proj.Build.Dir,
		Debounce:   proj.Watch.Debounce,
		Logger:     log.Logger,
		Metrics:    tel.metrics,
		Events:     tel.events,
		Tracer:     tel.tracer,
		Store:      store,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to create compilation service: %w", err)
	}
	return svc, store, nil
}

// stack is the assembled runtime for play and dev: project, scene, build
// pipeline, world, loaders, module cache and session.
type stack struct {
	root    string
	project *config.Project
	scene   *scene.Scene
	tel     *telemetrySet
	store   *stores.SQLiteStore
	service *compiler.Service
	world   *world.MemoryWorld
	loader  *loader.Dispatcher
	cache   *runtime.ModuleCache
	session *runtime.Session
}

// buildStack loads the project and scene, then wires the full runtime: the
// scene's entities are spawned into a fresh world and registered with a new
// session. Scripts are not compiled yet; callers run CompileAll and the
// initial cache refresh.
func buildStack(ctx context.Context, root string) (*stack, error) {
	proj, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	scn, err := scene.Load(proj.ScenePath(root))
	if err != nil {
		return nil, err
	}

	tel, err := initTelemetry(proj)
	if err != nil {
		return nil, err
	}

	svc, store, err := openService(ctx, root, proj, tel)
	if err != nil {
		tel.shutdown()
		return nil, err
	}

	disp, err := loader.NewDispatcher(ctx, log.Logger, nil)
	if err != nil {
		_ = store.Close()
		tel.shutdown()
		return nil, fmt.Errorf("failed to create module loader: %w", err)
	}

	w := world.NewMemoryWorld()
	scn.Populate(w)

	cache := runtime.NewModuleCache(svc, disp, log.Logger, tel.metrics, tel.events, tel.tracer)

	sess, err := runtime.NewSession(runtime.SessionConfig{
		World:         w,
		Cache:         cache,
		Scene:         scn.View(),
		Logger:        log.Logger,
		Metrics:       tel.metrics,
		Events:        tel.events,
		Tracer:        tel.tracer,
		FixedTimestep: proj.Simulation.FixedTimestep,
		MaxFixedSteps: proj.Simulation.MaxFixedSteps,
	})
	if err != nil {
		_ = disp.Close(ctx)
		_ = store.Close()
		tel.shutdown()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	for i := range scn.Entities {
		e := &scn.Entities[i]
		sess.AddEntity(e.Handle(), scn.RuntimeBehaviors(e))
	}

	return &stack{
		root:    root,
		project: proj,
		scene:   scn,
		tel:     tel,
		store:   store,
		service: svc,
		world:   w,
		loader:  disp,
		cache:   cache,
		session: sess,
	}, nil
}

// compileAndRefresh runs the initial full build and primes the module cache.
// Compile failures are reported but do not abort: behaviors whose scripts
// failed to compile simply stay inert until fixed.
func (st *stack) compileAndRefresh(ctx context.Context) error {
	results, err := st.service.CompileAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile scripts: %w", err)
	}
	for _, r := range results {
		if !r.Success {
			log.Warn().Str("script", string(r.Script)).Str("error", r.Message).Msg("Script failed to compile")
		}
	}
	if err := st.cache.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh module cache: %w", err)
	}
	return nil
}

// close tears the stack down in dependency order. A fresh context bounds the
// shutdown so a cancelled command context cannot leak resources.
func (st *stack) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = st.service.StopWatching()
	if err := st.cache.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Module cache close failed")
	}
	if err := st.loader.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Loader close failed")
	}
	if err := st.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Build index close failed")
	}
	st.tel.shutdown()
}
