package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/pkg/world"
)

// callRecord is one observed callback invocation.
type callRecord struct {
	entity string
	script ScriptID
	cb     Callback
	delta  float64
	total  float64
}

// recorder journals callback invocations and module lifecycle events across
// the fakes. Guarded because the cache's polling tests cross goroutines.
type recorder struct {
	mu     sync.Mutex
	calls  []callRecord
	events []string
}

func (r *recorder) record(c callRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) event(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

// callSeq returns the invocation journal as "entity/script:callback" strings.
func (r *recorder) callSeq() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, fmt.Sprintf("%s/%s:%s", c.entity, c.script, c.cb))
	}
	return out
}

// callsTo returns the recorded invocations of one callback on one script.
func (r *recorder) callsTo(script ScriptID, cb Callback) []callRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []callRecord
	for _, c := range r.calls {
		if c.script == script && c.cb == cb {
			out = append(out, c)
		}
	}
	return out
}

// eventCount returns how many times the named event was journaled.
func (r *recorder) eventCount(s string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == s {
			n++
		}
	}
	return n
}

func assertSeq(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d calls, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Call %d: expected %q, got %q (full: %v)", i, want[i], got[i], got)
		}
	}
}

// fakeCompiler is an in-memory compilation service. Artifact paths point at
// real files so the cache's reads and stats behave as in production.
type fakeCompiler struct {
	mu      sync.Mutex
	listing map[ScriptID]string
	listErr error
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{listing: make(map[ScriptID]string)}
}

func (f *fakeCompiler) set(id ScriptID, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listing[id] = path
}

func (f *fakeCompiler) remove(id ScriptID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listing, id)
}

func (f *fakeCompiler) ListCompiled(ctx context.Context) (map[ScriptID]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[ScriptID]string, len(f.listing))
	for id, p := range f.listing {
		out[id] = p
	}
	return out, nil
}

func (f *fakeCompiler) ArtifactModTime(ctx context.Context, artifactPath string) (time.Time, error) {
	info, err := os.Stat(artifactPath)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (f *fakeCompiler) Compile(ctx context.Context, id ScriptID) (*CompileResult, error) {
	return &CompileResult{Script: id, Success: true}, nil
}

func (f *fakeCompiler) StartWatching(ctx context.Context) error { return nil }

func (f *fakeCompiler) StopWatching() error { return nil }

func (f *fakeCompiler) Status(ctx context.Context) (*WatchStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &WatchStatus{CompiledCount: len(f.listing)}, nil
}

// scriptSpec configures how a fake script behaves when loaded and called.
type scriptSpec struct {
	handlers HandlerSet
	callErr  map[Callback]error
	panicOn  Callback
}

// fakeLoader builds fake modules and journals lifecycle events.
type fakeLoader struct {
	rec *recorder

	mu      sync.Mutex
	specs   map[ScriptID]scriptSpec
	loadErr map[ScriptID]error
	loads   map[ScriptID]int
	modules map[ScriptID][]*fakeModule
}

func newFakeLoader(rec *recorder) *fakeLoader {
	return &fakeLoader{
		rec:     rec,
		specs:   make(map[ScriptID]scriptSpec),
		loadErr: make(map[ScriptID]error),
		loads:   make(map[ScriptID]int),
		modules: make(map[ScriptID][]*fakeModule),
	}
}

func (f *fakeLoader) setSpec(id ScriptID, spec scriptSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[id] = spec
}

func (f *fakeLoader) failLoads(id ScriptID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr[id] = err
}

func (f *fakeLoader) loadCount(id ScriptID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[id]
}

// moduleAt returns the n-th module constructed for the script.
func (f *fakeLoader) moduleAt(t *testing.T, id ScriptID, n int) *fakeModule {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	mods := f.modules[id]
	if n >= len(mods) {
		t.Fatalf("Expected at least %d modules for %s, got %d", n+1, id, len(mods))
	}
	return mods[n]
}

func (f *fakeLoader) Load(ctx context.Context, id ScriptID, artifactPath string, content []byte) (Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads[id]++
	if err := f.loadErr[id]; err != nil {
		return nil, err
	}
	spec, ok := f.specs[id]
	if !ok {
		spec = scriptSpec{handlers: HandlerSet{Init: true, Update: true, Destroy: true}}
	}
	m := &fakeModule{rec: f.rec, script: id, spec: spec}
	f.modules[id] = append(f.modules[id], m)
	f.rec.event("load:" + string(id))
	return m, nil
}

// fakeModule is one fake compiled module. Calls through a released module
// error so tests catch stale-instance use.
type fakeModule struct {
	rec    *recorder
	script ScriptID
	spec   scriptSpec

	mu        sync.Mutex
	closed    bool
	closeErr  error
	instances []*fakeInstance
}

func (m *fakeModule) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeModule) Handlers() HandlerSet { return m.spec.handlers }

func (m *fakeModule) Instantiate(ctx context.Context) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("module released")
	}
	inst := &fakeInstance{module: m}
	m.instances = append(m.instances, inst)
	m.rec.event("instantiate:" + string(m.script))
	return inst, nil
}

func (m *fakeModule) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.rec.event("close-module:" + string(m.script))
	return m.closeErr
}

// fakeInstance counts its update ticks so state persistence across frames
// is observable.
type fakeInstance struct {
	module *fakeModule

	mu     sync.Mutex
	closed bool
	ticks  int
}

func (i *fakeInstance) tickCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ticks
}

func (i *fakeInstance) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

func (i *fakeInstance) Call(ctx context.Context, cb Callback, ec *ExecContext) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return errors.New("instance released")
	}
	i.mu.Unlock()
	if i.module.isClosed() {
		return errors.New("module released")
	}

	i.module.rec.record(callRecord{
		entity: string(ec.Entity.ID),
		script: i.module.script,
		cb:     cb,
		delta:  ec.DeltaTime,
		total:  ec.TotalTime,
	})

	if i.module.spec.panicOn == cb && cb != "" {
		panic("scripted panic")
	}
	if err := i.module.spec.callErr[cb]; err != nil {
		return err
	}
	if cb == CallbackUpdate {
		i.mu.Lock()
		i.ticks++
		i.mu.Unlock()
	}
	return nil
}

func (i *fakeInstance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	i.module.rec.event("close-instance:" + string(i.module.script))
	return nil
}

// fakeScene is a fixed scene view.
type fakeScene struct {
	name     string
	entities []EntityRef
}

func (s *fakeScene) Name() string {
	if s.name == "" {
		return "test-scene"
	}
	return s.name
}

func (s *fakeScene) Find(name string) (world.EntityID, bool) {
	for _, e := range s.entities {
		if e.Name == name {
			return e.ID, true
		}
	}
	return "", false
}

func (s *fakeScene) Entities() []EntityRef { return s.entities }

// rig wires a cache, loader, world and scene for controller and session
// tests. Artifacts are real files under a temp dir; their modification
// timestamps are assigned from a coarse fake clock so reload detection is
// deterministic.
type rig struct {
	t        *testing.T
	dir      string
	compiler *fakeCompiler
	loader   *fakeLoader
	cache    *ModuleCache
	rec      *recorder
	world    *world.MemoryWorld
	scene    *fakeScene
	builder  *ContextBuilder

	artifactClock time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()
	rec := &recorder{}
	w := world.NewMemoryWorld()
	comp := newFakeCompiler()
	loader := newFakeLoader(rec)
	r := &rig{
		t:             t,
		dir:           t.TempDir(),
		compiler:      comp,
		loader:        loader,
		cache:         NewModuleCache(comp, loader, zerolog.Nop(), nil, nil, nil),
		rec:           rec,
		world:         w,
		scene:         &fakeScene{},
		builder:       NewContextBuilder(w, zerolog.Nop()),
		artifactClock: time.Now().Add(-time.Hour),
	}
	t.Cleanup(func() { _ = r.cache.Close(context.Background()) })
	return r
}

// addScript writes an artifact for the script, registers it with the
// compilation service and configures the fake loader. Refresh is left to
// the caller.
func (r *rig) addScript(id ScriptID, spec scriptSpec) {
	r.t.Helper()
	path := filepath.Join(r.dir, filepath.FromSlash(string(id))+".fake")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.t.Fatalf("Failed to create artifact dir: %v", err)
	}
	r.writeArtifact(path)
	r.compiler.set(id, path)
	r.loader.setSpec(id, spec)
}

// touchScript bumps the script's artifact modification time, simulating a
// recompile.
func (r *rig) touchScript(id ScriptID) {
	r.t.Helper()
	r.compiler.mu.Lock()
	path, ok := r.compiler.listing[id]
	r.compiler.mu.Unlock()
	if !ok {
		r.t.Fatalf("Script %s has no artifact", id)
	}
	r.writeArtifact(path)
}

func (r *rig) writeArtifact(path string) {
	r.t.Helper()
	if err := os.WriteFile(path, []byte("artifact"), 0o644); err != nil {
		r.t.Fatalf("Failed to write artifact: %v", err)
	}
	// Filesystem mtime granularity can swallow rapid successive writes, so
	// artifacts get explicit, strictly increasing timestamps.
	r.artifactClock = r.artifactClock.Add(10 * time.Second)
	if err := os.Chtimes(path, r.artifactClock, r.artifactClock); err != nil {
		r.t.Fatalf("Failed to set artifact mtime: %v", err)
	}
}

func (r *rig) refresh() {
	r.t.Helper()
	if err := r.cache.Refresh(context.Background()); err != nil {
		r.t.Fatalf("Refresh failed: %v", err)
	}
}

// controller builds a controller for an entity with the given behaviors.
func (r *rig) controller(entityID string, behaviors ...Behavior) *Controller {
	handle := EntityHandle{ID: world.EntityID(entityID), Name: entityID}
	return NewController(handle, r.scene, r.cache, r.builder, zerolog.Nop(), nil, nil, behaviors)
}

// behavior builds an enabled behavior attached to the given script.
func behavior(id string, script ScriptID) Behavior {
	return Behavior{ID: id, Script: script, Enabled: true}
}
