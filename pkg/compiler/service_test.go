package compiler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/sceneforge/sceneforge/pkg/runtime"
	"github.com/sceneforge/sceneforge/pkg/stores"
)

const counterScript = `
def init(ctx):
    ctx.state["count"] = 0

def update(ctx):
    ctx.state["count"] += 1
`

func newTestService(t *testing.T, store stores.Store) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0o755); err != nil {
		t.Fatalf("mkdir scripts: %v", err)
	}
	svc, err := NewService(ServiceConfig{
		ProjectDir: dir,
		Debounce:   50 * time.Millisecond,
		Logger:     zerolog.Nop(),
		Store:      store,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, dir
}

func writeScript(t *testing.T, dir, name, content string) runtime.ScriptID {
	t.Helper()
	path := filepath.Join(dir, "scripts", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return runtime.ScriptID("scripts/" + name)
}

func TestCompileProducesLoadableArtifact(t *testing.T) {
	svc, dir := newTestService(t, nil)
	id := writeScript(t, dir, "counter.star", counterScript)

	res, err := svc.Compile(context.Background(), id)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !res.Success {
		t.Fatalf("Compile failed: %s", res.Message)
	}
	if res.Cached {
		t.Error("first compile reported cached")
	}

	want := filepath.Join(dir, ".forge", "build", "scripts", "counter.starc")
	if res.ArtifactPath != want {
		t.Errorf("ArtifactPath = %q, want %q", res.ArtifactPath, want)
	}

	// The artifact must be a valid serialized Starlark program.
	content, err := os.ReadFile(res.ArtifactPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if _, err := starlark.CompiledProgram(bytes.NewReader(content)); err != nil {
		t.Fatalf("artifact is not a compiled program: %v", err)
	}
}

func TestCompileUnchangedSourceIsCached(t *testing.T) {
	svc, dir := newTestService(t, nil)
	id := writeScript(t, dir, "counter.star", counterScript)
	ctx := context.Background()

	if _, err := svc.Compile(ctx, id); err != nil {
		t.Fatalf("first Compile: %v", err)
	}
	res, err := svc.Compile(ctx, id)
	if err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	if !res.Cached {
		t.Error("unchanged source was recompiled")
	}

	// An edit invalidates the cache.
	writeScript(t, dir, "counter.star", counterScript+"\ndef destroy(ctx):\n    pass\n")
	res, err = svc.Compile(ctx, id)
	if err != nil {
		t.Fatalf("third Compile: %v", err)
	}
	if res.Cached {
		t.Error("edited source reported cached")
	}
}

func TestCompileCacheSurvivesRestartViaIndex(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "index.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("store Init: %v", err)
	}
	defer func() { _ = store.Close() }()

	svc, dir := newTestService(t, store)
	id := writeScript(t, dir, "counter.star", counterScript)
	ctx := context.Background()

	if _, err := svc.Compile(ctx, id); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	// A fresh service over the same project has no in-process hashes but
	// finds the match in the index.
	fresh, err := NewService(ServiceConfig{ProjectDir: dir, Logger: zerolog.Nop(), Store: store})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	res, err := fresh.Compile(ctx, id)
	if err != nil {
		t.Fatalf("Compile after restart: %v", err)
	}
	if !res.Cached {
		t.Error("index hit was recompiled")
	}
}

func TestCompileSyntaxErrorReported(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "index.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("store Init: %v", err)
	}
	defer func() { _ = store.Close() }()

	svc, dir := newTestService(t, store)
	id := writeScript(t, dir, "broken.star", "def update(ctx:\n    pass\n")
	ctx := context.Background()

	res, err := svc.Compile(ctx, id)
	if err != nil {
		t.Fatalf("Compile returned service error for syntax error: %v", err)
	}
	if res.Success {
		t.Fatal("syntax error compiled successfully")
	}
	if res.Message == "" {
		t.Error("failed result has no message")
	}
	if _, statErr := os.Stat(svc.artifactPath(id)); statErr == nil {
		t.Error("failed compile left an artifact")
	}

	rec, err := store.GetArtifact(ctx, string(id))
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if rec == nil || rec.Status != stores.ArtifactStatusError {
		t.Fatalf("index record = %+v, want error status", rec)
	}
	events, err := store.ListEvents(ctx, string(id), 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) == 0 || events[0].Level != stores.EventLevelError {
		t.Errorf("expected an error event in the problems feed, got %+v", events)
	}
}

func TestCompileWasmCopiesModule(t *testing.T) {
	svc, dir := newTestService(t, nil)
	payload := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	path := filepath.Join(dir, "scripts", "native.wasm")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write wasm: %v", err)
	}

	res, err := svc.Compile(context.Background(), "scripts/native.wasm")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !res.Success {
		t.Fatalf("Compile failed: %s", res.Message)
	}
	copied, err := os.ReadFile(res.ArtifactPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(copied, payload) {
		t.Error("wasm artifact differs from source")
	}
}

func TestCompileRejectsUnknownExtension(t *testing.T) {
	svc, dir := newTestService(t, nil)
	writeScript(t, dir, "notes.txt", "not a script")

	if _, err := svc.Compile(context.Background(), "scripts/notes.txt"); err == nil {
		t.Fatal("expected error for unsupported script type")
	}
}

func TestCompileAllAndPrune(t *testing.T) {
	svc, dir := newTestService(t, nil)
	writeScript(t, dir, "a.star", counterScript)
	writeScript(t, dir, "sub/b.star", counterScript)
	ctx := context.Background()

	results, err := svc.CompileAll(ctx)
	if err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	listing, err := svc.ListCompiled(ctx)
	if err != nil {
		t.Fatalf("ListCompiled: %v", err)
	}
	if len(listing) != 2 {
		t.Fatalf("listing has %d artifacts, want 2", len(listing))
	}
	if _, ok := listing["scripts/sub/b.star"]; !ok {
		t.Error("nested script missing from listing")
	}

	// Removing a source prunes its artifact on the next full build.
	if err := os.Remove(filepath.Join(dir, "scripts", "sub", "b.star")); err != nil {
		t.Fatalf("remove source: %v", err)
	}
	if _, err := svc.CompileAll(ctx); err != nil {
		t.Fatalf("CompileAll after removal: %v", err)
	}
	listing, err = svc.ListCompiled(ctx)
	if err != nil {
		t.Fatalf("ListCompiled: %v", err)
	}
	if len(listing) != 1 {
		t.Fatalf("listing has %d artifacts after prune, want 1", len(listing))
	}
	if _, ok := listing["scripts/sub/b.star"]; ok {
		t.Error("pruned script still listed")
	}
}

func TestCompileAllContinuesPastFailures(t *testing.T) {
	svc, dir := newTestService(t, nil)
	writeScript(t, dir, "bad.star", "def update(:\n")
	writeScript(t, dir, "good.star", counterScript)

	results, err := svc.CompileAll(context.Background())
	if err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	byScript := make(map[runtime.ScriptID]runtime.CompileResult)
	for _, r := range results {
		byScript[r.Script] = r
	}
	if byScript["scripts/bad.star"].Success {
		t.Error("broken script reported success")
	}
	if !byScript["scripts/good.star"].Success {
		t.Error("good script failed because a sibling was broken")
	}
}

func TestListCompiledEmptyWithoutBuildDir(t *testing.T) {
	svc, _ := newTestService(t, nil)
	listing, err := svc.ListCompiled(context.Background())
	if err != nil {
		t.Fatalf("ListCompiled: %v", err)
	}
	if len(listing) != 0 {
		t.Fatalf("expected empty listing, got %d entries", len(listing))
	}
}

func TestArtifactModTime(t *testing.T) {
	svc, dir := newTestService(t, nil)
	id := writeScript(t, dir, "a.star", counterScript)
	ctx := context.Background()

	res, err := svc.Compile(ctx, id)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	mt, err := svc.ArtifactModTime(ctx, res.ArtifactPath)
	if err != nil {
		t.Fatalf("ArtifactModTime: %v", err)
	}
	if mt.IsZero() {
		t.Error("zero modification time")
	}
	if _, err := svc.ArtifactModTime(ctx, filepath.Join(dir, "nope")); err == nil {
		t.Error("expected error for missing artifact")
	}
}

func TestStatusReportsCompiledCount(t *testing.T) {
	svc, dir := newTestService(t, nil)
	writeScript(t, dir, "a.star", counterScript)
	ctx := context.Background()

	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Watching || status.CompiledCount != 0 {
		t.Errorf("fresh status = %+v, want idle and empty", status)
	}

	if _, err := svc.CompileAll(ctx); err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	status, err = svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.CompiledCount != 1 {
		t.Errorf("CompiledCount = %d, want 1", status.CompiledCount)
	}
}
