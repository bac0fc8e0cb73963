package loader

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/sceneforge/sceneforge/pkg/runtime"
	"github.com/sceneforge/sceneforge/pkg/world"
)

func loadStarlark(t *testing.T, source string) runtime.Module {
	t.Helper()
	l := NewStarlarkLoader(zerolog.Nop(), nil)
	mod, err := l.Load(context.Background(), "scripts/test.star", "scripts/test.star", []byte(source))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return mod
}

func instantiate(t *testing.T, mod runtime.Module) runtime.Instance {
	t.Helper()
	inst, err := mod.Instantiate(context.Background())
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	return inst
}

func call(t *testing.T, inst runtime.Instance, cb runtime.Callback, ec *runtime.ExecContext) {
	t.Helper()
	if err := inst.Call(context.Background(), cb, ec); err != nil {
		t.Fatalf("Call %s failed: %v", cb, err)
	}
}

// logContext builds a bare execution context that captures script log lines.
func logContext(logs *[]string) *runtime.ExecContext {
	return &runtime.ExecContext{
		Entity:    runtime.EntityHandle{ID: "e1", Name: "player"},
		TimeScale: 1,
		Log:       func(msg string) { *logs = append(*logs, msg) },
	}
}

// testScene is a minimal scene view for script-facing scene bindings.
type testScene struct {
	entities []runtime.EntityRef
}

func (s *testScene) Name() string { return "level-1" }

func (s *testScene) Find(name string) (world.EntityID, bool) {
	for _, e := range s.entities {
		if e.Name == name {
			return e.ID, true
		}
	}
	return "", false
}

func (s *testScene) Entities() []runtime.EntityRef { return s.entities }

// TestStarlarkHandlerDetection verifies handlers are derived from the
// module's callable top-level bindings.
func TestStarlarkHandlerDetection(t *testing.T) {
	mod := loadStarlark(t, `
def init(ctx):
    pass

def update(ctx):
    pass

def late_update(ctx):
    pass

destroy = "not a function"
`)
	h := mod.Handlers()
	if !h.Init || !h.Update || !h.LateUpdate {
		t.Errorf("Expected init, update and late_update detected, got %+v", h)
	}
	if h.FixedUpdate {
		t.Error("Expected fixed_update undetected")
	}
	if h.Destroy {
		t.Error("Expected non-callable destroy binding undetected")
	}
}

// TestStarlarkStatePersistsAcrossCalls verifies ctx.state carries values
// from init through successive updates on the same instance.
func TestStarlarkStatePersistsAcrossCalls(t *testing.T) {
	mod := loadStarlark(t, `
def init(ctx):
    ctx.state["count"] = 0

def update(ctx):
    ctx.state["count"] += 1
    ctx.log("count=%d" % ctx.state["count"])
`)
	inst := instantiate(t, mod)

	var logs []string
	ec := logContext(&logs)
	call(t, inst, runtime.CallbackInit, ec)
	for i := 0; i < 3; i++ {
		call(t, inst, runtime.CallbackUpdate, ec)
	}

	want := []string{"count=1", "count=2", "count=3"}
	if len(logs) != len(want) {
		t.Fatalf("Expected %d log lines, got %d: %v", len(want), len(logs), logs)
	}
	for i := range want {
		if logs[i] != want[i] {
			t.Errorf("Log %d: expected %q, got %q", i, want[i], logs[i])
		}
	}
}

// TestStarlarkInstancesIsolated verifies two instances of one module do not
// share state.
func TestStarlarkInstancesIsolated(t *testing.T) {
	mod := loadStarlark(t, `
def update(ctx):
    ctx.state["count"] = ctx.state.get("count", 0) + 1
    ctx.log("count=%d" % ctx.state["count"])
`)
	first := instantiate(t, mod)
	second := instantiate(t, mod)

	var logs []string
	ec := logContext(&logs)
	call(t, first, runtime.CallbackUpdate, ec)
	call(t, first, runtime.CallbackUpdate, ec)
	call(t, second, runtime.CallbackUpdate, ec)

	want := []string{"count=1", "count=2", "count=1"}
	for i := range want {
		if logs[i] != want[i] {
			t.Errorf("Log %d: expected %q, got %q (full: %v)", i, want[i], logs[i], logs)
		}
	}
}

// TestStarlarkGlobalsFrozen verifies module-level values cannot be mutated
// from callbacks; per-instance state belongs in ctx.state.
func TestStarlarkGlobalsFrozen(t *testing.T) {
	mod := loadStarlark(t, `
items = []

def update(ctx):
    items.append(ctx.delta)
`)
	inst := instantiate(t, mod)

	var logs []string
	err := inst.Call(context.Background(), runtime.CallbackUpdate, logContext(&logs))
	if err == nil {
		t.Fatal("Expected mutating a module-level list to fail")
	}
	if !strings.Contains(err.Error(), "frozen") {
		t.Errorf("Expected a frozen-value error, got %v", err)
	}
}

// TestStarlarkSyntaxErrorIsLoadFailure verifies a malformed source is
// classified as a load failure.
func TestStarlarkSyntaxErrorIsLoadFailure(t *testing.T) {
	l := NewStarlarkLoader(zerolog.Nop(), nil)
	_, err := l.Load(context.Background(), "scripts/bad.star", "scripts/bad.star", []byte("def broken(:\n"))
	if err == nil {
		t.Fatal("Expected a syntax error")
	}
	if !runtime.IsLoadFailure(err) {
		t.Errorf("Expected a load failure, got %v", err)
	}
}

// TestStarlarkTopLevelFailureIsLoadFailure verifies a top level that raises
// is classified as a load failure at load time.
func TestStarlarkTopLevelFailureIsLoadFailure(t *testing.T) {
	l := NewStarlarkLoader(zerolog.Nop(), nil)
	_, err := l.Load(context.Background(), "scripts/boom.star", "scripts/boom.star", []byte(`fail("exploding on purpose")`))
	if err == nil {
		t.Fatal("Expected the top level to raise")
	}
	if !runtime.IsLoadFailure(err) {
		t.Errorf("Expected a load failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "exploding on purpose") {
		t.Errorf("Expected the script's message preserved, got %v", err)
	}
}

// TestStarlarkUndeclaredCallbackRejected verifies calling a callback the
// script does not define is an error.
func TestStarlarkUndeclaredCallbackRejected(t *testing.T) {
	mod := loadStarlark(t, `
def update(ctx):
    pass
`)
	inst := instantiate(t, mod)

	var logs []string
	err := inst.Call(context.Background(), runtime.CallbackInit, logContext(&logs))
	if err == nil {
		t.Fatal("Expected calling an undefined callback to fail")
	}
	if !strings.Contains(err.Error(), "does not define") {
		t.Errorf("Expected an undefined-callback error, got %v", err)
	}
}

// TestStarlarkParamsExposed verifies every parameter kind converts to its
// script-facing representation.
func TestStarlarkParamsExposed(t *testing.T) {
	mod := loadStarlark(t, `
def init(ctx):
    p = ctx.params
    ctx.log("speed=%g" % p["speed"])
    ctx.log("label=%s" % p["label"])
    ctx.log("armed=%s" % p["armed"])
    ctx.log("spawn=%g,%g,%g" % (p["spawn"].x, p["spawn"].y, p["spawn"].z))
    ctx.log("target=%s" % p["target"])
    ctx.log("skin=%s" % p["skin"])
`)
	inst := instantiate(t, mod)

	var logs []string
	ec := logContext(&logs)
	ec.Params = map[string]runtime.ParameterValue{
		"speed":  runtime.NumberParam(2.5),
		"label":  runtime.StringParam("turret"),
		"armed":  runtime.BoolParam(true),
		"spawn":  runtime.Vec3Param(world.Vec3{X: 1, Y: 2, Z: 3}),
		"target": runtime.EntityRefParam("boss"),
		"skin":   runtime.AssetRefParam("assets/skin.png"),
	}
	call(t, inst, runtime.CallbackInit, ec)

	want := []string{
		"speed=2.5",
		"label=turret",
		"armed=True",
		"spawn=1,2,3",
		"target=boss",
		"skin=assets/skin.png",
	}
	if len(logs) != len(want) {
		t.Fatalf("Expected %d log lines, got %d: %v", len(want), len(logs), logs)
	}
	for i := range want {
		if logs[i] != want[i] {
			t.Errorf("Log %d: expected %q, got %q", i, want[i], logs[i])
		}
	}
}

// TestStarlarkWorldMutators verifies scripts reach the world service through
// the context's bound capabilities.
func TestStarlarkWorldMutators(t *testing.T) {
	w := world.NewMemoryWorld()
	w.Spawn("e1", world.DefaultTransform(), 1)
	builder := runtime.NewContextBuilder(w, zerolog.Nop())
	b := runtime.Behavior{ID: "b-1", Script: "scripts/mover.star", Enabled: true}
	ec := builder.Build(runtime.EntityHandle{ID: "e1", Name: "mover"}, nil, b, 0.016, 1.0)

	mod := loadStarlark(t, `
def update(ctx):
    ctx.set_velocity(vec3(1, 2, 3))
    ctx.update_transform(position = vec3(5, 0, 0))
    t = ctx.transform()
    if t.position.x != 5:
        fail("expected position x 5, got %g" % t.position.x)
`)
	inst := instantiate(t, mod)
	call(t, inst, runtime.CallbackUpdate, ec)

	if v, ok := w.Velocity("e1"); !ok || v != (world.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Errorf("Expected velocity (1,2,3), got %+v", v)
	}
	tr, _ := w.Transform("e1")
	if tr.Position != (world.Vec3{X: 5, Y: 0, Z: 0}) {
		t.Errorf("Expected position (5,0,0), got %+v", tr.Position)
	}
}

// TestStarlarkVectorFromSequence verifies a 3-element list is accepted
// wherever a vec3 is.
func TestStarlarkVectorFromSequence(t *testing.T) {
	w := world.NewMemoryWorld()
	w.Spawn("e1", world.DefaultTransform(), 1)
	builder := runtime.NewContextBuilder(w, zerolog.Nop())
	ec := builder.Build(runtime.EntityHandle{ID: "e1"}, nil, runtime.Behavior{ID: "b-1", Enabled: true}, 0, 0)

	mod := loadStarlark(t, `
def update(ctx):
    ctx.set_velocity([4, 5, 6])
`)
	inst := instantiate(t, mod)
	call(t, inst, runtime.CallbackUpdate, ec)

	if v, _ := w.Velocity("e1"); v != (world.Vec3{X: 4, Y: 5, Z: 6}) {
		t.Errorf("Expected velocity (4,5,6), got %+v", v)
	}
}

// TestStarlarkImpulseWithPoint verifies the optional application point
// induces an angular response.
func TestStarlarkImpulseWithPoint(t *testing.T) {
	w := world.NewMemoryWorld()
	w.Spawn("e1", world.DefaultTransform(), 1)
	builder := runtime.NewContextBuilder(w, zerolog.Nop())
	ec := builder.Build(runtime.EntityHandle{ID: "e1"}, nil, runtime.Behavior{ID: "b-1", Enabled: true}, 0, 0)

	mod := loadStarlark(t, `
def update(ctx):
    ctx.apply_impulse(vec3(0, 0, 1), point = vec3(1, 0, 0))
`)
	inst := instantiate(t, mod)
	call(t, inst, runtime.CallbackUpdate, ec)

	if v, _ := w.Velocity("e1"); v != (world.Vec3{X: 0, Y: 0, Z: 1}) {
		t.Errorf("Expected velocity (0,0,1), got %+v", v)
	}
	if av, _ := w.AngularVelocity("e1"); av != (world.Vec3{X: 0, Y: -1, Z: 0}) {
		t.Errorf("Expected angular velocity (0,-1,0), got %+v", av)
	}
}

// TestStarlarkSceneBindings verifies the scene's name, lookup and entity
// listing reach scripts.
func TestStarlarkSceneBindings(t *testing.T) {
	mod := loadStarlark(t, `
def init(ctx):
    ctx.log("scene=%s" % ctx.scene.name)
    ctx.log("boss=%s" % ctx.scene.find("boss"))
    ctx.log("missing=%s" % ctx.scene.find("ghost"))
    ctx.log("count=%d" % len(ctx.scene.entities()))
`)
	inst := instantiate(t, mod)

	var logs []string
	ec := logContext(&logs)
	ec.Scene = &testScene{entities: []runtime.EntityRef{
		{ID: "e-boss", Name: "boss"},
		{ID: "e-door", Name: "door"},
	}}
	call(t, inst, runtime.CallbackInit, ec)

	want := []string{"scene=level-1", "boss=e-boss", "missing=None", "count=2"}
	for i := range want {
		if logs[i] != want[i] {
			t.Errorf("Log %d: expected %q, got %q (full: %v)", i, want[i], logs[i], logs)
		}
	}
}

// TestStarlarkCompiledArtifactRoundTrip verifies a serialized compiled
// program loads and runs, matching the compilation service's artifact
// format.
func TestStarlarkCompiledArtifactRoundTrip(t *testing.T) {
	src := `
def update(ctx):
    ctx.state["count"] = ctx.state.get("count", 0) + 1
    ctx.log("count=%d" % ctx.state["count"])
`
	_, prog, err := starlark.SourceProgram("counter.star", src, StarlarkPredeclared().Has)
	if err != nil {
		t.Fatalf("SourceProgram failed: %v", err)
	}
	var buf bytes.Buffer
	if err := prog.Write(&buf); err != nil {
		t.Fatalf("Program.Write failed: %v", err)
	}

	l := NewStarlarkLoader(zerolog.Nop(), nil)
	mod, err := l.Load(context.Background(), "scripts/counter.star", ".forge/build/scripts/counter.starc", buf.Bytes())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !mod.Handlers().Update {
		t.Error("Expected the compiled program's update handler detected")
	}

	inst := instantiate(t, mod)
	var logs []string
	call(t, inst, runtime.CallbackUpdate, logContext(&logs))
	if len(logs) != 1 || logs[0] != "count=1" {
		t.Errorf("Expected [count=1], got %v", logs)
	}
}

// TestStarlarkRunawayLoopStopped verifies the execution step budget cancels
// a script that never returns.
func TestStarlarkRunawayLoopStopped(t *testing.T) {
	l := NewStarlarkLoader(zerolog.Nop(), &StarlarkOptions{MaxSteps: 10_000})
	mod, err := l.Load(context.Background(), "scripts/spin.star", "scripts/spin.star", []byte(`
def update(ctx):
    n = 0
    while True:
        n += 1
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	inst := instantiate(t, mod)

	var logs []string
	if err := inst.Call(context.Background(), runtime.CallbackUpdate, logContext(&logs)); err == nil {
		t.Fatal("Expected the step budget to cancel the loop")
	}
}

// TestStarlarkInstantiateAfterCloseRejected verifies a released module
// refuses new instances.
func TestStarlarkInstantiateAfterCloseRejected(t *testing.T) {
	mod := loadStarlark(t, `
def update(ctx):
    pass
`)
	if err := mod.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := mod.Instantiate(context.Background()); err == nil {
		t.Fatal("Expected instantiation on a released module to fail")
	}
}
