package loader

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/sceneforge/sceneforge/pkg/runtime"
	"github.com/sceneforge/sceneforge/pkg/world"
)

func init() {
	// Behavior scripts use sets, while loops and module-level reassignment,
	// none of which core Starlark enables by default.
	resolve.AllowSet = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// DefaultMaxSteps bounds one callback's Starlark execution. A runaway loop in
// an update handler would otherwise hang the frame loop.
const DefaultMaxSteps = 50_000_000

// StarlarkOptions tunes the Starlark loader. A nil options value selects the
// defaults.
type StarlarkOptions struct {
	// MaxSteps is the per-call execution step budget. 0 selects
	// DefaultMaxSteps; negative budgets are not representable, use a large
	// value to effectively disable the bound.
	MaxSteps uint64
}

// StarlarkLoader turns Starlark artifacts into executable modules. Artifacts
// are either compiled programs (the compilation service's .starc output) or
// raw .star sources.
//
// A module's top level runs once at load to discover which lifecycle
// handlers it defines, and once per instance to produce that instance's
// globals. Globals freeze after the instance's top level completes; mutable
// per-instance state lives in the ctx.state dict passed to every callback.
type StarlarkLoader struct {
	logger   zerolog.Logger
	maxSteps uint64
}

// NewStarlarkLoader creates a Starlark loader.
func NewStarlarkLoader(logger zerolog.Logger, opts *StarlarkOptions) *StarlarkLoader {
	if opts == nil {
		opts = &StarlarkOptions{}
	}
	maxSteps := opts.MaxSteps
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	return &StarlarkLoader{
		logger:   logger.With().Str("component", "starlark-loader").Logger(),
		maxSteps: maxSteps,
	}
}

// StarlarkPredeclared returns the predeclared environment behavior scripts
// compile and run against. The compilation service must compile sources
// against the same names or compiled programs will not resolve.
func StarlarkPredeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"vec3":   starlark.NewBuiltin("vec3", builtinVec3),
	}
}

// Load implements runtime.ModuleLoader for Starlark artifacts.
func (l *StarlarkLoader) Load(ctx context.Context, id runtime.ScriptID, artifactPath string, content []byte) (runtime.Module, error) {
	prog, err := l.program(artifactPath, content)
	if err != nil {
		return nil, runtime.NewLoadFailure(id, "starlark program rejected", err)
	}
	handlers, err := l.probeHandlers(string(id), prog)
	if err != nil {
		return nil, runtime.NewLoadFailure(id, "script top level raised", err)
	}
	l.logger.Debug().
		Str("script", string(id)).
		Str("artifact", artifactPath).
		Msg("Starlark module loaded")
	return &starlarkModule{loader: l, script: id, prog: prog, handlers: handlers}, nil
}

// program decodes the artifact: sources are compiled in place, anything else
// is treated as a serialized compiled program.
func (l *StarlarkLoader) program(artifactPath string, content []byte) (*starlark.Program, error) {
	if strings.HasSuffix(artifactPath, ".star") {
		_, prog, err := starlark.SourceProgram(artifactPath, content, StarlarkPredeclared().Has)
		return prog, err
	}
	return starlark.CompiledProgram(bytes.NewReader(content))
}

// probeHandlers runs the program's top level in a scratch thread and reports
// which lifecycle callbacks it binds to callables. The scratch globals are
// discarded.
func (l *StarlarkLoader) probeHandlers(name string, prog *starlark.Program) (runtime.HandlerSet, error) {
	globals, err := prog.Init(l.newThread(name, nil), StarlarkPredeclared())
	if err != nil {
		return runtime.HandlerSet{}, err
	}
	has := func(cb runtime.Callback) bool {
		v, ok := globals[string(cb)]
		if !ok {
			return false
		}
		_, callable := v.(starlark.Callable)
		return callable
	}
	return runtime.HandlerSet{
		Init:        has(runtime.CallbackInit),
		Update:      has(runtime.CallbackUpdate),
		FixedUpdate: has(runtime.CallbackFixedUpdate),
		LateUpdate:  has(runtime.CallbackLateUpdate),
		Destroy:     has(runtime.CallbackDestroy),
	}, nil
}

// newThread builds a thread for one top-level run or callback invocation.
// print routes to the execution context's log when one is live.
func (l *StarlarkLoader) newThread(name string, ec *runtime.ExecContext) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			if ec != nil && ec.Log != nil {
				ec.Log(msg)
				return
			}
			l.logger.Debug().Str("script", name).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(l.maxSteps)
	return thread
}

// starlarkModule is one loaded Starlark program shared by all instances.
type starlarkModule struct {
	loader   *StarlarkLoader
	script   runtime.ScriptID
	prog     *starlark.Program
	handlers runtime.HandlerSet

	mu     sync.Mutex
	closed bool
}

func (m *starlarkModule) Handlers() runtime.HandlerSet { return m.handlers }

func (m *starlarkModule) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Instantiate runs the program's top level in a fresh thread. The resulting
// globals are this instance's bindings; they freeze immediately, so
// module-level values are per-instance constants and mutable state goes in
// ctx.state.
func (m *starlarkModule) Instantiate(ctx context.Context) (runtime.Instance, error) {
	if m.isClosed() {
		return nil, fmt.Errorf("module released")
	}
	globals, err := m.prog.Init(m.loader.newThread(string(m.script), nil), StarlarkPredeclared())
	if err != nil {
		return nil, fmt.Errorf("script top level raised: %w", err)
	}
	globals.Freeze()
	return &starlarkInstance{
		module:  m,
		globals: globals,
		state:   starlark.NewDict(0),
	}, nil
}

func (m *starlarkModule) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// starlarkInstance is one behavior attachment's copy of a module: its own
// globals and its own never-frozen state dict.
type starlarkInstance struct {
	module  *starlarkModule
	globals starlark.StringDict
	state   *starlark.Dict

	mu     sync.Mutex
	closed bool
}

// Call invokes one lifecycle callback with a fresh ctx struct argument.
func (i *starlarkInstance) Call(ctx context.Context, cb runtime.Callback, ec *runtime.ExecContext) error {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return fmt.Errorf("instance released")
	}
	if i.module.isClosed() {
		return fmt.Errorf("module released")
	}

	v, ok := i.globals[string(cb)]
	if !ok {
		return fmt.Errorf("script does not define %s", cb)
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return fmt.Errorf("script binding %s is not callable", cb)
	}

	thread := i.module.loader.newThread(string(i.module.script)+":"+string(cb), ec)
	_, err := starlark.Call(thread, fn, starlark.Tuple{i.contextValue(ec)}, nil)
	return err
}

func (i *starlarkInstance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// contextValue assembles the ctx struct for one invocation: frame times, the
// state dict, authored parameters and the bound world capabilities.
func (i *starlarkInstance) contextValue(ec *runtime.ExecContext) starlark.Value {
	dict := starlark.StringDict{
		"entity":     entityValue(ec.Entity),
		"scene":      sceneValue(ec.Scene),
		"delta":      starlark.Float(ec.DeltaTime),
		"total":      starlark.Float(ec.TotalTime),
		"time_scale": starlark.Float(ec.TimeScale),
		"debug":      starlark.Bool(ec.Debug),
		"state":      i.state,
		"params":     paramsValue(ec.Params),

		"log": starlark.NewBuiltin("log", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var msg string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &msg); err != nil {
				return nil, err
			}
			if ec.Log != nil {
				ec.Log(msg)
			}
			return starlark.None, nil
		}),

		"update_transform": starlark.NewBuiltin("update_transform", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var position, rotation, scale starlark.Value
			if err := starlark.UnpackArgs(b.Name(), args, kwargs,
				"position?", &position, "rotation?", &rotation, "scale?", &scale); err != nil {
				return nil, err
			}
			var patch world.TransformPatch
			if err := setPatchField(&patch.Position, position); err != nil {
				return nil, err
			}
			if err := setPatchField(&patch.Rotation, rotation); err != nil {
				return nil, err
			}
			if err := setPatchField(&patch.Scale, scale); err != nil {
				return nil, err
			}
			if err := ec.UpdateTransform(patch); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}),

		"apply_force": starlark.NewBuiltin("apply_force", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			force, point, err := vectorAndPoint(b, args, kwargs, "force")
			if err != nil {
				return nil, err
			}
			if err := ec.ApplyForce(force, point); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}),

		"apply_impulse": starlark.NewBuiltin("apply_impulse", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			impulse, point, err := vectorAndPoint(b, args, kwargs, "impulse")
			if err != nil {
				return nil, err
			}
			if err := ec.ApplyImpulse(impulse, point); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}),

		"set_velocity": starlark.NewBuiltin("set_velocity", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
				return nil, err
			}
			vec, err := vec3FromValue(v)
			if err != nil {
				return nil, err
			}
			if err := ec.SetVelocity(vec); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}),

		"set_angular_velocity": starlark.NewBuiltin("set_angular_velocity", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
				return nil, err
			}
			vec, err := vec3FromValue(v)
			if err != nil {
				return nil, err
			}
			if err := ec.SetAngularVelocity(vec); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}),

		"velocity": starlark.NewBuiltin("velocity", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if v, ok := ec.Velocity(); ok {
				return vec3Value(v), nil
			}
			return starlark.None, nil
		}),

		"angular_velocity": starlark.NewBuiltin("angular_velocity", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if v, ok := ec.AngularVelocity(); ok {
				return vec3Value(v), nil
			}
			return starlark.None, nil
		}),

		"transform": starlark.NewBuiltin("transform", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			tr, ok := ec.Transform()
			if !ok {
				return starlark.None, nil
			}
			return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
				"position": vec3Value(tr.Position),
				"rotation": vec3Value(tr.Rotation),
				"scale":    vec3Value(tr.Scale),
			}), nil
		}),
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, dict)
}

// vectorAndPoint unpacks the (vector, point=None) argument shape shared by
// apply_force and apply_impulse.
func vectorAndPoint(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, name string) (world.Vec3, *world.Vec3, error) {
	var vecVal, pointVal starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, name, &vecVal, "point?", &pointVal); err != nil {
		return world.Vec3{}, nil, err
	}
	vec, err := vec3FromValue(vecVal)
	if err != nil {
		return world.Vec3{}, nil, fmt.Errorf("%s: %w", name, err)
	}
	var point *world.Vec3
	if pointVal != nil && pointVal != starlark.None {
		p, err := vec3FromValue(pointVal)
		if err != nil {
			return world.Vec3{}, nil, fmt.Errorf("point: %w", err)
		}
		point = &p
	}
	return vec, point, nil
}

// setPatchField fills one optional transform patch field from a script value.
func setPatchField(dst **world.Vec3, v starlark.Value) error {
	if v == nil || v == starlark.None {
		return nil
	}
	vec, err := vec3FromValue(v)
	if err != nil {
		return err
	}
	*dst = &vec
	return nil
}

// entityValue converts an entity handle to a script-facing struct.
func entityValue(e runtime.EntityHandle) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":   starlark.String(string(e.ID)),
		"name": starlark.String(e.Name),
	})
}

// sceneValue converts the scene view to a script-facing struct with name,
// find and entities bindings.
func sceneValue(scene runtime.SceneView) starlark.Value {
	name := ""
	if scene != nil {
		name = scene.Name()
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"name": starlark.String(name),
		"find": starlark.NewBuiltin("find", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var target string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &target); err != nil {
				return nil, err
			}
			if scene == nil {
				return starlark.None, nil
			}
			id, ok := scene.Find(target)
			if !ok {
				return starlark.None, nil
			}
			return starlark.String(string(id)), nil
		}),
		"entities": starlark.NewBuiltin("entities", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if scene == nil {
				return starlark.NewList(nil), nil
			}
			refs := scene.Entities()
			list := make([]starlark.Value, 0, len(refs))
			for _, ref := range refs {
				list = append(list, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
					"id":   starlark.String(string(ref.ID)),
					"name": starlark.String(ref.Name),
				}))
			}
			return starlark.NewList(list), nil
		}),
	})
}

// paramsValue converts the authored parameters to a frozen dict.
func paramsValue(params map[string]runtime.ParameterValue) starlark.Value {
	dict := starlark.NewDict(len(params))
	for name, p := range params {
		_ = dict.SetKey(starlark.String(name), paramValue(p))
	}
	dict.Freeze()
	return dict
}

// paramValue converts one typed parameter to its Starlark representation.
func paramValue(p runtime.ParameterValue) starlark.Value {
	switch p.Kind {
	case runtime.ParamNumber:
		return starlark.Float(p.Num)
	case runtime.ParamBool:
		return starlark.Bool(p.Bool)
	case runtime.ParamVec3:
		return vec3Value(p.Vec)
	case runtime.ParamEntityRef:
		return starlark.String(string(p.Entity))
	case runtime.ParamAssetRef:
		return starlark.String(p.Asset)
	default:
		return starlark.String(p.Str)
	}
}

var vec3Constructor = starlark.String("vec3")

// builtinVec3 implements the vec3(x, y, z) constructor. Omitted components
// default to zero.
func builtinVec3(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y, z float64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x?", &x, "y?", &y, "z?", &z); err != nil {
		return nil, err
	}
	return vec3Value(world.Vec3{X: x, Y: y, Z: z}), nil
}

// vec3Value converts a vector to its script-facing struct.
func vec3Value(v world.Vec3) starlark.Value {
	return starlarkstruct.FromStringDict(vec3Constructor, starlark.StringDict{
		"x": starlark.Float(v.X),
		"y": starlark.Float(v.Y),
		"z": starlark.Float(v.Z),
	})
}

// vec3FromValue converts a script value to a vector. Accepts a vec3 struct
// (anything with numeric x, y, z attributes) or a 3-element sequence.
func vec3FromValue(v starlark.Value) (world.Vec3, error) {
	switch val := v.(type) {
	case *starlarkstruct.Struct:
		var out world.Vec3
		for _, c := range []struct {
			name string
			dst  *float64
		}{{"x", &out.X}, {"y", &out.Y}, {"z", &out.Z}} {
			attr, err := val.Attr(c.name)
			if err != nil {
				return world.Vec3{}, fmt.Errorf("vec3 value missing %s", c.name)
			}
			f, ok := starlark.AsFloat(attr)
			if !ok {
				return world.Vec3{}, fmt.Errorf("vec3 component %s is not a number", c.name)
			}
			*c.dst = f
		}
		return out, nil
	case starlark.Indexable:
		if val.Len() != 3 {
			return world.Vec3{}, fmt.Errorf("vec3 sequence must have 3 elements, got %d", val.Len())
		}
		var out [3]float64
		for i := 0; i < 3; i++ {
			f, ok := starlark.AsFloat(val.Index(i))
			if !ok {
				return world.Vec3{}, fmt.Errorf("vec3 element %d is not a number", i)
			}
			out[i] = f
		}
		return world.Vec3{X: out[0], Y: out[1], Z: out[2]}, nil
	default:
		return world.Vec3{}, fmt.Errorf("cannot use %s as vec3", v.Type())
	}
}
