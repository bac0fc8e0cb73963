package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/sceneforge/sceneforge/pkg/runtime"
	"github.com/sceneforge/sceneforge/pkg/world"
)

// WASMConfig contains configuration for the WASM loader. A nil config selects
// the defaults.
type WASMConfig struct {
	// MemoryLimitPages is the per-instance memory limit in pages (64KB
	// each). Default is 256 pages (16MB).
	MemoryLimitPages uint32

	// CallTimeout bounds one callback invocation. Default is 5s.
	CallTimeout time.Duration
}

// WASMLoader turns WebAssembly artifacts into executable modules. One wazero
// runtime is shared by every module; each behavior attachment instantiates
// the compiled module separately, so instances never share linear memory.
//
// Guests speak a packed JSON ABI: each exported behavior_<callback> takes a
// (ptr, len) pair addressing a request document in guest memory and returns
// ptr<<32|len of a response document, empty on success. Guests must export
// malloc and free for the host's buffers. World access flows back through
// host functions on the "forge" module.
type WASMLoader struct {
	logger  zerolog.Logger
	runtime wazero.Runtime
	timeout time.Duration
}

// NewWASMLoader creates the shared wazero runtime with WASI and the forge
// host module instantiated.
func NewWASMLoader(ctx context.Context, logger zerolog.Logger, cfg *WASMConfig) (*WASMLoader, error) {
	if cfg == nil {
		cfg = &WASMConfig{}
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 5 * time.Second
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := rt.NewHostModuleBuilder("forge")
	registerHostFunctions(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return &WASMLoader{
		logger:  logger.With().Str("component", "wasm-loader").Logger(),
		runtime: rt,
		timeout: cfg.CallTimeout,
	}, nil
}

// Load implements runtime.ModuleLoader for WebAssembly artifacts.
func (l *WASMLoader) Load(ctx context.Context, id runtime.ScriptID, artifactPath string, content []byte) (runtime.Module, error) {
	compiled, err := l.runtime.CompileModule(ctx, content)
	if err != nil {
		return nil, runtime.NewLoadFailure(id, "wasm module rejected", err)
	}
	l.logger.Debug().
		Str("script", string(id)).
		Str("artifact", artifactPath).
		Msg("WASM module compiled")
	return &wasmModule{
		loader:   l,
		script:   id,
		compiled: compiled,
		handlers: wasmHandlers(compiled),
	}, nil
}

// Close releases the shared wazero runtime. Modules and instances loaded
// through this loader must not be used afterwards.
func (l *WASMLoader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// wasmHandlers derives the handler set from the compiled module's exports.
func wasmHandlers(compiled wazero.CompiledModule) runtime.HandlerSet {
	exports := compiled.ExportedFunctions()
	has := func(cb runtime.Callback) bool {
		_, ok := exports["behavior_"+string(cb)]
		return ok
	}
	return runtime.HandlerSet{
		Init:        has(runtime.CallbackInit),
		Update:      has(runtime.CallbackUpdate),
		FixedUpdate: has(runtime.CallbackFixedUpdate),
		LateUpdate:  has(runtime.CallbackLateUpdate),
		Destroy:     has(runtime.CallbackDestroy),
	}
}

// wasmModule is one compiled WebAssembly module shared by all instances.
type wasmModule struct {
	loader   *WASMLoader
	script   runtime.ScriptID
	compiled wazero.CompiledModule
	handlers runtime.HandlerSet

	mu     sync.Mutex
	closed bool
}

func (m *wasmModule) Handlers() runtime.HandlerSet { return m.handlers }

func (m *wasmModule) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Instantiate creates one isolated instance: its own linear memory, its own
// globals. Reactor-style guests export _initialize, which runs here instead
// of a start function.
func (m *wasmModule) Instantiate(ctx context.Context) (runtime.Instance, error) {
	if m.isClosed() {
		return nil, fmt.Errorf("module released")
	}
	modConfig := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := m.loader.runtime.InstantiateModule(ctx, m.compiled, modConfig)
	if err != nil {
		return nil, fmt.Errorf("wasm instantiation failed: %w", err)
	}
	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return nil, fmt.Errorf("wasm _initialize failed: %w", err)
		}
	}
	inst, err := newWASMInstance(m, mod)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	return inst, nil
}

func (m *wasmModule) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.compiled.Close(ctx)
}

// wasmInstance is one behavior attachment's instantiation of a module.
type wasmInstance struct {
	module *wasmModule
	mod    api.Module
	memory api.Memory
	malloc api.Function
	free   api.Function
	fns    map[runtime.Callback]api.Function

	mu     sync.Mutex
	closed bool
}

func newWASMInstance(m *wasmModule, mod api.Module) (*wasmInstance, error) {
	memory := mod.Memory()
	if memory == nil {
		return nil, fmt.Errorf("wasm module does not export memory")
	}
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return nil, fmt.Errorf("wasm module does not export malloc")
	}
	free := mod.ExportedFunction("free")
	if free == nil {
		return nil, fmt.Errorf("wasm module does not export free")
	}
	fns := make(map[runtime.Callback]api.Function)
	for _, cb := range []runtime.Callback{
		runtime.CallbackInit,
		runtime.CallbackUpdate,
		runtime.CallbackFixedUpdate,
		runtime.CallbackLateUpdate,
		runtime.CallbackDestroy,
	} {
		if fn := mod.ExportedFunction("behavior_" + string(cb)); fn != nil {
			fns[cb] = fn
		}
	}
	return &wasmInstance{
		module: m,
		mod:    mod,
		memory: memory,
		malloc: malloc,
		free:   free,
		fns:    fns,
	}, nil
}

// callbackRequest is the document passed to guest callbacks.
type callbackRequest struct {
	Callback  string                            `json:"callback"`
	Entity    runtime.EntityHandle              `json:"entity"`
	Scene     string                            `json:"scene,omitempty"`
	Delta     float64                           `json:"delta"`
	Total     float64                           `json:"total"`
	TimeScale float64                           `json:"timeScale"`
	Debug     bool                              `json:"debug"`
	Params    map[string]runtime.ParameterValue `json:"params,omitempty"`
}

// callbackResponse is the guest's reply; a non-empty error fails the
// invocation.
type callbackResponse struct {
	Error string `json:"error,omitempty"`
}

// Call invokes one lifecycle callback. The execution context rides the Go
// context so the forge host functions can reach the live invocation.
func (i *wasmInstance) Call(ctx context.Context, cb runtime.Callback, ec *runtime.ExecContext) error {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return fmt.Errorf("instance released")
	}
	if i.module.isClosed() {
		return fmt.Errorf("module released")
	}

	fn, ok := i.fns[cb]
	if !ok {
		return fmt.Errorf("wasm module does not export behavior_%s", cb)
	}

	sceneName := ""
	if ec.Scene != nil {
		sceneName = ec.Scene.Name()
	}
	payload, err := json.Marshal(callbackRequest{
		Callback:  string(cb),
		Entity:    ec.Entity,
		Scene:     sceneName,
		Delta:     ec.DeltaTime,
		Total:     ec.TotalTime,
		TimeScale: ec.TimeScale,
		Debug:     ec.Debug,
		Params:    ec.Params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx = withExecContext(ctx, ec)
	ctx, cancel := context.WithTimeout(ctx, i.module.loader.timeout)
	defer cancel()

	out, err := i.callPacked(ctx, fn, payload)
	if err != nil {
		return fmt.Errorf("behavior_%s failed: %w", cb, err)
	}
	if len(out) > 0 {
		var resp callbackResponse
		if err := json.Unmarshal(out, &resp); err == nil && resp.Error != "" {
			return fmt.Errorf("behavior_%s: %s", cb, resp.Error)
		}
	}
	return nil
}

func (i *wasmInstance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()
	return i.mod.Close(ctx)
}

// callPacked calls a guest function with JSON input and output.
// Function signature: fn(input_ptr: u32, input_len: u32) -> u64, the return
// value packing (output_ptr << 32) | output_len.
func (i *wasmInstance) callPacked(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := i.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate wasm memory: %w", err)
		}
		defer func() { _ = i.deallocate(ctx, ptr) }()

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !i.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to wasm memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("wasm call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("wasm call returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return nil, nil
	}

	view, ok := i.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from wasm memory")
	}
	// The view aliases guest memory; copy before freeing the buffer.
	out := make([]byte, len(view))
	copy(out, view)
	_ = i.deallocate(ctx, outputPtr)
	return out, nil
}

// allocate allocates guest memory and returns the pointer.
func (i *wasmInstance) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := i.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

// deallocate frees guest memory.
func (i *wasmInstance) deallocate(ctx context.Context, ptr uint32) error {
	_, err := i.free.Call(ctx, uint64(ptr))
	if err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}

// execContextKey carries the live invocation's execution context through the
// Go context into host functions.
type execContextKey struct{}

func withExecContext(ctx context.Context, ec *runtime.ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

func execContextFrom(ctx context.Context) *runtime.ExecContext {
	ec, _ := ctx.Value(execContextKey{}).(*runtime.ExecContext)
	return ec
}

// registerHostFunctions registers the forge host module: the world and
// logging capabilities guests call back into. Every function resolves the
// invoking behavior's execution context from the call's Go context; outside
// a live callback the functions fail without side effects.
func registerHostFunctions(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			ec := execContextFrom(ctx)
			if ec == nil || ec.Log == nil {
				return
			}
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			ec.Log(string(msg))
		}).
		Export("log_debug")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			ec := execContextFrom(ctx)
			if ec == nil || ec.UpdateTransform == nil {
				return 1
			}
			data, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return 1
			}
			var patch world.TransformPatch
			if err := json.Unmarshal(data, &patch); err != nil {
				return 1
			}
			if err := ec.UpdateTransform(patch); err != nil {
				return 1
			}
			return 0
		}).
		Export("world_update_transform")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			ec := execContextFrom(ctx)
			if ec == nil || ec.ApplyForce == nil {
				return 1
			}
			data, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return 1
			}
			var req struct {
				Force world.Vec3  `json:"force"`
				Point *world.Vec3 `json:"point,omitempty"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return 1
			}
			if err := ec.ApplyForce(req.Force, req.Point); err != nil {
				return 1
			}
			return 0
		}).
		Export("world_apply_force")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			ec := execContextFrom(ctx)
			if ec == nil || ec.ApplyImpulse == nil {
				return 1
			}
			data, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return 1
			}
			var req struct {
				Impulse world.Vec3  `json:"impulse"`
				Point   *world.Vec3 `json:"point,omitempty"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return 1
			}
			if err := ec.ApplyImpulse(req.Impulse, req.Point); err != nil {
				return 1
			}
			return 0
		}).
		Export("world_apply_impulse")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			ec := execContextFrom(ctx)
			if ec == nil || ec.SetVelocity == nil {
				return 1
			}
			data, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return 1
			}
			var v world.Vec3
			if err := json.Unmarshal(data, &v); err != nil {
				return 1
			}
			if err := ec.SetVelocity(v); err != nil {
				return 1
			}
			return 0
		}).
		Export("world_set_velocity")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			ec := execContextFrom(ctx)
			if ec == nil || ec.SetAngularVelocity == nil {
				return 1
			}
			data, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return 1
			}
			var v world.Vec3
			if err := json.Unmarshal(data, &v); err != nil {
				return 1
			}
			if err := ec.SetAngularVelocity(v); err != nil {
				return 1
			}
			return 0
		}).
		Export("world_set_angular_velocity")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) uint64 {
			ec := execContextFrom(ctx)
			if ec == nil || ec.Transform == nil {
				return 0
			}
			tr, ok := ec.Transform()
			if !ok {
				return 0
			}
			return writeGuestJSON(ctx, mod, tr)
		}).
		Export("world_get_transform")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) uint64 {
			ec := execContextFrom(ctx)
			if ec == nil || ec.Velocity == nil {
				return 0
			}
			v, ok := ec.Velocity()
			if !ok {
				return 0
			}
			return writeGuestJSON(ctx, mod, v)
		}).
		Export("world_get_velocity")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) uint64 {
			ec := execContextFrom(ctx)
			if ec == nil || ec.AngularVelocity == nil {
				return 0
			}
			v, ok := ec.AngularVelocity()
			if !ok {
				return 0
			}
			return writeGuestJSON(ctx, mod, v)
		}).
		Export("world_get_angular_velocity")
}

// writeGuestJSON marshals a value into guest memory allocated with the
// guest's malloc and returns the packed ptr<<32|len. The guest owns the
// buffer and frees it. Zero means no value.
func writeGuestJSON(ctx context.Context, mod api.Module, v interface{}) uint64 {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(payload)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if ptr == 0 || !mod.Memory().Write(ptr, payload) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(payload))
}
