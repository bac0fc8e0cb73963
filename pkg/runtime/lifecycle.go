package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/pkg/telemetry"
)

// Phase is a controller's position in the script lifecycle.
type Phase string

const (
	// PhaseIdle means no initialize pass has run yet.
	PhaseIdle Phase = "idle"

	// PhaseInitialized means behaviors are live and receiving frames.
	PhaseInitialized Phase = "initialized"

	// PhaseDestroyed means destroy ran; a new initialize pass may follow.
	PhaseDestroyed Phase = "destroyed"
)

// behaviorState is the runtime state of one attachment. initialized records
// that an init pass completed for the behavior; initFailed records that its
// init callback raised, which withholds the destroy callback without putting
// the behavior back on the pending-init list.
type behaviorState struct {
	behavior    Behavior
	initialized bool
	initFailed  bool
	instance    Instance
	generation  uint64
	handlers    HandlerSet
}

// Controller owns the ordered script behaviors attached to a single entity
// and drives their lifecycle callbacks. It is not safe for concurrent use;
// the session serializes all calls (play transitions, frames, component
// updates) on its own guard.
type Controller struct {
	entity  EntityHandle
	scene   SceneView
	cache   *ModuleCache
	builder *ContextBuilder
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	states []*behaviorState
	phase  Phase
}

// NewController creates a controller for an entity's attachment list.
// Attachment order is the list order and is preserved across component
// updates. metrics and tracer may be nil.
func NewController(entity EntityHandle, scene SceneView, cache *ModuleCache, builder *ContextBuilder, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer, behaviors []Behavior) *Controller {
	c := &Controller{
		entity:  entity,
		scene:   scene,
		cache:   cache,
		builder: builder,
		logger: logger.With().
			Str("component", "lifecycle").
			Str("entity", string(entity.ID)).
			Logger(),
		metrics: metrics,
		tracer:  tracer,
		phase:   PhaseIdle,
	}
	c.states = make([]*behaviorState, 0, len(behaviors))
	for _, b := range behaviors {
		c.states = append(c.states, &behaviorState{behavior: b})
	}
	return c
}

// Entity returns the owning entity.
func (c *Controller) Entity() EntityHandle { return c.entity }

// Phase returns the controller's lifecycle phase.
func (c *Controller) Phase() Phase { return c.phase }

// Behaviors returns a copy of the attachment list in attachment order.
func (c *Controller) Behaviors() []Behavior {
	out := make([]Behavior, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, st.behavior)
	}
	return out
}

// NeedsInit reports whether any enabled behavior has not completed an
// initialize pass. The frame driver runs Initialize when this is true, so
// behaviors added mid-session (or whose module becomes available late)
// come alive before their first update.
func (c *Controller) NeedsInit() bool {
	for _, st := range c.states {
		if st.behavior.Enabled && !st.initialized {
			return true
		}
	}
	return false
}

// Initialize runs the init pass: every enabled behavior not yet
// initialized, in attachment order, gets its module resolved, an instance
// created and its init callback invoked (when declared). Failures are
// isolated per behavior; an init that raises is not retried, and the
// behavior's destroy callback is withheld on teardown. A behavior whose
// module is unavailable stays uninitialized and is retried on the next
// pass.
func (c *Controller) Initialize(ctx context.Context, total float64) {
	for _, st := range c.states {
		if !st.behavior.Enabled || st.initialized {
			continue
		}
		if !c.ensureInstance(ctx, st) {
			continue
		}
		st.initialized = true
		if st.handlers.Init {
			if err := c.invoke(ctx, st, CallbackInit, 0, total); err != nil {
				st.initFailed = true
			}
		}
	}
	c.phase = PhaseInitialized
}

// ProcessFrame runs one frame over the attachment list: a first pass
// invoking update then fixedUpdate (fixed callbacks ride the frame cadence
// here; a fixed-step driver calls ProcessFixed instead), then a second pass
// invoking lateUpdate once every behavior's first pass completed. The
// per-behavior delta is scaled by that behavior's time scale. A failing
// callback never affects the other behaviors or the other pass.
func (c *Controller) ProcessFrame(ctx context.Context, delta, total float64, conflateFixed bool) {
	if c.phase != PhaseInitialized {
		return
	}
	for _, st := range c.states {
		if !c.frameReady(ctx, st) {
			continue
		}
		d := delta * st.behavior.EffectiveTimeScale()
		if st.handlers.Update {
			c.invoke(ctx, st, CallbackUpdate, d, total)
		}
		if conflateFixed && st.handlers.FixedUpdate {
			c.invoke(ctx, st, CallbackFixedUpdate, d, total)
		}
	}
	for _, st := range c.states {
		if !c.frameReady(ctx, st) {
			continue
		}
		if st.handlers.LateUpdate {
			c.invoke(ctx, st, CallbackLateUpdate, delta*st.behavior.EffectiveTimeScale(), total)
		}
	}
}

// ProcessFixed runs one fixed simulation step: fixedUpdate only, in
// attachment order, with the same isolation rules as ProcessFrame.
func (c *Controller) ProcessFixed(ctx context.Context, step, total float64) {
	if c.phase != PhaseInitialized {
		return
	}
	for _, st := range c.states {
		if !c.frameReady(ctx, st) {
			continue
		}
		if st.handlers.FixedUpdate {
			c.invoke(ctx, st, CallbackFixedUpdate, step*st.behavior.EffectiveTimeScale(), total)
		}
	}
}

// Destroy runs the destroy pass in reverse attachment order: behaviors that
// initialized without their init raising and declare destroy get the
// callback (failures swallowed and logged), then every live instance is
// released and initialized flags reset. Idempotent; a later Initialize
// starts a fresh session.
func (c *Controller) Destroy(ctx context.Context, total float64) {
	if c.phase == PhaseDestroyed {
		return
	}
	for i := len(c.states) - 1; i >= 0; i-- {
		st := c.states[i]
		if st.initialized && !st.initFailed && st.instance != nil && st.handlers.Destroy {
			c.invoke(ctx, st, CallbackDestroy, 0, total)
		}
		c.closeInstance(ctx, st)
		st.initialized = false
		st.initFailed = false
	}
	c.phase = PhaseDestroyed
}

// SetBehaviors reconciles the attachment list against the authoritative
// component list; list order becomes the new attachment order. Removed
// behaviors get an immediate destroy (when initialized) and their instance
// released. Added behaviors become eligible for the next initialize pass;
// this operation never invokes init. Retained behaviors keep their instance
// and initialized flag but adopt the new authored fields.
func (c *Controller) SetBehaviors(ctx context.Context, list []Behavior, total float64) {
	current := make(map[string]*behaviorState, len(c.states))
	for _, st := range c.states {
		current[st.behavior.ID] = st
	}

	next := make([]*behaviorState, 0, len(list))
	kept := make(map[string]bool, len(list))
	for _, b := range list {
		if st, ok := current[b.ID]; ok && !kept[b.ID] {
			st.behavior = b
			if b.Handlers != nil {
				st.handlers = *b.Handlers
			}
			next = append(next, st)
			kept[b.ID] = true
			continue
		}
		next = append(next, &behaviorState{behavior: b})
	}

	for _, st := range c.states {
		if kept[st.behavior.ID] {
			continue
		}
		if st.initialized && !st.initFailed && st.instance != nil && st.handlers.Destroy {
			c.invoke(ctx, st, CallbackDestroy, 0, total)
		}
		c.closeInstance(ctx, st)
	}
	c.states = next
}

// frameReady reports whether the behavior participates in frame passes:
// enabled, past its init pass, with a current instance. A stale instance
// (the cache reloaded the script) is swapped here; the initialized flag is
// preserved so init does not re-run mid-session.
func (c *Controller) frameReady(ctx context.Context, st *behaviorState) bool {
	if !st.behavior.Enabled || !st.initialized {
		return false
	}
	return c.ensureInstance(ctx, st)
}

// ensureInstance resolves the behavior's module and keeps its instance
// current with the cache's generation. Returns false when the module is
// unavailable or instantiation fails; both are logged per the behavior's
// debug flag and retried on the next batch.
func (c *Controller) ensureInstance(ctx context.Context, st *behaviorState) bool {
	h, err := c.cache.Module(ctx, st.behavior.Script)
	if err != nil {
		c.reportFailure(st, "", err)
		return false
	}
	if st.instance != nil && st.generation == h.Generation {
		return true
	}
	c.closeInstance(ctx, st)

	inst, err := h.Module().Instantiate(ctx)
	if err != nil {
		c.reportFailure(st, "", NewLoadFailure(st.behavior.Script, "instantiate failed", err))
		return false
	}
	st.instance = inst
	st.generation = h.Generation
	if st.behavior.Handlers != nil {
		st.handlers = *st.behavior.Handlers
	} else {
		st.handlers = h.Module().Handlers()
	}
	return true
}

// invoke builds a fresh execution context and runs one callback. Panics
// and errors are contained to the behavior; the error is returned so the
// init pass can record the outcome.
func (c *Controller) invoke(ctx context.Context, st *behaviorState, cb Callback, delta, total float64) error {
	ec := c.builder.Build(c.entity, c.scene, st.behavior, delta, total)
	ctx, span := c.tracer.StartCallbackSpan(ctx, string(st.behavior.Script), string(c.entity.ID), string(cb))
	defer span.End()
	start := time.Now()
	err := callInstance(ctx, st.instance, cb, ec)
	if err != nil {
		telemetry.RecordError(span, err)
		c.metrics.RecordCallback(string(cb), "error", time.Since(start))
		c.reportFailure(st, cb, NewCallbackFailure(st.behavior.Script, cb, err).WithEntity(string(c.entity.ID)))
		return err
	}
	telemetry.RecordSuccess(span)
	c.metrics.RecordCallback(string(cb), "ok", time.Since(start))
	return nil
}

// callInstance invokes the callback with panic containment.
func callInstance(ctx context.Context, inst Instance, cb Callback, ec *ExecContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return inst.Call(ctx, cb, ec)
}

func (c *Controller) closeInstance(ctx context.Context, st *behaviorState) {
	if st.instance == nil {
		return
	}
	if err := st.instance.Close(ctx); err != nil {
		c.logger.Warn().Err(err).
			Str("script", string(st.behavior.Script)).
			Str("behavior", st.behavior.ID).
			Msg("Failed to release instance")
	}
	st.instance = nil
	st.generation = 0
}

// reportFailure logs a behavior failure, error level when the behavior's
// debug flag is set, trace otherwise, and counts it.
func (c *Controller) reportFailure(st *behaviorState, cb Callback, err error) {
	ev := c.logger.Trace()
	if st.behavior.Debug {
		ev = c.logger.Error()
	}
	ev.Err(err).
		Str("script", string(st.behavior.Script)).
		Str("behavior", st.behavior.ID).
		Str("callback", string(cb)).
		Msg("Script behavior failed")
	kind := KindOf(err)
	if kind == "" {
		kind = KindCallbackFailure
	}
	c.metrics.RecordScriptError(string(kind))
}
