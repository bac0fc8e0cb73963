package runtime

import (
	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/pkg/world"
)

// EntityHandle is the read-only entity view exposed to script callbacks.
type EntityHandle struct {
	ID   world.EntityID `json:"id"`
	Name string         `json:"name"`
}

// EntityRef pairs an entity id with its authored name.
type EntityRef struct {
	ID   world.EntityID `json:"id"`
	Name string         `json:"name"`
}

// SceneView is the read-only scene surface exposed to script callbacks.
type SceneView interface {
	// Name returns the scene's name.
	Name() string

	// Find resolves an entity by its authored name.
	Find(name string) (world.EntityID, bool)

	// Entities lists the scene's entities in scene order.
	Entities() []EntityRef
}

// ExecContext is the capability surface passed to a single script callback
// invocation. It is constructed fresh for every invocation and is not
// retained by the runtime; scripts must not hold it across frames.
//
// The mutators are thin bound functions forwarding to the world service for
// the owning entity. The context performs no physics math and no I/O of its
// own.
type ExecContext struct {
	// Entity is the owning entity.
	Entity EntityHandle

	// Scene is the read-only scene view.
	Scene SceneView

	// DeltaTime is the frame delta in seconds, already scaled by the
	// behavior's time scale.
	DeltaTime float64

	// TotalTime is seconds elapsed since the session entered play,
	// excluding paused spans.
	TotalTime float64

	// Params are the behavior's authored parameters.
	Params map[string]ParameterValue

	// TimeScale is the behavior's effective time scale.
	TimeScale float64

	// Debug reflects the behavior's debug flag.
	Debug bool

	// Log emits a script log line, visible when the behavior's debug flag
	// is set.
	Log func(msg string)

	// UpdateTransform applies a partial transform update to the owning
	// entity.
	UpdateTransform func(patch world.TransformPatch) error

	// ApplyForce applies a force, optionally at a world-space point.
	ApplyForce func(force world.Vec3, point *world.Vec3) error

	// ApplyImpulse applies an impulse, optionally at a world-space point.
	ApplyImpulse func(impulse world.Vec3, point *world.Vec3) error

	// SetVelocity replaces the owning entity's linear velocity.
	SetVelocity func(v world.Vec3) error

	// SetAngularVelocity replaces the owning entity's angular velocity.
	SetAngularVelocity func(v world.Vec3) error

	// Velocity returns the owning entity's linear velocity, or false when
	// it has no body.
	Velocity func() (world.Vec3, bool)

	// AngularVelocity returns the owning entity's angular velocity, or
	// false when it has no body.
	AngularVelocity func() (world.Vec3, bool)

	// Transform returns the owning entity's transform, or false when it
	// has no body.
	Transform func() (world.Transform, bool)
}

// ContextBuilder constructs execution contexts. Construction is pure: a
// fresh context per invocation, closures bound to the world service, no
// caching between invocations.
type ContextBuilder struct {
	world world.World
	log   zerolog.Logger
}

// NewContextBuilder creates a builder bound to a world service.
func NewContextBuilder(w world.World, log zerolog.Logger) *ContextBuilder {
	return &ContextBuilder{world: w, log: log}
}

// Build assembles the execution context for one callback invocation. delta
// must already carry the behavior's time scale.
func (cb *ContextBuilder) Build(entity EntityHandle, scene SceneView, b Behavior, delta, total float64) *ExecContext {
	w := cb.world
	id := entity.ID
	log := cb.log
	debug := b.Debug
	script := b.Script

	return &ExecContext{
		Entity:    entity,
		Scene:     scene,
		DeltaTime: delta,
		TotalTime: total,
		Params:    b.Parameters,
		TimeScale: b.EffectiveTimeScale(),
		Debug:     debug,
		Log: func(msg string) {
			ev := log.Debug()
			if debug {
				ev = log.Info()
			}
			ev.Str("entity", string(id)).Str("script", string(script)).Msg(msg)
		},
		UpdateTransform: func(patch world.TransformPatch) error {
			return w.UpdateTransform(id, patch)
		},
		ApplyForce: func(force world.Vec3, point *world.Vec3) error {
			return w.ApplyForce(id, force, point)
		},
		ApplyImpulse: func(impulse world.Vec3, point *world.Vec3) error {
			return w.ApplyImpulse(id, impulse, point)
		},
		SetVelocity: func(v world.Vec3) error {
			return w.SetVelocity(id, v)
		},
		SetAngularVelocity: func(v world.Vec3) error {
			return w.SetAngularVelocity(id, v)
		},
		Velocity: func() (world.Vec3, bool) {
			return w.Velocity(id)
		},
		AngularVelocity: func() (world.Vec3, bool) {
			return w.AngularVelocity(id)
		},
		Transform: func() (world.Transform, bool) {
			return w.Transform(id)
		},
	}
}
