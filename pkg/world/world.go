// Package world defines the world service consumed by script execution
// contexts: transform and rigid-body access keyed by entity, plus a small
// in-memory implementation used by the headless player and tests.
package world

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownEntity is returned by mutators targeting an entity that has no
// body in the world.
var ErrUnknownEntity = errors.New("unknown entity")

// ErrNotRunning is returned by mutators while the world is stopped.
var ErrNotRunning = errors.New("world is not running")

// World is the capability surface the script runtime binds into execution
// contexts. Mutations are applied by the physics side on its own schedule;
// getters reflect the most recently stepped state.
type World interface {
	// IsRunning reports whether the world is advancing. The frame driver
	// skips script execution while this is false.
	IsRunning() bool

	// Transform returns the entity's current transform. The second result
	// is false when the entity has no body.
	Transform(id EntityID) (Transform, bool)

	// Velocity returns the entity's linear velocity, or false when the
	// entity has no body.
	Velocity(id EntityID) (Vec3, bool)

	// AngularVelocity returns the entity's angular velocity, or false when
	// the entity has no body.
	AngularVelocity(id EntityID) (Vec3, bool)

	// UpdateTransform applies a partial transform update.
	UpdateTransform(id EntityID, patch TransformPatch) error

	// ApplyForce accumulates a force for the next step. A non-nil point is
	// the application point in world space and induces torque.
	ApplyForce(id EntityID, force Vec3, point *Vec3) error

	// ApplyImpulse changes velocity immediately. A non-nil point induces an
	// angular impulse.
	ApplyImpulse(id EntityID, impulse Vec3, point *Vec3) error

	// SetVelocity replaces the entity's linear velocity.
	SetVelocity(id EntityID, v Vec3) error

	// SetAngularVelocity replaces the entity's angular velocity.
	SetAngularVelocity(id EntityID, v Vec3) error
}

// body is a rigid body tracked by MemoryWorld.
type body struct {
	transform Transform
	velocity  Vec3
	angular   Vec3
	mass      float64

	// accumulated until the next Step
	force  Vec3
	torque Vec3
}

// MemoryWorld is an in-memory World with semi-implicit Euler integration.
// It stands in for the editor's physics engine in the headless player and
// in tests; it is not a real dynamics solver.
type MemoryWorld struct {
	mu      sync.RWMutex
	running bool
	bodies  map[EntityID]*body
}

// NewMemoryWorld returns an empty, stopped world.
func NewMemoryWorld() *MemoryWorld {
	return &MemoryWorld{bodies: make(map[EntityID]*body)}
}

// Spawn adds a body for the entity. A non-positive mass is clamped to 1.
// Spawning an existing entity replaces its body.
func (w *MemoryWorld) Spawn(id EntityID, t Transform, mass float64) {
	if mass <= 0 {
		mass = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bodies[id] = &body{transform: t, mass: mass}
}

// Remove drops the entity's body, if any.
func (w *MemoryWorld) Remove(id EntityID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.bodies, id)
}

// Entities returns the ids of all bodies, in unspecified order.
func (w *MemoryWorld) Entities() []EntityID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]EntityID, 0, len(w.bodies))
	for id := range w.bodies {
		ids = append(ids, id)
	}
	return ids
}

// Start marks the world as running.
func (w *MemoryWorld) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = true
}

// Stop halts the world. Accumulated forces are discarded.
func (w *MemoryWorld) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	for _, b := range w.bodies {
		b.force = Vec3{}
		b.torque = Vec3{}
	}
}

// IsRunning implements World.
func (w *MemoryWorld) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Step advances every body by dt seconds: accumulated forces integrate into
// velocities, velocities into positions. No collision handling.
func (w *MemoryWorld) Step(dt float64) {
	if dt <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	for _, b := range w.bodies {
		b.velocity = b.velocity.Add(b.force.Scale(dt / b.mass))
		b.angular = b.angular.Add(b.torque.Scale(dt / b.mass))
		b.force = Vec3{}
		b.torque = Vec3{}
		b.transform.Position = b.transform.Position.Add(b.velocity.Scale(dt))
		b.transform.Rotation = b.transform.Rotation.Add(b.angular.Scale(dt))
	}
}

// Transform implements World.
func (w *MemoryWorld) Transform(id EntityID) (Transform, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[id]
	if !ok {
		return Transform{}, false
	}
	return b.transform, true
}

// Velocity implements World.
func (w *MemoryWorld) Velocity(id EntityID) (Vec3, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[id]
	if !ok {
		return Vec3{}, false
	}
	return b.velocity, true
}

// AngularVelocity implements World.
func (w *MemoryWorld) AngularVelocity(id EntityID) (Vec3, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[id]
	if !ok {
		return Vec3{}, false
	}
	return b.angular, true
}

// UpdateTransform implements World.
func (w *MemoryWorld) UpdateTransform(id EntityID, patch TransformPatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	patch.Apply(&b.transform)
	return nil
}

// ApplyForce implements World.
func (w *MemoryWorld) ApplyForce(id EntityID, force Vec3, point *Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	b.force = b.force.Add(force)
	if point != nil {
		arm := point.Sub(b.transform.Position)
		b.torque = b.torque.Add(arm.Cross(force))
	}
	return nil
}

// ApplyImpulse implements World.
func (w *MemoryWorld) ApplyImpulse(id EntityID, impulse Vec3, point *Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	b.velocity = b.velocity.Add(impulse.Scale(1 / b.mass))
	if point != nil {
		arm := point.Sub(b.transform.Position)
		b.angular = b.angular.Add(arm.Cross(impulse).Scale(1 / b.mass))
	}
	return nil
}

// SetVelocity implements World.
func (w *MemoryWorld) SetVelocity(id EntityID, v Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	b.velocity = v
	return nil
}

// SetAngularVelocity implements World.
func (w *MemoryWorld) SetAngularVelocity(id EntityID, v Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	b.angular = v
	return nil
}
