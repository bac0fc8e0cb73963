package scene

import (
	"github.com/sceneforge/sceneforge/pkg/runtime"
	"github.com/sceneforge/sceneforge/pkg/world"
)

// sceneView is the immutable runtime.SceneView over a loaded scene.
type sceneView struct {
	name   string
	refs   []runtime.EntityRef
	byName map[string]world.EntityID
}

func (v *sceneView) Name() string { return v.name }

func (v *sceneView) Find(name string) (world.EntityID, bool) {
	id, ok := v.byName[name]
	return id, ok
}

func (v *sceneView) Entities() []runtime.EntityRef {
	out := make([]runtime.EntityRef, len(v.refs))
	copy(out, v.refs)
	return out
}

// View returns the read-only scene view passed to script callbacks. The
// view snapshots the scene at call time; reload the scene and rebuild the
// view when the document changes.
func (s *Scene) View() runtime.SceneView {
	v := &sceneView{
		name:   s.Name,
		refs:   make([]runtime.EntityRef, 0, len(s.Entities)),
		byName: make(map[string]world.EntityID, len(s.Entities)),
	}
	for _, e := range s.Entities {
		id := world.EntityID(e.ID)
		v.refs = append(v.refs, runtime.EntityRef{ID: id, Name: e.Name})
		v.byName[e.Name] = id
	}
	return v
}

// Handle returns the entity's runtime handle.
func (e *Entity) Handle() runtime.EntityHandle {
	return runtime.EntityHandle{ID: world.EntityID(e.ID), Name: e.Name}
}

// RuntimeBehaviors converts an entity's authored attachments to runtime
// behaviors. Entity-reference parameters authored as names resolve to the
// referenced entity's id; names that match no entity pass through verbatim
// so scripts can detect the dangling reference.
func (s *Scene) RuntimeBehaviors(e *Entity) []runtime.Behavior {
	byName := make(map[string]world.EntityID, len(s.Entities))
	for _, other := range s.Entities {
		byName[other.Name] = world.EntityID(other.ID)
	}

	out := make([]runtime.Behavior, 0, len(e.Behaviors))
	for _, decl := range e.Behaviors {
		enabled := decl.Enabled == nil || *decl.Enabled
		timeScale := decl.TimeScale
		if timeScale == 0 {
			timeScale = 1
		}
		handlers, _ := decl.handlerSet() // validated at load

		var params map[string]runtime.ParameterValue
		if len(decl.Parameters) > 0 {
			params = make(map[string]runtime.ParameterValue, len(decl.Parameters))
			for name, p := range decl.Parameters {
				v := p.Value
				if v.Kind == runtime.ParamEntityRef {
					if id, ok := byName[string(v.Entity)]; ok {
						v.Entity = id
					}
				}
				params[name] = v
			}
		}

		out = append(out, runtime.Behavior{
			ID:         decl.ID,
			Entity:     world.EntityID(e.ID),
			Script:     runtime.ScriptID(decl.Script),
			Enabled:    enabled,
			Handlers:   handlers,
			Parameters: params,
			TimeScale:  timeScale,
			Debug:      decl.Debug,
		})
	}
	return out
}

// Populate spawns every scene entity into the world with its authored
// transform and mass. A zero mass spawns a 1 kg body.
func (s *Scene) Populate(w *world.MemoryWorld) {
	for _, e := range s.Entities {
		mass := e.Mass
		if mass == 0 {
			mass = 1
		}
		w.Spawn(world.EntityID(e.ID), e.Transform.Transform(), mass)
	}
}
