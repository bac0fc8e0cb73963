package scene

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/sceneforge/sceneforge/pkg/runtime"
	"github.com/sceneforge/sceneforge/pkg/world"
)

var validate = validator.New()

// Scene is one authored scene document.
type Scene struct {
	// Name is the scene's name, shown to scripts through the scene view.
	Name string `yaml:"name" validate:"required"`

	// Entities are the scene's entities in authoring order. Attachment
	// order within an entity is YAML order.
	Entities []Entity `yaml:"entities,omitempty" validate:"dive"`
}

// Entity is one scene entity.
type Entity struct {
	// ID is the stable entity id. Assigned a uuid on load when omitted.
	ID string `yaml:"id,omitempty"`

	// Name is the authored display name, unique within the scene.
	Name string `yaml:"name" validate:"required"`

	// Transform is the spawn transform. Omitted fields default to identity.
	Transform *TransformDecl `yaml:"transform,omitempty"`

	// Mass is the body mass in kilograms. Zero selects 1.
	Mass float64 `yaml:"mass,omitempty" validate:"gte=0"`

	// Behaviors are the attached script behaviors in attachment order.
	Behaviors []BehaviorDecl `yaml:"behaviors,omitempty" validate:"dive"`
}

// TransformDecl is the authored transform: three 3-component vectors.
type TransformDecl struct {
	Position [3]float64 `yaml:"position,flow,omitempty"`
	Rotation [3]float64 `yaml:"rotation,flow,omitempty"`
	Scale    [3]float64 `yaml:"scale,flow,omitempty"`
}

// Transform converts the declaration to a world transform. A zero scale
// means "not authored" and defaults to 1.
func (t *TransformDecl) Transform() world.Transform {
	out := world.DefaultTransform()
	if t == nil {
		return out
	}
	out.Position = world.Vec3{X: t.Position[0], Y: t.Position[1], Z: t.Position[2]}
	out.Rotation = world.Vec3{X: t.Rotation[0], Y: t.Rotation[1], Z: t.Rotation[2]}
	if t.Scale != [3]float64{} {
		out.Scale = world.Vec3{X: t.Scale[0], Y: t.Scale[1], Z: t.Scale[2]}
	}
	return out
}

// BehaviorDecl is one authored behavior attachment.
type BehaviorDecl struct {
	// ID is the stable attachment id. Assigned a uuid on load when omitted.
	ID string `yaml:"id,omitempty"`

	// Script is the attached script's identity: its project-relative
	// source path.
	Script string `yaml:"script" validate:"required"`

	// Enabled gates the attachment. Omitted means enabled.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Handlers restricts which callbacks run. Omitted means "whatever the
	// module exports".
	Handlers []string `yaml:"handlers,omitempty,flow"`

	// Parameters are the authored typed parameters.
	Parameters map[string]ParamDecl `yaml:"parameters,omitempty"`

	// TimeScale multiplies the frame delta for this attachment. Zero
	// selects 1.
	TimeScale float64 `yaml:"timeScale,omitempty" validate:"gte=0"`

	// Debug enables script logging and error-level failure logging.
	Debug bool `yaml:"debug,omitempty"`
}

// handlerNames maps authored handler names to handler set fields.
var handlerNames = map[string]runtime.Callback{
	"init":        runtime.CallbackInit,
	"update":      runtime.CallbackUpdate,
	"fixedUpdate": runtime.CallbackFixedUpdate,
	"lateUpdate":  runtime.CallbackLateUpdate,
	"destroy":     runtime.CallbackDestroy,
}

// handlerSet converts the authored handler list, or nil when unrestricted.
func (b *BehaviorDecl) handlerSet() (*runtime.HandlerSet, error) {
	if b.Handlers == nil {
		return nil, nil
	}
	var set runtime.HandlerSet
	for _, name := range b.Handlers {
		cb, ok := handlerNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown handler %q", name)
		}
		switch cb {
		case runtime.CallbackInit:
			set.Init = true
		case runtime.CallbackUpdate:
			set.Update = true
		case runtime.CallbackFixedUpdate:
			set.FixedUpdate = true
		case runtime.CallbackLateUpdate:
			set.LateUpdate = true
		case runtime.CallbackDestroy:
			set.Destroy = true
		}
	}
	return &set, nil
}

// ParamDecl wraps a typed parameter for YAML: a one-key map whose key names
// the kind, e.g. {number: 4.5}, {vec3: [0, 1, 0]}, {entity: Player}.
type ParamDecl struct {
	Value runtime.ParameterValue
}

// UnmarshalYAML decodes the one-key map form.
func (p *ParamDecl) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("parameter must be a one-key map naming its kind, e.g. {number: 4.5}")
	}
	kind := node.Content[0].Value
	val := node.Content[1]
	switch kind {
	case "string":
		var s string
		if err := val.Decode(&s); err != nil {
			return err
		}
		p.Value = runtime.StringParam(s)
	case "number":
		var f float64
		if err := val.Decode(&f); err != nil {
			return err
		}
		p.Value = runtime.NumberParam(f)
	case "bool":
		var b bool
		if err := val.Decode(&b); err != nil {
			return err
		}
		p.Value = runtime.BoolParam(b)
	case "vec3":
		var arr [3]float64
		if err := val.Decode(&arr); err != nil {
			return err
		}
		p.Value = runtime.Vec3Param(world.Vec3{X: arr[0], Y: arr[1], Z: arr[2]})
	case "entity":
		// Authored as an entity name; resolved to the entity's id when the
		// scene converts to runtime behaviors.
		var s string
		if err := val.Decode(&s); err != nil {
			return err
		}
		p.Value = runtime.EntityRefParam(world.EntityID(s))
	case "asset":
		var s string
		if err := val.Decode(&s); err != nil {
			return err
		}
		p.Value = runtime.AssetRefParam(s)
	default:
		return fmt.Errorf("unknown parameter kind %q", kind)
	}
	return nil
}

// MarshalYAML encodes the one-key map form.
func (p ParamDecl) MarshalYAML() (interface{}, error) {
	v := p.Value
	switch v.Kind {
	case runtime.ParamNumber:
		return map[string]float64{"number": v.Num}, nil
	case runtime.ParamBool:
		return map[string]bool{"bool": v.Bool}, nil
	case runtime.ParamVec3:
		return map[string][3]float64{"vec3": {v.Vec.X, v.Vec.Y, v.Vec.Z}}, nil
	case runtime.ParamEntityRef:
		return map[string]string{"entity": string(v.Entity)}, nil
	case runtime.ParamAssetRef:
		return map[string]string{"asset": v.Asset}, nil
	default:
		return map[string]string{"string": v.Str}, nil
	}
}

// Load reads, decodes and validates a scene document. Missing entity and
// behavior ids are assigned fresh uuids, so a loaded scene is always fully
// addressable; the assignment is not written back to the file.
func Load(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scene: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scene document from bytes.
func Parse(data []byte) (*Scene, error) {
	var s Scene
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode scene: %w", err)
	}
	s.assignIDs()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes the scene document to a file.
func (s *Scene) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode scene: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scene: %w", err)
	}
	return nil
}

// assignIDs fills in missing entity and behavior ids.
func (s *Scene) assignIDs() {
	for i := range s.Entities {
		e := &s.Entities[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		for j := range e.Behaviors {
			if e.Behaviors[j].ID == "" {
				e.Behaviors[j].ID = uuid.New().String()
			}
		}
	}
}

// Validate checks struct constraints plus scene-level invariants: unique
// entity ids and names, known handler names.
func (s *Scene) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("scene validation failed: %w", err)
	}
	ids := make(map[string]bool, len(s.Entities))
	names := make(map[string]bool, len(s.Entities))
	for _, e := range s.Entities {
		if ids[e.ID] {
			return fmt.Errorf("duplicate entity id %q", e.ID)
		}
		ids[e.ID] = true
		if names[e.Name] {
			return fmt.Errorf("duplicate entity name %q", e.Name)
		}
		names[e.Name] = true
		for _, b := range e.Behaviors {
			if _, err := b.handlerSet(); err != nil {
				return fmt.Errorf("entity %q, script %q: %w", e.Name, b.Script, err)
			}
		}
	}
	return nil
}

// Scripts returns the distinct script identities attached anywhere in the
// scene, in first-appearance order.
func (s *Scene) Scripts() []runtime.ScriptID {
	seen := make(map[string]bool)
	var out []runtime.ScriptID
	for _, e := range s.Entities {
		for _, b := range e.Behaviors {
			if !seen[b.Script] {
				seen[b.Script] = true
				out = append(out, runtime.ScriptID(b.Script))
			}
		}
	}
	return out
}
