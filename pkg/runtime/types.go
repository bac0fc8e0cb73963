package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/sceneforge/sceneforge/pkg/world"
)

// ScriptID is the stable identity of an authored script: its project-relative
// source path, e.g. "scripts/player.star". Attachments, the module cache and
// the compilation service all key on it.
type ScriptID string

// Callback names a script lifecycle entry point.
type Callback string

const (
	CallbackInit        Callback = "init"
	CallbackUpdate      Callback = "update"
	CallbackFixedUpdate Callback = "fixed_update"
	CallbackLateUpdate  Callback = "late_update"
	CallbackDestroy     Callback = "destroy"
)

// HandlerSet records which lifecycle callbacks a behavior (or module)
// provides. The controller only invokes callbacks the set declares.
type HandlerSet struct {
	Init        bool `json:"init,omitempty" yaml:"init,omitempty"`
	Update      bool `json:"update,omitempty" yaml:"update,omitempty"`
	FixedUpdate bool `json:"fixedUpdate,omitempty" yaml:"fixedUpdate,omitempty"`
	LateUpdate  bool `json:"lateUpdate,omitempty" yaml:"lateUpdate,omitempty"`
	Destroy     bool `json:"destroy,omitempty" yaml:"destroy,omitempty"`
}

// Has reports whether the set declares the given callback.
func (h HandlerSet) Has(cb Callback) bool {
	switch cb {
	case CallbackInit:
		return h.Init
	case CallbackUpdate:
		return h.Update
	case CallbackFixedUpdate:
		return h.FixedUpdate
	case CallbackLateUpdate:
		return h.LateUpdate
	case CallbackDestroy:
		return h.Destroy
	default:
		return false
	}
}

// ParameterKind discriminates the typed parameter union.
type ParameterKind string

const (
	ParamString    ParameterKind = "string"
	ParamNumber    ParameterKind = "number"
	ParamBool      ParameterKind = "bool"
	ParamVec3      ParameterKind = "vec3"
	ParamEntityRef ParameterKind = "entity"
	ParamAssetRef  ParameterKind = "asset"
)

// ParameterValue is one typed behavior parameter. Exactly the field matching
// Kind is meaningful; the zero value is an empty string parameter.
type ParameterValue struct {
	Kind   ParameterKind
	Str    string
	Num    float64
	Bool   bool
	Vec    world.Vec3
	Entity world.EntityID
	Asset  string
}

// StringParam returns a string parameter.
func StringParam(s string) ParameterValue { return ParameterValue{Kind: ParamString, Str: s} }

// NumberParam returns a number parameter.
func NumberParam(n float64) ParameterValue { return ParameterValue{Kind: ParamNumber, Num: n} }

// BoolParam returns a boolean parameter.
func BoolParam(b bool) ParameterValue { return ParameterValue{Kind: ParamBool, Bool: b} }

// Vec3Param returns a 3-vector parameter.
func Vec3Param(v world.Vec3) ParameterValue { return ParameterValue{Kind: ParamVec3, Vec: v} }

// EntityRefParam returns an entity-reference parameter.
func EntityRefParam(id world.EntityID) ParameterValue {
	return ParameterValue{Kind: ParamEntityRef, Entity: id}
}

// AssetRefParam returns an asset-reference parameter (a project-relative
// asset path).
func AssetRefParam(path string) ParameterValue {
	return ParameterValue{Kind: ParamAssetRef, Asset: path}
}

// MarshalJSON encodes the parameter as {"type": ..., "value": ...}; vec3
// values encode as a 3-element array.
func (p ParameterValue) MarshalJSON() ([]byte, error) {
	var value interface{}
	switch p.Kind {
	case ParamNumber:
		value = p.Num
	case ParamBool:
		value = p.Bool
	case ParamVec3:
		value = [3]float64{p.Vec.X, p.Vec.Y, p.Vec.Z}
	case ParamEntityRef:
		value = string(p.Entity)
	case ParamAssetRef:
		value = p.Asset
	case ParamString, "":
		value = p.Str
	default:
		return nil, fmt.Errorf("unknown parameter kind %q", p.Kind)
	}
	kind := p.Kind
	if kind == "" {
		kind = ParamString
	}
	return json.Marshal(struct {
		Type  ParameterKind `json:"type"`
		Value interface{}   `json:"value"`
	}{Type: kind, Value: value})
}

// UnmarshalJSON decodes the {"type", "value"} form produced by MarshalJSON.
func (p *ParameterValue) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  ParameterKind   `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case ParamString:
		p.Kind = ParamString
		return json.Unmarshal(raw.Value, &p.Str)
	case ParamNumber:
		p.Kind = ParamNumber
		return json.Unmarshal(raw.Value, &p.Num)
	case ParamBool:
		p.Kind = ParamBool
		return json.Unmarshal(raw.Value, &p.Bool)
	case ParamVec3:
		p.Kind = ParamVec3
		var arr [3]float64
		if err := json.Unmarshal(raw.Value, &arr); err != nil {
			return err
		}
		p.Vec = world.Vec3{X: arr[0], Y: arr[1], Z: arr[2]}
		return nil
	case ParamEntityRef:
		p.Kind = ParamEntityRef
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return err
		}
		p.Entity = world.EntityID(s)
		return nil
	case ParamAssetRef:
		p.Kind = ParamAssetRef
		return json.Unmarshal(raw.Value, &p.Asset)
	default:
		return fmt.Errorf("unknown parameter kind %q", raw.Type)
	}
}

// Behavior is one script attachment on an entity: the authored component the
// lifecycle controller executes.
type Behavior struct {
	// ID is the stable attachment id (a uuid), unique within the scene.
	ID string `json:"id"`

	// Entity is the owning entity.
	Entity world.EntityID `json:"entity"`

	// Script is the attached script's identity.
	Script ScriptID `json:"script"`

	// Enabled gates all callback dispatch for this attachment.
	Enabled bool `json:"enabled"`

	// Handlers declares which callbacks the attachment wants invoked.
	// Nil means "resolve from the module's exports" the first time the
	// module is available.
	Handlers *HandlerSet `json:"handlers,omitempty"`

	// Parameters are the authored, typed parameters passed to every
	// callback through the execution context.
	Parameters map[string]ParameterValue `json:"parameters,omitempty"`

	// TimeScale multiplies the frame delta seen by this attachment.
	TimeScale float64 `json:"timeScale"`

	// Debug enables script log output and error-level callback failure
	// logging for this attachment.
	Debug bool `json:"debug"`
}

// EffectiveTimeScale returns the attachment's time scale, treating the
// zero value as 1.
func (b Behavior) EffectiveTimeScale() float64 {
	if b.TimeScale == 0 {
		return 1
	}
	return b.TimeScale
}
