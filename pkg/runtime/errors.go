package runtime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies script runtime errors by how the editor surfaces them.
type ErrorKind string

const (
	// KindArtifactUnavailable indicates the compilation service has no
	// artifact for the script, or the artifact could not be read.
	// Surfaced to the editor's script status UI.
	KindArtifactUnavailable ErrorKind = "artifact_unavailable"

	// KindLoadFailure indicates the artifact exists but could not be turned
	// into an executable module. Surfaced to the editor's script status UI.
	KindLoadFailure ErrorKind = "load_failure"

	// KindCallbackFailure indicates a script callback raised an error.
	// Surfaced only through debug-gated logging and metrics.
	KindCallbackFailure ErrorKind = "callback_failure"

	// KindCompileFailure indicates source compilation failed.
	KindCompileFailure ErrorKind = "compile_failure"

	// KindInvalidState indicates an operation was invoked in a session or
	// controller state that does not permit it.
	KindInvalidState ErrorKind = "invalid_state"
)

// ScriptError is a classified script runtime error with context.
type ScriptError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Script is the script identity involved, if applicable.
	Script ScriptID `json:"script,omitempty"`

	// Entity is the entity whose behavior was executing, if applicable.
	Entity string `json:"entity,omitempty"`

	// Callback is the lifecycle callback being invoked, if applicable.
	Callback Callback `json:"callback,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	switch {
	case e.Script != "" && e.Callback != "":
		return fmt.Sprintf("[%s] %s (script=%s, callback=%s): %s",
			e.Kind, e.Message, e.Script, e.Callback, e.unwrapMessage())
	case e.Script != "":
		return fmt.Sprintf("[%s] %s (script=%s): %s",
			e.Kind, e.Message, e.Script, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ScriptError) Unwrap() error {
	return e.Err
}

func (e *ScriptError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is: two ScriptErrors match when
// their kinds match.
func (e *ScriptError) Is(target error) bool {
	t, ok := target.(*ScriptError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewArtifactUnavailable creates an artifact-unavailable error for a script.
func NewArtifactUnavailable(script ScriptID, message string, err error) *ScriptError {
	return &ScriptError{Kind: KindArtifactUnavailable, Script: script, Message: message, Err: err}
}

// NewLoadFailure creates a load-failure error for a script.
func NewLoadFailure(script ScriptID, message string, err error) *ScriptError {
	return &ScriptError{Kind: KindLoadFailure, Script: script, Message: message, Err: err}
}

// NewCallbackFailure creates a callback-failure error.
func NewCallbackFailure(script ScriptID, cb Callback, err error) *ScriptError {
	return &ScriptError{Kind: KindCallbackFailure, Script: script, Callback: cb, Message: "callback raised", Err: err}
}

// NewCompileFailure creates a compile-failure error for a script.
func NewCompileFailure(script ScriptID, message string, err error) *ScriptError {
	return &ScriptError{Kind: KindCompileFailure, Script: script, Message: message, Err: err}
}

// NewInvalidState creates an invalid-state error.
func NewInvalidState(message string) *ScriptError {
	return &ScriptError{Kind: KindInvalidState, Message: message}
}

// WithEntity adds entity context to an error.
func (e *ScriptError) WithEntity(entity string) *ScriptError {
	e.Entity = entity
	return e
}

// WithCallback adds callback context to an error.
func (e *ScriptError) WithCallback(cb Callback) *ScriptError {
	e.Callback = cb
	return e
}

// KindOf returns err's classification, or the empty kind when err is not a
// ScriptError.
func KindOf(err error) ErrorKind {
	var e *ScriptError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsArtifactUnavailable reports whether err is classified artifact-unavailable.
func IsArtifactUnavailable(err error) bool {
	var e *ScriptError
	if errors.As(err, &e) {
		return e.Kind == KindArtifactUnavailable
	}
	return false
}

// IsLoadFailure reports whether err is classified as a load failure.
func IsLoadFailure(err error) bool {
	var e *ScriptError
	if errors.As(err, &e) {
		return e.Kind == KindLoadFailure
	}
	return false
}

// IsCallbackFailure reports whether err is classified as a callback failure.
func IsCallbackFailure(err error) bool {
	var e *ScriptError
	if errors.As(err, &e) {
		return e.Kind == KindCallbackFailure
	}
	return false
}

// IsCompileFailure reports whether err is classified as a compile failure.
func IsCompileFailure(err error) bool {
	var e *ScriptError
	if errors.As(err, &e) {
		return e.Kind == KindCompileFailure
	}
	return false
}
