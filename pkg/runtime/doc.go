// Package runtime is the live script runtime of the SceneForge editor.
//
// # Overview
//
// SceneForge attaches user-authored behavior scripts to scene entities and
// executes them during play mode. The runtime sits between the compilation
// service (which turns script sources into loadable artifacts) and the world
// service (transforms and rigid bodies), and is organized around four
// cooperating parts:
//
//  1. ModuleCache - maps script identity to executable module, hot-reloads
//     on artifact changes (Refresh/Module/OnChanged/Close)
//  2. Controller - per-entity script lifecycle: init, frame passes, destroy
//     (Initialize/ProcessFrame/ProcessFixed/Destroy/SetBehaviors)
//  3. ContextBuilder - per-invocation execution contexts with world-bound
//     mutators (Build)
//  4. Session and FrameDriver - the play/pause/stop state machine and the
//     per-frame bridge from the host loop (Play/Pause/Resume/Stop, Tick)
//
// # Module Lifecycle
//
// The compilation service owns artifacts; the cache owns executable modules.
// A refresh compares artifact modification timestamps against its records:
// changed or vanished artifacts evict the cached module, whose backing
// resource is released exactly once, and listeners get a single notification
// per refresh burst. Modules load lazily on first request through a
// ModuleLoader capability, so artifact formats stay pluggable.
//
// # Behavior Lifecycle
//
// Each entity with script attachments gets one Controller. A play session
// runs every controller's initialize pass in scene order; each frame runs an
// update pass followed by a lateUpdate pass across the attachment list, and
// stop runs destroy passes in reverse order. Behaviors declare which
// callbacks they want (or defer to the module's exports), are skipped while
// disabled, and fail independently: a raising callback is logged per the
// behavior's debug flag and never affects its neighbors.
//
// Hot reloads swap instances lazily: a controller notices the cache handed
// it a new generation, closes the old instance and instantiates the new
// module. The initialized flag survives the swap, so init does not re-run
// mid-session; instance state resets with the new instance.
//
// # Error Classification
//
// Script failures are classified ScriptErrors:
//
//   - artifact_unavailable: no artifact, or artifact unreadable
//   - load_failure: artifact could not become an executable module
//   - callback_failure: a script callback raised
//   - compile_failure: source compilation failed
//   - invalid_state: operation not valid in the current state
//
// Use the classifier helpers to route them:
//
//	if runtime.IsArtifactUnavailable(err) {
//	    // surface in the script status UI
//	}
//
// # Threading Model
//
// The ModuleCache is safe for concurrent use; change sources (polling or a
// compiler watcher) may refresh it from their own goroutines. Controllers
// are not: the Session serializes every controller touch (play transitions,
// frames, component updates) on a single guard, and the FrameDriver expects
// one goroutine calling Tick. This mirrors the editor's single simulation
// thread rather than fine-grained locking.
package runtime
