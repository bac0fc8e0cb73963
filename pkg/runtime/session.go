package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/pkg/telemetry"
	"github.com/sceneforge/sceneforge/pkg/world"
)

// SimState is the editor's simulation state.
type SimState string

const (
	// StateInitial is the edit-mode resting state; no frames run.
	StateInitial SimState = "initial"

	// StatePlaying means the simulation is advancing and scripts execute.
	StatePlaying SimState = "playing"

	// StatePaused means play is suspended; frames are skipped and the play
	// clock does not advance.
	StatePaused SimState = "paused"
)

// SessionConfig assembles a session's collaborators and settings.
type SessionConfig struct {
	// World is the world service scripts mutate through their contexts.
	World world.World

	// Cache is the module cache serving executable modules.
	Cache *ModuleCache

	// Scene is the read-only scene view passed to script contexts.
	Scene SceneView

	// Logger is the parent logger; components derive from it.
	Logger zerolog.Logger

	// Metrics is optional.
	Metrics *telemetry.Metrics

	// Events is the optional editor event feed.
	Events *telemetry.EventPublisher

	// Tracer is the optional span source for frame and callback spans.
	Tracer *telemetry.Tracer

	// FixedTimestep enables accumulator-driven fixed steps when positive.
	// Zero keeps fixedUpdate on the frame cadence.
	FixedTimestep float64

	// MaxFixedSteps caps fixed steps per frame; 0 means 8.
	MaxFixedSteps int
}

// Session is the simulation session: the play/pause/stop state machine and
// the registry of per-entity lifecycle controllers. All mutating methods
// serialize on the session guard; controllers are only ever touched while
// it is held.
type Session struct {
	world   world.World
	cache   *ModuleCache
	scene   SceneView
	builder *ContextBuilder
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer

	fixedStep     float64
	maxFixedSteps int

	mu          sync.Mutex
	state       SimState
	playStart   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	controllers []*Controller
	byEntity    map[world.EntityID]*Controller
	unsubscribe func()

	now func() time.Time
}

// NewSession creates a session in the initial state and subscribes it to
// the cache's change notifications.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.World == nil {
		return nil, fmt.Errorf("session requires a world service")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("session requires a module cache")
	}
	if cfg.Scene == nil {
		return nil, fmt.Errorf("session requires a scene view")
	}
	maxSteps := cfg.MaxFixedSteps
	if maxSteps <= 0 {
		maxSteps = 8
	}
	logger := cfg.Logger.With().Str("component", "session").Logger()
	s := &Session{
		world:         cfg.World,
		cache:         cfg.Cache,
		scene:         cfg.Scene,
		builder:       NewContextBuilder(cfg.World, cfg.Logger),
		logger:        logger,
		metrics:       cfg.Metrics,
		events:        cfg.Events,
		tracer:        cfg.Tracer,
		fixedStep:     cfg.FixedTimestep,
		maxFixedSteps: maxSteps,
		state:         StateInitial,
		byEntity:      make(map[world.EntityID]*Controller),
		now:           time.Now,
	}
	s.unsubscribe = cfg.Cache.OnChanged(s.onScriptsChanged)
	return s, nil
}

// onScriptsChanged handles a hot-reload burst: instance swapping happens
// lazily in the controllers, so this only surfaces the change.
func (s *Session) onScriptsChanged(changed []ScriptID) {
	names := make([]string, 0, len(changed))
	for _, id := range changed {
		names = append(names, string(id))
	}
	s.logger.Info().Strs("scripts", names).Msg("Scripts changed")
	s.metrics.RecordScriptsChanged(len(changed))
	s.events.PublishScriptsChanged(names)
}

// AddEntity registers a controller for an entity's behaviors. Scene order
// is registration order. Replaces any existing controller for the entity.
func (s *Session) AddEntity(entity EntityHandle, behaviors []Behavior) *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byEntity[entity.ID]; ok {
		s.removeControllerLocked(old)
	}
	c := NewController(entity, s.scene, s.cache, s.builder, s.logger, s.metrics, s.tracer, behaviors)
	s.controllers = append(s.controllers, c)
	s.byEntity[entity.ID] = c
	s.metrics.SetActiveControllers(len(s.controllers))
	return c
}

// SetBehaviors routes a component-list update to the entity's controller,
// creating one for a new entity and dropping the controller when the list
// empties. While playing, added behaviors initialize on the next frame.
func (s *Session) SetBehaviors(ctx context.Context, entity EntityHandle, list []Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.totalLocked(s.now())
	c, ok := s.byEntity[entity.ID]
	if !ok {
		if len(list) == 0 {
			return
		}
		c = NewController(entity, s.scene, s.cache, s.builder, s.logger, s.metrics, s.tracer, list)
		s.controllers = append(s.controllers, c)
		s.byEntity[entity.ID] = c
		s.metrics.SetActiveControllers(len(s.controllers))
		return
	}
	c.SetBehaviors(ctx, list, total)
	if len(list) == 0 {
		s.removeControllerLocked(c)
		s.metrics.SetActiveControllers(len(s.controllers))
	}
}

func (s *Session) removeControllerLocked(c *Controller) {
	delete(s.byEntity, c.Entity().ID)
	for i, other := range s.controllers {
		if other == c {
			s.controllers = append(s.controllers[:i], s.controllers[i+1:]...)
			break
		}
	}
}

// Controllers returns the controllers in scene order.
func (s *Session) Controllers() []*Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Controller, len(s.controllers))
	copy(out, s.controllers)
	return out
}

// Controller returns the entity's controller, if any.
func (s *Session) Controller(id world.EntityID) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byEntity[id]
	return c, ok
}

// World returns the session's world service.
func (s *Session) World() world.World { return s.world }

// Tracer returns the session's span source, nil when tracing is off.
func (s *Session) Tracer() *telemetry.Tracer { return s.tracer }

// FixedTimestep returns the configured fixed step, 0 when fixedUpdate rides
// the frame cadence.
func (s *Session) FixedTimestep() float64 { return s.fixedStep }

// MaxFixedSteps returns the per-frame fixed step cap.
func (s *Session) MaxFixedSteps() int { return s.maxFixedSteps }

// State returns the current simulation state.
func (s *Session) State() SimState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TotalTime returns seconds of play elapsed at the given instant, excluding
// paused spans. Zero outside a session.
func (s *Session) TotalTime(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLocked(now)
}

func (s *Session) totalLocked(now time.Time) float64 {
	switch s.state {
	case StatePlaying:
		return (now.Sub(s.playStart) - s.pausedTotal).Seconds()
	case StatePaused:
		return (s.pausedAt.Sub(s.playStart) - s.pausedTotal).Seconds()
	default:
		return 0
	}
}

// Play starts a play session: the play clock resets and every controller
// runs its initialize pass in scene order. Playing already is a no-op;
// Play from paused resumes.
func (s *Session) Play(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePlaying:
		return nil
	case StatePaused:
		return s.resumeLocked()
	}
	s.state = StatePlaying
	s.playStart = s.now()
	s.pausedTotal = 0
	for _, c := range s.controllers {
		c.Initialize(ctx, 0)
	}

	s.logger.Info().Int("controllers", len(s.controllers)).Msg("Session playing")
	s.metrics.RecordSessionTransition("play")
	s.events.PublishSessionState("playing")
	return nil
}

// RunFrame executes one frame under the session guard: pending initialize
// passes first (behaviors added mid-session or whose module appeared late),
// then fixedSteps fixed passes, then the frame pass. delta is the unscaled
// frame delta. A session that is not playing ignores the frame.
func (s *Session) RunFrame(ctx context.Context, now time.Time, delta float64, fixedSteps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying {
		return
	}
	total := s.totalLocked(now)
	for _, c := range s.controllers {
		if c.NeedsInit() {
			c.Initialize(ctx, total)
		}
	}
	for i := 0; i < fixedSteps; i++ {
		for _, c := range s.controllers {
			c.ProcessFixed(ctx, s.fixedStep, total)
		}
	}
	conflate := s.fixedStep <= 0
	for _, c := range s.controllers {
		c.ProcessFrame(ctx, delta, total, conflate)
	}
}

// Pause suspends play. Frames are skipped and the play clock stops until
// Resume.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying {
		return NewInvalidState(fmt.Sprintf("cannot pause in state %q", s.state))
	}
	s.state = StatePaused
	s.pausedAt = s.now()
	s.logger.Info().Msg("Session paused")
	s.metrics.RecordSessionTransition("pause")
	s.events.PublishSessionState("paused")
	return nil
}

// Resume continues a paused session. The paused span is excluded from
// total time.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeLocked()
}

func (s *Session) resumeLocked() error {
	if s.state != StatePaused {
		return NewInvalidState(fmt.Sprintf("cannot resume in state %q", s.state))
	}
	s.pausedTotal += s.now().Sub(s.pausedAt)
	s.state = StatePlaying
	s.logger.Info().Msg("Session resumed")
	s.metrics.RecordSessionTransition("resume")
	s.events.PublishSessionState("playing")
	return nil
}

// Stop ends the session: every controller runs its destroy pass in reverse
// scene order, then the state returns to initial. Stopping an initial
// session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInitial {
		return nil
	}
	total := s.totalLocked(s.now())
	s.state = StateInitial
	s.playStart = time.Time{}
	s.pausedAt = time.Time{}
	s.pausedTotal = 0
	for i := len(s.controllers) - 1; i >= 0; i-- {
		s.controllers[i].Destroy(ctx, total)
	}

	s.logger.Info().Msg("Session stopped")
	s.metrics.RecordSessionTransition("stop")
	s.events.PublishSessionState("initial")
	return nil
}

// Close stops the session if needed and detaches it from the cache.
func (s *Session) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	return err
}
