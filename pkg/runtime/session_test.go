package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/pkg/telemetry"
	"github.com/sceneforge/sceneforge/pkg/world"
)

// sessionRig adds a session on a manual clock to the base rig.
type sessionRig struct {
	*rig
	session *Session
	clock   time.Time
}

func newSessionRig(t *testing.T, fixedStep float64, maxSteps int, events *telemetry.EventPublisher) *sessionRig {
	t.Helper()
	r := newRig(t)
	s, err := NewSession(SessionConfig{
		World:         r.world,
		Cache:         r.cache,
		Scene:         r.scene,
		Logger:        zerolog.Nop(),
		Events:        events,
		FixedTimestep: fixedStep,
		MaxFixedSteps: maxSteps,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	sr := &sessionRig{rig: r, session: s, clock: time.Unix(1000, 0)}
	s.now = func() time.Time { return sr.clock }
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return sr
}

func (sr *sessionRig) advance(d time.Duration) {
	sr.clock = sr.clock.Add(d)
}

func (sr *sessionRig) addEntity(id string, behaviors ...Behavior) {
	handle := EntityHandle{ID: world.EntityID(id), Name: id}
	sr.scene.entities = append(sr.scene.entities, EntityRef{ID: handle.ID, Name: id})
	sr.session.AddEntity(handle, behaviors)
}

// TestSessionPlayInitializesSceneOrder verifies play runs every controller's
// init pass in scene order and that playing again is a no-op.
func TestSessionPlayInitializesSceneOrder(t *testing.T) {
	sr := newSessionRig(t, 0, 0, nil)
	sr.addScript("scripts/a.star", scriptSpec{handlers: HandlerSet{Init: true, Update: true}})
	sr.addScript("scripts/b.star", scriptSpec{handlers: HandlerSet{Init: true, Update: true}})
	sr.refresh()

	sr.addEntity("e1", behavior("b-1", "scripts/a.star"))
	sr.addEntity("e2", behavior("b-2", "scripts/b.star"))

	ctx := context.Background()
	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if sr.session.State() != StatePlaying {
		t.Errorf("Expected playing state, got %s", sr.session.State())
	}
	assertSeq(t, sr.rec.callSeq(),
		"e1/scripts/a.star:init",
		"e2/scripts/b.star:init",
	)

	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Second play failed: %v", err)
	}
	if got := len(sr.rec.callsTo("scripts/a.star", CallbackInit)); got != 1 {
		t.Errorf("Play while playing must not re-init, got %d", got)
	}
}

// TestSessionRunFrameDispatchesWithPlayClock verifies frames carry the play
// clock's total time and the caller's delta.
func TestSessionRunFrameDispatchesWithPlayClock(t *testing.T) {
	sr := newSessionRig(t, 0, 0, nil)
	sr.addScript("scripts/a.star", scriptSpec{handlers: HandlerSet{Update: true}})
	sr.refresh()
	sr.addEntity("e1", behavior("b-1", "scripts/a.star"))

	ctx := context.Background()
	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	sr.session.RunFrame(ctx, sr.clock, 0.016, 0)
	sr.advance(time.Second)
	sr.session.RunFrame(ctx, sr.clock, 0.016, 0)

	updates := sr.rec.callsTo("scripts/a.star", CallbackUpdate)
	if len(updates) != 2 {
		t.Fatalf("Expected 2 updates, got %d", len(updates))
	}
	if updates[0].total != 0 {
		t.Errorf("Expected total 0 on the first frame, got %v", updates[0].total)
	}
	if updates[1].total != 1.0 {
		t.Errorf("Expected total 1.0 after a second, got %v", updates[1].total)
	}
	if updates[0].delta != 0.016 || updates[1].delta != 0.016 {
		t.Errorf("Expected the caller's delta, got %v and %v", updates[0].delta, updates[1].delta)
	}
}

// TestSessionRunFrameIgnoredOutsidePlay verifies frames are dropped in the
// initial and paused states.
func TestSessionRunFrameIgnoredOutsidePlay(t *testing.T) {
	sr := newSessionRig(t, 0, 0, nil)
	sr.addScript("scripts/a.star", scriptSpec{handlers: HandlerSet{Update: true}})
	sr.refresh()
	sr.addEntity("e1", behavior("b-1", "scripts/a.star"))

	ctx := context.Background()
	sr.session.RunFrame(ctx, sr.clock, 0.016, 0)
	if n := len(sr.rec.callSeq()); n != 0 {
		t.Fatalf("Expected no dispatch before play, got %v", sr.rec.callSeq())
	}

	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := sr.session.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	sr.session.RunFrame(ctx, sr.clock, 0.016, 0)
	if got := len(sr.rec.callsTo("scripts/a.star", CallbackUpdate)); got != 0 {
		t.Errorf("Expected no dispatch while paused, got %d", got)
	}
}

// TestSessionPausedSpanExcludedFromTotal verifies pause stops the play clock
// and resume excludes the paused span.
func TestSessionPausedSpanExcludedFromTotal(t *testing.T) {
	sr := newSessionRig(t, 0, 0, nil)
	sr.addScript("scripts/a.star", scriptSpec{handlers: HandlerSet{Update: true}})
	sr.refresh()
	sr.addEntity("e1", behavior("b-1", "scripts/a.star"))

	ctx := context.Background()
	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	sr.advance(2 * time.Second)
	if err := sr.session.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if got := sr.session.TotalTime(sr.clock); got != 2.0 {
		t.Errorf("Expected total frozen at 2.0 while paused, got %v", got)
	}

	sr.advance(3 * time.Second)
	if got := sr.session.TotalTime(sr.clock); got != 2.0 {
		t.Errorf("Expected total still 2.0 after 3s paused, got %v", got)
	}

	if err := sr.session.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	sr.advance(time.Second)
	sr.session.RunFrame(ctx, sr.clock, 0.016, 0)

	updates := sr.rec.callsTo("scripts/a.star", CallbackUpdate)
	if len(updates) != 1 {
		t.Fatalf("Expected 1 update, got %d", len(updates))
	}
	if updates[0].total != 3.0 {
		t.Errorf("Expected total 3.0 (2s played + 1s after resume), got %v", updates[0].total)
	}
}

// TestSessionPlayFromPausedResumes verifies the play control doubles as
// resume, matching the editor's single play button.
func TestSessionPlayFromPausedResumes(t *testing.T) {
	sr := newSessionRig(t, 0, 0, nil)
	ctx := context.Background()
	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := sr.session.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play from paused failed: %v", err)
	}
	if sr.session.State() != StatePlaying {
		t.Errorf("Expected playing after play-from-paused, got %s", sr.session.State())
	}
}

// TestSessionInvalidTransitions verifies the state machine rejects pause and
// resume outside their source states.
func TestSessionInvalidTransitions(t *testing.T) {
	sr := newSessionRig(t, 0, 0, nil)
	ctx := context.Background()

	if err := sr.session.Pause(); KindOf(err) != KindInvalidState {
		t.Errorf("Expected invalid-state pausing an initial session, got %v", err)
	}
	if err := sr.session.Resume(); KindOf(err) != KindInvalidState {
		t.Errorf("Expected invalid-state resuming an initial session, got %v", err)
	}

	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := sr.session.Resume(); KindOf(err) != KindInvalidState {
		t.Errorf("Expected invalid-state resuming a playing session, got %v", err)
	}

	if err := sr.session.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := sr.session.Stop(ctx); err != nil {
		t.Errorf("Stop on an initial session must be a no-op, got %v", err)
	}
}

// TestSessionStopDestroysReverseSceneOrder verifies stop tears entities down
// in reverse scene order and a later play starts a fresh init pass.
func TestSessionStopDestroysReverseSceneOrder(t *testing.T) {
	sr := newSessionRig(t, 0, 0, nil)
	sr.addScript("scripts/a.star", scriptSpec{handlers: HandlerSet{Init: true, Destroy: true}})
	sr.addScript("scripts/b.star", scriptSpec{handlers: HandlerSet{Init: true, Destroy: true}})
	sr.refresh()
	sr.addEntity("e1", behavior("b-1", "scripts/a.star"))
	sr.addEntity("e2", behavior("b-2", "scripts/b.star"))

	ctx := context.Background()
	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := sr.session.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	assertSeq(t, sr.rec.callSeq(),
		"e1/scripts/a.star:init",
		"e2/scripts/b.star:init",
		"e2/scripts/b.star:destroy",
		"e1/scripts/a.star:destroy",
	)
	if sr.session.State() != StateInitial {
		t.Errorf("Expected initial state after stop, got %s", sr.session.State())
	}
	if got := sr.session.TotalTime(sr.clock); got != 0 {
		t.Errorf("Expected total 0 outside a session, got %v", got)
	}

	// A fresh session re-initializes.
	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Second play failed: %v", err)
	}
	if got := len(sr.rec.callsTo("scripts/a.star", CallbackInit)); got != 2 {
		t.Errorf("Expected a fresh init pass on the second play, got %d", got)
	}
}

// TestSessionStopFromPaused verifies stopping a paused session runs the
// destroy pass.
func TestSessionStopFromPaused(t *testing.T) {
	sr := newSessionRig(t, 0, 0, nil)
	sr.addScript("scripts/a.star", scriptSpec{handlers: HandlerSet{Init: true, Destroy: true}})
	sr.refresh()
	sr.addEntity("e1", behavior("b-1", "scripts/a.star"))

	ctx := context.Background()
	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := sr.session.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := sr.session.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := len(sr.rec.callsTo("scripts/a.star", CallbackDestroy)); got != 1 {
		t.Errorf("Expected destroy from paused, got %d", got)
	}
}

// TestSessionSetBehaviorsMidPlay verifies a behavior added while playing
// initializes on the next frame, before its first update.
func TestSessionSetBehaviorsMidPlay(t *testing.T) {
	sr := newSessionRig(t, 0, 0, nil)
	sr.addScript("scripts/a.star", scriptSpec{handlers: HandlerSet{Init: true, Update: true}})
	sr.refresh()

	ctx := context.Background()
	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	handle := EntityHandle{ID: "e1", Name: "e1"}
	sr.session.SetBehaviors(ctx, handle, []Behavior{behavior("b-1", "scripts/a.star")})
	if got := len(sr.rec.callsTo("scripts/a.star", CallbackInit)); got != 0 {
		t.Fatalf("SetBehaviors must not invoke init, got %d", got)
	}

	sr.advance(16 * time.Millisecond)
	sr.session.RunFrame(ctx, sr.clock, 0.016, 0)

	assertSeq(t, sr.rec.callSeq(),
		"e1/scripts/a.star:init",
		"e1/scripts/a.star:update",
	)
}

// TestSessionSetBehaviorsEmptiesController verifies an emptied component
// list drops the controller.
func TestSessionSetBehaviorsEmptiesController(t *testing.T) {
	sr := newSessionRig(t, 0, 0, nil)
	sr.addScript("scripts/a.star", scriptSpec{handlers: HandlerSet{Init: true, Destroy: true}})
	sr.refresh()
	sr.addEntity("e1", behavior("b-1", "scripts/a.star"))

	ctx := context.Background()
	if err := sr.session.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	handle := EntityHandle{ID: "e1", Name: "e1"}
	sr.session.SetBehaviors(ctx, handle, nil)

	if got := len(sr.rec.callsTo("scripts/a.star", CallbackDestroy)); got != 1 {
		t.Errorf("Expected the removed behavior destroyed, got %d", got)
	}
	if _, ok := sr.session.Controller("e1"); ok {
		t.Error("Expected the controller dropped with its last behavior")
	}
	if n := len(sr.session.Controllers()); n != 0 {
		t.Errorf("Expected no controllers, got %d", n)
	}
}

// TestSessionPublishesScriptChangeBursts verifies a refresh burst reaches
// the editor event feed through the session's cache subscription.
func TestSessionPublishesScriptChangeBursts(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:      true,
		BufferSize:   16,
		MaxBatchSize: 4,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	t.Cleanup(func() { _ = events.Shutdown(context.Background()) })

	received := make(chan telemetry.Event, 16)
	events.Subscribe(func(e telemetry.Event) { received <- e }, telemetry.FilterByType(telemetry.EventTypeScriptsChanged))

	sr := newSessionRig(t, 0, 0, events)
	sr.addScript("scripts/a.star", scriptSpec{handlers: HandlerSet{Update: true}})
	sr.refresh()

	select {
	case e := <-received:
		if e.Type != telemetry.EventTypeScriptsChanged {
			t.Errorf("Expected a scripts.changed event, got %s", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the scripts.changed event")
	}
}

// TestSessionCloseDetachesFromCache verifies a closed session no longer
// observes refresh bursts.
func TestSessionCloseDetachesFromCache(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:      true,
		BufferSize:   16,
		MaxBatchSize: 4,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	t.Cleanup(func() { _ = events.Shutdown(context.Background()) })

	received := make(chan telemetry.Event, 16)
	events.Subscribe(func(e telemetry.Event) { received <- e }, telemetry.FilterByType(telemetry.EventTypeScriptsChanged))

	sr := newSessionRig(t, 0, 0, events)
	sr.addScript("scripts/a.star", scriptSpec{handlers: HandlerSet{Update: true}})
	sr.refresh()

	// Drain the burst from the initial refresh.
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the initial burst")
	}

	if err := sr.session.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sr.touchScript("scripts/a.star")
	sr.refresh()

	select {
	case e := <-received:
		t.Errorf("Expected no events after close, got %s", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
