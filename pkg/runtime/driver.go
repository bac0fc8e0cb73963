package runtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/pkg/telemetry"
)

// FrameDriver bridges the host's frame callback into the session. The host
// (editor frame loop or the headless player) calls Tick once per rendered
// frame; the driver decides whether scripts run at all and with what times.
//
// Like the controllers it drives, a driver is single-threaded: one goroutine
// calls Tick.
type FrameDriver struct {
	session *Session
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	lastTick    time.Time
	accumulator float64
	frames      uint64
}

// NewFrameDriver creates a driver for the session. metrics may be nil.
func NewFrameDriver(s *Session, logger zerolog.Logger, metrics *telemetry.Metrics) *FrameDriver {
	return &FrameDriver{
		session: s,
		logger:  logger.With().Str("component", "frame-driver").Logger(),
		metrics: metrics,
	}
}

// Tick processes one host frame at the given instant. Nothing runs unless
// the session is playing and the world reports running; while skipping, the
// delta clock resets so the first live frame after play/resume sees a zero
// delta rather than the gap. Script failures never propagate to the host
// loop.
func (d *FrameDriver) Tick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Frame tick panicked")
		}
	}()

	if d.session.State() != StatePlaying || !d.session.World().IsRunning() {
		d.lastTick = time.Time{}
		d.accumulator = 0
		return
	}

	var delta float64
	if !d.lastTick.IsZero() {
		delta = now.Sub(d.lastTick).Seconds()
		if delta < 0 {
			delta = 0
		}
	}
	d.lastTick = now

	fixedSteps := 0
	if step := d.session.FixedTimestep(); step > 0 {
		d.accumulator += delta
		maxSteps := d.session.MaxFixedSteps()
		for d.accumulator >= step && fixedSteps < maxSteps {
			d.accumulator -= step
			fixedSteps++
		}
		if d.accumulator >= step {
			// The frame fell too far behind; drop the backlog instead of
			// stalling the loop.
			d.logger.Warn().Float64("dropped", d.accumulator).Msg("Fixed step backlog dropped")
			d.accumulator = 0
		}
	}

	ctx, span := d.session.Tracer().StartFrameSpan(ctx, d.frames)
	d.frames++
	start := time.Now()
	d.session.RunFrame(ctx, now, delta, fixedSteps)
	d.metrics.RecordFrame(time.Since(start))
	span.End()
}

// Run drives Tick from an internal ticker at the given frame rate until ctx
// is done. Hosts with their own frame loop call Tick directly instead.
func (d *FrameDriver) Run(ctx context.Context, frameRate int) error {
	if frameRate <= 0 {
		frameRate = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.Tick(ctx, now)
		}
	}
}
