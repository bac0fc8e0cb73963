package runtime

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/pkg/telemetry"
)

// Handle is a cached executable module. Generation is monotonic across the
// cache: a controller holding an instance built from generation N detects a
// hot reload by comparing against the current handle's generation.
type Handle struct {
	// Script is the script identity the handle serves.
	Script ScriptID

	// Generation identifies this particular load. It changes every time
	// the cache constructs a new module for the script.
	Generation uint64

	// LoadedAt is when the module was constructed.
	LoadedAt time.Time

	mod Module
}

// Module returns the executable module behind the handle.
func (h *Handle) Module() Module { return h.mod }

// artifactRecord is the cache's view of one compiled artifact.
type artifactRecord struct {
	path    string
	modTime time.Time
}

// ChangeListener receives the sorted identities of scripts whose artifacts
// changed during one refresh.
type ChangeListener func(changed []ScriptID)

// ModuleCache maintains the script identity to executable module mapping
// backed by the compilation service's artifact listing. Modules are loaded
// lazily, evicted when their artifact changes or disappears, and released
// exactly once.
type ModuleCache struct {
	compiler CompilationService
	loader   ModuleLoader
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	tracer   *telemetry.Tracer

	mu        sync.Mutex
	records   map[ScriptID]artifactRecord
	handles   map[ScriptID]*Handle
	listeners map[int]ChangeListener
	nextSub   int
	nextGen   uint64
	closed    bool
}

// NewModuleCache creates an empty cache. metrics, events and tracer may be
// nil.
func NewModuleCache(compiler CompilationService, loader ModuleLoader, logger zerolog.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher, tracer *telemetry.Tracer) *ModuleCache {
	return &ModuleCache{
		compiler:  compiler,
		loader:    loader,
		logger:    logger.With().Str("component", "module-cache").Logger(),
		metrics:   metrics,
		events:    events,
		tracer:    tracer,
		records:   make(map[ScriptID]artifactRecord),
		handles:   make(map[ScriptID]*Handle),
		listeners: make(map[int]ChangeListener),
	}
}

// Refresh reconciles the cache against the compilation service's current
// artifact listing. New artifacts are recorded; artifacts with a newer
// modification timestamp have their cached module evicted and released;
// scripts missing from the listing are dropped entirely. If anything
// changed, every listener is notified exactly once, after the full scan,
// with the cache already in its post-refresh state.
//
// A listing failure leaves the cache untouched and is returned to the
// caller.
func (c *ModuleCache) Refresh(ctx context.Context) error {
	listing, err := c.compiler.ListCompiled(ctx)
	if err != nil {
		return fmt.Errorf("list compiled artifacts: %w", err)
	}

	// Stat artifacts outside the lock. A script whose artifact cannot be
	// statted is skipped this round and retried on the next refresh.
	modTimes := make(map[ScriptID]time.Time, len(listing))
	for id, path := range listing {
		mt, err := c.compiler.ArtifactModTime(ctx, path)
		if err != nil {
			c.logger.Warn().Err(err).Str("script", string(id)).Msg("Failed to stat artifact")
			continue
		}
		modTimes[id] = mt
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return NewInvalidState("module cache is closed")
	}

	var changed []ScriptID
	var stale []*Handle

	for id, path := range listing {
		mt, ok := modTimes[id]
		if !ok {
			continue
		}
		rec, known := c.records[id]
		switch {
		case !known:
			c.records[id] = artifactRecord{path: path, modTime: mt}
			changed = append(changed, id)
		case mt.After(rec.modTime) || rec.path != path:
			c.records[id] = artifactRecord{path: path, modTime: mt}
			if h, loaded := c.handles[id]; loaded {
				stale = append(stale, h)
				delete(c.handles, id)
			}
			changed = append(changed, id)
		}
	}
	for id := range c.records {
		if _, present := listing[id]; !present {
			delete(c.records, id)
			if h, loaded := c.handles[id]; loaded {
				stale = append(stale, h)
				delete(c.handles, id)
			}
			changed = append(changed, id)
		}
	}

	var subs []ChangeListener
	if len(changed) > 0 {
		subs = make([]ChangeListener, 0, len(c.listeners))
		for _, fn := range c.listeners {
			subs = append(subs, fn)
		}
	}
	loadedCount := len(c.handles)
	c.mu.Unlock()

	for _, h := range stale {
		if err := h.mod.Close(ctx); err != nil {
			c.logger.Warn().Err(err).Str("script", string(h.Script)).Msg("Failed to release evicted module")
		}
		c.metrics.RecordModuleEvicted("changed")
		c.events.PublishModuleEvicted(string(h.Script), "changed")
	}

	if len(changed) == 0 {
		return nil
	}

	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	c.logger.Debug().
		Int("changed", len(changed)).
		Int("evicted", len(stale)).
		Msg("Artifact listing changed")
	c.metrics.RecordCacheRefresh(len(changed))
	c.metrics.SetLoadedModules(loadedCount)

	// Listeners run outside the lock so they may call back into the cache.
	for _, fn := range subs {
		fn(changed)
	}
	return nil
}

// Module returns the executable module for a script identity, loading and
// caching it on first request. An identity with no compiled artifact, or an
// unreadable artifact, yields an artifact-unavailable error. A loader
// failure yields a load-failure error; nothing is cached and the next
// request retries.
func (c *ModuleCache) Module(ctx context.Context, id ScriptID) (*Handle, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, NewInvalidState("module cache is closed")
		}
		if h, ok := c.handles[id]; ok {
			c.mu.Unlock()
			return h, nil
		}
		rec, known := c.records[id]
		c.mu.Unlock()

		if !known {
			return nil, NewArtifactUnavailable(id, "no compiled artifact", nil)
		}

		content, err := os.ReadFile(rec.path)
		if err != nil {
			return nil, NewArtifactUnavailable(id, "artifact unreadable", err)
		}

		start := time.Now()
		loadCtx, span := c.tracer.StartModuleLoadSpan(ctx, string(id), rec.path)
		mod, err := c.loader.Load(loadCtx, id, rec.path, content)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			if IsLoadFailure(err) {
				return nil, err
			}
			return nil, NewLoadFailure(id, "module construction failed", err)
		}
		telemetry.RecordSuccess(span)
		span.End()

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = mod.Close(ctx)
			return nil, NewInvalidState("module cache is closed")
		}
		if h, ok := c.handles[id]; ok {
			// Lost a concurrent load race; keep the cached module.
			c.mu.Unlock()
			_ = mod.Close(ctx)
			return h, nil
		}
		cur, known := c.records[id]
		if !known || cur.path != rec.path || !cur.modTime.Equal(rec.modTime) {
			// The artifact changed while we were loading. Discard and retry
			// against the fresh record.
			c.mu.Unlock()
			_ = mod.Close(ctx)
			if !known {
				return nil, NewArtifactUnavailable(id, "artifact removed during load", nil)
			}
			continue
		}
		c.nextGen++
		h := &Handle{Script: id, Generation: c.nextGen, LoadedAt: time.Now(), mod: mod}
		c.handles[id] = h
		loadedCount := len(c.handles)
		c.mu.Unlock()

		c.logger.Debug().
			Str("script", string(id)).
			Uint64("generation", h.Generation).
			Msg("Module loaded")
		c.metrics.RecordModuleLoad(string(id), time.Since(start))
		c.metrics.SetLoadedModules(loadedCount)
		c.events.PublishModuleLoaded(string(id), h.Generation)
		return h, nil
	}
}

// OnChanged registers a change listener and returns its unsubscribe
// function. Unsubscribing twice is harmless.
func (c *ModuleCache) OnChanged(fn ChangeListener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// StartPolling runs Refresh on a fixed interval until the returned stop
// function is called or ctx is done. It is the poll flavor of the cache's
// change source; a push source calls Refresh directly.
func (c *ModuleCache) StartPolling(ctx context.Context, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					c.logger.Warn().Err(err).Msg("Cache refresh failed")
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Tracked returns the sorted identities of every script the cache knows a
// compiled artifact for.
func (c *ModuleCache) Tracked() []ScriptID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]ScriptID, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LoadedCount returns the number of currently loaded modules.
func (c *ModuleCache) LoadedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Close releases every cached module and shuts the cache down. Further
// operations fail with an invalid-state error. Individual release failures
// are logged; the first one is returned.
func (c *ModuleCache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.handles = make(map[ScriptID]*Handle)
	c.records = make(map[ScriptID]artifactRecord)
	c.listeners = make(map[int]ChangeListener)
	c.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.mod.Close(ctx); err != nil {
			c.logger.Warn().Err(err).Str("script", string(h.Script)).Msg("Failed to release module")
			if firstErr == nil {
				firstErr = err
			}
		}
		c.metrics.RecordModuleEvicted("dispose")
		c.events.PublishModuleEvicted(string(h.Script), "dispose")
	}
	c.metrics.SetLoadedModules(0)
	return firstErr
}
