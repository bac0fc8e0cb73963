package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the script runtime. All recorders
// tolerate a nil or disabled receiver, so engine packages can carry an
// optional *Metrics without guarding call sites.
type Metrics struct {
	config MetricsConfig

	// Frame metrics
	framesTotal   prometheus.Counter
	frameDuration prometheus.Histogram

	// Callback metrics
	callbacksTotal   *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec

	// Script error metrics
	scriptErrors *prometheus.CounterVec

	// Module cache metrics
	moduleLoads        *prometheus.CounterVec
	moduleLoadDuration prometheus.Histogram
	moduleEvictions    *prometheus.CounterVec
	loadedModules      prometheus.Gauge
	cacheRefreshes     prometheus.Counter
	scriptsChanged     prometheus.Counter

	// Compiler metrics
	compilesTotal   *prometheus.CounterVec
	compileDuration prometheus.Histogram
	watchEvents     *prometheus.CounterVec

	// Session metrics
	sessionTransitions *prometheus.CounterVec
	activeControllers  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		// Frame work sits well under the default 5ms first bucket.
		buckets = []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		framesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of frames processed while playing",
			},
		),
		frameDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_duration_seconds",
				Help:      "Wall time spent running script passes per frame",
				Buckets:   buckets,
			},
		),

		callbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callbacks_total",
				Help:      "Total script callback invocations",
			},
			[]string{"callback", "status"},
		),
		callbackDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "callback_duration_seconds",
				Help:      "Duration of script callback invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"callback"},
		),

		scriptErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_errors_total",
				Help:      "Total script errors by classification",
			},
			[]string{"kind"},
		),

		moduleLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_loads_total",
				Help:      "Total executable module constructions",
			},
			[]string{"script"},
		),
		moduleLoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_load_duration_seconds",
				Help:      "Duration of module construction in seconds",
				Buckets:   buckets,
			},
		),
		moduleEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_evictions_total",
				Help:      "Total module evictions",
			},
			[]string{"reason"},
		),
		loadedModules: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loaded_modules",
				Help:      "Current number of loaded executable modules",
			},
		),
		cacheRefreshes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_refreshes_total",
				Help:      "Total cache refreshes that observed changes",
			},
		),
		scriptsChanged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scripts_changed_total",
				Help:      "Total scripts observed changed across refreshes",
			},
		),

		compilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compiles_total",
				Help:      "Total script compilations",
			},
			[]string{"status"},
		),
		compileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Duration of script compilation in seconds",
				Buckets:   buckets,
			},
		),
		watchEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watch_events_total",
				Help:      "Total source watcher events by operation",
			},
			[]string{"op"},
		),

		sessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Total simulation state transitions",
			},
			[]string{"transition"},
		),
		activeControllers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_controllers",
				Help:      "Current number of entity lifecycle controllers",
			},
		),
	}

	registry.MustRegister(
		m.framesTotal,
		m.frameDuration,
		m.callbacksTotal,
		m.callbackDuration,
		m.scriptErrors,
		m.moduleLoads,
		m.moduleLoadDuration,
		m.moduleEvictions,
		m.loadedModules,
		m.cacheRefreshes,
		m.scriptsChanged,
		m.compilesTotal,
		m.compileDuration,
		m.watchEvents,
		m.sessionTransitions,
		m.activeControllers,
	)

	return m, nil
}

// Frame metrics

// RecordFrame counts a processed frame and its script-pass duration.
func (m *Metrics) RecordFrame(duration time.Duration) {
	if m == nil || m.framesTotal == nil {
		return
	}
	m.framesTotal.Inc()
	m.frameDuration.Observe(duration.Seconds())
}

// Callback metrics

// RecordCallback counts one callback invocation with its outcome.
func (m *Metrics) RecordCallback(callback, status string, duration time.Duration) {
	if m == nil || m.callbacksTotal == nil {
		return
	}
	m.callbacksTotal.WithLabelValues(callback, status).Inc()
	m.callbackDuration.WithLabelValues(callback).Observe(duration.Seconds())
}

// RecordScriptError counts a classified script error.
func (m *Metrics) RecordScriptError(kind string) {
	if m == nil || m.scriptErrors == nil {
		return
	}
	m.scriptErrors.WithLabelValues(kind).Inc()
}

// Module cache metrics

// RecordModuleLoad counts one module construction.
func (m *Metrics) RecordModuleLoad(script string, duration time.Duration) {
	if m == nil || m.moduleLoads == nil {
		return
	}
	m.moduleLoads.WithLabelValues(script).Inc()
	m.moduleLoadDuration.Observe(duration.Seconds())
}

// RecordModuleEvicted counts one eviction by reason.
func (m *Metrics) RecordModuleEvicted(reason string) {
	if m == nil || m.moduleEvictions == nil {
		return
	}
	m.moduleEvictions.WithLabelValues(reason).Inc()
}

// SetLoadedModules sets the loaded module gauge.
func (m *Metrics) SetLoadedModules(count int) {
	if m == nil || m.loadedModules == nil {
		return
	}
	m.loadedModules.Set(float64(count))
}

// RecordCacheRefresh counts a refresh that observed changes, and how many
// scripts changed.
func (m *Metrics) RecordCacheRefresh(changed int) {
	if m == nil || m.cacheRefreshes == nil {
		return
	}
	m.cacheRefreshes.Inc()
	m.scriptsChanged.Add(float64(changed))
}

// RecordScriptsChanged counts scripts reported in a change notification.
func (m *Metrics) RecordScriptsChanged(count int) {
	if m == nil || m.scriptsChanged == nil {
		return
	}
	m.scriptsChanged.Add(float64(count))
}

// Compiler metrics

// RecordCompile counts one compilation with its outcome.
func (m *Metrics) RecordCompile(status string, duration time.Duration) {
	if m == nil || m.compilesTotal == nil {
		return
	}
	m.compilesTotal.WithLabelValues(status).Inc()
	m.compileDuration.Observe(duration.Seconds())
}

// RecordWatchEvent counts one source watcher event.
func (m *Metrics) RecordWatchEvent(op string) {
	if m == nil || m.watchEvents == nil {
		return
	}
	m.watchEvents.WithLabelValues(op).Inc()
}

// Session metrics

// RecordSessionTransition counts a simulation state transition.
func (m *Metrics) RecordSessionTransition(transition string) {
	if m == nil || m.sessionTransitions == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(transition).Inc()
}

// SetActiveControllers sets the controller gauge.
func (m *Metrics) SetActiveControllers(count int) {
	if m == nil || m.activeControllers == nil {
		return
	}
	m.activeControllers.Set(float64(count))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
