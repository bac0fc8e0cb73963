// Package telemetry provides comprehensive observability instrumentation for SceneForge.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging the live script runtime.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event feed for the editor UI
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "sceneforge"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("module-cache")
//	logger = logger.WithScript("scripts/rotator.star").WithEntity("entity-42")
//	logger.Info("Module loaded")
//	logger.WithError(err).Error("Load failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into frame flow and callback performance:
//
//	ctx, span := tel.Tracer.StartCallbackSpan(ctx, script, entityID, "update")
//	defer span.End()
//
//	// Record errors
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track runtime behavior and performance:
//
//	// Record a frame
//	tel.Metrics.RecordFrame(duration)
//
//	// Record callback dispatches
//	tel.Metrics.RecordCallback("update", "ok", duration)
//
//	// Record module cache activity
//	tel.Metrics.RecordModuleLoad(script, duration)
//	tel.Metrics.RecordModuleEvicted("changed")
//
// Every recorder is safe on a nil receiver, so components carry an optional
// *Metrics and call it unconditionally.
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event feed provides async publishing with buffering and filtering. The
// editor's script status panel and problems list consume this stream:
//
//	// Publish events
//	tel.Events.PublishScriptCompiled(script, cached)
//	tel.Events.PublishScriptsChanged(scripts)
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByScript, FilterByEntity
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Instrument an operation
//	ic := telemetry.StartOperation(ctx, "scene.load",
//	    attribute.String("scene.path", path))
//	defer ic.End(err)
//
//	// Session context
//	ctx = telemetry.WithSessionContext(ctx, sessionID)
//	defer telemetry.EndSessionContext(ctx, err)
//
//	// Compile operation
//	err := telemetry.RecordCompileOperation(ctx, script, func() error {
//	    return compiler.Compile(ctx, script)
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Performance Considerations
//
// The runtime dispatches callbacks at frame rate, so the telemetry system is
// designed for minimal per-call overhead:
//
//   - Structured logging uses zerolog's zero-allocation approach
//   - Tracing is disabled by default and sampled when enabled
//   - Metrics use Prometheus's efficient storage format
//   - Events are buffered and batched to reduce I/O
//   - Nil-receiver recorders compile to a single branch when telemetry is off
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - sceneforge_frames_total
//   - sceneforge_frame_duration_seconds
//   - sceneforge_callbacks_total{callback,status}
//   - sceneforge_callback_duration_seconds{callback}
//   - sceneforge_script_errors_total{kind}
//   - sceneforge_module_loads_total{script}
//   - sceneforge_module_evictions_total{reason}
//   - sceneforge_loaded_modules
//   - sceneforge_compiles_total{status}
//   - sceneforge_session_transitions_total{transition}
//   - sceneforge_active_controllers
package telemetry
