package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents one entry in the editor's event feed: the stream the
// script status panel, problems list and debug console consume.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Script is the associated script identity, if applicable.
	Script string `json:"script,omitempty"`

	// Entity is the associated entity id, if applicable.
	Entity string `json:"entity,omitempty"`

	// Behavior is the associated behavior attachment id, if applicable.
	Behavior string `json:"behavior,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeScriptCompiled      = "script.compiled"
	EventTypeScriptCompileFailed = "script.compile_failed"
	EventTypeScriptsChanged      = "scripts.changed"
	EventTypeModuleLoaded        = "module.loaded"
	EventTypeModuleEvicted       = "module.evicted"
	EventTypeScriptError         = "script.error"
	EventTypeSessionState        = "session.state"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. A nil
// publisher drops everything, so producers can carry it optionally.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishScriptCompiled publishes a successful compile.
func (ep *EventPublisher) PublishScriptCompiled(script string, cached bool) error {
	msg := fmt.Sprintf("Compiled %s", script)
	if cached {
		msg = fmt.Sprintf("Compiled %s (unchanged, artifact reused)", script)
	}
	return ep.Publish(Event{
		Type:    EventTypeScriptCompiled,
		Source:  "compiler",
		Script:  script,
		Message: msg,
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"cached": cached,
		},
	})
}

// PublishCompileFailed publishes a failed compile.
func (ep *EventPublisher) PublishCompileFailed(script, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeScriptCompileFailed,
		Source:  "compiler",
		Script:  script,
		Message: fmt.Sprintf("Compile failed for %s: %s", script, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishScriptsChanged publishes a hot-reload burst.
func (ep *EventPublisher) PublishScriptsChanged(scripts []string) error {
	return ep.Publish(Event{
		Type:    EventTypeScriptsChanged,
		Source:  "module-cache",
		Message: fmt.Sprintf("Scripts changed: %s", strings.Join(scripts, ", ")),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"scripts": scripts,
		},
	})
}

// PublishModuleLoaded publishes a module construction.
func (ep *EventPublisher) PublishModuleLoaded(script string, generation uint64) error {
	return ep.Publish(Event{
		Type:    EventTypeModuleLoaded,
		Source:  "module-cache",
		Script:  script,
		Message: fmt.Sprintf("Module loaded for %s", script),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"generation": generation,
		},
	})
}

// PublishModuleEvicted publishes a module eviction.
func (ep *EventPublisher) PublishModuleEvicted(script, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeModuleEvicted,
		Source:  "module-cache",
		Script:  script,
		Message: fmt.Sprintf("Module evicted for %s (%s)", script, reason),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishScriptError publishes a classified script error.
func (ep *EventPublisher) PublishScriptError(script, entity, kind, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeScriptError,
		Source:  "lifecycle",
		Script:  script,
		Entity:  entity,
		Message: fmt.Sprintf("Script error in %s: %s", script, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishSessionState publishes a simulation state transition.
func (ep *EventPublisher) PublishSessionState(state string) error {
	return ep.Publish(Event{
		Type:    EventTypeSessionState,
		Source:  "session",
		Message: fmt.Sprintf("Simulation state: %s", state),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"state": state,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByScript creates a filter that only allows events for a specific script.
func FilterByScript(script string) EventFilter {
	return func(event Event) bool {
		return event.Script == script
	}
}

// FilterByEntity creates a filter that only allows events for a specific entity.
func FilterByEntity(entityID string) EventFilter {
	return func(event Event) bool {
		return event.Entity == entityID
	}
}
