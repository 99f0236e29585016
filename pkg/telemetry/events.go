package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents something that happened during a playbook run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type, one of the EventType constants.
	Type string `json:"type"`

	// RunID is the associated run ID.
	RunID string `json:"run_id,omitempty"`

	// Play is the play name, if applicable.
	Play string `json:"play,omitempty"`

	// Host is the inventory host name, if applicable.
	Host string `json:"host,omitempty"`

	// Task is the task or handler name, if applicable.
	Task string `json:"task,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types emitted by the executor.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypePlayStarted     = "play.started"
	EventTypeHostStarted     = "host.started"
	EventTypeHostCompleted   = "host.completed"
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeBlockRescued    = "block.rescued"
	EventTypeHandlerNotified = "handler.notified"
	EventTypeHandlerFired    = "handler.fired"
	EventTypePolicyViolation = "policy.violation"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventFilter determines if an event should be delivered to a subscriber.
type EventFilter func(event Event) bool

// EventBus fans events out to subscribers over buffered channels.
// Publishing never blocks: when a subscriber's buffer is full the event is
// dropped for that subscriber and counted.
type EventBus struct {
	config EventsConfig

	mu      sync.RWMutex
	subs    map[string]*subscription
	closed  bool
	dropped uint64
}

type subscription struct {
	ch     chan Event
	filter EventFilter
}

// NewEventBus creates a new event bus. A disabled bus accepts and discards
// every event.
func NewEventBus(cfg EventsConfig) *EventBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &EventBus{
		config: cfg,
		subs:   make(map[string]*subscription),
	}
}

// Publish delivers event to all matching subscribers.
func (b *EventBus) Publish(_ context.Context, event Event) error {
	if b == nil || !b.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped++
		}
	}
	return nil
}

// Subscribe registers a subscriber and returns its ID and receive channel.
// The channel is closed by Unsubscribe or Close.
func (b *EventBus) Subscribe(filter EventFilter) (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan Event, b.config.BufferSize)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = &subscription{ch: ch, filter: filter}
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Dropped returns the number of events dropped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

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

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
