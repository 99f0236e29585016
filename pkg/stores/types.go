package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/hostplay/pkg/engine"
	"github.com/openfroyo/hostplay/pkg/telemetry"
)

// Event represents an append-only history event
type Event struct {
	ID        int64                  `json:"id"`
	EventID   string                 `json:"event_id,omitempty"`
	RunID     *string                `json:"run_id,omitempty"`
	Type      string                 `json:"type"`
	Level     string                 `json:"level"`
	Play      string                 `json:"play,omitempty"`
	Host      string                 `json:"host,omitempty"`
	Task      string                 `json:"task,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Store defines the interface for the run history
type Store interface {
	engine.RunRecorder
	engine.EventPublisher

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run operations
	GetRun(ctx context.Context, id string) (*engine.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*engine.Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Task result operations
	ListTaskResults(ctx context.Context, runID string) ([]*engine.TaskResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string) ([]*Event, error)
}

// eventFromTelemetry converts a published event into a history row.
func eventFromTelemetry(e telemetry.Event) *Event {
	ev := &Event{
		EventID:   e.ID,
		Type:      e.Type,
		Level:     e.Level,
		Play:      e.Play,
		Host:      e.Host,
		Task:      e.Task,
		Message:   e.Message,
		Data:      e.Data,
		Timestamp: e.Timestamp,
	}
	if e.RunID != "" {
		runID := e.RunID
		ev.RunID = &runID
	}
	if ev.Level == "" {
		ev.Level = telemetry.EventLevelInfo
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev
}
