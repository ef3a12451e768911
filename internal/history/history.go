package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventExit    EventType = "exit"
	EventRestart EventType = "restart"
	EventStop    EventType = "stop"
)

// Record is the per-launch snapshot attached to every event.
type Record struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	ExitCode  int       `json:"exit_code"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NewRunID returns a fresh identifier for one launch of a service.
func NewRunID() string {
	return uuid.NewString()
}
