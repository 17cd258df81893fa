package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types
const (
	TypeEnqueued       = "task.enqueued"
	TypeCompleted      = "task.completed"
	TypeFailed         = "task.failed"
	TypeCancelled      = "task.cancelled"
	TypeRetryScheduled = "task.retry_scheduled"
)

// LifecycleEvent describes a state change of a single task. It carries only
// identifiers and counters so handlers never need the task record.
type LifecycleEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is one of the Type* constants
	Type string `json:"type"`

	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	OwnerID   string `json:"owner_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Attempts  int    `json:"attempts"`

	// Duration is the execution time of the attempt that produced the event,
	// zero for events not tied to an execution.
	Duration time.Duration `json:"duration"`

	// Payload contains type-specific data serialized as JSON
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *LifecycleEvent) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// NewLifecycleEvent creates a LifecycleEvent with the specified type and
// optional payload.
func NewLifecycleEvent(eventType, taskID, taskType string, payload interface{}) (*LifecycleEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	return &LifecycleEvent{
		ID:        uuid.New(),
		Type:      eventType,
		TaskID:    taskID,
		TaskType:  taskType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// IsTerminal reports whether the event records a final task outcome.
func (e *LifecycleEvent) IsTerminal() bool {
	switch e.Type {
	case TypeCompleted, TypeFailed, TypeCancelled:
		return true
	default:
		return false
	}
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *LifecycleEvent) error
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *LifecycleEvent) error
}

// HandlerFunc adapts a function to the EventHandler interface.
type HandlerFunc func(ctx context.Context, event *LifecycleEvent) error

// HandleEvent calls f(ctx, event).
func (f HandlerFunc) HandleEvent(ctx context.Context, event *LifecycleEvent) error {
	return f(ctx, event)
}
