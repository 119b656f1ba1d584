package events

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType represents the type of event being published
type EventType string

const (
	EventUsageCommitted     EventType = "usage.committed"
	EventUsageRejected      EventType = "usage.rejected"
	EventUsageAdjusted      EventType = "usage.adjusted"
	EventStepUsageDropped   EventType = "step_usage.dropped"
	EventPeriodRolledOver   EventType = "period.rolled_over"
	EventWorkUnitTerminated EventType = "work_unit.terminated"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	Type      EventType
	Timestamp time.Time

	// AccountID is empty for system-wide events
	AccountID string

	Payload map[string]any
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, accountID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AccountID: accountID,
		Payload:   payload,
	}
}
