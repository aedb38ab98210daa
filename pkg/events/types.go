package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Usage events
	EventUsageRecorded EventType = "usage.recorded"

	// Admission denials
	EventQuotaExceeded     EventType = "quota.exceeded"
	EventFeatureRestricted EventType = "feature.restricted"

	// Plan resolution fell back to free because the subscription store failed
	EventPlanDegraded EventType = "plan.degraded"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	Type      EventType
	Timestamp time.Time

	// UserID is the caller this event belongs to
	UserID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, userID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Payload:   payload,
	}
}
