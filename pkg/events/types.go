package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Metering events
	EventUsageDebited EventType = "usage.debited"
	EventUsageDenied  EventType = "usage.denied"

	// Auto top-up events
	EventTopUpQueued    EventType = "topup.queued"
	EventTopUpSucceeded EventType = "topup.succeeded"
	EventTopUpFailed    EventType = "topup.failed"

	// Payment events
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"

	// Ledger events
	EventCreditsAdded EventType = "credits.added"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	Type      EventType
	Timestamp time.Time

	// OrganizationID is empty for system events
	OrganizationID string

	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, organizationID string, payload map[string]interface{}) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		OrganizationID: organizationID,
		Payload:        payload,
	}
}
