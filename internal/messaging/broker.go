package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/orders/internal/models"
)

// EventEnvelope is the wire form of one event as published to the broker.
// Payload stays raw so consumers decode against their own schema registry.
type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventVersion     int             `json:"event_version"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateVersion int             `json:"aggregate_version"`
	Sequence         int64           `json:"sequence"`
	Payload          json.RawMessage `json:"payload"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// NewEventEnvelope builds the publishable envelope for a stored event
func NewEventEnvelope(event models.Event) EventEnvelope {
	return EventEnvelope{
		EventID:          event.EventID.String(),
		EventType:        event.EventType,
		EventVersion:     event.EventVersion,
		AggregateID:      event.AggregateID,
		AggregateType:    event.AggregateType,
		AggregateVersion: event.AggregateVersion,
		Sequence:         event.Sequence,
		Payload:          json.RawMessage(event.Payload),
		Metadata:         json.RawMessage(event.Metadata),
		OccurredAt:       event.OccurredAt,
	}
}

// Broker publishes event envelopes to named topics
type Broker interface {
	Publish(ctx context.Context, topic string, envelope EventEnvelope) error
	Close() error
}
