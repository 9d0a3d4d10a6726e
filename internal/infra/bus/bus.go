package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire format for every domain event.
type Envelope struct {
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Data      map[string]any `json:"data"`
}

// NewEnvelope creates an envelope with a fresh event id.
func NewEnvelope(eventType string, data map[string]any) *Envelope {
	return &Envelope{
		EventType: eventType,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Version:   "1",
		Data:      data,
	}
}

// Handler processes one delivered event. A non-nil error negatively
// acknowledges the delivery, handing it back to the broker's redelivery
// or dead-letter policy.
type Handler func(ctx context.Context, evt *Envelope) error

// Publisher sends events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, evt *Envelope) error
}

// Subscriber binds a handler to a routing key on a topic exchange.
type Subscriber interface {
	Subscribe(ctx context.Context, exchange, routingKey string, h Handler) error
}

// Bus combines publishing and subscribing over one connection.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
