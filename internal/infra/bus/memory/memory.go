package memory

import (
	"context"
	"sync"

	"github.com/ptmai/mailpipe/internal/infra/bus"
)

// Bus is an in-process bus for development and tests. Publish dispatches
// synchronously to every handler bound to the routing key; handler errors
// are not redelivered (there is no broker to requeue from), so tests assert
// on handler behavior directly.
type Bus struct {
	mu        sync.Mutex
	handlers  map[string][]bus.Handler
	published []Published
}

// Published records one publish call for inspection.
type Published struct {
	Exchange   string
	RoutingKey string
	Envelope   *bus.Envelope
}

// NewBus creates an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]bus.Handler)}
}

// Publish records the event and dispatches it to bound handlers.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, evt *bus.Envelope) error {
	b.mu.Lock()
	b.published = append(b.published, Published{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Envelope:   evt,
	})
	handlers := append([]bus.Handler(nil), b.handlers[key(exchange, routingKey)]...)
	b.mu.Unlock()

	for _, h := range handlers {
		_ = h(ctx, evt)
	}
	return nil
}

// Subscribe binds a handler to a routing key.
func (b *Bus) Subscribe(ctx context.Context, exchange, routingKey string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key(exchange, routingKey)
	b.handlers[k] = append(b.handlers[k], h)
	return nil
}

// Published returns all events published so far.
func (b *Bus) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Close is a no-op.
func (b *Bus) Close() error { return nil }

func key(exchange, routingKey string) string {
	return exchange + "/" + routingKey
}
