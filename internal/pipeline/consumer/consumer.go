package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ptmai/mailpipe/internal/core/domain"
	"github.com/ptmai/mailpipe/internal/infra/bus"
	"github.com/ptmai/mailpipe/internal/metrics"
	"github.com/ptmai/mailpipe/internal/resilience/retry"
)

// DeadLetterSink persists abandoned-event diagnostics for later replay.
type DeadLetterSink interface {
	Add(ctx context.Context, dl *domain.DeadLetter) error
}

// Reporter receives terminal failures for alerting.
type Reporter interface {
	Report(err error, context map[string]any)
}

// LogReporter reports through the structured logger. The default when no
// external error tracker is configured.
type LogReporter struct {
	Log *slog.Logger
}

func (r *LogReporter) Report(err error, context map[string]any) {
	args := make([]any, 0, 2*len(context)+2)
	args = append(args, "error", err)
	for k, v := range context {
		args = append(args, k, v)
	}
	r.Log.Error("Terminal pipeline failure", args...)
}

// Consumer binds event handlers to the bus, running each delivery under the
// retry policy. When retries are abandoned the diagnostic is dead-lettered
// and reported, then the delivery is nacked.
type Consumer struct {
	sub      bus.Subscriber
	exchange string
	policy   retry.Policy
	dlq      DeadLetterSink
	reporter Reporter
	log      *slog.Logger
}

// New creates a consumer. dlq may be nil when no dead-letter store is
// configured; diagnostics are then only reported.
func New(sub bus.Subscriber, exchange string, policy retry.Policy, dlq DeadLetterSink, reporter Reporter, log *slog.Logger) *Consumer {
	if reporter == nil {
		reporter = &LogReporter{Log: log}
	}
	return &Consumer{
		sub:      sub,
		exchange: exchange,
		policy:   policy,
		dlq:      dlq,
		reporter: reporter,
		log:      log,
	}
}

// Subscribe binds a handler to a routing key, wrapped in retry and
// dead-letter handling.
func (c *Consumer) Subscribe(ctx context.Context, routingKey string, h bus.Handler) error {
	return c.sub.Subscribe(ctx, c.exchange, routingKey, c.wrap(routingKey, h))
}

func (c *Consumer) wrap(routingKey string, h bus.Handler) bus.Handler {
	return func(ctx context.Context, evt *bus.Envelope) error {
		start := time.Now()

		rc := retry.NewContext(evt.EventID)
		err := c.policy.DoWithContext(ctx, rc, routingKey, func(ctx context.Context) error {
			return h(ctx, evt)
		})

		metrics.HandlerDuration.WithLabelValues(routingKey).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}

		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			c.deadLetter(ctx, routingKey, evt, exhausted)
		}
		return err
	}
}

// deadLetter persists and reports the diagnostic. Sink failures are logged
// and swallowed; losing a diagnostic must not mask the original failure.
func (c *Consumer) deadLetter(ctx context.Context, routingKey string, evt *bus.Envelope, exhausted *retry.ExhaustedError) {
	dl := exhausted.Diagnostic
	dl.OriginalEvent = map[string]any{
		"event_type": evt.EventType,
		"event_id":   evt.EventID,
		"timestamp":  evt.Timestamp,
		"version":    evt.Version,
		"data":       evt.Data,
	}
	dl.EventType = evt.EventType
	dl.RoutingKey = routingKey

	metrics.DeadLettersTotal.WithLabelValues(routingKey).Inc()

	if c.dlq != nil {
		if err := c.dlq.Add(ctx, dl); err != nil {
			c.log.Error("Failed to persist dead letter",
				"routing_key", routingKey, "event_id", evt.EventID, "error", err)
		}
	}

	c.reporter.Report(exhausted, map[string]any{
		"routing_key": routingKey,
		"event_id":    evt.EventID,
		"event_type":  evt.EventType,
		"attempts":    dl.AttemptCount,
		"elapsed":     dl.Elapsed.String(),
	})
}
