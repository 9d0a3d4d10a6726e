package requeue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ptmai/mailpipe/internal/infra/bus"
	"github.com/ptmai/mailpipe/internal/infra/storage"
	"github.com/ptmai/mailpipe/internal/metrics"
	"github.com/ptmai/mailpipe/internal/resilience/retry"
)

// BuildEventData maps a stuck document to the payload of the event that
// resumes its processing. Builders substitute documented defaults for
// missing legacy fields instead of failing; a returned error skips the
// document.
type BuildEventData func(doc storage.Document) (map[string]any, error)

// Query describes one entity type to scan for stuck documents.
type Query struct {
	Collection     string
	Filter         storage.Filter
	IDField        string
	EventType      string
	RoutingKey     string
	Limit          int
	BuildEventData BuildEventData
}

// Runner republishes events for documents left incomplete by a prior crash.
// It runs once at service start, before live consumption begins. The bus is
// not the source of truth after an outage; the store's status fields are.
// Duplicate deliveries caused by requeue racing live consumption are absorbed
// by the idempotent write discipline downstream.
type Runner struct {
	store    storage.DocumentStore
	pub      bus.Publisher
	exchange string
	policy   retry.Policy
	log      *slog.Logger
}

// NewRunner creates a requeue runner. The policy should carry a small
// attempt budget; requeue must never stall service startup.
func NewRunner(
	store storage.DocumentStore,
	pub bus.Publisher,
	exchange string,
	policy retry.Policy,
	log *slog.Logger,
) *Runner {
	return &Runner{
		store:    store,
		pub:      pub,
		exchange: exchange,
		policy:   policy,
		log:      log,
	}
}

// Run scans every query and republishes one event per stuck document,
// returning the total requeued. It never fails: any error is logged and
// service startup continues without blocking on this step.
func (r *Runner) Run(ctx context.Context, queries []Query) int {
	total := 0
	for _, q := range queries {
		n, err := r.requeueCollection(ctx, q)
		total += n
		if err != nil {
			r.log.Error("Startup requeue failed, continuing startup",
				"collection", q.Collection, "requeued", n, "error", err)
		}
	}
	if total > 0 {
		r.log.Info("Startup requeue complete", "requeued", total)
	}
	return total
}

func (r *Runner) requeueCollection(ctx context.Context, q Query) (int, error) {
	var docs []storage.Document
	err := r.policy.Do(ctx, "requeue.query", func(ctx context.Context) error {
		var qerr error
		docs, qerr = r.store.Query(ctx, q.Collection, q.Filter, q.Limit)
		return retry.Retryable(qerr)
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, doc := range docs {
		id := r.documentID(doc, q.IDField)

		data, err := q.BuildEventData(doc)
		if err != nil {
			r.log.Warn("Skipping unrequeueable document",
				"collection", q.Collection, "id", id, "error", err)
			continue
		}

		evt := bus.NewEnvelope(q.EventType, data)
		err = r.policy.Do(ctx, "requeue.publish", func(ctx context.Context) error {
			return retry.Retryable(r.pub.Publish(ctx, r.exchange, q.RoutingKey, evt))
		})
		if err != nil {
			r.log.Error("Failed to requeue document",
				"collection", q.Collection, "id", id, "error", err)
			continue
		}

		count++
		metrics.RequeuedTotal.WithLabelValues(q.Collection).Inc()
		r.bumpRequeueCount(ctx, q.Collection, id, doc)
	}

	if count > 0 {
		r.log.Info("Requeued stuck documents",
			"collection", q.Collection, "count", count, "event_type", q.EventType)
	}
	return count, nil
}

// documentID extracts the domain id, falling back to the store id when the
// domain field is absent.
func (r *Runner) documentID(doc storage.Document, idField string) string {
	if idField != "" {
		if id, ok := doc[idField].(string); ok && id != "" {
			return id
		}
	}
	return storage.DocID(doc)
}

// FieldWarner logs at most one warning per missing field name, so a backlog
// of legacy documents does not flood the log at startup. Subsequent hits on
// the same field log at debug.
type FieldWarner struct {
	log *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewFieldWarner creates a warner writing through the given logger.
func NewFieldWarner(log *slog.Logger) *FieldWarner {
	return &FieldWarner{log: log, seen: make(map[string]bool)}
}

// Warn reports a missing field on a document, deduplicated by field name.
func (w *FieldWarner) Warn(collection, id, field string) {
	w.mu.Lock()
	first := !w.seen[field]
	w.seen[field] = true
	w.mu.Unlock()

	if first {
		w.log.Warn("Document missing field, using default",
			"collection", collection, "id", id, "field", field)
		return
	}
	w.log.Debug("Document missing field, using default",
		"collection", collection, "id", id, "field", field)
}

// bumpRequeueCount writes the monotonic bookkeeping field. Best effort; the
// primary status field is never touched here.
func (r *Runner) bumpRequeueCount(ctx context.Context, collection, id string, doc storage.Document) {
	if id == "" {
		return
	}
	prev := 0
	switch v := doc["requeue_count"].(type) {
	case float64:
		prev = int(v)
	case int:
		prev = v
	}
	if err := r.store.Update(ctx, collection, id, storage.Document{"requeue_count": prev + 1}); err != nil {
		r.log.Debug("Failed to bump requeue count", "collection", collection, "id", id, "error", err)
	}
}
