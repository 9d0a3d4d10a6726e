package requeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ptmai/mailpipe/internal/infra/bus"
	"github.com/ptmai/mailpipe/internal/infra/storage"
	"github.com/ptmai/mailpipe/internal/infra/storage/memory"
	"github.com/ptmai/mailpipe/internal/resilience/retry"
)

// =============================================================================
// Mock Publisher
// =============================================================================

type mockPublisher struct {
	mu        sync.Mutex
	published []*bus.Envelope
	failAll   bool
}

func (p *mockPublisher) Publish(ctx context.Context, exchange, routingKey string, evt *bus.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, evt)
	return nil
}

func testPolicy() retry.Policy {
	off := false
	return retry.NewPolicy(retry.Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		TTL:         time.Second,
		Jitter:      &off,
	})
}

func archiveQuery(limit int) Query {
	return Query{
		Collection: "archives",
		Filter:     storage.Filter{"status": "pending"},
		IDField:    "id",
		EventType:  "archive.ingested",
		RoutingKey: "archive.ingested",
		Limit:      limit,
		BuildEventData: func(doc storage.Document) (map[string]any, error) {
			id, _ := doc["id"].(string)
			if id == "" {
				return nil, errors.New("missing id")
			}
			return map[string]any{"archive_id": id}, nil
		},
	}
}

func seedArchives(t *testing.T, store storage.DocumentStore, n int, status string) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Insert(context.Background(), "archives", storage.Document{
			"id":      fmt.Sprintf("arc-%d", i),
			"list_id": "golang-dev",
			"status":  status,
		})
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
}

// =============================================================================
// Runner Tests
// =============================================================================

func TestRunner_RequeuesStuckDocuments(t *testing.T) {
	store := memory.NewStore()
	pub := &mockPublisher{}
	seedArchives(t, store, 3, "pending")
	// A completed archive must not match the stuck filter
	_, _ = store.Insert(context.Background(), "archives", storage.Document{
		"id": "arc-done", "list_id": "golang-dev", "status": "complete",
	})

	r := NewRunner(store, pub, "mailpipe", testPolicy(), slog.Default())
	n := r.Run(context.Background(), []Query{archiveQuery(0)})

	if n != 3 {
		t.Fatalf("expected 3 requeued, got %d", n)
	}
	if len(pub.published) != 3 {
		t.Fatalf("expected 3 published events, got %d", len(pub.published))
	}
	for _, evt := range pub.published {
		if evt.EventType != "archive.ingested" {
			t.Errorf("unexpected event type %q", evt.EventType)
		}
		if evt.Data["archive_id"] == "" {
			t.Error("event missing archive_id")
		}
	}
}

func TestRunner_BumpsRequeueCount(t *testing.T) {
	store := memory.NewStore()
	pub := &mockPublisher{}
	seedArchives(t, store, 1, "pending")

	r := NewRunner(store, pub, "mailpipe", testPolicy(), slog.Default())
	r.Run(context.Background(), []Query{archiveQuery(0)})
	r.Run(context.Background(), []Query{archiveQuery(0)})

	doc, err := store.Get(context.Background(), "archives", "arc-0")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if count := doc["requeue_count"]; count != 2 {
		t.Errorf("expected requeue_count 2, got %v", count)
	}
	// Status field is never touched by requeue
	if doc["status"] != "pending" {
		t.Errorf("status changed to %v", doc["status"])
	}
}

func TestRunner_BuilderErrorSkipsDocument(t *testing.T) {
	store := memory.NewStore()
	pub := &mockPublisher{}
	seedArchives(t, store, 3, "pending")

	q := archiveQuery(0)
	q.BuildEventData = func(doc storage.Document) (map[string]any, error) {
		if doc["id"] == "arc-1" {
			return nil, errors.New("corrupt document")
		}
		return map[string]any{"archive_id": doc["id"]}, nil
	}

	r := NewRunner(store, pub, "mailpipe", testPolicy(), slog.Default())
	n := r.Run(context.Background(), []Query{q})

	// One skipped, the rest still requeued
	if n != 2 {
		t.Errorf("expected 2 requeued, got %d", n)
	}
}

func TestRunner_PublishFailureDoesNotPanic(t *testing.T) {
	store := memory.NewStore()
	pub := &mockPublisher{failAll: true}
	seedArchives(t, store, 2, "pending")

	r := NewRunner(store, pub, "mailpipe", testPolicy(), slog.Default())
	n := r.Run(context.Background(), []Query{archiveQuery(0)})

	if n != 0 {
		t.Errorf("expected 0 requeued, got %d", n)
	}
}

// failingStore errors every query, simulating a store outage at boot.
type failingStore struct {
	storage.DocumentStore
}

func (failingStore) Query(ctx context.Context, collection string, filter storage.Filter, limit int) ([]storage.Document, error) {
	return nil, errors.New("store unavailable")
}

func TestRunner_StoreQueryFailureDoesNotFail(t *testing.T) {
	store := failingStore{memory.NewStore()}
	pub := &mockPublisher{}

	r := NewRunner(store, pub, "mailpipe", testPolicy(), slog.Default())
	n := r.Run(context.Background(), []Query{archiveQuery(0)})

	// Startup continues: the failure is logged, not raised
	if n != 0 {
		t.Errorf("expected 0 requeued, got %d", n)
	}
	if len(pub.published) != 0 {
		t.Errorf("expected no published events, got %d", len(pub.published))
	}
}

func TestRunner_RespectsLimit(t *testing.T) {
	store := memory.NewStore()
	pub := &mockPublisher{}
	seedArchives(t, store, 10, "pending")

	r := NewRunner(store, pub, "mailpipe", testPolicy(), slog.Default())
	n := r.Run(context.Background(), []Query{archiveQuery(4)})

	if n != 4 {
		t.Errorf("expected 4 requeued, got %d", n)
	}
}

// =============================================================================
// FieldWarner Tests
// =============================================================================

func TestFieldWarner_DeduplicatesByField(t *testing.T) {
	w := NewFieldWarner(slog.Default())

	// No assertion on log output; just exercise concurrent access
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.Warn("archives", fmt.Sprintf("arc-%d", i), "list_id")
		}(i)
	}
	wg.Wait()

	if !w.seen["list_id"] {
		t.Error("field should be marked seen")
	}
}
