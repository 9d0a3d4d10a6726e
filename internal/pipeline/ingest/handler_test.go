package ingest

import (
	"context"
	"log/slog"
	"testing"

	"github.com/ptmai/mailpipe/internal/core/domain"
	"github.com/ptmai/mailpipe/internal/infra/bus"
	busmemory "github.com/ptmai/mailpipe/internal/infra/bus/memory"
	"github.com/ptmai/mailpipe/internal/infra/storage"
	"github.com/ptmai/mailpipe/internal/infra/storage/memory"
	"github.com/ptmai/mailpipe/internal/resilience/retry"
)

const testMbox = `From alice@example.com Mon Jan  2 15:04:05 2006
From: Alice <alice@example.com>
Subject: Proposal: faster GC
Message-ID: <msg-1@example.com>
Date: Mon, 2 Jan 2006 15:04:05 -0700

We should look at reducing pause times.
From bob@example.com Mon Jan  2 16:00:00 2006
From: Bob <bob@example.com>
Subject: Re: Proposal: faster GC
Message-ID: <msg-2@example.com>
Date: Mon, 2 Jan 2006 16:00:00 -0700

Sounds good to me.
From carol@example.com Tue Jan  3 09:00:00 2006
From: Carol <carol@example.com>
Subject: Release schedule
Message-ID: <msg-3@example.com>
Date: Tue, 3 Jan 2006 09:00:00 -0700

When is the next release planned?
`

func seedArchive(t *testing.T, store storage.DocumentStore, id string) {
	t.Helper()
	_, err := store.Insert(context.Background(), domain.CollectionArchives, storage.Document{
		"id":      id,
		"list_id": "golang-dev",
		"status":  string(domain.StatusPending),
		"raw":     testMbox,
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func ingestedEvent(archiveID string) *bus.Envelope {
	return bus.NewEnvelope(string(domain.EventTypeArchiveIngested), map[string]any{
		"archive_id": archiveID,
		"list_id":    "golang-dev",
	})
}

func TestHandleArchiveIngested(t *testing.T) {
	store := memory.NewStore()
	b := busmemory.NewBus()
	seedArchive(t, store, "arc-1")

	h := NewHandler(store, b, "mailpipe", 2000, slog.Default())
	ctx := context.Background()

	if err := h.HandleArchiveIngested(ctx, ingestedEvent("arc-1")); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	// Two conversations: the GC proposal thread and the release question
	threads, _ := store.Query(ctx, domain.CollectionThreads, nil, 0)
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}

	messages, _ := store.Query(ctx, domain.CollectionMessages, nil, 0)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}

	chunks, _ := store.Query(ctx, domain.CollectionChunks, nil, 0)
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}

	// Archive marked complete
	arc, err := store.Get(ctx, domain.CollectionArchives, "arc-1")
	if err != nil {
		t.Fatalf("get archive failed: %v", err)
	}
	if arc["status"] != string(domain.StatusComplete) {
		t.Errorf("expected complete, got %v", arc["status"])
	}

	// One thread.ready per thread
	ready := 0
	for _, p := range b.Published() {
		if p.RoutingKey == domain.RoutingKeyThreadReady {
			ready++
			if p.Envelope.Data["thread_id"] == "" {
				t.Error("thread.ready missing thread_id")
			}
		}
	}
	if ready != 2 {
		t.Errorf("expected 2 thread.ready events, got %d", ready)
	}
}

func TestHandleArchiveIngested_RedeliveryIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	b := busmemory.NewBus()
	seedArchive(t, store, "arc-1")

	h := NewHandler(store, b, "mailpipe", 2000, slog.Default())
	ctx := context.Background()

	if err := h.HandleArchiveIngested(ctx, ingestedEvent("arc-1")); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := h.HandleArchiveIngested(ctx, ingestedEvent("arc-1")); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	// Completed archive short-circuits: no extra documents, no extra events
	messages, _ := store.Query(ctx, domain.CollectionMessages, nil, 0)
	if len(messages) != 3 {
		t.Errorf("expected 3 messages after redelivery, got %d", len(messages))
	}

	ready := 0
	for _, p := range b.Published() {
		if p.RoutingKey == domain.RoutingKeyThreadReady {
			ready++
		}
	}
	if ready != 2 {
		t.Errorf("expected 2 thread.ready events after redelivery, got %d", ready)
	}
}

func TestHandleArchiveIngested_MidFlightRedelivery(t *testing.T) {
	store := memory.NewStore()
	b := busmemory.NewBus()
	seedArchive(t, store, "arc-1")

	h := NewHandler(store, b, "mailpipe", 2000, slog.Default())
	ctx := context.Background()

	// Simulate a crash after the archive was marked processing
	if err := store.Update(ctx, domain.CollectionArchives, "arc-1", storage.Document{
		"status": string(domain.StatusProcessing),
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := h.HandleArchiveIngested(ctx, ingestedEvent("arc-1")); err != nil {
		t.Fatalf("redelivery of in-flight archive failed: %v", err)
	}

	arc, _ := store.Get(ctx, domain.CollectionArchives, "arc-1")
	if arc["status"] != string(domain.StatusComplete) {
		t.Errorf("expected complete, got %v", arc["status"])
	}
}

func TestHandleArchiveIngested_MissingArchiveID(t *testing.T) {
	h := NewHandler(memory.NewStore(), busmemory.NewBus(), "mailpipe", 2000, slog.Default())

	evt := bus.NewEnvelope(string(domain.EventTypeArchiveIngested), map[string]any{})
	err := h.HandleArchiveIngested(context.Background(), evt)
	if err == nil {
		t.Fatal("expected error for missing archive_id")
	}
	// Malformed events are terminal, not retryable
	if retry.IsRetryable(err) {
		t.Error("malformed event should not be retryable")
	}
}

func TestHandleArchiveIngested_UnknownArchiveIsRetryable(t *testing.T) {
	h := NewHandler(memory.NewStore(), busmemory.NewBus(), "mailpipe", 2000, slog.Default())

	err := h.HandleArchiveIngested(context.Background(), ingestedEvent("arc-missing"))
	if err == nil {
		t.Fatal("expected error for unknown archive")
	}
	// The archive write may just not be visible yet
	if !retry.IsRetryable(err) {
		t.Error("unknown archive should be retryable")
	}
}

func TestDeriveID_Deterministic(t *testing.T) {
	a := deriveID("thread", "golang-dev", "proposal: faster gc")
	b := deriveID("thread", "golang-dev", "proposal: faster gc")
	if a != b {
		t.Errorf("same inputs should derive the same id: %s vs %s", a, b)
	}
	c := deriveID("thread", "golang-dev", "release schedule")
	if a == c {
		t.Error("different inputs should derive different ids")
	}
}
