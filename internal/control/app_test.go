package control

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ptmai/mailpipe/internal/core/config"
	"github.com/ptmai/mailpipe/internal/core/domain"
	"github.com/ptmai/mailpipe/internal/infra/bus/rabbit"
	"github.com/ptmai/mailpipe/internal/infra/storage"
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
`

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Server: config.ServerConfig{Port: 0},
		Bus:    rabbit.Config{Exchange: "mailpipe"},
		Retry: retry.Config{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
			TTL:         time.Second,
		},
		Pipeline: config.PipelineConfig{
			ChunkSize:      2000,
			RequeueLimit:   100,
			RequeueTimeout: 5 * time.Second,
		},
	}
}

// The end-to-end path with in-process substitutes: a stuck archive is
// requeued at startup, flows through parsing and summarization, and ends as
// a signed summary.
func TestApp_StartupRequeueDrivesPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := NewApp(ctx, testConfig(), slog.Default())
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}

	// A crash left this archive pending with no event in flight
	_, err = app.Store().Insert(ctx, domain.CollectionArchives, storage.Document{
		"id":      "arc-stuck",
		"list_id": "golang-dev",
		"status":  string(domain.StatusPending),
		"raw":     testMbox,
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	// The in-process bus dispatches synchronously, so by the time Start
	// returns the whole cascade has run.
	arc, err := app.Store().Get(ctx, domain.CollectionArchives, "arc-stuck")
	if err != nil {
		t.Fatalf("get archive failed: %v", err)
	}
	if arc["status"] != string(domain.StatusComplete) {
		t.Errorf("expected archive complete, got %v", arc["status"])
	}

	threads, _ := app.Store().Query(ctx, domain.CollectionThreads, nil, 0)
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %d", len(threads))
	}
	if ref, _ := threads[0]["summary_ref"].(string); ref == "" {
		t.Error("thread should be linked to its summary")
	}

	summaries, _ := app.Store().Query(ctx, domain.CollectionSummaries, nil, 0)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if sig, _ := summaries[0]["signature"].(string); !strings.HasPrefix(sig, "dev:") {
		t.Errorf("expected dev signature, got %v", summaries[0]["signature"])
	}
}

func TestApp_StartWithNothingStuck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := NewApp(ctx, testConfig(), slog.Default())
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestDefaultRequeueEntries(t *testing.T) {
	entries := defaultRequeueEntries(42)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Limit != 42 {
			t.Errorf("entry %s limit = %d, want 42", e.Collection, e.Limit)
		}
	}
	// Threads are selected by missing summary_ref, never by status alone
	if _, ok := entries[1].Filter["summary_ref"]; !ok {
		t.Error("thread entry should filter on summary_ref")
	}
}
