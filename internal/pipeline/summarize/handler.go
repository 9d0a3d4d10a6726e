package summarize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ptmai/mailpipe/internal/core/domain"
	"github.com/ptmai/mailpipe/internal/infra/bus"
	"github.com/ptmai/mailpipe/internal/infra/storage"
	"github.com/ptmai/mailpipe/internal/resilience/retry"
)

// Signer produces a detached signature for a summary payload.
type Signer interface {
	Sign(ctx context.Context, payload map[string]any) (string, error)
}

// maxSummaryChars bounds the extract taken from each thread.
const maxSummaryChars = 1500

// Handler produces a signed summary for a ready thread.
type Handler struct {
	store    storage.DocumentStore
	pub      bus.Publisher
	exchange string
	signer   Signer
	log      *slog.Logger
}

// NewHandler creates the thread.ready handler.
func NewHandler(store storage.DocumentStore, pub bus.Publisher, exchange string, signer Signer, log *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		pub:      pub,
		exchange: exchange,
		signer:   signer,
		log:      log,
	}
}

// HandleThreadReady processes one thread.ready event. A thread that already
// carries a summary_ref is a redelivery and is acknowledged without work.
// Breaker-open errors from the signer propagate as-is: there is no point
// retrying locally while the dependency is down, the redelivered event will
// find the breaker recovered or not.
func (h *Handler) HandleThreadReady(ctx context.Context, evt *bus.Envelope) error {
	threadID, _ := evt.Data["thread_id"].(string)
	if threadID == "" {
		return fmt.Errorf("thread.ready event %s missing thread_id", evt.EventID)
	}

	thread, err := h.store.Get(ctx, domain.CollectionThreads, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return retry.Retryablef("thread %s not yet visible", threadID)
	}
	if err != nil {
		return retry.Retryable(fmt.Errorf("failed to load thread %s: %w", threadID, err))
	}

	if ref, _ := thread["summary_ref"].(string); ref != "" {
		h.log.Debug("Thread already summarized", "thread_id", threadID, "summary_ref", ref)
		return nil
	}

	text, msgCount, err := h.compose(ctx, threadID, thread)
	if err != nil {
		return err
	}

	digest := sha256.Sum256([]byte(text))
	digestHex := hex.EncodeToString(digest[:])

	signature, err := h.signer.Sign(ctx, map[string]any{
		"thread_id": threadID,
		"digest":    digestHex,
	})
	if err != nil {
		return fmt.Errorf("failed to sign summary for thread %s: %w", threadID, err)
	}

	summaryID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("summary\x00"+threadID)).String()
	_, err = h.store.Insert(ctx, domain.CollectionSummaries, storage.Document{
		"id":         summaryID,
		"thread_id":  threadID,
		"text":       text,
		"digest":     digestHex,
		"signature":  signature,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return retry.Retryable(fmt.Errorf("failed to insert summary: %w", err))
	}

	if err := h.store.Update(ctx, domain.CollectionThreads, threadID, storage.Document{
		"summary_ref": summaryID,
		"status":      string(domain.StatusComplete),
	}); err != nil {
		return retry.Retryable(fmt.Errorf("failed to link summary to thread: %w", err))
	}

	done := bus.NewEnvelope(string(domain.EventTypeThreadSummarized), map[string]any{
		"thread_id":  threadID,
		"summary_id": summaryID,
	})
	if err := h.pub.Publish(ctx, h.exchange, domain.RoutingKeyThreadSummarized, done); err != nil {
		return retry.Retryable(fmt.Errorf("failed to publish thread.summarized: %w", err))
	}

	h.log.Info("Thread summarized",
		"thread_id", threadID, "summary_id", summaryID, "messages", msgCount)
	return nil
}

// compose builds the summary text from the thread's messages and chunks.
func (h *Handler) compose(ctx context.Context, threadID string, thread storage.Document) (string, int, error) {
	msgs, err := h.store.Query(ctx, domain.CollectionMessages, storage.Filter{"thread_id": threadID}, 0)
	if err != nil {
		return "", 0, retry.Retryable(fmt.Errorf("failed to query messages: %w", err))
	}
	if len(msgs) == 0 {
		// Messages land before the thread.ready publish, so an empty thread
		// means this consumer raced the writer.
		return "", 0, retry.Retryablef("thread %s has no messages yet", threadID)
	}

	chunks, err := h.store.Query(ctx, domain.CollectionChunks, storage.Filter{"thread_id": threadID}, 0)
	if err != nil {
		return "", 0, retry.Retryable(fmt.Errorf("failed to query chunks: %w", err))
	}
	sort.Slice(chunks, func(i, j int) bool {
		mi, _ := chunks[i]["message_id"].(string)
		mj, _ := chunks[j]["message_id"].(string)
		if mi != mj {
			return mi < mj
		}
		return seq(chunks[i]) < seq(chunks[j])
	})

	authors := make(map[string]bool)
	for _, m := range msgs {
		if a, _ := m["author"].(string); a != "" {
			authors[a] = true
		}
	}

	subject, _ := thread["subject"].(string)
	var b strings.Builder
	fmt.Fprintf(&b, "Thread %q: %d message(s) from %d participant(s).\n\n",
		subject, len(msgs), len(authors))

	for _, c := range chunks {
		text, _ := c["text"].(string)
		if text == "" {
			continue
		}
		remaining := maxSummaryChars - b.Len()
		if remaining <= 0 {
			break
		}
		if len(text) > remaining {
			text = text[:remaining]
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	return strings.TrimSpace(b.String()), len(msgs), nil
}

func seq(doc storage.Document) int {
	switch v := doc["seq"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
