package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ptmai/mailpipe/internal/core/domain"
	"github.com/ptmai/mailpipe/internal/infra/bus"
	"github.com/ptmai/mailpipe/internal/infra/storage"
	"github.com/ptmai/mailpipe/internal/pipeline/parse"
	"github.com/ptmai/mailpipe/internal/resilience/retry"
)

// idNamespace makes derived document ids deterministic: the same archive
// redelivered produces the same message, chunk and thread ids, so duplicate
// inserts collapse instead of multiplying.
var idNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Handler turns an ingested archive into messages, chunks and threads.
type Handler struct {
	store     storage.DocumentStore
	writer    *Writer
	pub       bus.Publisher
	exchange  string
	chunkSize int
	log       *slog.Logger
}

// NewHandler creates the archive.ingested handler.
func NewHandler(store storage.DocumentStore, pub bus.Publisher, exchange string, chunkSize int, log *slog.Logger) *Handler {
	return &Handler{
		store:     store,
		writer:    NewWriter(store, log),
		pub:       pub,
		exchange:  exchange,
		chunkSize: chunkSize,
		log:       log,
	}
}

// HandleArchiveIngested processes one archive.ingested event. Safe to
// redeliver: all derived ids are deterministic and every write is
// duplicate-tolerant.
func (h *Handler) HandleArchiveIngested(ctx context.Context, evt *bus.Envelope) error {
	archiveID, _ := evt.Data["archive_id"].(string)
	if archiveID == "" {
		return fmt.Errorf("archive.ingested event %s missing archive_id", evt.EventID)
	}
	listID, _ := evt.Data["list_id"].(string)

	doc, err := h.store.Get(ctx, domain.CollectionArchives, archiveID)
	if errors.Is(err, storage.ErrNotFound) {
		// Event may have outrun the write that created the archive.
		return retry.Retryablef("archive %s not yet visible", archiveID)
	}
	if err != nil {
		return retry.Retryable(fmt.Errorf("failed to load archive %s: %w", archiveID, err))
	}

	if status, _ := doc["status"].(string); status == string(domain.StatusComplete) {
		h.log.Debug("Archive already processed", "archive_id", archiveID)
		return nil
	}
	if listID == "" {
		listID, _ = doc["list_id"].(string)
	}

	raw, _ := doc["raw"].(string)
	if raw == "" {
		return fmt.Errorf("archive %s has no raw content", archiveID)
	}

	if err := h.store.Update(ctx, domain.CollectionArchives, archiveID, storage.Document{
		"status": string(domain.StatusProcessing),
	}); err != nil {
		return retry.Retryable(fmt.Errorf("failed to mark archive processing: %w", err))
	}

	msgs := parse.ParseArchive(raw, h.log)
	threads, messages, chunks := h.buildDocs(archiveID, listID, msgs)

	for _, batch := range []struct {
		collection string
		docs       []storage.Document
	}{
		{domain.CollectionThreads, threads},
		{domain.CollectionMessages, messages},
		{domain.CollectionChunks, chunks},
	} {
		res, err := h.writer.WriteBatch(ctx, batch.collection, batch.docs)
		if err != nil {
			return retry.Retryable(err)
		}
		h.log.Info("Wrote batch",
			"archive_id", archiveID, "collection", batch.collection,
			"inserted", res.Inserted, "skipped", res.Skipped())
	}

	if err := h.store.Update(ctx, domain.CollectionArchives, archiveID, storage.Document{
		"status": string(domain.StatusComplete),
	}); err != nil {
		return retry.Retryable(fmt.Errorf("failed to mark archive complete: %w", err))
	}

	// Publish after all writes land so consumers always find their data.
	for _, t := range threads {
		evt := bus.NewEnvelope(string(domain.EventTypeThreadReady), map[string]any{
			"thread_id": t["id"],
			"list_id":   listID,
		})
		if err := h.pub.Publish(ctx, h.exchange, domain.RoutingKeyThreadReady, evt); err != nil {
			return retry.Retryable(fmt.Errorf("failed to publish thread.ready: %w", err))
		}
	}

	h.log.Info("Archive processed",
		"archive_id", archiveID, "messages", len(messages), "threads", len(threads))
	return nil
}

// buildDocs converts parsed messages into store documents with ids derived
// from their content.
func (h *Handler) buildDocs(archiveID, listID string, msgs []parse.ParsedMessage) (threads, messages, chunks []storage.Document) {
	seenThreads := make(map[string]bool)

	for i, m := range msgs {
		key := parse.ThreadKey(m.Subject)
		threadID := deriveID("thread", listID, key)

		if !seenThreads[threadID] {
			seenThreads[threadID] = true
			threads = append(threads, storage.Document{
				"id":          threadID,
				"list_id":     listID,
				"subject_key": key,
				"subject":     m.Subject,
				"status":      string(domain.StatusPending),
			})
		}

		msgKey := m.MessageID
		if msgKey == "" {
			msgKey = fmt.Sprintf("%s/%d", archiveID, i)
		}
		msgID := deriveID("message", archiveID, msgKey)

		messages = append(messages, storage.Document{
			"id":         msgID,
			"list_id":    listID,
			"archive_id": archiveID,
			"thread_id":  threadID,
			"message_id": msgKey,
			"subject":    m.Subject,
			"author":     m.Author,
			"sent_at":    m.SentAt.Format(time.RFC3339),
			"status":     string(domain.StatusComplete),
		})

		for seq, text := range parse.ChunkBody(m.Body, h.chunkSize) {
			chunks = append(chunks, storage.Document{
				"id":         deriveID("chunk", msgID, fmt.Sprintf("%d", seq)),
				"message_id": msgID,
				"thread_id":  threadID,
				"seq":        seq,
				"text":       text,
			})
		}
	}
	return threads, messages, chunks
}

func deriveID(kind string, parts ...string) string {
	name := kind
	for _, p := range parts {
		name += "\x00" + p
	}
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}
