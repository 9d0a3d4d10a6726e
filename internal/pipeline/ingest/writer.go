package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ptmai/mailpipe/internal/infra/storage"
	"github.com/ptmai/mailpipe/internal/metrics"
)

// Writer inserts documents with duplicate-tolerant semantics. Inserts are
// classified rather than blindly propagated: duplicates and invalid
// documents are absorbed so redelivered events converge on the same state.
type Writer struct {
	store storage.DocumentStore
	log   *slog.Logger
}

// NewWriter creates a writer over the given store.
func NewWriter(store storage.DocumentStore, log *slog.Logger) *Writer {
	return &Writer{store: store, log: log}
}

// BatchResult counts insert outcomes for one batch.
type BatchResult struct {
	Inserted  int
	Duplicate int
	Invalid   int
}

// Skipped returns how many documents were absorbed without insertion.
func (r BatchResult) Skipped() int {
	return r.Duplicate + r.Invalid
}

// WriteBatch inserts each document and classifies the outcome. Duplicates
// and validation failures are logged and skipped; any other error aborts the
// batch so the caller's retry machinery redelivers the whole event.
func (w *Writer) WriteBatch(ctx context.Context, collection string, docs []storage.Document) (BatchResult, error) {
	var res BatchResult
	for _, doc := range docs {
		_, err := w.store.Insert(ctx, collection, doc)
		switch {
		case err == nil:
			res.Inserted++
			metrics.DocumentsWrittenTotal.WithLabelValues(collection, "inserted").Inc()

		case errors.Is(err, storage.ErrAlreadyExists):
			res.Duplicate++
			metrics.DocumentsWrittenTotal.WithLabelValues(collection, "duplicate").Inc()
			w.log.Debug("Skipping duplicate document",
				"collection", collection, "id", storage.DocID(doc))

		case errors.Is(err, storage.ErrValidation):
			res.Invalid++
			metrics.DocumentsWrittenTotal.WithLabelValues(collection, "invalid").Inc()
			w.log.Warn("Skipping invalid document",
				"collection", collection, "id", storage.DocID(doc), "error", err)

		default:
			metrics.DocumentsWrittenTotal.WithLabelValues(collection, "error").Inc()
			w.log.Error("Batch write aborted",
				"collection", collection, "id", storage.DocID(doc),
				"inserted", res.Inserted, "error", err)
			return res, fmt.Errorf("failed to insert into %s: %w", collection, err)
		}
	}
	return res, nil
}
