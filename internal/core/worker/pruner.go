package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ptmai/mailpipe/internal/core/domain"
	"github.com/ptmai/mailpipe/internal/infra/storage"
)

// prunedCollections are the derived collections subject to retention.
// Summaries are kept forever; they are the product of the pipeline.
var prunedCollections = []string{
	domain.CollectionArchives,
	domain.CollectionMessages,
	domain.CollectionChunks,
}

// Pruner deletes old pipeline data based on retention policy.
type Pruner struct {
	retention time.Duration
	store     storage.DocumentStore
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker. A non-positive retention disables it.
func NewPruner(retention time.Duration, store storage.DocumentStore, log *slog.Logger) *Pruner {
	return &Pruner{
		retention: retention,
		store:     store,
		log:       log,
	}
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	// Check at roughly 10% of the retention period, clamped to [1m, 1h].
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	threshold := time.Now().Add(-p.retention)

	for _, collection := range prunedCollections {
		n, err := p.store.Purge(ctx, collection, threshold)
		if err != nil {
			p.log.Error("Failed to prune collection", "collection", collection, "error", err)
			continue
		}
		if n > 0 {
			p.log.Info("Pruned old documents", "collection", collection, "count", n)
		}
	}
}
