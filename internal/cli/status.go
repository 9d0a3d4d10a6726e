package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ptmai/mailpipe/internal/core/domain"
	redisclient "github.com/ptmai/mailpipe/internal/infra/redis"
	"github.com/ptmai/mailpipe/internal/infra/storage"
	"github.com/ptmai/mailpipe/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show document counts per collection and the dead-letter queue depth",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	if cfg.Database.URL == "" {
		slog.Error("status requires a database configured")
		os.Exit(1)
	}

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()
	store := postgres.NewDocumentStore(db)

	collections := []string{
		domain.CollectionArchives,
		domain.CollectionMessages,
		domain.CollectionChunks,
		domain.CollectionThreads,
		domain.CollectionSummaries,
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "COLLECTION\tTOTAL\tPENDING")

	for _, collection := range collections {
		total, err := store.Count(ctx, collection, nil)
		if err != nil {
			slog.Error("Failed to count collection", "collection", collection, "error", err)
			continue
		}
		pending, _ := store.Count(ctx, collection, storage.Filter{
			"status": string(domain.StatusPending),
		})
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", collection, total, pending)
	}
	_ = w.Flush()

	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis", "error", err)
			return
		}
		defer func() {
			_ = rc.Close()
		}()

		dlq := redisclient.NewDeadLetterRepo(rc, "mailpipe")
		count, err := dlq.Count(ctx)
		if err != nil {
			slog.Warn("Failed to count dead letters", "error", err)
			return
		}
		fmt.Printf("\ndead letters: %d\n", count)
	}
}
