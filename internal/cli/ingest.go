package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ptmai/mailpipe/internal/core/domain"
	"github.com/ptmai/mailpipe/internal/infra/bus"
	"github.com/ptmai/mailpipe/internal/infra/bus/rabbit"
	"github.com/ptmai/mailpipe/internal/infra/storage"
	"github.com/ptmai/mailpipe/internal/infra/storage/postgres"
)

var ingestListID string

var ingestCmd = &cobra.Command{
	Use:   "ingest <mbox-file>",
	Short: "Register an mbox archive and publish archive.ingested",
	Args:  cobra.ExactArgs(1),
	Run:   runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestListID, "list", "", "mailing list id (defaults to the file name)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	path := args[0]
	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Error("Failed to read archive file", "path", path, "error", err)
		os.Exit(1)
	}

	listID := ingestListID
	if listID == "" {
		listID = filepath.Base(path)
	}

	if cfg.Database.URL == "" || cfg.Bus.URL == "" {
		slog.Error("ingest requires both database and bus configured")
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

	b, err := rabbit.New(cfg.Bus, slog.Default())
	if err != nil {
		slog.Error("Failed to connect to bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = b.Close()
	}()

	archiveID := uuid.New().String()
	if _, err := store.Insert(ctx, domain.CollectionArchives, storage.Document{
		"id":          archiveID,
		"list_id":     listID,
		"source":      path,
		"raw":         string(raw),
		"status":      string(domain.StatusPending),
		"ingested_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		slog.Error("Failed to insert archive", "error", err)
		os.Exit(1)
	}

	evt := bus.NewEnvelope(string(domain.EventTypeArchiveIngested), map[string]any{
		"archive_id": archiveID,
		"list_id":    listID,
	})
	if err := b.Publish(ctx, cfg.Bus.Exchange, domain.RoutingKeyArchiveIngested, evt); err != nil {
		slog.Error("Failed to publish archive.ingested", "error", err)
		os.Exit(1)
	}

	fmt.Printf("archive %s registered for list %s\n", archiveID, listID)
}
