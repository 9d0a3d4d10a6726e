package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ptmai/mailpipe/internal/infra/bus"
	"github.com/ptmai/mailpipe/internal/infra/bus/rabbit"
	redisclient "github.com/ptmai/mailpipe/internal/infra/redis"
)

var replayLimit int

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Republish dead-lettered events, oldest first",
	Run:   runReplay,
}

func init() {
	replayCmd.Flags().IntVar(&replayLimit, "limit", 10, "maximum dead letters to replay")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	if cfg.Redis.URL == "" || cfg.Bus.URL == "" {
		slog.Error("replay requires both redis and bus configured")
		os.Exit(1)
	}

	rc, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rc.Close()
	}()
	dlq := redisclient.NewDeadLetterRepo(rc, "mailpipe")

	b, err := rabbit.New(cfg.Bus, slog.Default())
	if err != nil {
		slog.Error("Failed to connect to bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = b.Close()
	}()

	replayed := 0
	for replayed < replayLimit {
		dl, err := dlq.Next(ctx)
		if err != nil {
			slog.Error("Failed to fetch dead letter", "error", err)
			os.Exit(1)
		}
		if dl == nil {
			break
		}

		data, _ := dl.OriginalEvent["data"].(map[string]any)
		evt := bus.NewEnvelope(dl.EventType, data)
		if err := b.Publish(ctx, cfg.Bus.Exchange, dl.RoutingKey, evt); err != nil {
			slog.Error("Failed to republish dead letter", "id", dl.ID, "error", err)
			os.Exit(1)
		}

		if err := dlq.Resolve(ctx, dl.ID); err != nil {
			slog.Warn("Republished but failed to resolve", "id", dl.ID, "error", err)
		}

		slog.Info("Replayed dead letter",
			"id", dl.ID, "routing_key", dl.RoutingKey, "attempts", dl.AttemptCount)
		replayed++
	}

	fmt.Printf("replayed %d dead letter(s)\n", replayed)
}
