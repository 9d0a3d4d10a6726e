package control

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/ptmai/mailpipe/internal/core/config"
	"github.com/ptmai/mailpipe/internal/core/domain"
	"github.com/ptmai/mailpipe/internal/core/worker"
	"github.com/ptmai/mailpipe/internal/health"
	"github.com/ptmai/mailpipe/internal/infra/bus"
	busmemory "github.com/ptmai/mailpipe/internal/infra/bus/memory"
	"github.com/ptmai/mailpipe/internal/infra/bus/rabbit"
	redisclient "github.com/ptmai/mailpipe/internal/infra/redis"
	"github.com/ptmai/mailpipe/internal/infra/storage"
	"github.com/ptmai/mailpipe/internal/infra/storage/memory"
	"github.com/ptmai/mailpipe/internal/infra/storage/postgres"
	"github.com/ptmai/mailpipe/internal/pipeline/consumer"
	"github.com/ptmai/mailpipe/internal/pipeline/ingest"
	"github.com/ptmai/mailpipe/internal/pipeline/summarize"
	"github.com/ptmai/mailpipe/internal/resilience/requeue"
	"github.com/ptmai/mailpipe/internal/resilience/retry"
	"github.com/ptmai/mailpipe/internal/signing"
)

// App wires the pipeline together and manages its lifecycle.
type App struct {
	cfg          *config.AppConfig
	store        storage.DocumentStore
	db           *postgres.DB
	redisClient  *redisclient.Client
	dlq          *redisclient.DeadLetterRepo
	eventBus     bus.Bus
	signer       *signing.Client
	consumer     *consumer.Consumer
	requeuer     *requeue.Runner
	pruner       *worker.Pruner
	healthServer *health.Server
	log          *slog.Logger
}

// NewApp creates an App with all dependencies initialized. Postgres, Redis,
// RabbitMQ and the signer are each optional; missing ones fall back to
// in-process substitutes so the pipeline runs in development unchanged.
func NewApp(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*App, error) {
	app := &App{cfg: cfg, log: log}

	// 1. Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		app.db = db
		app.store = postgres.NewDocumentStore(db)
		log.Info("Using PostgreSQL storage")
	} else {
		app.store = memory.NewStore()
		log.Info("Using memory storage")
	}

	// 2. Dead-letter queue
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, dead-letter queue disabled", "error", err)
		} else {
			app.redisClient = rc
			app.dlq = redisclient.NewDeadLetterRepo(rc, "mailpipe")
		}
	}

	// 3. Event bus
	if cfg.Bus.URL != "" {
		b, err := rabbit.New(cfg.Bus, log)
		if err != nil {
			return nil, fmt.Errorf("failed to init bus: %w", err)
		}
		app.eventBus = b
		log.Info("Using RabbitMQ bus", "exchange", cfg.Bus.Exchange)
	} else {
		app.eventBus = busmemory.NewBus()
		log.Info("Using in-process bus")
	}

	// 4. Signer
	var signer summarize.Signer
	if cfg.Signer.Endpoint != "" {
		sc, err := signing.NewClient(ctx, cfg.Signer)
		if err != nil {
			return nil, fmt.Errorf("failed to init signer: %w", err)
		}
		app.signer = sc
		signer = sc
	} else {
		signer = devSigner{}
		log.Warn("No signer endpoint configured, using local digest signer")
	}

	policy := retry.NewPolicy(cfg.Retry)
	exchange := cfg.Bus.Exchange

	// 5. Consumers and requeue
	var dlqSink consumer.DeadLetterSink
	if app.dlq != nil {
		dlqSink = app.dlq
	}
	app.consumer = consumer.New(app.eventBus, exchange, policy, dlqSink, nil, log)
	app.requeuer = requeue.NewRunner(app.store, app.eventBus, exchange, policy, log)
	app.pruner = worker.NewPruner(cfg.Pipeline.RetentionPeriod, app.store, log)

	ingestHandler := ingest.NewHandler(app.store, app.eventBus, exchange, cfg.Pipeline.ChunkSize, log)
	summarizeHandler := summarize.NewHandler(app.store, app.eventBus, exchange, signer, log)

	if err := app.consumer.Subscribe(ctx, domain.RoutingKeyArchiveIngested, ingestHandler.HandleArchiveIngested); err != nil {
		return nil, fmt.Errorf("failed to subscribe ingest handler: %w", err)
	}
	if err := app.consumer.Subscribe(ctx, domain.RoutingKeyThreadReady, summarizeHandler.HandleThreadReady); err != nil {
		return nil, fmt.Errorf("failed to subscribe summarize handler: %w", err)
	}

	// 6. Health surface
	var redisPinger health.Pinger
	if app.redisClient != nil {
		redisPinger = app.redisClient
	}
	var breakerSurface health.BreakerSurface
	if app.signer != nil {
		breakerSurface = app.signer
	}
	var dlCounter health.DeadLetterCounter
	if app.dlq != nil {
		dlCounter = app.dlq
	}
	monitor := health.NewMonitor(app.store, redisPinger, breakerSurface, dlCounter)
	app.healthServer = health.NewServer(monitor, cfg.Server.Port)

	return app, nil
}

// Store exposes the document store for the CLI.
func (a *App) Store() storage.DocumentStore { return a.store }

// Bus exposes the event bus for the CLI.
func (a *App) Bus() bus.Bus { return a.eventBus }

// DeadLetters exposes the dead-letter queue, nil when redis is not configured.
func (a *App) DeadLetters() *redisclient.DeadLetterRepo { return a.dlq }

// Exchange returns the configured exchange name.
func (a *App) Exchange() string { return a.cfg.Bus.Exchange }

// Start runs startup requeue, then brings up the background workers.
// Requeue runs to completion before anything else so stuck documents are
// back in flight the moment live consumption begins.
func (a *App) Start(ctx context.Context) error {
	requeueTimeout := a.cfg.Pipeline.RequeueTimeout
	if requeueTimeout <= 0 {
		requeueTimeout = 30 * time.Second
	}
	requeueCtx, cancel := context.WithTimeout(ctx, requeueTimeout)
	a.requeuer.Run(requeueCtx, a.requeueQueries())
	cancel()

	go func() {
		if err := a.healthServer.Start(); err != nil {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	go a.pruner.Start(ctx)

	a.log.Info("Pipeline started", "port", a.cfg.Server.Port)
	return nil
}

// Stop shuts the application down.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping pipeline...")

	if err := a.eventBus.Close(); err != nil {
		a.log.Warn("Failed to close bus", "error", err)
	}
	if a.signer != nil {
		if err := a.signer.Close(); err != nil {
			a.log.Warn("Failed to close signer", "error", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("Failed to close store", "error", err)
	}

	return a.healthServer.Stop(ctx)
}

// devSigner signs with a plain digest. Development only; real deployments
// configure the gRPC signer.
type devSigner struct{}

func (devSigner) Sign(_ context.Context, payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "dev:" + hex.EncodeToString(sum[:]), nil
}
