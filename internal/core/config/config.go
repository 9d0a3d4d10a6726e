package config

import (
	"time"

	"github.com/ptmai/mailpipe/internal/infra/bus/rabbit"
	redisclient "github.com/ptmai/mailpipe/internal/infra/redis"
	"github.com/ptmai/mailpipe/internal/infra/storage/postgres"
	"github.com/ptmai/mailpipe/internal/resilience/retry"
	"github.com/ptmai/mailpipe/internal/signing"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Bus      rabbit.Config      `yaml:"bus"`
	Retry    retry.Config       `yaml:"retry"`
	Signer   signing.Config     `yaml:"signer"`
	Pipeline PipelineConfig     `yaml:"pipeline"`
	Requeue  []RequeueEntry     `yaml:"requeue"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// PipelineConfig holds settings for the ingest and summarize stages.
type PipelineConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	RetentionPeriod time.Duration `yaml:"retention_period"` // 0 = infinite
	RequeueLimit    int           `yaml:"requeue_limit"`
	RequeueTimeout  time.Duration `yaml:"requeue_timeout"`
}

// RequeueEntry declares one startup-requeue scan. Entries in config override
// the built-in defaults entirely.
type RequeueEntry struct {
	Collection string         `yaml:"collection"`
	Filter     map[string]any `yaml:"filter"`
	IDField    string         `yaml:"id_field"`
	EventType  string         `yaml:"event_type"`
	RoutingKey string         `yaml:"routing_key"`
	Limit      int            `yaml:"limit"`
}
