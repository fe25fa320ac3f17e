// Package config loads pipeline configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for both binaries.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default when unset
type Config struct {
	// Server
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port string `env:"PORT" envDefault:"8080"`

	// Stores
	RedisURL           string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	ClickHouseURL      string `env:"CLICKHOUSE_URL" envDefault:"http://localhost:8123"`
	ClickHouseDatabase string `env:"CLICKHOUSE_DATABASE" envDefault:"matchpulse"`
	DatabaseURL        string `env:"DATABASE_URL" envDefault:""`

	// Optional integrations; empty disables the component.
	NATSUrl       string   `env:"NATS_URL" envDefault:""`
	EtcdEndpoints []string `env:"ETCD_ENDPOINTS" envSeparator:"," envDefault:""`
	InfluxURL     string   `env:"INFLUX_URL" envDefault:""`
	InfluxToken   string   `env:"INFLUX_TOKEN" envDefault:""`
	InfluxOrg     string   `env:"INFLUX_ORG" envDefault:"matchpulse"`
	InfluxBucket  string   `env:"INFLUX_BUCKET" envDefault:"pipeline"`

	// Admission
	StrictTypes bool `env:"INGEST_STRICT_TYPES" envDefault:"true"`

	// Dedup
	DedupMode       string        `env:"DEDUP_MODE" envDefault:"set"` // set | key
	DedupTTL        time.Duration `env:"DEDUP_TTL" envDefault:"2h"`
	DedupMaxSetSize int64         `env:"DEDUP_MAX_SET_SIZE" envDefault:"50000"`

	// Durable writer
	BatchSize          int           `env:"BATCH_SIZE" envDefault:"100"`
	BatchFlushInterval time.Duration `env:"BATCH_FLUSH_INTERVAL" envDefault:"1s"`
	SpoolDir           string        `env:"SPOOL_DIR" envDefault:"/var/spool/matchpulse"`
	SpoolThreshold     int           `env:"SPOOL_THRESHOLD" envDefault:"2000"`
	MaxBufferSize      int           `env:"MAX_BUFFER_SIZE" envDefault:"50000"`

	// Consumer
	ConsumerBatchSize int           `env:"CONSUMER_BATCH_SIZE" envDefault:"50"`
	ConsumerBlockMS   int           `env:"CONSUMER_BLOCK_MS" envDefault:"2000"`
	DiscoveryInterval time.Duration `env:"DISCOVERY_INTERVAL_MS" envDefault:"5000ms"`
	ShardConcurrency  int           `env:"SHARD_CONCURRENCY" envDefault:"8"`
	ClaimMinIdle      time.Duration `env:"CLAIM_MIN_IDLE_MS" envDefault:"30000ms"`
	LockLease         time.Duration `env:"LOCK_LEASE_MS" envDefault:"30000ms"`
	MaxRetries        int           `env:"MAX_RETRIES" envDefault:"3"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Sequence validation
	GapThreshold      int64         `env:"GAP_THRESHOLD" envDefault:"10"`
	MaxLateness       time.Duration `env:"MAX_LATENESS_MS" envDefault:"2000ms"`
	ReorderBufferSize int           `env:"REORDER_BUFFER_SIZE" envDefault:"100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the
// environment. Priority: env vars > .env > defaults.
func Load() (*Config, error) {
	// Missing .env is fine; containers set real env vars.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.BatchSize < 1 || c.BatchSize > 5000 {
		return fmt.Errorf("BATCH_SIZE must be 1-5000, got %d", c.BatchSize)
	}
	if c.ConsumerBatchSize < 1 {
		return fmt.Errorf("CONSUMER_BATCH_SIZE must be > 0, got %d", c.ConsumerBatchSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be > 0, got %d", c.MaxRetries)
	}
	if c.GapThreshold < 1 {
		return fmt.Errorf("GAP_THRESHOLD must be > 0, got %d", c.GapThreshold)
	}
	if c.ReorderBufferSize < 1 {
		return fmt.Errorf("REORDER_BUFFER_SIZE must be > 0, got %d", c.ReorderBufferSize)
	}
	if c.MaxBufferSize < c.SpoolThreshold {
		return fmt.Errorf("MAX_BUFFER_SIZE (%d) must be >= SPOOL_THRESHOLD (%d)", c.MaxBufferSize, c.SpoolThreshold)
	}
	switch c.DedupMode {
	case "set", "key":
	default:
		return fmt.Errorf("DEDUP_MODE must be set or key, got %q", c.DedupMode)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or pretty (got %q)", c.LogFormat)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}
