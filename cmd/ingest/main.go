// The ingest binary runs the admission API: event validation, dedup,
// and appends to the per-shard ordered log, plus the admin surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/matchpulse/internal/config"
	"github.com/terminal-bench/matchpulse/internal/dedup"
	"github.com/terminal-bench/matchpulse/internal/dlq"
	"github.com/terminal-bench/matchpulse/internal/ingest"
	"github.com/terminal-bench/matchpulse/internal/registry"
	"github.com/terminal-bench/matchpulse/internal/schema"
	"github.com/terminal-bench/matchpulse/internal/stream"
	"github.com/terminal-bench/matchpulse/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "ingest"})

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	validator := schema.NewValidator()
	validator.Strict = cfg.StrictTypes

	streamLog := stream.NewLog(rdb)
	dedupSvc := dedup.NewService(rdb, dedup.Config{
		Mode:       dedup.Mode(cfg.DedupMode),
		TTL:        cfg.DedupTTL,
		MaxSetSize: cfg.DedupMaxSetSize,
	}, logger)
	dlqMgr := dlq.NewManager(rdb, streamLog, cfg.MaxRetries, logger)

	var reg *registry.Registry
	if len(cfg.EtcdEndpoints) > 0 && cfg.EtcdEndpoints[0] != "" {
		reg, err = registry.New(cfg.EtcdEndpoints, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("etcd registry unavailable")
		}
		defer reg.Close(context.Background())
	}

	server := ingest.NewServer(rdb, validator, dedupSvc, streamLog, dlqMgr, reg, logger)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("ingest listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	server.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
}
