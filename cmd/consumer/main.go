// The consumer binary runs the state-consumer loop: shard claiming,
// sequence validation, state application, predictions, and the durable
// analytics writer.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/matchpulse/internal/analytics"
	"github.com/terminal-bench/matchpulse/internal/config"
	"github.com/terminal-bench/matchpulse/internal/consumer"
	"github.com/terminal-bench/matchpulse/internal/dlq"
	"github.com/terminal-bench/matchpulse/internal/fanout"
	"github.com/terminal-bench/matchpulse/internal/predict"
	"github.com/terminal-bench/matchpulse/internal/ratings"
	"github.com/terminal-bench/matchpulse/internal/registry"
	"github.com/terminal-bench/matchpulse/internal/seqval"
	"github.com/terminal-bench/matchpulse/internal/shard"
	"github.com/terminal-bench/matchpulse/internal/state"
	"github.com/terminal-bench/matchpulse/internal/stream"
	"github.com/terminal-bench/matchpulse/pkg/circuit"
	"github.com/terminal-bench/matchpulse/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "consumer"})

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	consumerID := consumer.NewID()
	logger = logger.With().Str("consumer_id", consumerID).Logger()

	var ratingSource ratings.Source = ratings.Static{}
	if cfg.DatabaseURL != "" {
		repo, err := ratings.NewRepo(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("ratings database unavailable")
		}
		defer repo.Close()
		ratingSource = repo
	}

	var telemetry *analytics.Telemetry
	if cfg.InfluxURL != "" {
		telemetry = analytics.NewTelemetry(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger)
		defer telemetry.Close()
	}

	spool, err := analytics.NewSpool(cfg.SpoolDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("spool directory unavailable")
	}
	writer := analytics.NewWriter(
		analytics.NewClickHouse(cfg.ClickHouseURL, cfg.ClickHouseDatabase),
		spool,
		analytics.WriterConfig{
			FlushCount:     cfg.BatchSize,
			FlushInterval:  cfg.BatchFlushInterval,
			SpoolThreshold: cfg.SpoolThreshold,
			MaxBufferSize:  cfg.MaxBufferSize,
			BreakerConfig:  circuit.Config{MaxFailures: 3, BaseBackoff: 10 * time.Second},
		},
		logger,
	)

	streamLog := stream.NewLog(rdb)
	deps := consumer.Deps{
		Log:   streamLog,
		Locks: shard.NewManager(rdb, consumerID, cfg.LockLease, logger),
		Seq: seqval.New(seqval.NewRedisStore(rdb), seqval.Config{
			GapThreshold: cfg.GapThreshold,
			MaxLateness:  cfg.MaxLateness,
			BufferSize:   cfg.ReorderBufferSize,
		}, logger),
		States:    state.NewStore(rdb),
		Engine:    predict.NewEngine(ratingSource, logger),
		Preds:     predict.NewStore(rdb),
		Writer:    writer,
		DLQ:       dlq.NewManager(rdb, streamLog, cfg.MaxRetries, logger),
		Telemetry: telemetry,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NATSUrl != "" {
		bridge, err := fanout.NewBridge(rdb, cfg.NATSUrl, "matchpulse-consumer-"+consumerID, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats fanout unavailable")
		}
		defer bridge.Close()
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("fanout bridge stopped")
			}
		}()
	}

	if len(cfg.EtcdEndpoints) > 0 && cfg.EtcdEndpoints[0] != "" {
		reg, err := registry.New(cfg.EtcdEndpoints, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("etcd registry unavailable")
		}
		defer reg.Close(context.Background())
		host, _ := os.Hostname()
		if err := reg.Register(ctx, registry.Consumer{
			ID:        consumerID,
			Host:      host,
			StartedAt: time.Now().UTC(),
		}); err != nil {
			logger.Fatal().Err(err).Msg("consumer registration failed")
		}
	}

	// Operational endpoints only; admission runs in the ingest binary.
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/readyz", func(c *gin.Context) {
		pingCtx, pingCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer pingCancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "log unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "writer_circuit": writer.Breaker().State().String()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	srv := &http.Server{Addr: cfg.Addr(), Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("consumer metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	loop := consumer.New(consumerID, cfg, deps, logger)
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info().Msg("shutting down")
		cancel()
		if err := <-done; err != nil {
			logger.Error().Err(err).Msg("consumer stopped with error")
		}
	case err := <-done:
		if err != nil {
			logger.Error().Err(err).Msg("consumer loop exited")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
