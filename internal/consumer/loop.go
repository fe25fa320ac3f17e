// Package consumer runs the state-consumer orchestrator: it claims
// shards, pulls ordered batches from the log, and drives each event
// through sequence validation, state application, the durable writer,
// and the prediction engine.
package consumer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/matchpulse/internal/analytics"
	"github.com/terminal-bench/matchpulse/internal/config"
	"github.com/terminal-bench/matchpulse/internal/dlq"
	"github.com/terminal-bench/matchpulse/internal/predict"
	"github.com/terminal-bench/matchpulse/internal/schema"
	"github.com/terminal-bench/matchpulse/internal/seqval"
	"github.com/terminal-bench/matchpulse/internal/shard"
	"github.com/terminal-bench/matchpulse/internal/state"
	"github.com/terminal-bench/matchpulse/internal/stream"
	"github.com/terminal-bench/matchpulse/pkg/metrics"
)

// idleReadsBeforeRelease bounds how long a quiet shard is held before
// its lock is released back to the fleet.
const idleReadsBeforeRelease = 3

// predictionTimeout is the absolute budget for one prediction pass; on
// expiry the consumer degrades by skipping the prediction.
const predictionTimeout = 5 * time.Second

// NewID builds a consumer identity unique across restarts.
func NewID() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("%d-%s", os.Getpid(), hex.EncodeToString(buf))
}

// Consumer orchestrates shard processing for one process.
type Consumer struct {
	id        string
	cfg       *config.Config
	log       *stream.Log
	locks     *shard.Manager
	seq       *seqval.Validator
	states    *state.Store
	engine    *predict.Engine
	preds     *predict.Store
	writer    *analytics.Writer
	dlq       *dlq.Manager
	telemetry *analytics.Telemetry // nil disables the side channel
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	lost   chan string
}

// Deps carries the consumer's collaborators.
type Deps struct {
	Log       *stream.Log
	Locks     *shard.Manager
	Seq       *seqval.Validator
	States    *state.Store
	Engine    *predict.Engine
	Preds     *predict.Store
	Writer    *analytics.Writer
	DLQ       *dlq.Manager
	Telemetry *analytics.Telemetry
}

// New builds a consumer.
func New(id string, cfg *config.Config, d Deps, logger zerolog.Logger) *Consumer {
	return &Consumer{
		id:        id,
		cfg:       cfg,
		log:       d.Log,
		locks:     d.Locks,
		seq:       d.Seq,
		states:    d.States,
		engine:    d.Engine,
		preds:     d.Preds,
		writer:    d.Writer,
		dlq:       d.DLQ,
		telemetry: d.Telemetry,
		logger:    logger.With().Str("component", "consumer").Str("consumer_id", id).Logger(),
		active:    make(map[string]context.CancelFunc),
		lost:      make(chan string, 16),
	}
}

// Run discovers and processes shards until ctx is cancelled, then
// releases all locks and drains the writer.
func (c *Consumer) Run(ctx context.Context) error {
	c.writer.Run(ctx)
	go c.locks.Heartbeat(ctx, c.lost)
	go c.watchLostLocks(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ShardConcurrency)

	ticker := time.NewTicker(c.cfg.DiscoveryInterval)
	defer ticker.Stop()

	c.logger.Info().Msg("consumer started")
	c.discover(gctx, g)
	for {
		select {
		case <-ctx.Done():
			return c.shutdown(g)
		case <-ticker.C:
			c.discover(gctx, g)
		}
	}
}

// discover enumerates active shards and claims the ones nobody owns.
func (c *Consumer) discover(ctx context.Context, g *errgroup.Group) {
	shards, err := c.log.ActiveShards(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("shard discovery failed")
		return
	}
	for _, shardKey := range shards {
		if c.isActive(shardKey) {
			continue
		}
		key := shardKey
		started := g.TryGo(func() error {
			c.runShard(ctx, key)
			return nil
		})
		if !started {
			return // at the concurrency limit; next tick retries
		}
	}
}

func (c *Consumer) isActive(shardKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[shardKey]
	return ok
}

func (c *Consumer) setActive(shardKey string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.active[shardKey] = cancel
	c.mu.Unlock()
}

func (c *Consumer) clearActive(shardKey string) {
	c.mu.Lock()
	delete(c.active, shardKey)
	c.mu.Unlock()
}

// watchLostLocks abandons in-flight work for shards whose lease refresh
// failed. Per-shard processing state is dropped so a later re-acquire
// starts from the durable sequence counter, not a stale local buffer.
func (c *Consumer) watchLostLocks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case shardKey := <-c.lost:
			metrics.LockLost.Inc()
			c.logger.Warn().Str("shard", shardKey).Msg("lock lost, abandoning shard")
			c.mu.Lock()
			cancel, ok := c.active[shardKey]
			c.mu.Unlock()
			if ok {
				cancel()
			}
			c.seq.DropShard(shardKey)
			c.engine.DropShard(shardKey)
		}
	}
}

// runShard owns one shard for as long as the lock holds and work keeps
// arriving. Exactly one goroutine per shard runs this.
func (c *Consumer) runShard(ctx context.Context, shardKey string) {
	ok, err := c.locks.Acquire(ctx, shardKey)
	if err != nil {
		c.logger.Warn().Err(err).Str("shard", shardKey).Msg("lock acquire failed")
		return
	}
	if !ok {
		return // another consumer owns it
	}

	shardCtx, cancel := context.WithCancel(ctx)
	c.setActive(shardKey, cancel)
	metrics.ShardsHeld.Inc()
	defer func() {
		cancel()
		c.clearActive(shardKey)
		metrics.ShardsHeld.Dec()
		if c.locks.Holds(shardKey) {
			releaseCtx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
			c.locks.Release(releaseCtx, shardKey)
			rcancel()
		}
	}()

	if err := c.log.EnsureGroup(shardCtx, shardKey); err != nil {
		c.logger.Warn().Err(err).Str("shard", shardKey).Msg("ensure group failed")
		return
	}

	log := c.logger.With().Str("shard", shardKey).Logger()
	log.Debug().Msg("shard claimed")

	// Stream entry ids of buffered events, keyed by seq_no, so drained
	// events can be acked when their turn comes.
	bufferedEntries := make(map[int64]string)

	idle := 0
	for shardCtx.Err() == nil && idle < idleReadsBeforeRelease {
		entries, err := c.log.ClaimStale(shardCtx, shardKey, c.id, c.cfg.ClaimMinIdle, int64(c.cfg.ConsumerBatchSize))
		if err != nil {
			log.Warn().Err(err).Msg("stale claim failed")
		}
		if len(entries) == 0 {
			entries, err = c.log.ReadBatch(shardCtx, shardKey, c.id,
				int64(c.cfg.ConsumerBatchSize), time.Duration(c.cfg.ConsumerBlockMS)*time.Millisecond)
			if err != nil {
				if shardCtx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("batch read failed")
				continue
			}
		}
		if len(entries) == 0 {
			idle++
			continue
		}
		idle = 0

		for _, entry := range entries {
			if shardCtx.Err() != nil {
				return
			}
			if !c.locks.Holds(shardKey) {
				return // lost mid-batch; abandon without ack
			}
			c.processEntry(shardCtx, log, shardKey, entry, bufferedEntries)
		}
	}
	log.Debug().Msg("shard released")
}

// processEntry runs the §4.9 per-entry pipeline. Buffered entries are
// not acked; their ids wait in bufferedEntries until the gap heals.
func (c *Consumer) processEntry(ctx context.Context, log zerolog.Logger, shardKey string,
	entry stream.Entry, bufferedEntries map[int64]string) {

	if entry.Event == nil {
		// Undecodable entry: nothing downstream can use it, ack so the
		// shard is not wedged.
		log.Warn().Str("entry_id", entry.ID).Msg("acking undecodable log entry")
		c.log.Ack(ctx, shardKey, entry.ID)
		return
	}
	ev := entry.Event
	if ev.TraceID == "" {
		ev.TraceID = entry.ID
	}

	res, err := c.seq.Validate(ctx, shardKey, ev)
	if err != nil {
		log.Warn().Err(err).Str("event_id", ev.EventID).Msg("sequence check degraded, processing in arrival order")
		res = seqval.Result{Action: seqval.ActionProcess}
	}

	switch res.Action {
	case seqval.ActionBuffer:
		bufferedEntries[ev.SeqNo] = entry.ID
		return

	case seqval.ActionDrop:
		// Lateness is measured against ts_event, so an entry redelivered
		// after a failed attempt (claim idle time alone exceeds the
		// window) always looks late. A pending retry count marks it as a
		// redelivery: the retry budget decides its fate, not the window.
		_, pending, rerr := c.dlq.RetryCount(ctx, shardKey, ev.EventID)
		if rerr != nil {
			log.Warn().Err(rerr).Str("event_id", ev.EventID).Msg("retry lookup failed, treating as late")
		}
		if pending {
			c.retryEntry(ctx, log, shardKey, entry.ID, ev)
			return
		}
		// Terminal: past the lateness window. Ack so it is not redelivered.
		c.log.Ack(ctx, shardKey, entry.ID)
		return

	case seqval.ActionReprocess:
		c.retryEntry(ctx, log, shardKey, entry.ID, ev)
		return

	case seqval.ActionProcess:
		if err := c.pipeline(ctx, log, shardKey, ev); err != nil {
			c.handleFailure(ctx, log, shardKey, entry.ID, ev, err)
		} else {
			c.ackProcessed(ctx, shardKey, entry.ID, ev)
		}
		// Buffered successors drained by this event follow in order.
		for _, ready := range res.Ready {
			entryID := bufferedEntries[ready.SeqNo]
			delete(bufferedEntries, ready.SeqNo)
			if err := c.pipeline(ctx, log, shardKey, ready); err != nil {
				c.handleFailure(ctx, log, shardKey, entryID, ready, err)
				continue
			}
			c.ackProcessed(ctx, shardKey, entryID, ready)
		}
	}
}

// retryEntry runs the pipeline for an event seen before: a late arrival
// or a redelivery of a failed attempt. The applied-id window in the
// state makes a second application a no-op, so this is safe either way.
func (c *Consumer) retryEntry(ctx context.Context, log zerolog.Logger, shardKey, entryID string, ev *schema.Event) {
	if err := c.pipeline(ctx, log, shardKey, ev); err != nil {
		c.handleFailure(ctx, log, shardKey, entryID, ev, err)
		return
	}
	c.dlq.ClearRetries(ctx, shardKey, ev.EventID)
	c.ackProcessed(ctx, shardKey, entryID, ev)
}

// pipeline is steps (c)-(e) and (g): state, writer, prediction, latency.
func (c *Consumer) pipeline(ctx context.Context, log zerolog.Logger, shardKey string, ev *schema.Event) error {
	stateStart := time.Now()
	st, err := c.states.Load(ctx, ev.MatchID, ev.MapID)
	if err != nil {
		return err
	}
	prevVersion := st.StateVersion
	st = state.Reduce(st, ev)
	if st.StateVersion == prevVersion {
		// The id already mutated this match: nothing to persist, publish,
		// or forward a second time.
		log.Debug().Str("event_id", ev.EventID).Msg("already applied, skipping redelivery")
		return nil
	}
	if err := c.states.Save(ctx, st, ev); err != nil {
		return err
	}
	stateDur := time.Since(stateStart)
	metrics.StageLatency.WithLabelValues("state_update").Observe(stateDur.Seconds())
	c.telemetry.RecordStage("state_update", ev.MatchID, stateDur)

	// Fire-and-forget: durable-writer failures are absorbed by its own
	// breaker and spool, never by this shard.
	c.writer.Write(ev)

	if schema.IsPredictionTrigger(ev.Type) {
		predStart := time.Now()
		predCtx, cancel := context.WithTimeout(ctx, predictionTimeout)
		pred, perr := c.engine.Predict(predCtx, shardKey, st, ev)
		if perr == nil {
			perr = c.preds.Save(predCtx, pred)
		}
		cancel()
		if perr != nil {
			// Degrade: state is applied and acked even when the
			// prediction cannot be produced or published.
			log.Warn().Err(perr).Str("event_id", ev.EventID).Msg("prediction skipped")
		} else {
			predDur := time.Since(predStart)
			metrics.StageLatency.WithLabelValues("prediction").Observe(predDur.Seconds())
			c.telemetry.RecordStage("prediction", ev.MatchID, predDur)
		}
	}

	if ev.Type == schema.TypeMatchEnd {
		if err := c.log.MarkEnded(ctx, shardKey); err != nil {
			log.Warn().Err(err).Msg("mark ended failed")
		}
	}

	if !ev.TsIngest.IsZero() {
		e2e := time.Since(ev.TsIngest)
		metrics.E2ELatency.Observe(e2e.Seconds())
		c.telemetry.RecordE2E(ev.MatchID, string(ev.Type), e2e)
	}
	return nil
}

func (c *Consumer) ackProcessed(ctx context.Context, shardKey, entryID string, ev *schema.Event) {
	if entryID != "" {
		if err := c.log.Ack(ctx, shardKey, entryID); err != nil {
			c.logger.Warn().Err(err).Str("entry_id", entryID).Msg("ack failed")
			return
		}
	}
	metrics.EventsProcessed.Inc()
}

// handleFailure routes a pipeline error through the DLQ manager. The
// entry is acked only when the event was parked; otherwise the log
// redelivers it for another attempt.
func (c *Consumer) handleFailure(ctx context.Context, log zerolog.Logger, shardKey, entryID string,
	ev *schema.Event, procErr error) {

	parked, err := c.dlq.RecordFailure(ctx, shardKey, ev, procErr)
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.EventID).Msg("dlq bookkeeping failed")
		return
	}
	if parked && entryID != "" {
		c.log.Ack(ctx, shardKey, entryID)
	}
}

// shutdown waits for in-flight shard tasks, releases the locks, and
// drains the writer within the configured timeout.
func (c *Consumer) shutdown(g *errgroup.Group) error {
	c.logger.Info().Msg("consumer stopping")
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn().Msg("shard tasks did not finish before timeout; residual entries will be redelivered")
	}

	c.locks.ReleaseAll(ctx)
	if err := c.writer.Close(ctx); err != nil {
		return fmt.Errorf("drain writer: %w", err)
	}
	c.logger.Info().Msg("consumer stopped")
	return nil
}
