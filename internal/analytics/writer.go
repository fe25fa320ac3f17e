// Package analytics persists the event firehose to the analytics store
// through a batched, circuit-protected writer with a local-disk spool.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/terminal-bench/matchpulse/internal/schema"
	"github.com/terminal-bench/matchpulse/pkg/circuit"
	"github.com/terminal-bench/matchpulse/pkg/metrics"
)

// Sink inserts a batch of events into the analytics store.
type Sink interface {
	Insert(ctx context.Context, events []*schema.Event) error
}

// WriterConfig tunes the durable writer.
type WriterConfig struct {
	FlushCount     int           // flush when the buffer reaches this size
	FlushInterval  time.Duration // flush at least this often
	SpoolThreshold int           // spill to disk past this while the circuit is open
	MaxBufferSize  int           // absolute in-memory cap
	BreakerConfig  circuit.Config
}

func (c *WriterConfig) applyDefaults() {
	if c.FlushCount <= 0 {
		c.FlushCount = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.SpoolThreshold <= 0 {
		c.SpoolThreshold = 2000
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 50000
	}
}

// Writer accepts events without blocking and flushes them in batches.
// When the sink fails repeatedly the breaker opens and overflow is
// spooled to disk; spooled batches are reinserted once the sink
// recovers. The only data-loss path is sink AND spool failing with the
// buffer at its absolute cap.
type Writer struct {
	sink    Sink
	spool   *Spool
	breaker *circuit.Breaker
	cfg     WriterConfig
	log     zerolog.Logger

	mu  sync.Mutex
	buf []*schema.Event

	kick      chan struct{}
	recover   chan struct{}
	stop      chan struct{}
	done      chan struct{}
	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWriter creates a durable writer; call Run to start flushing.
func NewWriter(sink Sink, spool *Spool, cfg WriterConfig, log zerolog.Logger) *Writer {
	cfg.applyDefaults()
	w := &Writer{
		sink:    sink,
		spool:   spool,
		cfg:     cfg,
		log:     log.With().Str("component", "writer").Logger(),
		kick:    make(chan struct{}, 1),
		recover: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	bc := cfg.BreakerConfig
	userHook := bc.OnStateChange
	bc.OnStateChange = func(from, to circuit.State) {
		w.log.Warn().Stringer("from", from).Stringer("to", to).Msg("analytics circuit state change")
		if to == circuit.StateClosed {
			select {
			case w.recover <- struct{}{}:
			default:
			}
		}
		if userHook != nil {
			userHook(from, to)
		}
	}
	w.breaker = circuit.NewBreaker(bc)
	return w
}

// Write enqueues one event. It never blocks on the sink; at worst it
// does a synchronous spool write when the buffer is spilling.
func (w *Writer) Write(ev *schema.Event) {
	w.mu.Lock()
	w.buf = append(w.buf, ev)
	size := len(w.buf)
	w.mu.Unlock()
	metrics.WriterBufferSize.Set(float64(size))

	if size >= w.cfg.FlushCount {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	if size > w.cfg.SpoolThreshold && w.breaker.State() != circuit.StateClosed {
		w.spillOldest()
	}
}

// Run flushes until ctx is cancelled or Close is called.
func (w *Writer) Run(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started = true
		go w.loop(ctx)
	})
}

func (w *Writer) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.kick:
			w.Flush(ctx)
		case <-w.recover:
			w.drainSpool(ctx)
		}
	}
}

// Flush attempts one batch insert. Failures re-queue the batch at the
// front so ordering toward the store is preserved.
func (w *Writer) Flush(ctx context.Context) {
	batch := w.takeBatch()
	if len(batch) == 0 {
		return
	}

	if err := w.breaker.Allow(); err != nil {
		metrics.WriterFlushes.WithLabelValues("skipped").Inc()
		w.requeue(batch)
		return
	}

	if err := w.sink.Insert(ctx, batch); err != nil {
		w.breaker.RecordFailure()
		metrics.WriterFlushes.WithLabelValues("error").Inc()
		w.log.Warn().Err(err).Int("batch", len(batch)).Msg("analytics insert failed")
		w.requeue(batch)
		return
	}
	w.breaker.RecordSuccess()
	metrics.WriterFlushes.WithLabelValues("ok").Inc()
}

// takeBatch removes up to FlushCount events from the buffer front.
func (w *Writer) takeBatch() []*schema.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.buf)
	if n == 0 {
		return nil
	}
	if n > w.cfg.FlushCount {
		n = w.cfg.FlushCount
	}
	batch := make([]*schema.Event, n)
	copy(batch, w.buf)
	w.buf = append(w.buf[:0], w.buf[n:]...)
	metrics.WriterBufferSize.Set(float64(len(w.buf)))
	return batch
}

// requeue puts a failed batch back at the buffer front. Past the
// absolute cap the overflow goes to the spool; only if the spool also
// fails is the batch dropped and counted as data loss.
func (w *Writer) requeue(batch []*schema.Event) {
	w.mu.Lock()
	over := len(w.buf)+len(batch) > w.cfg.MaxBufferSize
	if !over {
		w.buf = append(batch, w.buf...)
		metrics.WriterBufferSize.Set(float64(len(w.buf)))
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if err := w.spool.Write(batch); err != nil {
		metrics.DataLoss.Add(float64(len(batch)))
		w.log.Error().Err(err).Int("dropped", len(batch)).
			Msg("sink and spool both failed with buffer at cap, dropping batch")
		return
	}
	metrics.WriterSpooled.Add(float64(len(batch)))
}

// spillOldest moves the oldest FlushCount events to the disk spool.
func (w *Writer) spillOldest() {
	chunk := w.takeBatch()
	if len(chunk) == 0 {
		return
	}
	if err := w.spool.Write(chunk); err != nil {
		w.log.Warn().Err(err).Msg("spool write failed, keeping chunk in memory")
		w.requeue(chunk)
		return
	}
	metrics.WriterSpooled.Add(float64(len(chunk)))
}

// drainSpool reinserts spooled batches after the circuit closes.
func (w *Writer) drainSpool(ctx context.Context) {
	n, err := w.spool.Drain(ctx, w.sink.Insert)
	if n > 0 {
		metrics.WriterRecovered.Add(float64(n))
		w.log.Info().Int("events", n).Msg("recovered spooled events")
	}
	if err != nil {
		// Remaining files stay on disk; the next closed transition or
		// Close retries them.
		w.log.Warn().Err(err).Msg("spool drain incomplete")
	}
}

// Breaker exposes the circuit for health reporting.
func (w *Writer) Breaker() *circuit.Breaker {
	return w.breaker
}

// BufferLen returns the in-memory buffer size.
func (w *Writer) BufferLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Close stops the loop and drains the buffer, flushing until empty or
// ctx expires. Anything still buffered at timeout is spooled.
func (w *Writer) Close(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started {
		select {
		case <-w.done:
		case <-ctx.Done():
		}
	}

	for w.BufferLen() > 0 {
		if ctx.Err() != nil {
			break
		}
		before := w.BufferLen()
		w.Flush(ctx)
		if w.BufferLen() >= before {
			break // sink is down, stop burning the deadline
		}
	}

	if rest := w.takeAll(); len(rest) > 0 {
		if err := w.spool.Write(rest); err != nil {
			metrics.DataLoss.Add(float64(len(rest)))
			return err
		}
		metrics.WriterSpooled.Add(float64(len(rest)))
	}
	return nil
}

func (w *Writer) takeAll() []*schema.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	rest := w.buf
	w.buf = nil
	metrics.WriterBufferSize.Set(0)
	return rest
}
