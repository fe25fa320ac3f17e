// Package seqval enforces per-shard monotonic sequence numbers with a
// small reorder buffer and a bounded lateness window.
package seqval

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/terminal-bench/matchpulse/internal/schema"
	"github.com/terminal-bench/matchpulse/pkg/metrics"
)

// Action is the disposition for an incoming event.
type Action int

const (
	// ActionProcess: apply the event (and any drained successors) now.
	ActionProcess Action = iota
	// ActionBuffer: a small gap; the event waits for its predecessors.
	ActionBuffer
	// ActionDrop: late beyond the window; discard without ack side effects.
	ActionDrop
	// ActionReprocess: late but within the window; apply again (dedup
	// makes this harmless for already-applied ids).
	ActionReprocess
)

func (a Action) String() string {
	switch a {
	case ActionProcess:
		return "process"
	case ActionBuffer:
		return "buffer"
	case ActionDrop:
		return "drop"
	case ActionReprocess:
		return "reprocess"
	default:
		return "unknown"
	}
}

// Result carries the disposition plus buffered events that became
// consecutive and must be applied right after the triggering event.
type Result struct {
	Action Action
	Ready  []*schema.Event
}

// Counters is a snapshot of the validator's counters.
type Counters struct {
	OutOfOrder    int64
	GapsDetected  int64
	LateProcessed int64
	LateDropped   int64
}

// Config holds validator tuning.
type Config struct {
	// GapThreshold is the largest gap the reorder buffer will wait out.
	GapThreshold int64
	// MaxLateness bounds how old a late event may be and still be
	// reprocessed, and how long buffered events may wait.
	MaxLateness time.Duration
	// BufferSize caps the per-shard reorder buffer.
	BufferSize int
}

type buffered struct {
	ev *schema.Event
	at time.Time
}

// Validator applies the ordering policy for every shard this consumer
// owns. The reorder buffer is in-memory; last-seq checkpoints live in
// the Store so another consumer can take over mid-match.
type Validator struct {
	store Store
	cfg   Config
	log   zerolog.Logger

	mu      sync.Mutex
	buffers map[string][]buffered

	outOfOrder    atomic.Int64
	gapsDetected  atomic.Int64
	lateProcessed atomic.Int64
	lateDropped   atomic.Int64

	now func() time.Time
}

// New creates a validator.
func New(store Store, cfg Config, log zerolog.Logger) *Validator {
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = 10
	}
	if cfg.MaxLateness <= 0 {
		cfg.MaxLateness = 2 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	return &Validator{
		store:   store,
		cfg:     cfg,
		log:     log.With().Str("component", "seqval").Logger(),
		buffers: make(map[string][]buffered),
		now:     time.Now,
	}
}

// Validate decides how ev should be handled relative to the shard's
// last applied sequence number.
func (v *Validator) Validate(ctx context.Context, shardKey string, ev *schema.Event) (Result, error) {
	last, err := v.store.LastSeq(ctx, shardKey)
	if err != nil {
		return Result{}, err
	}

	switch {
	case last == -1 || ev.SeqNo == last+1:
		ready, newLast := v.drain(shardKey, ev.SeqNo)
		if err := v.store.SetLastSeq(ctx, shardKey, newLast); err != nil {
			return Result{}, err
		}
		return Result{Action: ActionProcess, Ready: ready}, nil

	case ev.SeqNo > last+1:
		gap := ev.SeqNo - last - 1
		v.gapsDetected.Add(1)
		metrics.SeqGapsDetected.Inc()

		if gap <= v.cfg.GapThreshold && v.bufferInsert(shardKey, ev) {
			return Result{Action: ActionBuffer}, nil
		}

		// Gap too large (or buffer full): the missing range is treated
		// as lost so the shard keeps making progress.
		v.log.Warn().Str("shard", shardKey).
			Int64("last_seq", last).Int64("seq_no", ev.SeqNo).Int64("gap", gap).
			Msg("sequence gap beyond threshold, skipping missing range")
		ready, newLast := v.drain(shardKey, ev.SeqNo)
		if err := v.store.SetLastSeq(ctx, shardKey, newLast); err != nil {
			return Result{}, err
		}
		return Result{Action: ActionProcess, Ready: ready}, nil

	default: // ev.SeqNo <= last: late or duplicate
		v.outOfOrder.Add(1)
		metrics.SeqOutOfOrder.Inc()
		if v.now().Sub(ev.TsEvent) <= v.cfg.MaxLateness {
			v.lateProcessed.Add(1)
			metrics.SeqLateProcessed.Inc()
			return Result{Action: ActionReprocess}, nil
		}
		v.lateDropped.Add(1)
		metrics.SeqLateDropped.Inc()
		return Result{Action: ActionDrop}, nil
	}
}

// drain advances through buffered events that are now consecutive with
// seq, evicting stale entries on the way. Returns the ready events in
// apply order and the final sequence number.
func (v *Validator) drain(shardKey string, seq int64) ([]*schema.Event, int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	buf := v.evictStaleLocked(shardKey)
	var ready []*schema.Event
	last := seq

	for len(buf) > 0 && buf[0].ev.SeqNo <= last+1 {
		head := buf[0]
		buf = buf[1:]
		if head.ev.SeqNo == last+1 {
			ready = append(ready, head.ev)
			last = head.ev.SeqNo
		}
		// Buffered seq <= last is a duplicate of something already
		// applied via the gap-skip path; discard silently.
	}

	if len(buf) == 0 {
		delete(v.buffers, shardKey)
	} else {
		v.buffers[shardKey] = buf
	}
	return ready, last
}

// bufferInsert adds ev to the shard's reorder buffer in seq order.
// Returns false when the buffer is full.
func (v *Validator) bufferInsert(shardKey string, ev *schema.Event) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	buf := v.evictStaleLocked(shardKey)
	if len(buf) >= v.cfg.BufferSize {
		return false
	}
	for _, b := range buf {
		if b.ev.SeqNo == ev.SeqNo {
			return true // already waiting
		}
	}

	buf = append(buf, buffered{ev: ev, at: v.now()})
	sort.Slice(buf, func(i, j int) bool { return buf[i].ev.SeqNo < buf[j].ev.SeqNo })
	v.buffers[shardKey] = buf
	return true
}

// evictStaleLocked drops buffered entries older than the lateness
// window. Caller holds mu.
func (v *Validator) evictStaleLocked(shardKey string) []buffered {
	buf := v.buffers[shardKey]
	cutoff := v.now().Add(-v.cfg.MaxLateness)
	kept := buf[:0]
	for _, b := range buf {
		if b.at.Before(cutoff) {
			v.lateDropped.Add(1)
			metrics.SeqLateDropped.Inc()
			continue
		}
		kept = append(kept, b)
	}
	v.buffers[shardKey] = kept
	return kept
}

// BufferLen returns the reorder buffer depth for a shard.
func (v *Validator) BufferLen(shardKey string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.buffers[shardKey])
}

// DropShard discards in-memory buffer state for a shard; called when
// the shard's lock is lost and another consumer takes over.
func (v *Validator) DropShard(shardKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.buffers, shardKey)
}

// Counters returns a snapshot of the validator counters.
func (v *Validator) Counters() Counters {
	return Counters{
		OutOfOrder:    v.outOfOrder.Load(),
		GapsDetected:  v.gapsDetected.Load(),
		LateProcessed: v.lateProcessed.Load(),
		LateDropped:   v.lateDropped.Load(),
	}
}
