// Package metrics owns every Prometheus collector in the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SLO buckets: the end-to-end p95 target sits at 500ms, p99 at 1s.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

var (
	// Admission.

	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_events_total",
		Help: "Events seen at admission by outcome",
	}, []string{"outcome"}) // accepted | duplicate | rejected | failed

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_validation_errors_total",
		Help: "Validation rejections by error kind",
	}, []string{"kind"})

	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_request_duration_seconds",
		Help:    "Admission handler latency",
		Buckets: latencyBuckets,
	})

	// Sequence validation.

	SeqOutOfOrder = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seq_out_of_order_total",
		Help: "Events that arrived ahead of their predecessors and were buffered",
	})
	SeqGapsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seq_gaps_detected_total",
		Help: "Sequence gaps larger than the reorder threshold",
	})
	SeqLateProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seq_late_processed_total",
		Help: "Late events reprocessed within the lateness window",
	})
	SeqLateDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seq_late_dropped_total",
		Help: "Late events dropped past the lateness window",
	})

	// Consumer.

	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "state_consumer_events_processed_total",
		Help: "Events fully processed and acked by the state consumer",
	})

	E2ELatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_e2e_latency_seconds",
		Help:    "Latency from admission to prediction publish",
		Buckets: latencyBuckets,
	})

	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-stage processing latency",
		Buckets: latencyBuckets,
	}, []string{"stage"}) // state_update | prediction | publish

	ShardsHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "consumer_shards_held",
		Help: "Shard locks currently held by this consumer",
	})

	LockLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_locks_lost_total",
		Help: "Shard locks lost on heartbeat refresh failure",
	})

	// DLQ.

	DLQParked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlq_parked_total",
		Help: "Events parked in a dead-letter queue after exhausting retries",
	})
	DLQRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlq_requeued_total",
		Help: "Dead-letter entries republished into the primary log",
	})

	// Durable writer.

	WriterBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "writer_buffer_events",
		Help: "Events currently buffered in the durable writer",
	})
	WriterFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "writer_flushes_total",
		Help: "Durable writer flush attempts by result",
	}, []string{"result"}) // ok | error | skipped
	WriterSpooled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "writer_spooled_events_total",
		Help: "Events written to the on-disk spool while the circuit is open",
	})
	WriterRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "writer_recovered_events_total",
		Help: "Spooled events reinserted after circuit recovery",
	})
	DataLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "writer_data_loss_events_total",
		Help: "Events dropped because both the sink and the spool failed; must alert",
	})
)
