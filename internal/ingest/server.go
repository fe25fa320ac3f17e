// Package ingest is the HTTP admission layer: validate, dedupe, stamp,
// append to the per-shard ordered log.
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/matchpulse/internal/dedup"
	"github.com/terminal-bench/matchpulse/internal/dlq"
	"github.com/terminal-bench/matchpulse/internal/registry"
	"github.com/terminal-bench/matchpulse/internal/schema"
	"github.com/terminal-bench/matchpulse/internal/stream"
	"github.com/terminal-bench/matchpulse/pkg/metrics"
)

const (
	// MaxBatchItems caps a batch admission request.
	MaxBatchItems = 100
	// maxBatchBytes caps the batch body at MaxBatchItems full-size events.
	maxBatchBytes = MaxBatchItems * schema.MaxEventBytes

	codeValidation   = "VALIDATION_ERROR"
	codeBatchTooBig  = "BATCH_TOO_LARGE"
	codeInternal     = "INTERNAL_ERROR"
	codeShuttingDown = "SHUTTING_DOWN"
)

// AcceptResult is the per-event admission response.
type AcceptResult struct {
	Success   bool    `json:"success"`
	EventID   string  `json:"event_id"`
	TraceID   string  `json:"trace_id"`
	StreamID  string  `json:"stream_id,omitempty"`
	Duplicate bool    `json:"duplicate,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Server wires the admission pipeline and the admin surface.
type Server struct {
	rdb       redis.UniversalClient
	validator *schema.Validator
	dedup     *dedup.Service
	log       *stream.Log
	dlq       *dlq.Manager
	registry  *registry.Registry // nil when etcd is not configured
	logger    zerolog.Logger

	draining atomic.Bool
	now      func() time.Time
}

// NewServer builds the admission server. registry may be nil.
func NewServer(rdb redis.UniversalClient, validator *schema.Validator, dd *dedup.Service,
	streamLog *stream.Log, dlqMgr *dlq.Manager, reg *registry.Registry, logger zerolog.Logger) *Server {
	return &Server{
		rdb:       rdb,
		validator: validator,
		dedup:     dd,
		log:       streamLog,
		dlq:       dlqMgr,
		registry:  reg,
		logger:    logger.With().Str("component", "ingest").Logger(),
		now:       time.Now,
	}
}

// SetDraining flips the admission gate; while draining every event
// endpoint answers 503 so producers fail over.
func (s *Server) SetDraining(v bool) {
	s.draining.Store(v)
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.traceMiddleware())

	r.POST("/events", s.handleEvent)
	r.POST("/events/batch", s.handleBatch)

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin")
	admin.GET("/dlq", s.handleDLQStats)
	admin.GET("/dlq/:shard", s.handleDLQEntries)
	admin.POST("/dlq/requeue/:shard", s.handleDLQRequeueAll)
	admin.POST("/dlq/requeue/:shard/:eventId", s.handleDLQRequeueOne)
	admin.GET("/consumers", s.handleConsumers)

	return r
}

// traceMiddleware mints a trace id for requests that did not bring one.
func (s *Server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set("trace_id", traceID)
		c.Header("X-Trace-ID", traceID)
		c.Next()
	}
}

func (s *Server) handleEvent(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, errorBody{errorDetail{Code: codeShuttingDown, Message: "server is shutting down"}})
		return
	}
	start := s.now()
	defer func() { metrics.IngestLatency.Observe(s.now().Sub(start).Seconds()) }()

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, schema.MaxEventBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{errorDetail{Code: codeInternal, Message: "read body"}})
		return
	}

	result, status, body := s.admit(c.Request.Context(), raw, c.GetString("trace_id"), start)
	if result != nil {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(status, body)
}

// admit runs validate -> dedupe -> stamp -> append for one raw event.
// On success it returns a result; otherwise an HTTP status and error
// body.
func (s *Server) admit(ctx context.Context, raw []byte, traceID string, start time.Time) (*AcceptResult, int, errorBody) {
	ev, err := s.validator.Validate(raw)
	if err != nil {
		metrics.EventsIngested.WithLabelValues("rejected").Inc()
		detail := errorDetail{Code: codeValidation, Message: err.Error()}
		if verr, ok := schema.AsValidationError(err); ok {
			detail.Field = verr.Field
			detail.Kind = string(verr.Kind)
			metrics.ValidationErrors.WithLabelValues(string(verr.Kind)).Inc()
		}
		return nil, http.StatusBadRequest, errorBody{detail}
	}

	dup, err := s.dedup.IsDuplicate(ctx, ev.EventID, ev.MatchID)
	if err != nil {
		metrics.EventsIngested.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("dedup check failed")
		return nil, http.StatusInternalServerError, errorBody{errorDetail{Code: codeInternal, Message: "dedup check failed"}}
	}
	if dup {
		metrics.EventsIngested.WithLabelValues("duplicate").Inc()
		return &AcceptResult{
			Success:   true,
			EventID:   ev.EventID,
			TraceID:   traceID,
			Duplicate: true,
			LatencyMS: float64(s.now().Sub(start).Microseconds()) / 1000,
		}, 0, errorBody{}
	}

	ev.TsIngest = s.now().UTC()
	if ev.TraceID == "" {
		ev.TraceID = traceID
	}

	streamID, err := s.log.Append(ctx, ev)
	if err != nil {
		metrics.EventsIngested.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("log append failed")
		return nil, http.StatusInternalServerError, errorBody{errorDetail{Code: codeInternal, Message: "log append failed"}}
	}

	// Mark seen only after a durable append: a failed append must stay
	// retryable by the producer.
	if err := s.dedup.MarkSeen(ctx, ev.EventID, ev.MatchID); err != nil {
		s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("dedup mark failed")
	}

	metrics.EventsIngested.WithLabelValues("accepted").Inc()
	return &AcceptResult{
		Success:   true,
		EventID:   ev.EventID,
		TraceID:   ev.TraceID,
		StreamID:  streamID,
		LatencyMS: float64(s.now().Sub(start).Microseconds()) / 1000,
	}, 0, errorBody{}
}

// batchItemResult reports one item of a batch admission.
type batchItemResult struct {
	Index  int           `json:"index"`
	Result *AcceptResult `json:"result,omitempty"`
	Error  *errorDetail  `json:"error,omitempty"`
}

type batchResponse struct {
	Success  bool              `json:"success"`
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
	Results  []batchItemResult `json:"results"`
}

func (s *Server) handleBatch(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, errorBody{errorDetail{Code: codeShuttingDown, Message: "server is shutting down"}})
		return
	}
	start := s.now()

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBatchBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{errorDetail{Code: codeInternal, Message: "read body"}})
		return
	}
	if len(raw) > maxBatchBytes {
		c.JSON(http.StatusBadRequest, errorBody{errorDetail{Code: codeBatchTooBig, Message: "batch body exceeds limit"}})
		return
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{errorDetail{Code: codeValidation, Message: "body must be a JSON array"}})
		return
	}
	if len(items) > MaxBatchItems {
		c.JSON(http.StatusBadRequest, errorBody{errorDetail{Code: codeBatchTooBig, Message: "batch exceeds 100 items"}})
		return
	}

	traceID := c.GetString("trace_id")
	resp := batchResponse{Success: true, Results: make([]batchItemResult, 0, len(items))}
	for i, item := range items {
		result, _, body := s.admit(c.Request.Context(), item, traceID, start)
		if result != nil {
			resp.Accepted++
			resp.Results = append(resp.Results, batchItemResult{Index: i, Result: result})
			continue
		}
		resp.Rejected++
		resp.Success = false
		detail := body.Error
		resp.Results = append(resp.Results, batchItemResult{Index: i, Error: &detail})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "log unreachable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleDLQStats(c *gin.Context) {
	stats, err := s.dlq.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{errorDetail{Code: codeInternal, Message: err.Error()}})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleDLQEntries(c *gin.Context) {
	limit := int64(100)
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.ParseInt(q, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.dlq.Entries(c.Request.Context(), c.Param("shard"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{errorDetail{Code: codeInternal, Message: err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shard": c.Param("shard"), "entries": entries})
}

func (s *Server) handleDLQRequeueAll(c *gin.Context) {
	n, err := s.dlq.RequeueAll(c.Request.Context(), c.Param("shard"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{errorDetail{Code: codeInternal, Message: err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

func (s *Server) handleDLQRequeueOne(c *gin.Context) {
	err := s.dlq.RequeueEvent(c.Request.Context(), c.Param("shard"), c.Param("eventId"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody{errorDetail{Code: codeInternal, Message: err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": 1})
}

func (s *Server) handleConsumers(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusOK, gin.H{"consumers": []registry.Consumer{}, "registry": "disabled"})
		return
	}
	consumers, err := s.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{errorDetail{Code: codeInternal, Message: err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"consumers": consumers})
}
