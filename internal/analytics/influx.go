package analytics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"
)

// Telemetry ships pipeline latency measurements to InfluxDB. It is a
// fire-and-forget side channel, entirely separate from the durable
// analytics path: a slow or dead InfluxDB never backpressures the
// consumer.
type Telemetry struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      zerolog.Logger
}

// NewTelemetry connects the non-blocking write API. The returned
// Telemetry is nil-safe: a nil receiver drops all points.
func NewTelemetry(url, token, org, bucket string, log zerolog.Logger) *Telemetry {
	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPI(org, bucket)
	t := &Telemetry{
		client:   client,
		writeAPI: writeAPI,
		log:      log.With().Str("component", "telemetry").Logger(),
	}
	go func() {
		for err := range writeAPI.Errors() {
			t.log.Warn().Err(err).Msg("telemetry write failed")
		}
	}()
	return t
}

// RecordStage records how long one pipeline stage took for a match.
func (t *Telemetry) RecordStage(stage, matchID string, d time.Duration) {
	if t == nil {
		return
	}
	p := influxdb2.NewPoint("pipeline_stage",
		map[string]string{"stage": stage, "match_id": matchID},
		map[string]interface{}{"duration_ms": float64(d.Microseconds()) / 1000},
		time.Now())
	t.writeAPI.WritePoint(p)
}

// RecordE2E records admission-to-publish latency for one event.
func (t *Telemetry) RecordE2E(matchID, eventType string, d time.Duration) {
	if t == nil {
		return
	}
	p := influxdb2.NewPoint("pipeline_e2e",
		map[string]string{"match_id": matchID, "event_type": eventType},
		map[string]interface{}{"duration_ms": float64(d.Microseconds()) / 1000},
		time.Now())
	t.writeAPI.WritePoint(p)
}

// Close flushes buffered points and shuts the client down.
func (t *Telemetry) Close() {
	if t == nil {
		return
	}
	t.writeAPI.Flush()
	t.client.Close()
}
