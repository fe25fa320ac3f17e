package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/terminal-bench/matchpulse/internal/schema"
)

const eventsTable = "match_events"

// ClickHouse inserts event batches over the HTTP interface using
// JSONEachRow, one JSON object per line.
type ClickHouse struct {
	baseURL  string
	database string
	client   *http.Client
}

// NewClickHouse creates a sink against the ClickHouse HTTP endpoint.
func NewClickHouse(baseURL, database string) *ClickHouse {
	return &ClickHouse{
		baseURL:  baseURL,
		database: database,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Insert writes the batch in a single INSERT. The table replaces on
// event_id, so retried batches do not produce duplicate rows.
func (c *ClickHouse) Insert(ctx context.Context, events []*schema.Event) error {
	if len(events) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, ev := range events {
		if err := enc.Encode(rowFromEvent(ev)); err != nil {
			return fmt.Errorf("encode analytics row: %w", err)
		}
	}

	query := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", c.database, eventsTable)
	u := c.baseURL + "/?query=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return fmt.Errorf("build clickhouse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("clickhouse insert: status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// row is the flattened analytics schema; the payload stays as a JSON
// string column for ad-hoc querying.
type row struct {
	EventID       string `json:"event_id"`
	MatchID       string `json:"match_id"`
	MapID         string `json:"map_id"`
	RoundNo       int    `json:"round_no"`
	TsEvent       string `json:"ts_event"`
	TsIngest      string `json:"ts_ingest"`
	Type          string `json:"type"`
	Source        string `json:"source"`
	SeqNo         int64  `json:"seq_no"`
	Payload       string `json:"payload"`
	TraceID       string `json:"trace_id"`
	SchemaVersion string `json:"schema_version"`
}

func rowFromEvent(ev *schema.Event) row {
	payload, _ := json.Marshal(ev.Payload)
	r := row{
		EventID:       ev.EventID,
		MatchID:       ev.MatchID,
		MapID:         ev.MapID,
		RoundNo:       ev.RoundNo,
		TsEvent:       ev.TsEvent.UTC().Format(time.RFC3339Nano),
		Type:          string(ev.Type),
		Source:        ev.Source,
		SeqNo:         ev.SeqNo,
		Payload:       string(payload),
		TraceID:       ev.TraceID,
		SchemaVersion: ev.SchemaVersion,
	}
	if !ev.TsIngest.IsZero() {
		r.TsIngest = ev.TsIngest.UTC().Format(time.RFC3339Nano)
	}
	return r
}
