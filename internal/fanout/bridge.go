// Package fanout bridges the Redis pub/sub update channels onto NATS
// subjects so downstream consumers (dashboards, odds feeds) subscribe
// without a Redis connection.
package fanout

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	matchPattern      = "updates:match:*"
	predictionPattern = "updates:prediction:*"
)

// Bridge relays every message published on the update channels to the
// corresponding NATS subject: updates:match:{id} becomes
// updates.match.{id}, same for predictions.
type Bridge struct {
	rdb  redis.UniversalClient
	conn *nats.Conn
	log  zerolog.Logger
}

// NewBridge connects to NATS. The connection reconnects indefinitely;
// messages published while disconnected are dropped, which is
// acceptable for a live update feed where the cache key holds the
// latest value.
func NewBridge(rdb redis.UniversalClient, natsURL, name string, log zerolog.Logger) (*Bridge, error) {
	logger := log.With().Str("component", "fanout").Logger()
	conn, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Bridge{rdb: rdb, conn: conn, log: logger}, nil
}

// Run relays messages until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.rdb.PSubscribe(ctx, matchPattern, predictionPattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			subject := subjectFor(msg.Channel)
			if err := b.conn.Publish(subject, []byte(msg.Payload)); err != nil {
				b.log.Warn().Err(err).Str("subject", subject).Msg("fanout publish failed")
			}
		}
	}
}

// subjectFor maps a Redis channel name to a NATS subject.
func subjectFor(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// Close drains the NATS connection so buffered publishes flush.
func (b *Bridge) Close() {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
