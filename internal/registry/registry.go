// Package registry announces live consumers in etcd so the admin
// surface can list the fleet and operators can see who owns shards.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	prefix   = "/matchpulse/consumers/"
	leaseTTL = 15 // seconds
)

// Consumer is the registration record kept fresh under the lease.
type Consumer struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
}

// Registry holds one lease-backed registration.
type Registry struct {
	cli     *clientv3.Client
	leaseID clientv3.LeaseID
	log     zerolog.Logger
}

// New connects to etcd.
func New(endpoints []string, log zerolog.Logger) (*Registry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &Registry{cli: cli, log: log.With().Str("component", "registry").Logger()}, nil
}

// Register writes the consumer record under a keepalive lease. The key
// disappears within the lease TTL if the process dies.
func (r *Registry) Register(ctx context.Context, c Consumer) error {
	lease, err := r.cli.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	r.leaseID = lease.ID

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode consumer record: %w", err)
	}
	if _, err := r.cli.Put(ctx, prefix+c.ID, string(raw), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register consumer %s: %w", c.ID, err)
	}

	ch, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
			// Drain keepalive acks; channel closes on ctx cancel or
			// lease expiry.
		}
		r.log.Info().Str("consumer_id", c.ID).Msg("registration keepalive stopped")
	}()
	return nil
}

// List returns every registered consumer.
func (r *Registry) List(ctx context.Context) ([]Consumer, error) {
	resp, err := r.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list consumers: %w", err)
	}
	consumers := make([]Consumer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var c Consumer
		if err := json.Unmarshal(kv.Value, &c); err != nil {
			continue
		}
		consumers = append(consumers, c)
	}
	return consumers, nil
}

// Close revokes the lease so the registration disappears immediately.
func (r *Registry) Close(ctx context.Context) error {
	if r.leaseID != 0 {
		r.cli.Revoke(ctx, r.leaseID)
	}
	return r.cli.Close()
}
