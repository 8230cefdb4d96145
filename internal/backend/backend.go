// Package backend opens the configured Transmission Store.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/internal/telemetry"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/dyluth/relay/pkg/transmission/sqlstore"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Opened is a connected store. Store is instrumented; Events is set only when the
// backend publishes status events.
type Opened struct {
	Store  transmission.Store
	Events transmission.EventSource
}

// Close releases the underlying connection.
func (o *Opened) Close() error {
	return o.Store.Close()
}

// Open connects to the backend cfg names and verifies it answers a ping.
func Open(ctx context.Context, cfg config.StoreConfig) (*Opened, error) {
	raw, err := dial(cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := raw.Ping(pingCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to connect to %s store: %w", cfg.Backend, err)
	}

	o := &Opened{Store: telemetry.WrapStore(raw)}
	if src, ok := raw.(transmission.EventSource); ok {
		o.Events = src
	}
	return o, nil
}

func dial(cfg config.StoreConfig) (transmission.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return transmission.NewMemStore(nil), nil

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		client, err := transmission.NewClient(opts, cfg.Namespace)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		return client, nil

	case config.BackendSQLite:
		s, err := sqlstore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown backend '%s'", cfg.Backend)
	}
}
