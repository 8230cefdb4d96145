package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	tests := []struct {
		name       string
		cfg        config.StoreConfig
		wantEvents bool
	}{
		{name: "memory", cfg: config.StoreConfig{Backend: config.BackendMemory, Namespace: "t"}},
		{name: "redis", cfg: config.StoreConfig{Backend: config.BackendRedis, RedisURL: "redis://" + mr.Addr(), Namespace: "t"}, wantEvents: true},
		{name: "sqlite", cfg: config.StoreConfig{Backend: config.BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "relay.db"), Namespace: "t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := Open(ctx, tt.cfg)
			require.NoError(t, err)
			defer o.Close()

			assert.Equal(t, tt.wantEvents, o.Events != nil)

			tx, created, err := o.Store.Create(ctx, &transmission.Packet{ThreadID: "t", Message: "hi"}, transmission.ModeDecision{})
			require.NoError(t, err)
			assert.True(t, created)

			got, err := o.Store.Get(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, transmission.StatusCreated, got.Status)
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, config.StoreConfig{Backend: config.BackendRedis, RedisURL: "not a url", Namespace: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis_url")

	_, err = Open(ctx, config.StoreConfig{Backend: config.BackendRedis, RedisURL: "redis://127.0.0.1:1", Namespace: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis store")

	_, err = Open(ctx, config.StoreConfig{Backend: "etcd", Namespace: "t"})
	require.Error(t, err)
}
