//go:build integration

package transmission_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/dyluth/relay/pkg/transmission"
	"github.com/dyluth/relay/pkg/transmission/storetest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a real Redis container so the Lua scripts run on the server they
// ship to.
func setupRedis(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

func TestClient_AgainstRealRedis(t *testing.T) {
	redisURL := setupRedis(t)
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}

	// Each subtest gets its own namespace on the shared server.
	storetest.Run(t, func(t *testing.T) transmission.Store {
		client, err := transmission.NewClient(opts, "it-"+uuid.New().String()[:8])
		if err != nil {
			t.Fatalf("Failed to create client: %v", err)
		}
		t.Cleanup(func() { client.Close() })
		return client
	})
}
