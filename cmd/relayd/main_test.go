package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// TestRelaydLifecycle starts the daemon against miniredis, checks /healthz, then sends
// SIGTERM and expects a clean exit.
func TestRelaydLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping lifecycle test in short mode")
	}

	mr := miniredis.RunT(t)
	port := freePort(t)

	t.Setenv("RELAY_STORE_BACKEND", "redis")
	t.Setenv("RELAY_REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("RELAY_NAMESPACE", "relayd-test")
	t.Setenv("RELAY_HEALTH_PORT", strconv.Itoa(port))
	t.Setenv("RELAY_MODEL_PROVIDER", "echo")
	t.Setenv("RELAY_POLL_INTERVAL", "20ms")
	t.Setenv("RELAY_IDLE_INTERVAL", "50ms")

	exit := make(chan int, 1)
	go func() { exit <- run(context.Background(), "") }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "health check never became healthy")

	resp, err := http.Get(url)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "healthy", body["status"])

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case code := <-exit:
		assert.Equal(t, 0, code)
	case <-time.After(15 * time.Second):
		t.Fatal("relayd did not shut down")
	}

	_, err = http.Get(url)
	assert.Error(t, err, "health server should be stopped")
}

func TestRelaydConfigError(t *testing.T) {
	t.Setenv("RELAY_STORE_BACKEND", "cassandra")
	assert.Equal(t, 1, run(context.Background(), ""))
}

func TestRelaydStoreUnavailable(t *testing.T) {
	t.Setenv("RELAY_STORE_BACKEND", "redis")
	t.Setenv("RELAY_REDIS_URL", "redis://127.0.0.1:1")
	assert.Equal(t, 1, run(context.Background(), ""))
}
