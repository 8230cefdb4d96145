package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaseAndFinish(t *testing.T, store transmission.Store, status transmission.Status, code int) {
	t.Helper()
	ctx := context.Background()
	res, err := store.LeaseNext(ctx, transmission.LeaseRequest{OwnerID: "w1", Duration: time.Minute})
	require.NoError(t, err)
	require.Equal(t, transmission.LeaseLeased, res.Outcome)
	require.NoError(t, store.UpdateStatus(ctx, res.Transmission.ID, transmission.StatusUpdate{
		OwnerID:    "w1",
		Status:     status,
		StatusCode: code,
	}))
}

func TestPollUntilTerminal(t *testing.T) {
	ctx := context.Background()

	t.Run("returns when already terminal", func(t *testing.T) {
		store := transmission.NewMemStore(nil)
		tx, _, err := store.Create(ctx, &transmission.Packet{ThreadID: "t", Message: "m"}, transmission.ModeDecision{})
		require.NoError(t, err)
		leaseAndFinish(t, store, transmission.StatusCompleted, 200)

		got, err := PollUntilTerminal(ctx, store, tx.ID, 10*time.Millisecond, time.Second)
		require.NoError(t, err)
		assert.Equal(t, transmission.StatusCompleted, got.Status)
	})

	t.Run("returns after a worker finishes", func(t *testing.T) {
		store := transmission.NewMemStore(nil)
		tx, _, err := store.Create(ctx, &transmission.Packet{ThreadID: "t", Message: "m"}, transmission.ModeDecision{})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(50 * time.Millisecond)
			leaseAndFinish(t, store, transmission.StatusFailed, 503)
		}()

		got, err := PollUntilTerminal(ctx, store, tx.ID, 10*time.Millisecond, 2*time.Second)
		wg.Wait()
		require.NoError(t, err)
		assert.Equal(t, transmission.StatusFailed, got.Status)
		assert.Equal(t, 503, got.StatusCode)
	})

	t.Run("times out", func(t *testing.T) {
		store := transmission.NewMemStore(nil)
		tx, _, err := store.Create(ctx, &transmission.Packet{ThreadID: "t", Message: "m"}, transmission.ModeDecision{})
		require.NoError(t, err)

		got, err := PollUntilTerminal(ctx, store, tx.ID, 10*time.Millisecond, 50*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
		assert.Equal(t, transmission.StatusCreated, got.Status)
	})

	t.Run("unknown id", func(t *testing.T) {
		store := transmission.NewMemStore(nil)
		_, err := PollUntilTerminal(ctx, store, "00000000-0000-0000-0000-000000000000", 10*time.Millisecond, time.Second)
		require.Error(t, err)
		assert.True(t, transmission.IsNotFound(err))
	})
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStreamEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := transmission.NewClient(&redis.Options{Addr: mr.Addr()}, "watch-ns")
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- StreamEvents(ctx, client, OutputFormatJSON, out) }()

	// Give the subscription time to register before publishing.
	time.Sleep(100 * time.Millisecond)
	tx, _, err := client.Create(context.Background(), &transmission.Packet{ThreadID: "t", Message: "m"}, transmission.ModeDecision{})
	require.NoError(t, err)
	leaseAndFinish(t, client, transmission.StatusCompleted, 200)

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "\n") >= 3
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var statuses []transmission.Status
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var ev transmission.StatusEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		assert.Equal(t, tx.ID, ev.TransmissionID)
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []transmission.Status{
		transmission.StatusCreated, transmission.StatusProcessing, transmission.StatusCompleted,
	}, statuses)
}

func TestPollEvents(t *testing.T) {
	store := transmission.NewMemStore(nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, _, err := store.Create(context.Background(), &transmission.Packet{ThreadID: "t", Message: "old"}, transmission.ModeDecision{})
	require.NoError(t, err)
	leaseAndFinish(t, store, transmission.StatusCompleted, 200)

	out := &syncBuffer{}
	finished := make(chan error, 1)
	go func() { finished <- PollEvents(ctx, store, 10*time.Millisecond, OutputFormatDefault, out) }()

	time.Sleep(30 * time.Millisecond)
	_, _, err = store.Create(context.Background(), &transmission.Packet{ThreadID: "t", Message: "new"}, transmission.ModeDecision{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "queued")
	}, 2*time.Second, 10*time.Millisecond)
	leaseAndFinish(t, store, transmission.StatusFailed, 422)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "failed (422")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-finished)
	assert.NotContains(t, out.String(), "completed", "terminal jobs present at start are not replayed")
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local).UnixMilli()
	tests := []struct {
		ev   transmission.StatusEvent
		want string
	}{
		{transmission.StatusEvent{TransmissionID: "abcdef0123", Status: transmission.StatusCreated, AtMs: at}, "[03:04:05] 📥 abcdef01 queued"},
		{transmission.StatusEvent{TransmissionID: "abcdef0123", Status: transmission.StatusProcessing, LeaseOwner: "w1", AttemptCount: 2, AtMs: at}, "[03:04:05] ⚙️  abcdef01 leased by w1 (attempt 2)"},
		{transmission.StatusEvent{TransmissionID: "abcdef0123", Status: transmission.StatusCompleted, StatusCode: 200, AtMs: at}, "[03:04:05] ✅ abcdef01 completed (200)"},
		{transmission.StatusEvent{TransmissionID: "abc", Status: transmission.StatusFailed, StatusCode: 400, ErrorCode: "empty_message", AtMs: at}, "[03:04:05] ❌ abc failed (400 empty_message)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatEvent(tt.ev))
	}
}
