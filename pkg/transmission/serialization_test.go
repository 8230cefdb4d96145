package transmission

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashOf mimics what Redis hands back: every value as a string.
func hashOf(t *testing.T, tx *Transmission) map[string]string {
	t.Helper()
	raw, err := TransmissionToHash(tx)
	require.NoError(t, err)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func TestTransmissionHashRoundTrip(t *testing.T) {
	expires := int64(1_700_000_030_000)
	tx := &Transmission{
		ID:               uuid.New().String(),
		Kind:             KindChat,
		ThreadID:         "thread-1",
		ClientRequestID:  "req-1",
		Payload:          `{"threadId":"thread-1","message":"hi"}`,
		ModeDecision:     ModeDecision{Mode: "coach", Confidence: 0.8},
		Status:           StatusProcessing,
		LeaseOwner:       "w1",
		LeaseExpiresAtMs: &expires,
		AttemptCount:     2,
		CreatedAtMs:      1_700_000_000_000,
		UpdatedAtMs:      1_700_000_001_000,
	}

	got, err := HashToTransmission(hashOf(t, tx))
	require.NoError(t, err)
	assert.Equal(t, tx, got)
}

func TestHashToTransmission_UnleasedHasNilExpiry(t *testing.T) {
	tx := &Transmission{
		ID:          uuid.New().String(),
		Kind:        KindChat,
		ThreadID:    "t",
		Status:      StatusCompleted,
		StatusCode:  200,
		Retryable:   false,
		CreatedAtMs: 1,
	}
	got, err := HashToTransmission(hashOf(t, tx))
	require.NoError(t, err)
	assert.Nil(t, got.LeaseExpiresAtMs)
	assert.Equal(t, 200, got.StatusCode)
}

func TestHashToTransmission_RejectsCorruptFields(t *testing.T) {
	_, err := HashToTransmission(map[string]string{"id": "x", "created_at_ms": "yesterday"})
	assert.Error(t, err)

	_, err = HashToTransmission(map[string]string{"id": "x", "created_at_ms": "1", "mode_decision": "{"})
	assert.Error(t, err)

	_, err = HashToTransmission(map[string]string{"id": "x", "created_at_ms": "1", "lease_expires_at_ms": "soon"})
	assert.Error(t, err)
}

func TestTransmissionValidate(t *testing.T) {
	valid := func() *Transmission {
		return &Transmission{ID: uuid.New().String(), Kind: KindChat, ThreadID: "t", Status: StatusCreated}
	}

	assert.NoError(t, valid().Validate())

	tx := valid()
	tx.ID = "not-a-uuid"
	assert.Error(t, tx.Validate())

	tx = valid()
	tx.Kind = "poem"
	assert.Error(t, tx.Validate())

	tx = valid()
	tx.LeaseOwner = "w1"
	assert.ErrorContains(t, tx.Validate(), "set together")
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusProcessing, true},
		{StatusCreated, StatusCompleted, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCreated, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEligibleFor(t *testing.T) {
	now := time.UnixMilli(10_000)
	past, future := int64(9_999), int64(10_001)

	fresh := &Transmission{Kind: KindChat, Status: StatusCreated}
	assert.True(t, fresh.EligibleFor(LeaseRequest{}, now))
	assert.False(t, fresh.EligibleFor(LeaseRequest{Kind: KindMemoryDistill}, now))

	expired := &Transmission{Kind: KindChat, Status: StatusProcessing, LeaseOwner: "w", LeaseExpiresAtMs: &past}
	assert.False(t, expired.EligibleFor(LeaseRequest{}, now), "processing is not eligible by default")
	assert.True(t, expired.EligibleFor(LeaseRequest{EligibleStatuses: []Status{StatusProcessing}}, now))

	held := &Transmission{Kind: KindChat, Status: StatusProcessing, LeaseOwner: "w", LeaseExpiresAtMs: &future}
	assert.False(t, held.EligibleFor(LeaseRequest{EligibleStatuses: []Status{StatusProcessing}}, now))
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "relay:prod:transmission:abc", TransmissionKey("prod", "abc"))
	assert.Equal(t, "relay:prod:request:req-1", RequestKey("prod", "req-1"))
	assert.Equal(t, "relay:prod:queue", QueueKey("prod"))
	assert.Equal(t, "relay:prod:trace:abc:events", TraceEventsKey("prod", "abc"))
	assert.Equal(t, "relay:prod:thread:t1:evidence", ThreadEvidenceKey("prod", "t1"))
	assert.Equal(t, "relay:prod:transmission_events", StatusEventsChannel("prod"))
}
