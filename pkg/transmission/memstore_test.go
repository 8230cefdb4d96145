package transmission_test

import (
	"context"
	"testing"
	"time"

	"github.com/dyluth/relay/pkg/transmission"
	"github.com/dyluth/relay/pkg/transmission/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) transmission.Store {
		return transmission.NewMemStore(nil)
	})
}

func TestMemStore_LeaseExpiryFollowsClock(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	store := transmission.NewMemStore(func() time.Time { return now })
	ctx := context.Background()

	tx, _, err := store.Create(ctx, &transmission.Packet{ThreadID: "t", Message: "m"}, transmission.ModeDecision{})
	require.NoError(t, err)

	res, err := store.LeaseNext(ctx, transmission.LeaseRequest{OwnerID: "w1", Duration: 30 * time.Second})
	require.NoError(t, err)
	require.Equal(t, transmission.LeaseLeased, res.Outcome)
	assert.Equal(t, now.Add(30*time.Second).UnixMilli(), *res.Transmission.LeaseExpiresAtMs)

	reclaim := transmission.LeaseRequest{
		OwnerID:          "w2",
		Duration:         30 * time.Second,
		EligibleStatuses: []transmission.Status{transmission.StatusProcessing},
	}

	// Exactly at expiry the lease still holds.
	now = now.Add(30 * time.Second)
	res, err = store.LeaseNext(ctx, reclaim)
	require.NoError(t, err)
	assert.Equal(t, transmission.LeaseEmpty, res.Outcome)

	now = now.Add(time.Millisecond)
	res, err = store.LeaseNext(ctx, reclaim)
	require.NoError(t, err)
	require.Equal(t, transmission.LeaseLeased, res.Outcome)
	assert.Equal(t, tx.ID, res.Transmission.ID)
	assert.Equal(t, "w2", res.Transmission.LeaseOwner)
}

func TestMemStore_ReturnsCopies(t *testing.T) {
	store := transmission.NewMemStore(nil)
	ctx := context.Background()

	tx, _, err := store.Create(ctx, &transmission.Packet{ThreadID: "t", Message: "m"}, transmission.ModeDecision{})
	require.NoError(t, err)
	tx.Status = transmission.StatusCompleted

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusCreated, got.Status)
}
