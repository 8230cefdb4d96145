// Package storetest holds the behavioural suite every transmission.Store must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. Cleanup is the factory's responsibility.
type Factory func(t *testing.T) transmission.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("idempotent create", func(t *testing.T) { testIdempotentCreate(t, newStore(t)) })
	t.Run("lease empty store", func(t *testing.T) { testLeaseEmpty(t, newStore(t)) })
	t.Run("lease oldest first", func(t *testing.T) { testLeaseOldestFirst(t, newStore(t)) })
	t.Run("lease respects kind", func(t *testing.T) { testLeaseKind(t, newStore(t)) })
	t.Run("concurrent leases are exclusive", func(t *testing.T) { testConcurrentLeases(t, newStore(t)) })
	t.Run("active lease is not reclaimed", func(t *testing.T) { testActiveLeaseHeld(t, newStore(t)) })
	t.Run("expired lease is reclaimed", func(t *testing.T) { testExpiredLeaseReclaimed(t, newStore(t)) })
	t.Run("update status", func(t *testing.T) { testUpdateStatus(t, newStore(t)) })
	t.Run("update rejects bad transitions", func(t *testing.T) { testUpdateTransitions(t, newStore(t)) })
	t.Run("list and prefix", func(t *testing.T) { testListAndPrefix(t, newStore(t)) })
	t.Run("trace run and events", func(t *testing.T) { testTrace(t, newStore(t)) })
	t.Run("trace events are never overwritten", func(t *testing.T) { testTraceDuplicateSeq(t, newStore(t)) })
	t.Run("reclaimed lease starts a fresh trace", func(t *testing.T) { testTraceReclaim(t, newStore(t)) })
	t.Run("evidence by thread", func(t *testing.T) { testEvidence(t, newStore(t)) })
	t.Run("envelope and artifacts", func(t *testing.T) { testEnvelopeAndArtifacts(t, newStore(t)) })
}

func packet(thread, requestID string) *transmission.Packet {
	return &transmission.Packet{ThreadID: thread, Message: "hello", ClientRequestID: requestID}
}

func mustCreate(t *testing.T, s transmission.Store, pkt *transmission.Packet) *transmission.Transmission {
	t.Helper()
	tx, created, err := s.Create(context.Background(), pkt, transmission.ModeDecision{Mode: "chat"})
	require.NoError(t, err)
	require.True(t, created)
	return tx
}

func mustLease(t *testing.T, s transmission.Store, req transmission.LeaseRequest) *transmission.Transmission {
	t.Helper()
	res, err := s.LeaseNext(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, transmission.LeaseLeased, res.Outcome)
	require.NotNil(t, res.Transmission)
	return res.Transmission
}

func testCreateAndGet(t *testing.T, s transmission.Store) {
	ctx := context.Background()
	tx := mustCreate(t, s, packet("thread-1", ""))

	assert.Equal(t, transmission.StatusCreated, tx.Status)
	assert.Equal(t, transmission.KindChat, tx.Kind)
	assert.Nil(t, tx.LeaseExpiresAtMs)
	assert.Empty(t, tx.LeaseOwner)
	assert.Zero(t, tx.AttemptCount)

	got, err := s.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, "thread-1", got.ThreadID)
	assert.Equal(t, "chat", got.ModeDecision.Mode)
	assert.Equal(t, tx.CreatedAtMs, got.CreatedAtMs)

	pkt, err := got.DecodePacket()
	require.NoError(t, err)
	assert.Equal(t, "hello", pkt.Message)

	_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, transmission.IsNotFound(err))
}

func testIdempotentCreate(t *testing.T, s transmission.Store) {
	ctx := context.Background()

	first, created, err := s.Create(ctx, packet("thread-1", "req-1"), transmission.ModeDecision{})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.Create(ctx, packet("thread-1", "req-1"), transmission.ModeDecision{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	other := mustCreate(t, s, packet("thread-1", "req-2"))
	assert.NotEqual(t, first.ID, other.ID)

	// No request id means no deduplication.
	a := mustCreate(t, s, packet("thread-1", ""))
	b := mustCreate(t, s, packet("thread-1", ""))
	assert.NotEqual(t, a.ID, b.ID)
}

func testLeaseEmpty(t *testing.T, s transmission.Store) {
	res, err := s.LeaseNext(context.Background(), transmission.LeaseRequest{OwnerID: "w1", Duration: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, transmission.LeaseEmpty, res.Outcome)
	assert.Nil(t, res.Transmission)
}

func testLeaseOldestFirst(t *testing.T, s transmission.Store) {
	first := mustCreate(t, s, packet("thread-1", ""))
	time.Sleep(2 * time.Millisecond)
	mustCreate(t, s, packet("thread-1", ""))

	before := time.Now().UnixMilli()
	res, err := s.LeaseNext(context.Background(), transmission.LeaseRequest{OwnerID: "w1", Duration: time.Minute})
	require.NoError(t, err)
	require.Equal(t, transmission.LeaseLeased, res.Outcome)

	leased := res.Transmission
	assert.Equal(t, first.ID, leased.ID)
	assert.Equal(t, transmission.StatusCreated, res.PreviousStatus)
	assert.Equal(t, transmission.StatusProcessing, leased.Status)
	assert.Equal(t, "w1", leased.LeaseOwner)
	assert.Equal(t, 1, leased.AttemptCount)
	require.NotNil(t, leased.LeaseExpiresAtMs)
	assert.GreaterOrEqual(t, *leased.LeaseExpiresAtMs, before+time.Minute.Milliseconds()-1000)
}

func testLeaseKind(t *testing.T, s transmission.Store) {
	pkt := packet("thread-1", "")
	pkt.Kind = transmission.KindMemoryDistill
	distill := mustCreate(t, s, pkt)

	res, err := s.LeaseNext(context.Background(), transmission.LeaseRequest{
		OwnerID: "w1", Duration: time.Minute, Kind: transmission.KindChat,
	})
	require.NoError(t, err)
	assert.Equal(t, transmission.LeaseEmpty, res.Outcome)

	leased := mustLease(t, s, transmission.LeaseRequest{
		OwnerID: "w1", Duration: time.Minute, Kind: transmission.KindMemoryDistill,
	})
	assert.Equal(t, distill.ID, leased.ID)
}

func testConcurrentLeases(t *testing.T, s transmission.Store) {
	const jobs, workers = 20, 20
	for i := 0; i < jobs; i++ {
		mustCreate(t, s, packet("thread-1", ""))
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		claims = make(map[string]string)
		errs   []error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		owner := "worker-" + string(rune('a'+w))
		go func() {
			defer wg.Done()
			for {
				res, err := s.LeaseNext(context.Background(), transmission.LeaseRequest{OwnerID: owner, Duration: time.Minute})
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				switch res.Outcome {
				case transmission.LeaseEmpty:
					return
				case transmission.LeaseContention:
					continue
				}
				mu.Lock()
				if prev, dup := claims[res.Transmission.ID]; dup {
					errs = append(errs, errors.New(res.Transmission.ID+" claimed by "+prev+" and "+owner))
				}
				claims[res.Transmission.ID] = owner
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Len(t, claims, jobs)
}

func testActiveLeaseHeld(t *testing.T, s transmission.Store) {
	mustCreate(t, s, packet("thread-1", ""))
	mustLease(t, s, transmission.LeaseRequest{OwnerID: "w1", Duration: time.Minute})

	res, err := s.LeaseNext(context.Background(), transmission.LeaseRequest{
		OwnerID:          "w2",
		Duration:         time.Minute,
		EligibleStatuses: []transmission.Status{transmission.StatusCreated, transmission.StatusProcessing},
	})
	require.NoError(t, err)
	assert.Equal(t, transmission.LeaseEmpty, res.Outcome)
}

func testExpiredLeaseReclaimed(t *testing.T, s transmission.Store) {
	ctx := context.Background()
	tx := mustCreate(t, s, packet("thread-1", ""))

	first := mustLease(t, s, transmission.LeaseRequest{OwnerID: "w1", Duration: -time.Second})
	assert.Equal(t, tx.ID, first.ID)

	reclaim := transmission.LeaseRequest{
		OwnerID:          "w2",
		Duration:         time.Minute,
		EligibleStatuses: []transmission.Status{transmission.StatusCreated, transmission.StatusProcessing},
	}
	res, err := s.LeaseNext(ctx, reclaim)
	require.NoError(t, err)
	require.Equal(t, transmission.LeaseLeased, res.Outcome)
	assert.Equal(t, tx.ID, res.Transmission.ID)
	assert.Equal(t, transmission.StatusProcessing, res.PreviousStatus)
	assert.Equal(t, "w2", res.Transmission.LeaseOwner)
	assert.Equal(t, 2, res.Transmission.AttemptCount)

	err = s.UpdateStatus(ctx, tx.ID, transmission.StatusUpdate{OwnerID: "w1", Status: transmission.StatusCompleted})
	assert.ErrorIs(t, err, transmission.ErrLeaseNotHeld)

	err = s.UpdateStatus(ctx, tx.ID, transmission.StatusUpdate{OwnerID: "w2", Status: transmission.StatusCompleted, StatusCode: 200})
	require.NoError(t, err)
}

func testUpdateStatus(t *testing.T, s transmission.Store) {
	ctx := context.Background()
	tx := mustCreate(t, s, packet("thread-1", ""))
	mustLease(t, s, transmission.LeaseRequest{OwnerID: "w1", Duration: time.Minute})

	err := s.UpdateStatus(ctx, tx.ID, transmission.StatusUpdate{
		OwnerID:      "w1",
		Status:       transmission.StatusFailed,
		StatusCode:   503,
		Retryable:    true,
		ErrorCode:    "model_unavailable",
		ErrorDetail:  "upstream timeout",
		ResponseText: "fallback",
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusFailed, got.Status)
	assert.Equal(t, 503, got.StatusCode)
	assert.True(t, got.Retryable)
	assert.Equal(t, "model_unavailable", got.ErrorCode)
	assert.Equal(t, "upstream timeout", got.ErrorDetail)
	assert.Equal(t, "fallback", got.ResponseText)
	assert.Empty(t, got.LeaseOwner)
	assert.Nil(t, got.LeaseExpiresAtMs)
	assert.Equal(t, 1, got.AttemptCount)

	// Terminal transmissions are never leased again.
	res, err := s.LeaseNext(ctx, transmission.LeaseRequest{
		OwnerID:          "w2",
		Duration:         time.Minute,
		EligibleStatuses: []transmission.Status{transmission.StatusCreated, transmission.StatusProcessing},
	})
	require.NoError(t, err)
	assert.Equal(t, transmission.LeaseEmpty, res.Outcome)
}

func testUpdateTransitions(t *testing.T, s transmission.Store) {
	ctx := context.Background()

	err := s.UpdateStatus(ctx, "00000000-0000-0000-0000-000000000000",
		transmission.StatusUpdate{OwnerID: "w1", Status: transmission.StatusCompleted})
	assert.True(t, transmission.IsNotFound(err))

	tx := mustCreate(t, s, packet("thread-1", ""))

	err = s.UpdateStatus(ctx, tx.ID, transmission.StatusUpdate{OwnerID: "w1", Status: transmission.StatusCompleted})
	assert.ErrorIs(t, err, transmission.ErrInvalidTransition, "created cannot jump to completed")

	mustLease(t, s, transmission.LeaseRequest{OwnerID: "w1", Duration: time.Minute})

	err = s.UpdateStatus(ctx, tx.ID, transmission.StatusUpdate{OwnerID: "w1", Status: transmission.StatusCreated})
	assert.ErrorIs(t, err, transmission.ErrInvalidTransition)

	err = s.UpdateStatus(ctx, tx.ID, transmission.StatusUpdate{Status: transmission.StatusCompleted})
	assert.ErrorIs(t, err, transmission.ErrLeaseNotHeld)

	require.NoError(t, s.UpdateStatus(ctx, tx.ID, transmission.StatusUpdate{OwnerID: "w1", Status: transmission.StatusCompleted}))

	err = s.UpdateStatus(ctx, tx.ID, transmission.StatusUpdate{OwnerID: "w1", Status: transmission.StatusFailed})
	assert.ErrorIs(t, err, transmission.ErrInvalidTransition, "terminal status is final")
}

func testListAndPrefix(t *testing.T, s transmission.Store) {
	ctx := context.Background()
	a := mustCreate(t, s, packet("thread-a", ""))
	b := mustCreate(t, s, packet("thread-b", ""))
	mustCreate(t, s, packet("thread-a", ""))

	all, err := s.List(ctx, transmission.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	threadA, err := s.List(ctx, transmission.ListFilter{ThreadID: "thread-a"})
	require.NoError(t, err)
	assert.Len(t, threadA, 2)

	limited, err := s.List(ctx, transmission.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	leased := mustLease(t, s, transmission.LeaseRequest{OwnerID: "w1", Duration: time.Minute})
	processing, err := s.List(ctx, transmission.ListFilter{Statuses: []transmission.Status{transmission.StatusProcessing}})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, leased.ID, processing[0].ID)

	matches, err := s.FindByPrefix(ctx, b.ID[:8])
	require.NoError(t, err)
	assert.Contains(t, matches, b.ID)
	assert.NotContains(t, matches, a.ID)

	matches, err = s.FindByPrefix(ctx, "zzzzzzzz")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func testTrace(t *testing.T, s transmission.Store) {
	ctx := context.Background()
	tx := mustCreate(t, s, packet("thread-1", ""))

	run := trace.Run{ID: "run-1", TransmissionID: tx.ID, Level: trace.LevelDebug, StartedAtMs: 1000}
	require.NoError(t, s.CreateTraceRun(ctx, run))

	gotRun, err := s.GetTraceRun(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, run, *gotRun)

	got, err := s.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.TraceRunID)

	for _, seq := range []int64{3, 1, 2} {
		require.NoError(t, s.AppendTraceEvent(ctx, trace.Event{
			RunID:          "run-1",
			TransmissionID: tx.ID,
			Seq:            seq,
			Actor:          "gate",
			Phase:          trace.PhaseIntent,
			Status:         trace.StatusCompleted,
			Metadata:       trace.Metadata{"intent": "question"},
			AtMs:           1000 + seq,
		}))
	}

	events, err := s.ListTraceEvents(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, trace.PhaseIntent, e.Phase)
		assert.Equal(t, "question", e.Metadata["intent"])
	}

	err = s.CreateTraceRun(ctx, trace.Run{ID: "run-2", TransmissionID: "00000000-0000-0000-0000-000000000000"})
	assert.True(t, transmission.IsNotFound(err))

	_, err = s.GetTraceRun(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, transmission.IsNotFound(err))
}

func traceEvent(runID, txID string, seq int64, phase trace.Phase) trace.Event {
	return trace.Event{
		RunID:          runID,
		TransmissionID: txID,
		Seq:            seq,
		Actor:          "worker",
		Phase:          phase,
		Status:         trace.StatusCompleted,
		AtMs:           1000 + seq,
	}
}

func testTraceDuplicateSeq(t *testing.T, s transmission.Store) {
	ctx := context.Background()
	tx := mustCreate(t, s, packet("thread-1", ""))
	require.NoError(t, s.CreateTraceRun(ctx, trace.Run{ID: "run-1", TransmissionID: tx.ID, Level: trace.LevelDebug}))

	require.NoError(t, s.AppendTraceEvent(ctx, traceEvent("run-1", tx.ID, 1, trace.PhaseNormalize)))
	err := s.AppendTraceEvent(ctx, traceEvent("run-1", tx.ID, 1, trace.PhaseRender))
	require.Error(t, err)
	assert.ErrorIs(t, err, transmission.ErrDuplicateTraceEvent)

	events, err := s.ListTraceEvents(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, trace.PhaseNormalize, events[0].Phase)
}

func testTraceReclaim(t *testing.T, s transmission.Store) {
	ctx := context.Background()
	tx := mustCreate(t, s, packet("thread-1", ""))

	// The first owner's lease is already expired when it starts writing.
	mustLease(t, s, transmission.LeaseRequest{OwnerID: "worker-a", Duration: -time.Second})
	require.NoError(t, s.CreateTraceRun(ctx, trace.Run{ID: "run-a", TransmissionID: tx.ID, Level: trace.LevelDebug}))
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, s.AppendTraceEvent(ctx, traceEvent("run-a", tx.ID, seq, trace.PhaseNormalize)))
	}

	mustLease(t, s, transmission.LeaseRequest{
		OwnerID:          "worker-b",
		Duration:         time.Minute,
		EligibleStatuses: []transmission.Status{transmission.StatusCreated, transmission.StatusProcessing},
	})
	require.NoError(t, s.CreateTraceRun(ctx, trace.Run{ID: "run-b", TransmissionID: tx.ID, Level: trace.LevelDebug}))
	require.NoError(t, s.AppendTraceEvent(ctx, traceEvent("run-b", tx.ID, 1, trace.PhaseNormalize)))
	require.NoError(t, s.AppendTraceEvent(ctx, traceEvent("run-b", tx.ID, 2, trace.PhaseRender)))

	// A late write from the superseded owner must not surface in the current run.
	require.NoError(t, s.AppendTraceEvent(ctx, traceEvent("run-a", tx.ID, 4, trace.PhaseError)))

	run, err := s.GetTraceRun(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-b", run.ID)

	events, err := s.ListTraceEvents(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for i, e := range events {
		assert.Equal(t, "run-b", e.RunID)
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, trace.PhaseRender, events[1].Phase)
}

func testEvidence(t *testing.T, s transmission.Store) {
	ctx := context.Background()
	first := mustCreate(t, s, packet("thread-1", ""))
	second := mustCreate(t, s, packet("thread-1", ""))
	other := mustCreate(t, s, packet("thread-2", ""))

	graph := func(id string) *evidence.Graph {
		return &evidence.Graph{Captures: []evidence.Capture{{ID: id, URL: "https://example.com/" + id, Source: evidence.SourceClient}}}
	}
	require.NoError(t, s.PutEvidence(ctx, first.ID, "thread-1", graph("c1")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.PutEvidence(ctx, second.ID, "thread-1", graph("c2")))
	require.NoError(t, s.PutEvidence(ctx, other.ID, "thread-2", graph("c3")))

	g, err := s.GetEvidence(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, g.Captures, 1)
	assert.Equal(t, "c1", g.Captures[0].ID)

	recs, err := s.ListEvidenceByThread(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, first.ID, recs[0].TransmissionID)
	assert.Equal(t, second.ID, recs[1].TransmissionID)

	_, err = s.GetEvidence(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, transmission.IsNotFound(err))
}

func testEnvelopeAndArtifacts(t *testing.T, s transmission.Store) {
	ctx := context.Background()
	tx := mustCreate(t, s, packet("thread-1", ""))

	env := &transmission.OutputEnvelope{
		Text:   "Here is what I found.",
		Shape:  &transmission.Shape{Kind: "answer"},
		Claims: []transmission.EnvelopeClaim{{Text: "x", EvidenceRefs: []string{"s1"}}},
	}
	require.NoError(t, s.PutEnvelope(ctx, tx.ID, env))
	gotEnv, err := s.GetEnvelope(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, env, gotEnv)

	_, err = s.GetEnvelope(ctx, "missing")
	assert.True(t, transmission.IsNotFound(err))

	data := json.RawMessage(`{"accepted":["DB-001"]}`)
	require.NoError(t, s.PutArtifact(ctx, tx.ID, "driver_blocks", data))
	got, err := s.GetArtifact(ctx, tx.ID, "driver_blocks")
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(got))

	_, err = s.GetArtifact(ctx, tx.ID, "gate_summary")
	assert.True(t, transmission.IsNotFound(err))
}
