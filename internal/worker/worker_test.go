package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyluth/relay/internal/compose"
	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/internal/enforce"
	"github.com/dyluth/relay/internal/intake"
	"github.com/dyluth/relay/internal/model"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Worker.PollInterval = 5 * time.Millisecond
	cfg.Worker.IdleInterval = 10 * time.Millisecond
	return cfg
}

func submit(t *testing.T, store transmission.Store, raw string) *transmission.Transmission {
	t.Helper()
	tx, created, err := intake.NewSubmitter(store, testConfig().Limits.Evidence(), nil).Submit(context.Background(), []byte(raw))
	require.NoError(t, err)
	require.True(t, created)
	return tx
}

func phases(t *testing.T, store transmission.Store, id string) []trace.Phase {
	t.Helper()
	events, err := store.ListTraceEvents(context.Background(), id)
	require.NoError(t, err)
	out := make([]trace.Phase, len(events))
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		out[i] = e.Phase
	}
	return out
}

func TestProcess_Completes(t *testing.T) {
	store := transmission.NewMemStore(nil)
	e := New(testConfig(), Deps{Store: store})
	tx := submit(t, store, `{"threadId": "t1", "message": "hello there"}`)

	n, err := e.Drain(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusCompleted, got.Status)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.False(t, got.Retryable)
	assert.Equal(t, "Received: hello there", got.ResponseText)
	assert.False(t, got.Leased())
	assert.NotEmpty(t, got.TraceRunID)

	assert.Equal(t, []trace.Phase{
		trace.PhaseNormalize,
		trace.PhaseEvidenceIntake,
		trace.PhaseNormalizeModality,
		trace.PhaseURLExtraction,
		trace.PhaseIntent,
		trace.PhaseSentinel,
		trace.PhaseLattice,
		trace.PhasePolicyEngine,
		trace.PhaseComposeRequest,
		trace.PhaseModelCall,
		trace.PhaseOutputGates,
		trace.PhaseRender,
	}, phases(t, store, tx.ID))

	env, err := store.GetEnvelope(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ResponseText, env.Text)

	_, err = store.GetArtifact(context.Background(), tx.ID, transmission.ArtifactGateSummary)
	assert.NoError(t, err)

	resp, err := intake.BuildResponse(context.Background(), store, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, resp.DriverBlocks.Accepted)
	assert.Equal(t, int64(1), e.Processed())
}

func TestProcess_PersistsEvidence(t *testing.T) {
	store := transmission.NewMemStore(nil)
	gen := model.NewSequence(`{"text":"Per the source.","claims":[{"text":"x","evidenceRefs":["s1"]}]}`)
	e := New(testConfig(), Deps{Store: store, Generator: gen})
	tx := submit(t, store, `{
		"threadId": "t1",
		"message": "what does https://example.com/a say?",
		"evidence": {
			"captures": [{"id": "c1", "url": "https://example.com/a", "snippet": "x"}],
			"supports": [{"id": "s1", "captureId": "c1"}],
			"claims": [{"id": "k1", "text": "x", "supportIds": ["s1"]}]
		}
	}`)

	_, err := e.Drain(context.Background(), "w1")
	require.NoError(t, err)

	got, err := store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, transmission.StatusCompleted, got.Status, got.ErrorDetail)

	g, err := store.GetEvidence(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Len(t, g.Captures, 1)
	assert.Len(t, g.Claims, 1)
}

func TestProcess_FaultIs400(t *testing.T) {
	store := transmission.NewMemStore(nil)
	gen := model.NewSequence()
	e := New(testConfig(), Deps{Store: store, Generator: gen})
	tx := submit(t, store, `{"threadId": "t1", "message": "see https://example.com/`+strings.Repeat("a", 2100)+`"}`)

	_, err := e.Drain(context.Background(), "w1")
	require.NoError(t, err)

	got, err := store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusFailed, got.Status)
	assert.Equal(t, http.StatusBadRequest, got.StatusCode)
	assert.False(t, got.Retryable)
	assert.Equal(t, "url_length_overflow", got.ErrorCode)

	assert.Empty(t, gen.Calls())
	assert.NotContains(t, phases(t, store, tx.ID), trace.PhaseModelCall)
	_, err = store.GetEnvelope(context.Background(), tx.ID)
	assert.True(t, transmission.IsNotFound(err))
}

func TestProcess_ContractViolationIs422(t *testing.T) {
	store := transmission.NewMemStore(nil)
	gen := model.NewSequence(`{"text":"I have sent it."}`, `{"text":"Yes, I have sent it."}`)
	e := New(testConfig(), Deps{Store: store, Generator: gen})
	tx := submit(t, store, `{"threadId": "t1", "message": "send the email"}`)

	_, err := e.Drain(context.Background(), "w1")
	require.NoError(t, err)

	got, err := store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusFailed, got.Status)
	assert.Equal(t, http.StatusUnprocessableEntity, got.StatusCode)
	assert.False(t, got.Retryable)
	assert.Equal(t, enforce.ErrorCode, got.ErrorCode)
	assert.Equal(t, enforce.FallbackText, got.ResponseText)
	assert.Len(t, gen.Calls(), 2)

	_, err = store.GetEnvelope(context.Background(), tx.ID)
	assert.True(t, transmission.IsNotFound(err))

	resp, err := intake.BuildResponse(context.Background(), store, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, enforce.ErrorCode, resp.Error.Code)
	assert.Empty(t, resp.Error.Detail)
}

func TestProcess_GeneratorErrorIsRetryable(t *testing.T) {
	store := transmission.NewMemStore(nil)
	e := New(testConfig(), Deps{Store: store, Generator: model.NewSequence()})
	tx := submit(t, store, `{"threadId": "t1", "message": "hi"}`)

	_, err := e.Drain(context.Background(), "w1")
	require.NoError(t, err)

	got, err := store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusFailed, got.Status)
	assert.Equal(t, http.StatusServiceUnavailable, got.StatusCode)
	assert.True(t, got.Retryable)
	assert.Equal(t, ErrorCodeInternal, got.ErrorCode)
}

type panicOnce struct {
	fired atomic.Bool
}

func (p *panicOnce) Name() string { return "panic-once" }

func (p *panicOnce) Generate(ctx context.Context, req *compose.Request) (model.Output, error) {
	if p.fired.CompareAndSwap(false, true) {
		panic("generator exploded")
	}
	return model.EchoGenerator{}.Generate(ctx, req)
}

func TestProcess_PanicIsIsolated(t *testing.T) {
	store := transmission.NewMemStore(nil)
	e := New(testConfig(), Deps{Store: store, Generator: &panicOnce{}})
	first := submit(t, store, `{"threadId": "t1", "message": "one"}`)
	second := submit(t, store, `{"threadId": "t1", "message": "two"}`)

	n, err := e.Drain(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusFailed, got.Status)
	assert.Equal(t, http.StatusServiceUnavailable, got.StatusCode)
	assert.True(t, got.Retryable)
	assert.Equal(t, ErrorCodePanic, got.ErrorCode)
	assert.Contains(t, phases(t, store, first.ID), trace.PhaseError)

	got, err = store.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusCompleted, got.Status)
}

// overtaken lets another engine reclaim and finish the job while the first owner is
// still waiting on the model.
type overtaken struct {
	other *Engine
}

func (o *overtaken) Name() string { return "overtaken" }

func (o *overtaken) Generate(ctx context.Context, req *compose.Request) (model.Output, error) {
	if _, err := o.other.Drain(ctx, "w2"); err != nil {
		return model.Output{}, err
	}
	return model.ParseOutput(`{"text":"stale answer"}`), nil
}

func TestProcess_ReclaimedLeaseKeepsCurrentTrace(t *testing.T) {
	ctx := context.Background()
	store := transmission.NewMemStore(nil)
	tx := submit(t, store, `{"threadId": "t1", "message": "hello there"}`)

	res, err := store.LeaseNext(ctx, transmission.LeaseRequest{OwnerID: "w1", Duration: -time.Second})
	require.NoError(t, err)
	require.Equal(t, transmission.LeaseLeased, res.Outcome)

	second := New(testConfig(), Deps{Store: store})
	first := New(testConfig(), Deps{Store: store, Generator: &overtaken{other: second}})
	first.Process(ctx, "w1", res)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusCompleted, got.Status)
	assert.Equal(t, "Received: hello there", got.ResponseText)

	env, err := store.GetEnvelope(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "Received: hello there", env.Text, "superseded owner must not overwrite the envelope")

	events, err := store.ListTraceEvents(ctx, tx.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i, e := range events {
		assert.Equal(t, got.TraceRunID, e.RunID)
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, trace.PhaseRender, events[len(events)-1].Phase)

	assert.Equal(t, int64(0), first.Processed())
	assert.Equal(t, int64(1), second.Processed())
}

func TestProcess_DefaultModeMismatchWarns(t *testing.T) {
	store := transmission.NewMemStore(nil)
	e := New(testConfig(), Deps{Store: store})
	tx := submit(t, store, `{"threadId": "t1", "message": "hi", "driverBlockRefs": [{"id": "SR-001", "version": "1"}]}`)

	_, err := e.Drain(context.Background(), "w1")
	require.NoError(t, err)

	events, err := store.ListTraceEvents(context.Background(), tx.ID)
	require.NoError(t, err)
	var policy *trace.Event
	for i := range events {
		if events[i].Phase == trace.PhasePolicyEngine {
			policy = &events[i]
		}
	}
	require.NotNil(t, policy)
	assert.Equal(t, trace.StatusWarning, policy.Status)
	assert.Equal(t, true, policy.Metadata["mismatch"])

	resp, err := intake.BuildResponse(context.Background(), store, tx.ID)
	require.NoError(t, err)
	assert.True(t, resp.DriverBlocks.Mismatch)
	assert.Equal(t, 1, resp.DriverBlocks.Dropped)
}

// contendedStore reports contention for the first n lease attempts.
type contendedStore struct {
	transmission.Store
	n     int32
	calls atomic.Int32
}

func (s *contendedStore) LeaseNext(ctx context.Context, req transmission.LeaseRequest) (transmission.LeaseResult, error) {
	if s.calls.Add(1) <= s.n {
		return transmission.LeaseResult{Outcome: transmission.LeaseContention}, nil
	}
	return s.Store.LeaseNext(ctx, req)
}

func TestLease_RetriesContention(t *testing.T) {
	mem := transmission.NewMemStore(nil)
	submit(t, mem, `{"threadId": "t1", "message": "hi"}`)
	store := &contendedStore{Store: mem, n: 2}

	e := New(testConfig(), Deps{Store: store})
	res, err := e.Lease(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, transmission.LeaseLeased, res.Outcome)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestLease_GivesUpAfterMaxAttempts(t *testing.T) {
	mem := transmission.NewMemStore(nil)
	submit(t, mem, `{"threadId": "t1", "message": "hi"}`)
	store := &contendedStore{Store: mem, n: 100}

	e := New(testConfig(), Deps{Store: store})
	res, err := e.Lease(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, transmission.LeaseContention, res.Outcome)
	assert.Equal(t, int32(3), store.calls.Load())
}

type brokenStore struct {
	transmission.Store
}

var errStoreDown = errors.New("store down")

func (brokenStore) LeaseNext(context.Context, transmission.LeaseRequest) (transmission.LeaseResult, error) {
	return transmission.LeaseResult{}, errStoreDown
}

func (brokenStore) Ping(context.Context) error { return errStoreDown }

func TestLease_StoreErrorIsNotRetried(t *testing.T) {
	e := New(testConfig(), Deps{Store: brokenStore{}})
	_, err := e.Lease(context.Background(), "w1")
	assert.ErrorIs(t, err, errStoreDown)
}

func TestLease_ReclaimsExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := transmission.NewMemStore(clock)
	submit(t, store, `{"threadId": "t1", "message": "hi"}`)

	cfg := testConfig()
	cfg.Worker.LeaseDuration = time.Second
	e := New(cfg, Deps{Store: store})

	res, err := e.Lease(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, transmission.LeaseLeased, res.Outcome)

	res, err = e.Lease(context.Background(), "w2")
	require.NoError(t, err)
	assert.Equal(t, transmission.LeaseEmpty, res.Outcome)

	now = now.Add(2 * time.Second)
	res, err = e.Lease(context.Background(), "w2")
	require.NoError(t, err)
	require.Equal(t, transmission.LeaseLeased, res.Outcome)
	assert.Equal(t, transmission.StatusProcessing, res.PreviousStatus)
	assert.Equal(t, 2, res.Transmission.AttemptCount)
}

func TestRun_DrainsAndStops(t *testing.T) {
	store := transmission.NewMemStore(nil)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, submit(t, store, `{"threadId": "t1", "message": "hi"}`).ID)
	}

	e := New(testConfig(), Deps{Store: store})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, 3) }()

	require.Eventually(t, func() bool { return e.Processed() == 5 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	for _, id := range ids {
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, transmission.StatusCompleted, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
	}
}

func TestHealthz(t *testing.T) {
	store := transmission.NewMemStore(nil)
	hs := NewHealthServer(store, New(testConfig(), Deps{Store: store}), 0, nil)

	rec := httptest.NewRecorder()
	hs.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHealthz_StoreDown(t *testing.T) {
	hs := NewHealthServer(brokenStore{}, nil, 0, nil)

	rec := httptest.NewRecorder()
	hs.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, errStoreDown.Error(), resp.Error)
}

func TestHealthServer_StartShutdown(t *testing.T) {
	hs := NewHealthServer(transmission.NewMemStore(nil), nil, 0, nil)
	require.NoError(t, hs.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, hs.Shutdown(ctx))
}
