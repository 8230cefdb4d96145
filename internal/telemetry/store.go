package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const storeScope = "github.com/dyluth/relay/store"

// InstrumentedStore wraps a transmission.Store and adds an OTel span plus metrics to
// every operation.
type InstrumentedStore struct {
	inner  transmission.Store
	tracer oteltrace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
	leases metric.Int64Counter
}

// WrapStore returns s wrapped with telemetry when Init enabled it, and s itself otherwise.
func WrapStore(s transmission.Store) transmission.Store {
	if !Enabled() {
		return s
	}
	return NewInstrumentedStore(s, Tracer(storeScope), Meter(storeScope))
}

// NewInstrumentedStore wraps s using the given tracer and meter.
func NewInstrumentedStore(s transmission.Store, tracer oteltrace.Tracer, m metric.Meter) *InstrumentedStore {
	ops, _ := m.Int64Counter("relay.store.operations",
		metric.WithDescription("Total store operations executed"),
		metric.WithUnit("{operation}"),
	)
	dur, _ := m.Float64Histogram("relay.store.operation.duration",
		metric.WithDescription("Store operation duration"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("relay.store.errors",
		metric.WithDescription("Total store operation errors"),
		metric.WithUnit("{error}"),
	)
	leases, _ := m.Int64Counter("relay.store.lease_outcomes",
		metric.WithDescription("Lease attempts by outcome"),
		metric.WithUnit("{lease}"),
	)
	return &InstrumentedStore{inner: s, tracer: tracer, ops: ops, dur: dur, errs: errs, leases: leases}
}

var _ transmission.Store = (*InstrumentedStore)(nil)

// op starts a span and returns a done function that records metrics and closes it.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span, func(error)) {
	start := time.Now()
	all := append([]attribute.KeyValue{attribute.String("relay.store.op", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "transmission."+name,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(all...),
	)
	opAttr := metric.WithAttributes(attribute.String("relay.store.op", name))
	return ctx, span, func(err error) {
		ms := float64(time.Since(start).Microseconds()) / 1000.0
		s.ops.Add(ctx, 1, opAttr)
		s.dur.Record(ctx, ms, opAttr)
		if err != nil && !transmission.IsNotFound(err) {
			s.errs.Add(ctx, 1, opAttr)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (s *InstrumentedStore) Create(ctx context.Context, pkt *transmission.Packet, md transmission.ModeDecision) (*transmission.Transmission, bool, error) {
	ctx, span, done := s.op(ctx, "Create")
	t, created, err := s.inner.Create(ctx, pkt, md)
	if err == nil {
		span.SetAttributes(attribute.String("relay.transmission.id", t.ID), attribute.Bool("relay.created", created))
	}
	done(err)
	return t, created, err
}

func (s *InstrumentedStore) LeaseNext(ctx context.Context, req transmission.LeaseRequest) (transmission.LeaseResult, error) {
	ctx, span, done := s.op(ctx, "LeaseNext",
		attribute.String("relay.lease.owner", req.OwnerID),
		attribute.String("relay.lease.kind", string(req.Kind)),
	)
	res, err := s.inner.LeaseNext(ctx, req)
	if err == nil {
		span.SetAttributes(attribute.String("relay.lease.outcome", string(res.Outcome)))
		s.leases.Add(ctx, 1, metric.WithAttributes(attribute.String("relay.lease.outcome", string(res.Outcome))))
	}
	done(err)
	return res, err
}

func (s *InstrumentedStore) UpdateStatus(ctx context.Context, id string, u transmission.StatusUpdate) error {
	ctx, _, done := s.op(ctx, "UpdateStatus",
		attribute.String("relay.transmission.id", id),
		attribute.String("relay.status", string(u.Status)),
	)
	err := s.inner.UpdateStatus(ctx, id, u)
	done(err)
	return err
}

func (s *InstrumentedStore) Get(ctx context.Context, id string) (*transmission.Transmission, error) {
	ctx, _, done := s.op(ctx, "Get", attribute.String("relay.transmission.id", id))
	t, err := s.inner.Get(ctx, id)
	done(err)
	return t, err
}

func (s *InstrumentedStore) List(ctx context.Context, f transmission.ListFilter) ([]*transmission.Transmission, error) {
	ctx, span, done := s.op(ctx, "List")
	out, err := s.inner.List(ctx, f)
	span.SetAttributes(attribute.Int("relay.result.count", len(out)))
	done(err)
	return out, err
}

func (s *InstrumentedStore) FindByPrefix(ctx context.Context, prefix string) ([]string, error) {
	ctx, _, done := s.op(ctx, "FindByPrefix")
	out, err := s.inner.FindByPrefix(ctx, prefix)
	done(err)
	return out, err
}

func (s *InstrumentedStore) CreateTraceRun(ctx context.Context, run trace.Run) error {
	ctx, _, done := s.op(ctx, "CreateTraceRun", attribute.String("relay.transmission.id", run.TransmissionID))
	err := s.inner.CreateTraceRun(ctx, run)
	done(err)
	return err
}

func (s *InstrumentedStore) GetTraceRun(ctx context.Context, transmissionID string) (*trace.Run, error) {
	ctx, _, done := s.op(ctx, "GetTraceRun", attribute.String("relay.transmission.id", transmissionID))
	run, err := s.inner.GetTraceRun(ctx, transmissionID)
	done(err)
	return run, err
}

func (s *InstrumentedStore) AppendTraceEvent(ctx context.Context, e trace.Event) error {
	ctx, _, done := s.op(ctx, "AppendTraceEvent", attribute.String("relay.trace.phase", string(e.Phase)))
	err := s.inner.AppendTraceEvent(ctx, e)
	done(err)
	return err
}

func (s *InstrumentedStore) ListTraceEvents(ctx context.Context, transmissionID string) ([]trace.Event, error) {
	ctx, _, done := s.op(ctx, "ListTraceEvents", attribute.String("relay.transmission.id", transmissionID))
	out, err := s.inner.ListTraceEvents(ctx, transmissionID)
	done(err)
	return out, err
}

func (s *InstrumentedStore) PutEvidence(ctx context.Context, transmissionID, threadID string, g *evidence.Graph) error {
	ctx, _, done := s.op(ctx, "PutEvidence", attribute.String("relay.transmission.id", transmissionID))
	err := s.inner.PutEvidence(ctx, transmissionID, threadID, g)
	done(err)
	return err
}

func (s *InstrumentedStore) GetEvidence(ctx context.Context, transmissionID string) (*evidence.Graph, error) {
	ctx, _, done := s.op(ctx, "GetEvidence", attribute.String("relay.transmission.id", transmissionID))
	g, err := s.inner.GetEvidence(ctx, transmissionID)
	done(err)
	return g, err
}

func (s *InstrumentedStore) ListEvidenceByThread(ctx context.Context, threadID string) ([]transmission.EvidenceRecord, error) {
	ctx, _, done := s.op(ctx, "ListEvidenceByThread")
	out, err := s.inner.ListEvidenceByThread(ctx, threadID)
	done(err)
	return out, err
}

func (s *InstrumentedStore) PutEnvelope(ctx context.Context, transmissionID string, env *transmission.OutputEnvelope) error {
	ctx, _, done := s.op(ctx, "PutEnvelope", attribute.String("relay.transmission.id", transmissionID))
	err := s.inner.PutEnvelope(ctx, transmissionID, env)
	done(err)
	return err
}

func (s *InstrumentedStore) GetEnvelope(ctx context.Context, transmissionID string) (*transmission.OutputEnvelope, error) {
	ctx, _, done := s.op(ctx, "GetEnvelope", attribute.String("relay.transmission.id", transmissionID))
	env, err := s.inner.GetEnvelope(ctx, transmissionID)
	done(err)
	return env, err
}

func (s *InstrumentedStore) PutArtifact(ctx context.Context, transmissionID, name string, data json.RawMessage) error {
	ctx, _, done := s.op(ctx, "PutArtifact", attribute.String("relay.artifact.name", name))
	err := s.inner.PutArtifact(ctx, transmissionID, name, data)
	done(err)
	return err
}

func (s *InstrumentedStore) GetArtifact(ctx context.Context, transmissionID, name string) (json.RawMessage, error) {
	ctx, _, done := s.op(ctx, "GetArtifact", attribute.String("relay.artifact.name", name))
	data, err := s.inner.GetArtifact(ctx, transmissionID, name)
	done(err)
	return data, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, _, done := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	done(err)
	return err
}

// Close is not instrumented.
func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
