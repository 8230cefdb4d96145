package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
)

// MemStore is an in-process Store. Lease claims scan under a read lock and commit under
// the write lock with the eligibility predicate re-checked, so it reports contention
// the same way the durable stores do.
type MemStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	order     []string
	items     map[string]*Transmission
	byRequest map[string]string
	runs      map[string]trace.Run
	events    map[string][]trace.Event // by run id
	evidence  map[string]EvidenceRecord
	envelopes map[string]*OutputEnvelope
	artifacts map[string]map[string]json.RawMessage
}

// NewMemStore creates an empty in-memory store. A nil clock uses time.Now.
func NewMemStore(now func() time.Time) *MemStore {
	if now == nil {
		now = time.Now
	}
	return &MemStore{
		now:       now,
		items:     make(map[string]*Transmission),
		byRequest: make(map[string]string),
		runs:      make(map[string]trace.Run),
		events:    make(map[string][]trace.Event),
		evidence:  make(map[string]EvidenceRecord),
		envelopes: make(map[string]*OutputEnvelope),
		artifacts: make(map[string]map[string]json.RawMessage),
	}
}

func (s *MemStore) Create(_ context.Context, pkt *Packet, md ModeDecision) (*Transmission, bool, error) {
	t, err := NewTransmission(pkt, md, s.now())
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ClientRequestID != "" {
		if existingID, ok := s.byRequest[t.ClientRequestID]; ok {
			return clone(s.items[existingID]), false, nil
		}
		s.byRequest[t.ClientRequestID] = t.ID
	}
	s.items[t.ID] = t
	s.order = append(s.order, t.ID)
	return clone(t), true, nil
}

func (s *MemStore) LeaseNext(_ context.Context, req LeaseRequest) (LeaseResult, error) {
	now := s.now()

	s.mu.RLock()
	candidate := ""
	for _, id := range s.order {
		if s.items[id].EligibleFor(req, now) {
			candidate = id
			break
		}
	}
	s.mu.RUnlock()

	if candidate == "" {
		return LeaseResult{Outcome: LeaseEmpty}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.items[candidate]
	if !t.EligibleFor(req, now) {
		return LeaseResult{Outcome: LeaseContention}, nil
	}
	previous := t.Status
	ApplyLease(t, req, now)
	return LeaseResult{Outcome: LeaseLeased, Transmission: clone(t), PreviousStatus: previous}, nil
}

func (s *MemStore) UpdateStatus(_ context.Context, id string, u StatusUpdate) error {
	if err := ValidateUpdate(u); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.items[id]
	if !ok {
		return fmt.Errorf("transmission %s: %w", id, ErrNotFound)
	}
	if err := CheckUpdate(t, u); err != nil {
		return err
	}
	ApplyUpdate(t, u, s.now())
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Transmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("transmission %s: %w", id, ErrNotFound)
	}
	return clone(t), nil
}

func (s *MemStore) List(_ context.Context, f ListFilter) ([]*Transmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transmission
	for _, id := range s.order {
		t := s.items[id]
		if !f.Matches(t) {
			continue
		}
		out = append(out, clone(t))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) FindByPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []string
	for _, id := range s.order {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	return matches, nil
}

func (s *MemStore) CreateTraceRun(_ context.Context, run trace.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.items[run.TransmissionID]
	if !ok {
		return fmt.Errorf("transmission %s: %w", run.TransmissionID, ErrNotFound)
	}
	t.TraceRunID = run.ID
	s.runs[run.TransmissionID] = run
	return nil
}

func (s *MemStore) GetTraceRun(_ context.Context, transmissionID string) (*trace.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[transmissionID]
	if !ok {
		return nil, fmt.Errorf("trace run for %s: %w", transmissionID, ErrNotFound)
	}
	return &run, nil
}

func (s *MemStore) AppendTraceEvent(_ context.Context, e trace.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, prev := range s.events[e.RunID] {
		if prev.Seq == e.Seq {
			return fmt.Errorf("trace event %s/%d: %w", e.RunID, e.Seq, ErrDuplicateTraceEvent)
		}
	}
	s.events[e.RunID] = append(s.events[e.RunID], e)
	return nil
}

func (s *MemStore) ListTraceEvents(_ context.Context, transmissionID string) ([]trace.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[transmissionID]
	if !ok {
		return nil, nil
	}
	events := append([]trace.Event(nil), s.events[run.ID]...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

func (s *MemStore) PutEvidence(_ context.Context, transmissionID, threadID string, g *evidence.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evidence[transmissionID] = EvidenceRecord{
		TransmissionID: transmissionID,
		ThreadID:       threadID,
		Graph:          g,
		CreatedAtMs:    s.now().UnixMilli(),
	}
	return nil
}

func (s *MemStore) GetEvidence(_ context.Context, transmissionID string) (*evidence.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.evidence[transmissionID]
	if !ok {
		return nil, fmt.Errorf("evidence for %s: %w", transmissionID, ErrNotFound)
	}
	return rec.Graph, nil
}

func (s *MemStore) ListEvidenceByThread(_ context.Context, threadID string) ([]EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []EvidenceRecord
	for _, rec := range s.evidence {
		if rec.ThreadID == threadID {
			out = append(out, rec)
		}
	}
	SortEvidence(out)
	return out, nil
}

func (s *MemStore) PutEnvelope(_ context.Context, transmissionID string, env *OutputEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *env
	s.envelopes[transmissionID] = &copied
	return nil
}

func (s *MemStore) GetEnvelope(_ context.Context, transmissionID string) (*OutputEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.envelopes[transmissionID]
	if !ok {
		return nil, fmt.Errorf("envelope for %s: %w", transmissionID, ErrNotFound)
	}
	copied := *env
	return &copied, nil
}

func (s *MemStore) PutArtifact(_ context.Context, transmissionID, name string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.artifacts[transmissionID] == nil {
		s.artifacts[transmissionID] = make(map[string]json.RawMessage)
	}
	s.artifacts[transmissionID][name] = append(json.RawMessage(nil), data...)
	return nil
}

func (s *MemStore) GetArtifact(_ context.Context, transmissionID, name string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.artifacts[transmissionID][name]
	if !ok {
		return nil, fmt.Errorf("artifact %s for %s: %w", name, transmissionID, ErrNotFound)
	}
	return append(json.RawMessage(nil), data...), nil
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) Close() error { return nil }

// SortEvidence orders records by creation time, then transmission id.
func SortEvidence(recs []EvidenceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAtMs != recs[j].CreatedAtMs {
			return recs[i].CreatedAtMs < recs[j].CreatedAtMs
		}
		return recs[i].TransmissionID < recs[j].TransmissionID
	})
}

func clone(t *Transmission) *Transmission {
	if t == nil {
		return nil
	}
	c := *t
	if t.LeaseExpiresAtMs != nil {
		v := *t.LeaseExpiresAtMs
		c.LeaseExpiresAtMs = &v
	}
	return &c
}
