package trace

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives recorded events. Implementations must not panic and have no way to
// report failure to the caller; they log and move on.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Recorder assigns sequence numbers for one Run and fans events out to a Sink.
// It is safe for concurrent use, though the pipeline records from a single goroutine.
type Recorder struct {
	run    Run
	sink   Sink
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	seq    int64
	events []Event
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithLogger sets the logger used to report stripped metadata keys.
func WithLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder creates a recorder for run. A nil sink discards events after they are
// kept in memory.
func NewRecorder(run Run, sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		run:    run,
		sink:   sink,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run returns the run this recorder writes to.
func (r *Recorder) Run() Run {
	return r.run
}

// Record appends an event and returns it with its assigned sequence number.
func (r *Recorder) Record(ctx context.Context, actor string, phase Phase, status Status, summary string, md Metadata) Event {
	clean, dropped := Sanitize(phase, md)
	if len(dropped) > 0 {
		sort.Strings(dropped)
		r.logger.Warn("Stripped unknown trace metadata keys",
			zap.String("phase", string(phase)),
			zap.Strings("keys", dropped))
	}

	r.mu.Lock()
	r.seq++
	e := Event{
		RunID:          r.run.ID,
		TransmissionID: r.run.TransmissionID,
		Seq:            r.seq,
		Actor:          actor,
		Phase:          phase,
		Status:         status,
		Summary:        summary,
		Metadata:       clean,
		AtMs:           r.now().UnixMilli(),
	}
	r.events = append(r.events, e)
	r.mu.Unlock()

	if r.sink != nil {
		r.safeRecord(ctx, e)
	}
	return e
}

func (r *Recorder) safeRecord(ctx context.Context, e Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Trace sink panicked", zap.Any("panic", p), zap.Int64("seq", e.Seq))
		}
	}()
	r.sink.Record(ctx, e)
}

// Events returns a copy of everything recorded so far, in sequence order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// MemorySink captures events in memory. Used by tests and by callers that want the
// trace without persisting it.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink.
func (m *MemorySink) Record(_ context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns the captured events.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// ByPhase returns the first captured event for phase, if any.
func (m *MemorySink) ByPhase(p Phase) (Event, bool) {
	for _, e := range m.Events() {
		if e.Phase == p {
			return e, true
		}
	}
	return Event{}, false
}

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

// Record implements Sink.
func (ms MultiSink) Record(ctx context.Context, e Event) {
	for _, s := range ms {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}
