package transmission

import (
	"context"

	"github.com/dyluth/relay/pkg/trace"
	"go.uber.org/zap"
)

// TraceSink persists recorded trace events to a Store. Write failures are logged and
// swallowed: tracing never blocks or aborts processing.
type TraceSink struct {
	store  Store
	logger *zap.Logger
}

// NewTraceSink returns a sink writing to store. A nil logger discards failures.
func NewTraceSink(store Store, logger *zap.Logger) *TraceSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraceSink{store: store, logger: logger}
}

// Record implements trace.Sink.
func (s *TraceSink) Record(ctx context.Context, e trace.Event) {
	if err := s.store.AppendTraceEvent(ctx, e); err != nil {
		s.logger.Warn("Failed to persist trace event",
			zap.String("transmission_id", e.TransmissionID),
			zap.String("phase", string(e.Phase)),
			zap.Int64("seq", e.Seq),
			zap.Error(err))
	}
}

var _ trace.Sink = (*TraceSink)(nil)
