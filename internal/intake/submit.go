package intake

import (
	"context"
	"fmt"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/transmission"
	"go.uber.org/zap"
)

// Submitter validates packets and records them as Transmissions.
type Submitter struct {
	store  transmission.Store
	limits evidence.Limits
	logger *zap.Logger
}

// NewSubmitter creates a Submitter writing to store. Client evidence is checked against
// limits before anything is recorded.
func NewSubmitter(store transmission.Store, limits evidence.Limits, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{store: store, limits: limits, logger: logger}
}

// Submit decodes raw and creates a Transmission from it. A duplicate clientRequestId
// returns the existing record with created=false. Client faults come back as
// *fault.Fault; anything else is a store failure.
func (s *Submitter) Submit(ctx context.Context, raw []byte) (*transmission.Transmission, bool, error) {
	pkt, err := Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return s.SubmitPacket(ctx, pkt)
}

// SubmitPacket creates a Transmission from an already decoded packet. An invalid
// evidence graph is returned as a fault and nothing is created.
func (s *Submitter) SubmitPacket(ctx context.Context, pkt *transmission.Packet) (*transmission.Transmission, bool, error) {
	if err := pkt.Evidence.Validate(s.limits); err != nil {
		return nil, false, err
	}

	var md transmission.ModeDecision
	if pkt.ModeDecision != nil {
		md = *pkt.ModeDecision
	}

	t, created, err := s.store.Create(ctx, pkt, md)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create transmission: %w", err)
	}

	if created {
		s.logger.Info("Transmission created",
			zap.String("transmission_id", t.ID),
			zap.String("thread_id", t.ThreadID),
			zap.String("kind", string(t.Kind)))
	} else {
		s.logger.Info("Duplicate client request, returning existing transmission",
			zap.String("transmission_id", t.ID),
			zap.String("client_request_id", t.ClientRequestID))
	}
	return t, created, nil
}
