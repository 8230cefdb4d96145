package transmission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseNotHeld is returned when a status update comes from a caller that is not
	// the current lease owner.
	ErrLeaseNotHeld = errors.New("lease not held by caller")

	// ErrInvalidTransition is returned for non-monotonic status changes.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateTraceEvent is returned when a run already holds an event with the
	// same sequence number. Trace events are never overwritten.
	ErrDuplicateTraceEvent = errors.New("duplicate trace event")
)

// Names of the derived artifacts the worker persists per transmission.
const (
	ArtifactDriverBlocks = "driver_blocks"
	ArtifactGateSummary  = "gate_summary"
)

// Store is the single source of truth for Transmissions and everything persisted about
// them. All cross-worker coordination goes through LeaseNext, which every
// implementation performs as one atomic compare-and-set.
type Store interface {
	// Create records a new transmission. When the packet carries a ClientRequestID that
	// was already used, the prior record is returned unchanged and created is false.
	Create(ctx context.Context, pkt *Packet, md ModeDecision) (t *Transmission, created bool, err error)

	// LeaseNext claims the oldest eligible transmission for req.OwnerID.
	LeaseNext(ctx context.Context, req LeaseRequest) (LeaseResult, error)

	// UpdateStatus moves a processing transmission to a terminal status. The caller must
	// be the current lease owner. Terminal statuses clear the lease.
	UpdateStatus(ctx context.Context, id string, u StatusUpdate) error

	Get(ctx context.Context, id string) (*Transmission, error)
	List(ctx context.Context, f ListFilter) ([]*Transmission, error)
	FindByPrefix(ctx context.Context, prefix string) ([]string, error)

	CreateTraceRun(ctx context.Context, run trace.Run) error
	GetTraceRun(ctx context.Context, transmissionID string) (*trace.Run, error)
	// AppendTraceEvent files e under its run. Events of a superseded run stay stored
	// but are no longer listed.
	AppendTraceEvent(ctx context.Context, e trace.Event) error
	// ListTraceEvents returns the events of the transmission's current run in
	// sequence order.
	ListTraceEvents(ctx context.Context, transmissionID string) ([]trace.Event, error)

	PutEvidence(ctx context.Context, transmissionID, threadID string, g *evidence.Graph) error
	GetEvidence(ctx context.Context, transmissionID string) (*evidence.Graph, error)
	ListEvidenceByThread(ctx context.Context, threadID string) ([]EvidenceRecord, error)

	PutEnvelope(ctx context.Context, transmissionID string, env *OutputEnvelope) error
	GetEnvelope(ctx context.Context, transmissionID string) (*OutputEnvelope, error)

	PutArtifact(ctx context.Context, transmissionID, name string, data json.RawMessage) error
	GetArtifact(ctx context.Context, transmissionID, name string) (json.RawMessage, error)

	Ping(ctx context.Context) error
	Close() error
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}

// NewTransmission builds the record Create persists for pkt.
func NewTransmission(pkt *Packet, md ModeDecision, now time.Time) (*Transmission, error) {
	if pkt == nil {
		return nil, fmt.Errorf("packet cannot be nil")
	}
	payload, err := json.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal packet: %w", err)
	}
	t := &Transmission{
		ID:              uuid.New().String(),
		Kind:            pkt.EffectiveKind(),
		ThreadID:        pkt.ThreadID,
		ClientRequestID: pkt.ClientRequestID,
		Payload:         string(payload),
		ModeDecision:    md,
		Status:          StatusCreated,
		CreatedAtMs:     now.UnixMilli(),
		UpdatedAtMs:     now.UnixMilli(),
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transmission: %w", err)
	}
	return t, nil
}

// DecodePacket parses the stored payload back into a Packet.
func (t *Transmission) DecodePacket() (*Packet, error) {
	var pkt Packet
	if err := json.Unmarshal([]byte(t.Payload), &pkt); err != nil {
		return nil, fmt.Errorf("failed to decode packet payload: %w", err)
	}
	return &pkt, nil
}

// ValidateUpdate checks a StatusUpdate is well-formed before any store round-trip.
func ValidateUpdate(u StatusUpdate) error {
	if u.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrLeaseNotHeld)
	}
	if !u.Status.Terminal() {
		return fmt.Errorf("%w: update target must be terminal, got %q", ErrInvalidTransition, u.Status)
	}
	return nil
}

// EligibleStatuses returns the statuses a lease request may claim.
func EligibleStatuses(req LeaseRequest) []Status {
	return eligibleStatuses(req)
}

// ApplyLease mutates t as a successful lease claim at now.
func ApplyLease(t *Transmission, req LeaseRequest, now time.Time) {
	expires := now.Add(req.Duration).UnixMilli()
	t.Status = StatusProcessing
	t.LeaseOwner = req.OwnerID
	t.LeaseExpiresAtMs = &expires
	t.AttemptCount++
	t.UpdatedAtMs = now.UnixMilli()
}

// ApplyUpdate mutates t as a successful terminal status update at now.
func ApplyUpdate(t *Transmission, u StatusUpdate, now time.Time) {
	t.Status = u.Status
	t.StatusCode = u.StatusCode
	t.Retryable = u.Retryable
	t.ErrorCode = u.ErrorCode
	t.ErrorDetail = u.ErrorDetail
	t.ResponseText = u.ResponseText
	t.LeaseOwner = ""
	t.LeaseExpiresAtMs = nil
	t.UpdatedAtMs = now.UnixMilli()
}

// CheckUpdate validates u against the current state of t.
func CheckUpdate(t *Transmission, u StatusUpdate) error {
	if !CanTransition(t.Status, u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, u.Status)
	}
	if t.LeaseOwner != u.OwnerID {
		return fmt.Errorf("%w: held by %q", ErrLeaseNotHeld, t.LeaseOwner)
	}
	return nil
}

// Matches reports whether t passes f (ignoring Limit).
func (f ListFilter) Matches(t *Transmission) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.ThreadID != "" && t.ThreadID != f.ThreadID {
		return false
	}
	if f.SinceMs > 0 && t.CreatedAtMs < f.SinceMs {
		return false
	}
	if f.UntilMs > 0 && t.CreatedAtMs > f.UntilMs {
		return false
	}
	return true
}
