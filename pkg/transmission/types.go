package transmission

import (
	"fmt"
	"time"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/google/uuid"
)

// Transmission is one queued unit of work derived from an inbound packet.
type Transmission struct {
	ID               string       `json:"id"`                          // UUID
	Kind             PacketKind   `json:"kind"`                        // chat or memory_distill
	ThreadID         string       `json:"thread_id"`                   // Conversation thread
	ClientRequestID  string       `json:"client_request_id,omitempty"` // Idempotency key, first writer wins
	Payload          string       `json:"payload"`                     // Raw packet JSON
	ModeDecision     ModeDecision `json:"mode_decision"`               // Opaque classifier output
	Status           Status       `json:"status"`
	StatusCode       int          `json:"status_code,omitempty"`
	Retryable        bool         `json:"retryable"`
	ErrorCode        string       `json:"error_code,omitempty"`
	ErrorDetail      string       `json:"error_detail,omitempty"`
	LeaseOwner       string       `json:"lease_owner,omitempty"`
	LeaseExpiresAtMs *int64       `json:"lease_expires_at_ms,omitempty"` // nil exactly when unleased
	AttemptCount     int          `json:"attempt_count"`                 // Leases granted so far
	ResponseText     string       `json:"response_text,omitempty"`       // Final assistant text or fallback
	TraceRunID       string       `json:"trace_run_id,omitempty"`
	CreatedAtMs      int64        `json:"created_at_ms"`
	UpdatedAtMs      int64        `json:"updated_at_ms"`
}

// PacketKind distinguishes the consumers sharing the queue.
type PacketKind string

const (
	KindChat          PacketKind = "chat"
	KindMemoryDistill PacketKind = "memory_distill"
)

// Status is the lifecycle state of a Transmission.
//
//	created --(lease)--> processing --(success)--> completed
//	                     processing --(failure)--> failed
//
// A processing transmission whose lease expired may be leased again.
type Status string

const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ModeDecision is the opaque output of the external mode/persona classifier.
type ModeDecision struct {
	Mode       string  `json:"mode,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Rationale  string  `json:"rationale,omitempty"`
}

// DriverBlockMode gates whether client-supplied policy blocks are honoured.
type DriverBlockMode string

const (
	DriverBlockModeDefault DriverBlockMode = "default"
	DriverBlockModeCustom  DriverBlockMode = "custom"
)

// DriverBlockRef references a registered system block by id and version.
type DriverBlockRef struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// DriverBlockInline is a client-supplied policy block definition.
type DriverBlockInline struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Definition string `json:"definition"`
}

// TraceConfig controls how much trace detail the response carries.
type TraceConfig struct {
	Level trace.Level `json:"level,omitempty"`
}

// Packet is the validated intake payload.
type Packet struct {
	ThreadID          string              `json:"threadId"`
	Message           string              `json:"message"`
	Kind              PacketKind          `json:"kind,omitempty"`
	ClientRequestID   string              `json:"clientRequestId,omitempty"`
	Evidence          *evidence.Graph     `json:"evidence,omitempty"`
	DriverBlockRefs   []DriverBlockRef    `json:"driverBlockRefs,omitempty"`
	DriverBlockInline []DriverBlockInline `json:"driverBlockInline,omitempty"`
	DriverBlockMode   DriverBlockMode     `json:"driverBlockMode,omitempty"`
	TraceConfig       *TraceConfig        `json:"traceConfig,omitempty"`
	ForceEvidence     bool                `json:"forceEvidence,omitempty"`
	ModeDecision      *ModeDecision       `json:"modeDecision,omitempty"`
}

// TraceLevel returns the requested trace level, defaulting to info.
func (p *Packet) TraceLevel() trace.Level {
	if p.TraceConfig == nil || p.TraceConfig.Level == "" {
		return trace.LevelInfo
	}
	return p.TraceConfig.Level
}

// EffectiveKind returns the packet kind, defaulting to chat.
func (p *Packet) EffectiveKind() PacketKind {
	if p.Kind == "" {
		return KindChat
	}
	return p.Kind
}

// OutputEnvelope is the model's structured response for one attempt.
type OutputEnvelope struct {
	Text              string             `json:"text"`
	Shape             *Shape             `json:"shape,omitempty"`
	Affect            *Affect            `json:"affect,omitempty"`
	Claims            []EnvelopeClaim    `json:"claims,omitempty"`
	CaptureSuggestion *CaptureSuggestion `json:"captureSuggestion,omitempty"`
}

// Shape summarises the form of the response.
type Shape struct {
	Kind    string `json:"kind"`
	Summary string `json:"summary,omitempty"`
}

// Affect is the response's emotional signal.
type Affect struct {
	Signal    string  `json:"signal"`
	Intensity float64 `json:"intensity,omitempty"`
}

// EnvelopeClaim is an assertion in the response citing evidence support ids.
type EnvelopeClaim struct {
	Text         string   `json:"text"`
	EvidenceRefs []string `json:"evidenceRefs,omitempty"`
}

// CaptureSuggestion proposes a URL the user may want captured as evidence.
type CaptureSuggestion struct {
	URL    string `json:"url"`
	Reason string `json:"reason,omitempty"`
}

// StatusUpdate advances a leased transmission to a terminal status.
type StatusUpdate struct {
	OwnerID      string
	Status       Status
	StatusCode   int
	Retryable    bool
	ErrorCode    string
	ErrorDetail  string
	ResponseText string
}

// LeaseRequest asks the store for the next eligible transmission.
type LeaseRequest struct {
	OwnerID          string
	Duration         time.Duration // May be negative, producing an already-expired lease
	EligibleStatuses []Status      // Defaults to [created]
	Kind             PacketKind    // Empty matches any kind
}

// LeaseOutcome classifies a lease attempt.
type LeaseOutcome string

const (
	LeaseLeased     LeaseOutcome = "leased"
	LeaseContention LeaseOutcome = "contention"
	LeaseEmpty      LeaseOutcome = "empty"
)

// LeaseResult is returned by Store.LeaseNext. Transmission and PreviousStatus are only
// set when Outcome is LeaseLeased.
type LeaseResult struct {
	Outcome        LeaseOutcome
	Transmission   *Transmission
	PreviousStatus Status
}

// ListFilter narrows Store.List. Zero values match everything.
type ListFilter struct {
	Statuses []Status
	Kind     PacketKind
	ThreadID string
	SinceMs  int64
	UntilMs  int64
	Limit    int
}

// EvidenceRecord is an evidence graph persisted for a transmission.
type EvidenceRecord struct {
	TransmissionID string          `json:"transmission_id"`
	ThreadID       string          `json:"thread_id"`
	Graph          *evidence.Graph `json:"graph"`
	CreatedAtMs    int64           `json:"created_at_ms"`
}

// Validate checks the Transmission has valid field values.
func (t *Transmission) Validate() error {
	if !isValidUUID(t.ID) {
		return fmt.Errorf("invalid transmission ID: not a valid UUID")
	}
	if err := t.Kind.Validate(); err != nil {
		return fmt.Errorf("invalid kind: %w", err)
	}
	if t.ThreadID == "" {
		return fmt.Errorf("thread_id cannot be empty")
	}
	if err := t.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if (t.LeaseExpiresAtMs == nil) != (t.LeaseOwner == "") {
		return fmt.Errorf("lease owner and lease expiry must be set together")
	}
	return nil
}

// Leased reports whether the transmission currently carries a lease record.
func (t *Transmission) Leased() bool {
	return t.LeaseExpiresAtMs != nil
}

// LeaseExpired reports whether the lease (if any) has expired at now.
func (t *Transmission) LeaseExpired(now time.Time) bool {
	return t.LeaseExpiresAtMs == nil || *t.LeaseExpiresAtMs < now.UnixMilli()
}

// EligibleFor reports whether t can be leased under req at now.
func (t *Transmission) EligibleFor(req LeaseRequest, now time.Time) bool {
	if req.Kind != "" && t.Kind != req.Kind {
		return false
	}
	if !containsStatus(eligibleStatuses(req), t.Status) {
		return false
	}
	return t.LeaseExpired(now)
}

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Validate checks the Status is a known value.
func (s Status) Validate() error {
	switch s {
	case StatusCreated, StatusProcessing, StatusCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown status: %q", s)
	}
}

// Validate checks the PacketKind is a known value.
func (k PacketKind) Validate() error {
	switch k {
	case KindChat, KindMemoryDistill:
		return nil
	default:
		return fmt.Errorf("unknown packet kind: %q", k)
	}
}

// Validate checks the DriverBlockMode is known. Empty means default.
func (m DriverBlockMode) Validate() error {
	switch m {
	case DriverBlockModeDefault, DriverBlockModeCustom, "":
		return nil
	default:
		return fmt.Errorf("unknown driver block mode: %q", m)
	}
}

// CanTransition reports whether a status update from -> to is allowed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

func eligibleStatuses(req LeaseRequest) []Status {
	if len(req.EligibleStatuses) == 0 {
		return []Status{StatusCreated}
	}
	return req.EligibleStatuses
}

func containsStatus(list []Status, s Status) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}

func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
