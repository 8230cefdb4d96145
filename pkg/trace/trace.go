// Package trace provides the append-only, per-transmission audit log.
//
// A Run is created once per Transmission. Every component records Events through a
// Recorder, which assigns strictly increasing sequence numbers and forwards each event
// to a Sink. Sinks never return errors: a failed trace write must not block or abort
// processing.
//
// Event metadata is a structured map whose keys are enumerated per phase (see
// AllowedKeys). Keys outside the phase's set are stripped by the Recorder.
package trace

import (
	"fmt"
	"time"
)

// Phase identifies the pipeline stage an event belongs to.
type Phase string

const (
	PhaseNormalize         Phase = "normalize"
	PhaseEvidenceIntake    Phase = "evidence_intake"
	PhaseNormalizeModality Phase = "gate_normalize_modality"
	PhaseURLExtraction     Phase = "url_extraction"
	PhaseIntent            Phase = "gate_intent"
	PhaseSentinel          Phase = "gate_sentinel"
	PhaseLattice           Phase = "gate_lattice"
	PhasePolicyEngine      Phase = "policy_engine"
	PhaseComposeRequest    Phase = "compose_request"
	PhaseModelCall         Phase = "model_call"
	PhaseOutputGates       Phase = "output_gates"
	PhaseRender            Phase = "render"
	PhaseError             Phase = "error"
)

// Status is the outcome an event reports.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
	StatusWarning   Status = "warning"
)

// Level controls how much of the trace is returned to the caller.
type Level string

const (
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// Validate checks the phase is known.
func (p Phase) Validate() error {
	if _, ok := allowedKeys[p]; ok {
		return nil
	}
	return fmt.Errorf("unknown trace phase: %q", p)
}

// Validate checks the status is known.
func (s Status) Validate() error {
	switch s {
	case StatusStarted, StatusCompleted, StatusPaused, StatusBlocked, StatusFailed, StatusWarning:
		return nil
	default:
		return fmt.Errorf("unknown trace status: %q", s)
	}
}

// Validate checks the level is known. Empty is treated as info by callers.
func (l Level) Validate() error {
	switch l {
	case LevelInfo, LevelDebug, "":
		return nil
	default:
		return fmt.Errorf("unknown trace level: %q", l)
	}
}

// Metadata carries structured, phase-scoped event details.
type Metadata map[string]any

// Run is the trace container for one Transmission.
type Run struct {
	ID             string `json:"id"`
	TransmissionID string `json:"transmission_id"`
	Level          Level  `json:"level"`
	StartedAtMs    int64  `json:"started_at_ms"`
}

// Event is one immutable entry in a Run.
type Event struct {
	RunID          string   `json:"run_id"`
	TransmissionID string   `json:"transmission_id"`
	Seq            int64    `json:"seq"`
	Actor          string   `json:"actor"`
	Phase          Phase    `json:"phase"`
	Status         Status   `json:"status"`
	Summary        string   `json:"summary,omitempty"`
	Metadata       Metadata `json:"metadata,omitempty"`
	AtMs           int64    `json:"at_ms"`
}

// At returns the event timestamp.
func (e Event) At() time.Time {
	return time.UnixMilli(e.AtMs)
}

var commonKeys = []string{"reason_code", "error_code", "duration_ms"}

var allowedKeys = map[Phase][]string{
	PhaseNormalize:         {"kind", "thread_id", "attempt_count", "previous_status"},
	PhaseEvidenceIntake:    {"captures", "supports", "claims", "auto_captures", "client_captures", "count", "max", "ids"},
	PhaseNormalizeModality: {"modality", "message_bytes", "count", "max"},
	PhaseURLExtraction:     {"url_count", "count", "max", "length"},
	PhaseIntent:            {"intent", "mode", "evidence_provider", "forced"},
	PhaseSentinel:          {"risk_level", "risk_flags", "sentiment"},
	PhaseLattice:           {"items", "thread_items", "max", "skipped"},
	PhasePolicyEngine:      {"accepted", "dropped", "trimmed", "mismatch", "dropped_refs", "dropped_inline", "mode"},
	PhaseComposeRequest:    {"attempt", "blocks", "corrective"},
	PhaseModelCall:         {"attempt", "provider", "output_bytes"},
	PhaseOutputGates:       {"attempt", "violation_count", "violated_block_ids"},
	PhaseRender:            {"status_code", "envelope", "fallback"},
	PhaseError:             {"status_code", "retryable", "panic"},
}

// AllowedKeys returns the metadata keys accepted for a phase.
func AllowedKeys(p Phase) []string {
	keys := append([]string(nil), commonKeys...)
	return append(keys, allowedKeys[p]...)
}

// Sanitize returns a copy of md restricted to the phase's allowed keys, plus the list of
// keys that were removed.
func Sanitize(p Phase, md Metadata) (Metadata, []string) {
	if len(md) == 0 {
		return nil, nil
	}
	allowed := make(map[string]bool)
	for _, k := range AllowedKeys(p) {
		allowed[k] = true
	}
	clean := make(Metadata, len(md))
	var dropped []string
	for k, v := range md {
		if allowed[k] {
			clean[k] = v
		} else {
			dropped = append(dropped, k)
		}
	}
	return clean, dropped
}
