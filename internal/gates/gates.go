// Package gates runs the fixed-order enrichment and validation stages every chat
// transmission passes through before a model is called.
//
// The order is:
//
//	evidence_intake -> gate_normalize_modality -> url_extraction ->
//	gate_intent -> gate_sentinel -> gate_lattice
//
// Each gate reads the accumulated State, updates it, and produces exactly one trace
// event. A structural problem aborts the pipeline with a *fault.Fault and a blocked
// event; a soft condition produces a warning event with a reason_code and continues.
package gates

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/fault"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
	"go.uber.org/zap"
)

const actor = "gates"

// State is the context accumulated by the gates for one transmission.
type State struct {
	TransmissionID string
	Packet         *transmission.Packet
	ModeDecision   transmission.ModeDecision

	Message  string   // NFC-normalized, whitespace-collapsed
	Modality Modality
	URLs     []string // Distinct http(s) URLs in message order, bounded
	Evidence *evidence.Graph

	Intent           Intent
	EvidenceProvider bool // Whether the lattice retrieval runs

	Risk Risk

	Lattice []LatticeItem
}

// NewState seeds a State from a decoded packet.
func NewState(transmissionID string, pkt *transmission.Packet, md transmission.ModeDecision) *State {
	return &State{
		TransmissionID: transmissionID,
		Packet:         pkt,
		ModeDecision:   md,
		Message:        pkt.Message,
	}
}

// Outcome is what a gate reports back to the pipeline for its trace event.
type Outcome struct {
	Status   trace.Status
	Summary  string
	Metadata trace.Metadata
}

func completed(summary string, md trace.Metadata) Outcome {
	return Outcome{Status: trace.StatusCompleted, Summary: summary, Metadata: md}
}

func warning(reason, summary string, md trace.Metadata) Outcome {
	if md == nil {
		md = trace.Metadata{}
	}
	md["reason_code"] = reason
	return Outcome{Status: trace.StatusWarning, Summary: summary, Metadata: md}
}

// Gate is one stage of the pipeline.
type Gate interface {
	// Phase is the trace phase the gate records under.
	Phase() trace.Phase

	// Run updates st. A returned *fault.Fault blocks the pipeline; any other error is
	// an infrastructure failure.
	Run(ctx context.Context, st *State) (Outcome, error)
}

// Settings is the slice of process configuration the gates depend on.
type Settings struct {
	Limits      config.Limits
	Environment config.Environment
}

// Pipeline runs the gates in their fixed order.
type Pipeline struct {
	gates  []Gate
	logger *zap.Logger
}

// New builds the pipeline. retriever may be nil, in which case only the current
// packet's evidence feeds the lattice.
func New(s Settings, retriever Retriever, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		gates: []Gate{
			&EvidenceIntake{Limits: s.Limits},
			&ModalityGate{MaxMessageBytes: s.Limits.MaxMessageBytes},
			&URLGate{MaxURLs: s.Limits.MaxURLs, MaxURLLength: s.Limits.MaxURLLength},
			&IntentGate{Environment: s.Environment},
			&SentinelGate{},
			&LatticeGate{Retriever: retriever, MaxItems: s.Limits.MaxLatticeItems},
		},
		logger: logger,
	}
}

// Phases returns the phase of each gate in run order.
func (p *Pipeline) Phases() []trace.Phase {
	phases := make([]trace.Phase, len(p.gates))
	for i, g := range p.gates {
		phases[i] = g.Phase()
	}
	return phases
}

// Run executes every gate against st, recording one event per gate on rec. It stops at
// the first gate that returns an error.
func (p *Pipeline) Run(ctx context.Context, rec *trace.Recorder, st *State) error {
	for _, g := range p.gates {
		out, err := g.Run(ctx, st)
		if err != nil {
			if f, ok := fault.As(err); ok {
				rec.Record(ctx, actor, g.Phase(), trace.StatusBlocked, f.Message, faultMetadata(g.Phase(), f))
				p.logger.Info("Gate blocked transmission",
					zap.String("transmission_id", st.TransmissionID),
					zap.String("phase", string(g.Phase())),
					zap.String("code", string(f.Code)))
				return f
			}
			rec.Record(ctx, actor, g.Phase(), trace.StatusFailed, err.Error(), nil)
			return fmt.Errorf("gate %s: %w", g.Phase(), err)
		}
		rec.Record(ctx, actor, g.Phase(), out.Status, out.Summary, out.Metadata)
	}
	return nil
}

// faultMetadata copies the fault details the phase allows, plus the code as reason.
func faultMetadata(phase trace.Phase, f *fault.Fault) trace.Metadata {
	md := trace.Metadata{"reason_code": string(f.Code)}
	for _, k := range trace.AllowedKeys(phase) {
		if v, ok := f.Details[k]; ok {
			md[k] = v
		}
	}
	return md
}

// IsFault reports whether err came from a gate blocking the packet.
func IsFault(err error) bool {
	var f *fault.Fault
	return errors.As(err, &f)
}

// Summary is the persisted digest of gate results.
type Summary struct {
	Modality         Modality `json:"modality"`
	URLCount         int      `json:"url_count"`
	Intent           Intent   `json:"intent"`
	EvidenceProvider bool     `json:"evidence_provider"`
	RiskLevel        string   `json:"risk_level"`
	RiskFlags        []string `json:"risk_flags,omitempty"`
	Sentiment        float64  `json:"sentiment"`
	LatticeItems     int      `json:"lattice_items"`
}

// Summary digests st for the gate_summary artifact.
func (st *State) Summary() Summary {
	return Summary{
		Modality:         st.Modality,
		URLCount:         len(st.URLs),
		Intent:           st.Intent,
		EvidenceProvider: st.EvidenceProvider,
		RiskLevel:        string(st.Risk.Level),
		RiskFlags:        st.Risk.Flags,
		Sentiment:        st.Risk.Sentiment,
		LatticeItems:     len(st.Lattice),
	}
}
