// Package compose builds the model request for one generation attempt from the gate
// state and the accepted driver blocks.
package compose

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/relay/internal/driverblock"
	"github.com/dyluth/relay/internal/gates"
	"github.com/dyluth/relay/pkg/trace"
)

const actor = "compose"

// Request is what the model collaborator receives for one attempt.
type Request struct {
	System     string              `json:"system"`
	User       string              `json:"user"`
	Attempt    int                 `json:"attempt"`
	Corrective []string            `json:"corrective,omitempty"`
	Lattice    []gates.LatticeItem `json:"lattice,omitempty"`
	SupportIDs []string            `json:"supportIds,omitempty"` // Ids claims may cite
	Blocks     []driverblock.Block `json:"-"`
}

// Input is everything Compose reads.
type Input struct {
	State      *gates.State
	Blocks     []driverblock.Block
	Attempt    int
	Corrective []string
}

const envelopeInstructions = `Respond with a single JSON object and nothing else:
{"text": string (required),
 "shape": {"kind": string, "summary": string} (optional),
 "affect": {"signal": "neutral"|"positive"|"concerned"|"urgent", "intensity": 0..1} (optional),
 "claims": [{"text": string, "evidenceRefs": [support id, ...]}] (optional),
 "captureSuggestion": {"url": string, "reason": string} (optional)}`

// Compose builds the request and records a compose_request event on rec.
func Compose(ctx context.Context, rec *trace.Recorder, in Input) *Request {
	st := in.State
	req := &Request{
		User:       st.Message,
		Attempt:    in.Attempt,
		Corrective: in.Corrective,
		Lattice:    st.Lattice,
		Blocks:     in.Blocks,
	}
	for id := range st.Evidence.SupportIDs() {
		req.SupportIDs = append(req.SupportIDs, id)
	}
	sort.Strings(req.SupportIDs)

	var b strings.Builder
	b.WriteString("You are a careful assistant. Follow every policy below.\n\nPolicies:\n")
	for _, blk := range in.Blocks {
		fmt.Fprintf(&b, "- [%s] %s", blk.ID, blk.Title)
		if prose := driverblock.Prose(blk.Definition); prose != "" {
			fmt.Fprintf(&b, ": %s", strings.ReplaceAll(prose, "\n", " "))
		}
		rules := driverblock.ParseRules(blk.Definition)
		for _, phrase := range rules.Forbid {
			fmt.Fprintf(&b, "\n    never write %q", phrase)
		}
		for _, phrase := range rules.Require {
			fmt.Fprintf(&b, "\n    always include %q", phrase)
		}
		if rules.MaxChars > 0 {
			fmt.Fprintf(&b, "\n    at most %d characters of text", rules.MaxChars)
		}
		b.WriteString("\n")
	}

	if st.Risk.Level != "" && st.Risk.Level != gates.RiskLow {
		fmt.Fprintf(&b, "\nRisk: %s (%s). Respond with extra care.\n", st.Risk.Level, strings.Join(st.Risk.Flags, ", "))
	}

	if len(req.SupportIDs) > 0 {
		fmt.Fprintf(&b, "\nClaims may only cite these support ids: %s\n", strings.Join(req.SupportIDs, ", "))
	} else {
		b.WriteString("\nNo evidence was supplied; do not include claims.\n")
	}
	if len(st.Lattice) > 0 {
		b.WriteString("\nContext:\n")
		for _, item := range st.Lattice {
			fmt.Fprintf(&b, "- (%s %s %s) %s\n", item.Origin, item.Kind, item.ID, item.Text)
		}
	}

	if len(in.Corrective) > 0 {
		b.WriteString("\nYour previous response was rejected. Fix every issue:\n")
		for _, c := range in.Corrective {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	b.WriteString("\n")
	b.WriteString(envelopeInstructions)
	req.System = b.String()

	rec.Record(ctx, actor, trace.PhaseComposeRequest, trace.StatusCompleted,
		fmt.Sprintf("attempt %d with %d blocks", in.Attempt, len(in.Blocks)),
		trace.Metadata{
			"attempt":    in.Attempt,
			"blocks":     len(in.Blocks),
			"corrective": len(in.Corrective) > 0,
		})
	return req
}
