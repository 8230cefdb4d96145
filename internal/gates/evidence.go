package gates

import (
	"context"
	"fmt"

	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
)

// EvidenceIntake validates the client's evidence graph and merges in captures derived
// from URLs in the raw message. Client captures win for a URL they already cover.
// Auto captures only fill the capacity left under MaxCaptures.
type EvidenceIntake struct {
	Limits config.Limits
}

func (g *EvidenceIntake) Phase() trace.Phase { return trace.PhaseEvidenceIntake }

func (g *EvidenceIntake) Run(_ context.Context, st *State) (Outcome, error) {
	client := st.Packet.Evidence
	if err := client.Validate(g.Limits.Evidence()); err != nil {
		return Outcome{}, err
	}

	clientCaptures := 0
	if client != nil {
		clientCaptures = len(client.Captures)
	}

	var candidates []string
	for _, u := range ExtractURLs(st.Packet.Message) {
		if g.Limits.MaxURLLength > 0 && len(u) > g.Limits.MaxURLLength {
			continue
		}
		candidates = append(candidates, u)
	}

	merged := evidence.MergeAutoCaptures(client, candidates)
	auto := len(merged.Captures) - clientCaptures

	md := trace.Metadata{"client_captures": clientCaptures}
	var out Outcome
	if limit := g.Limits.MaxCaptures; limit > 0 && len(merged.Captures) > limit {
		md["count"] = len(merged.Captures)
		md["max"] = limit
		merged.Captures = merged.Captures[:limit]
		auto = limit - clientCaptures
		out = warning("auto_capture_truncated",
			fmt.Sprintf("kept %d auto captures under capture limit %d", auto, limit), md)
	}
	md["auto_captures"] = auto

	// Auto captures are new nodes; re-check the merged graph so the stored graph
	// always satisfies the bounds.
	if err := merged.Validate(g.Limits.Evidence()); err != nil {
		return Outcome{}, err
	}

	st.Evidence = merged
	sum := merged.Summarize()
	md["captures"] = sum.Captures
	md["supports"] = sum.Supports
	md["claims"] = sum.Claims

	if out.Status != "" {
		return out, nil
	}
	return completed(fmt.Sprintf("%d captures (%d auto), %d supports, %d claims",
		sum.Captures, auto, sum.Supports, sum.Claims), md), nil
}
