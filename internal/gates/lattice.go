package gates

import (
	"context"
	"fmt"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
)

// LatticeItem is one piece of prior or current evidence offered to the model.
type LatticeItem struct {
	Origin         string `json:"origin"` // "current" or "thread"
	TransmissionID string `json:"transmission_id,omitempty"`
	Kind           string `json:"kind"` // "claim" or "capture"
	ID             string `json:"id"`
	Text           string `json:"text"`
}

// Retriever fetches prior evidence items for a thread, newest first.
type Retriever interface {
	Retrieve(ctx context.Context, threadID, excludeTransmissionID string) ([]LatticeItem, error)
}

// StoreRetriever reads prior evidence from the transmission store.
type StoreRetriever struct {
	Store transmission.Store
}

// Retrieve implements Retriever.
func (r StoreRetriever) Retrieve(ctx context.Context, threadID, excludeTransmissionID string) ([]LatticeItem, error) {
	recs, err := r.Store.ListEvidenceByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread evidence: %w", err)
	}
	var items []LatticeItem
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.TransmissionID == excludeTransmissionID {
			continue
		}
		items = append(items, graphItems("thread", rec.TransmissionID, rec.Graph)...)
	}
	return items, nil
}

func graphItems(origin, transmissionID string, g *evidence.Graph) []LatticeItem {
	if g == nil {
		return nil
	}
	var items []LatticeItem
	for _, c := range g.Claims {
		items = append(items, LatticeItem{Origin: origin, TransmissionID: transmissionID, Kind: "claim", ID: c.ID, Text: c.Text})
	}
	for _, c := range g.Captures {
		text := c.Snippet
		if text == "" {
			text = c.URL
		}
		items = append(items, LatticeItem{Origin: origin, TransmissionID: transmissionID, Kind: "capture", ID: c.ID, Text: text})
	}
	return items
}

// ReasonProviderDisabled marks a lattice skipped because no evidence was requested.
const ReasonProviderDisabled = "evidence_provider_disabled"

// LatticeGate assembles current and prior evidence when the evidence provider is on.
type LatticeGate struct {
	Retriever Retriever
	MaxItems  int
}

func (g *LatticeGate) Phase() trace.Phase { return trace.PhaseLattice }

func (g *LatticeGate) Run(ctx context.Context, st *State) (Outcome, error) {
	if !st.EvidenceProvider {
		return warning(ReasonProviderDisabled, "evidence provider disabled", trace.Metadata{"skipped": true, "items": 0}), nil
	}

	items := graphItems("current", st.TransmissionID, st.Evidence)
	threadItems := 0
	if g.Retriever != nil {
		prior, err := g.Retriever.Retrieve(ctx, st.Packet.ThreadID, st.TransmissionID)
		if err != nil {
			return Outcome{}, err
		}
		threadItems = len(prior)
		items = append(items, prior...)
	}

	md := trace.Metadata{"thread_items": threadItems, "max": g.MaxItems}
	if g.MaxItems > 0 && len(items) > g.MaxItems {
		items = items[:g.MaxItems]
	}
	st.Lattice = items
	md["items"] = len(items)
	return completed(fmt.Sprintf("%d lattice items", len(items)), md), nil
}
