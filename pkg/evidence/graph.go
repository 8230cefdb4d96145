// Package evidence models the captures → supports → claims graph that backs cited
// assertions in a packet, and enforces its referential integrity and bounds.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/dyluth/relay/pkg/fault"
)

// CaptureSource records where a capture came from.
type CaptureSource string

const (
	SourceClient  CaptureSource = "client"
	SourceAutoURL CaptureSource = "auto_url"
)

// Capture is a raw sourced snippet or URL.
type Capture struct {
	ID      string        `json:"id"`
	URL     string        `json:"url,omitempty"`
	Snippet string        `json:"snippet,omitempty"`
	Source  CaptureSource `json:"source,omitempty"`
}

// Support cites exactly one capture or carries one inline snippet.
type Support struct {
	ID        string `json:"id"`
	CaptureID string `json:"captureId,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
}

// Claim cites one or more supports by id.
type Claim struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	SupportIDs []string `json:"supportIds"`
}

// Graph is the evidence attached to a single packet.
type Graph struct {
	Captures []Capture `json:"captures"`
	Supports []Support `json:"supports"`
	Claims   []Claim   `json:"claims"`
}

// Limits bounds the size of a graph. Zero means unlimited.
type Limits struct {
	MaxCaptures     int
	MaxSupports     int
	MaxClaims       int
	MaxSnippetBytes int
}

// Summary carries counts only; raw snippet text never leaves the store through it.
type Summary struct {
	Captures int `json:"captures"`
	Supports int `json:"supports"`
	Claims   int `json:"claims"`
}

// Summarize returns the counts of g. A nil graph has zero counts.
func (g *Graph) Summarize() Summary {
	if g == nil {
		return Summary{}
	}
	return Summary{Captures: len(g.Captures), Supports: len(g.Supports), Claims: len(g.Claims)}
}

// Empty reports whether g holds no nodes.
func (g *Graph) Empty() bool {
	return g == nil || (len(g.Captures) == 0 && len(g.Supports) == 0 && len(g.Claims) == 0)
}

// Validate checks bounds first, then ids, then references. The first problem found is
// returned as a *fault.Fault.
func (g *Graph) Validate(lim Limits) error {
	if g == nil {
		return nil
	}

	if lim.MaxCaptures > 0 && len(g.Captures) > lim.MaxCaptures {
		return fault.Overflow(fault.CodeCaptureCountOverflow, "capture count", len(g.Captures), lim.MaxCaptures)
	}
	if lim.MaxSupports > 0 && len(g.Supports) > lim.MaxSupports {
		return fault.Overflow(fault.CodeSupportCountOverflow, "support count", len(g.Supports), lim.MaxSupports)
	}
	if lim.MaxClaims > 0 && len(g.Claims) > lim.MaxClaims {
		return fault.Overflow(fault.CodeClaimCountOverflow, "claim count", len(g.Claims), lim.MaxClaims)
	}

	captureIDs := make(map[string]bool, len(g.Captures))
	for _, c := range g.Captures {
		if c.ID == "" || captureIDs[c.ID] {
			return duplicateID("capture", c.ID)
		}
		captureIDs[c.ID] = true
		if lim.MaxSnippetBytes > 0 && len(c.Snippet) > lim.MaxSnippetBytes {
			f := fault.Overflow(fault.CodeSnippetSizeOverflow, "capture snippet size", len(c.Snippet), lim.MaxSnippetBytes)
			f.Details["id"] = c.ID
			return f
		}
	}

	supportIDs := make(map[string]bool, len(g.Supports))
	var orphanedCaptures []string
	for _, s := range g.Supports {
		if s.ID == "" || supportIDs[s.ID] {
			return duplicateID("support", s.ID)
		}
		supportIDs[s.ID] = true

		hasCapture := s.CaptureID != ""
		hasSnippet := s.Snippet != ""
		if hasCapture == hasSnippet {
			return fault.New(fault.CodeInvalidSupportSource,
				"support must cite exactly one capture or inline snippet",
				map[string]any{"id": s.ID})
		}
		if lim.MaxSnippetBytes > 0 && len(s.Snippet) > lim.MaxSnippetBytes {
			f := fault.Overflow(fault.CodeSnippetSizeOverflow, "support snippet size", len(s.Snippet), lim.MaxSnippetBytes)
			f.Details["id"] = s.ID
			return f
		}
		if hasCapture && !captureIDs[s.CaptureID] {
			orphanedCaptures = append(orphanedCaptures, s.CaptureID)
		}
	}
	if len(orphanedCaptures) > 0 {
		return fault.Orphaned(fault.CodeOrphanedCaptureRef, "supports", dedupe(orphanedCaptures))
	}

	claimIDs := make(map[string]bool, len(g.Claims))
	var orphanedSupports []string
	for _, c := range g.Claims {
		if c.ID == "" || claimIDs[c.ID] {
			return duplicateID("claim", c.ID)
		}
		claimIDs[c.ID] = true
		if len(c.SupportIDs) == 0 {
			return fault.New(fault.CodeEmptyClaimSupport, "claim must cite at least one support",
				map[string]any{"id": c.ID})
		}
		for _, sid := range c.SupportIDs {
			if !supportIDs[sid] {
				orphanedSupports = append(orphanedSupports, sid)
			}
		}
	}
	if len(orphanedSupports) > 0 {
		return fault.Orphaned(fault.CodeOrphanedSupportRef, "claims", dedupe(orphanedSupports))
	}

	return nil
}

// SupportIDs returns the set of support ids in g.
func (g *Graph) SupportIDs() map[string]bool {
	ids := make(map[string]bool)
	if g == nil {
		return ids
	}
	for _, s := range g.Supports {
		ids[s.ID] = true
	}
	return ids
}

// MergeAutoCaptures adds one auto_url capture per URL not already present among the
// client-supplied captures. Client captures always win; their order is preserved and
// auto-derived captures are appended.
func MergeAutoCaptures(client *Graph, urls []string) *Graph {
	merged := &Graph{}
	if client != nil {
		merged.Captures = append(merged.Captures, client.Captures...)
		merged.Supports = append(merged.Supports, client.Supports...)
		merged.Claims = append(merged.Claims, client.Claims...)
	}
	for i := range merged.Captures {
		if merged.Captures[i].Source == "" {
			merged.Captures[i].Source = SourceClient
		}
	}

	present := make(map[string]bool, len(merged.Captures))
	for _, c := range merged.Captures {
		if c.URL != "" {
			present[NormalizeURL(c.URL)] = true
		}
	}

	for _, u := range urls {
		key := NormalizeURL(u)
		if present[key] {
			continue
		}
		present[key] = true
		merged.Captures = append(merged.Captures, Capture{
			ID:     AutoCaptureID(key),
			URL:    u,
			Source: SourceAutoURL,
		})
	}
	return merged
}

// NormalizeURL canonicalises a URL for identity comparison: lower-case scheme and host,
// no fragment, no trailing slash on the path. Unparseable input is only trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// AutoCaptureID derives a stable capture id from a normalized URL.
func AutoCaptureID(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return "auto-" + hex.EncodeToString(sum[:])[:12]
}

func duplicateID(kind, id string) *fault.Fault {
	return fault.New(fault.CodeDuplicateEvidenceID,
		"evidence ids must be non-empty and unique within their collection",
		map[string]any{"kind": kind, "id": id})
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
