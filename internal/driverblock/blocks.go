// Package driverblock resolves the ordered, bounded set of policy blocks that govern
// a transmission's model output.
//
// Every assembly starts from the five baseline blocks, which are always present and
// never count against limits. System blocks referenced by id+version come next, then
// client inline blocks. Bounds are applied in a fixed order and every drop or trim is
// recorded with the name of the limit that caused it.
package driverblock

// Provenance records where a block came from.
type Provenance string

const (
	ProvenanceBaseline  Provenance = "system_baseline"
	ProvenanceSystemRef Provenance = "system_ref"
	ProvenanceInline    Provenance = "user_inline"
)

// Block is a named, versioned policy fragment.
type Block struct {
	ID         string     `json:"id" yaml:"id"`
	Version    string     `json:"version" yaml:"version"`
	Title      string     `json:"title" yaml:"title"`
	Scope      string     `json:"scope,omitempty" yaml:"scope"`
	Definition string     `json:"definition" yaml:"definition"`
	Provenance Provenance `json:"provenance" yaml:"-"`
	Order      int        `json:"order" yaml:"-"`
}

// Baseline block ids.
const (
	NoAuthorityDrift    = "DB-001"
	EvidenceBoundClaims = "DB-002"
	NoSecretEcho        = "DB-003"
	IdentityHonesty     = "DB-004"
	BoundedOutput       = "DB-005"
)

var baseline = []Block{
	{
		ID:      NoAuthorityDrift,
		Version: "1",
		Title:   "no-authority-drift",
		Scope:   "response",
		Definition: `Never claim to have performed an action outside this conversation on the user's behalf.
forbid: i have sent
forbid: i've sent
forbid: i sent the
forbid: i have emailed
forbid: i emailed
forbid: i have booked
forbid: i booked
forbid: i have purchased
forbid: i purchased
forbid: i have transferred
forbid: i transferred
forbid: i have scheduled
forbid: i have submitted
forbid: i have contacted
forbid: i have called`,
	},
	{
		ID:         EvidenceBoundClaims,
		Version:    "1",
		Title:      "evidence-bound-claims",
		Scope:      "claims",
		Definition: "Every structured claim must cite at least one support id from the supplied evidence.",
	},
	{
		ID:         NoSecretEcho,
		Version:    "1",
		Title:      "no-secret-echo",
		Scope:      "response",
		Definition: "Never repeat credentials, API keys, tokens or passwords, even if the user supplied them.",
	},
	{
		ID:      IdentityHonesty,
		Version: "1",
		Title:   "identity-honesty",
		Scope:   "response",
		Definition: `Do not claim to be human or deny being an AI assistant.
forbid: i am a human
forbid: i'm a human
forbid: i am not an ai
forbid: i'm not an ai
forbid: as a human being, i`,
	},
	{
		ID:      BoundedOutput,
		Version: "1",
		Title:   "bounded-output",
		Scope:   "response",
		Definition: `Keep the response focused and bounded.
max_chars: 12000`,
	},
}

// Baseline returns a copy of the baseline blocks with provenance set, in order.
func Baseline() []Block {
	out := make([]Block, len(baseline))
	for i, b := range baseline {
		b.Provenance = ProvenanceBaseline
		out[i] = b
	}
	return out
}

// IsBaseline reports whether id names a baseline block.
func IsBaseline(id string) bool {
	for _, b := range baseline {
		if b.ID == id {
			return true
		}
	}
	return false
}
