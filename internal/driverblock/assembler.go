package driverblock

import (
	"fmt"
	"unicode/utf8"

	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
	"go.uber.org/zap"
)

// Limit names, as cited in drop and trim reasons.
const (
	LimitMaxInline          = "MAX_INLINE"
	LimitMaxRefs            = "MAX_REFS"
	LimitMaxDefinitionBytes = "MAX_DEFINITION_BYTES"
	LimitMaxTotalBlocks     = "MAX_TOTAL_BLOCKS"
)

// Reasons that are not limits.
const (
	ReasonUnknownRef  = "unknown_ref"
	ReasonModeDefault = "mode_default"
	ReasonDuplicateID = "duplicate_id"
)

// Limits bounds the non-baseline blocks. Zero means unlimited.
type Limits struct {
	MaxInline          int
	MaxRefs            int
	MaxDefinitionBytes int
	MaxTotal           int
}

// LimitsFrom picks the driver block bounds out of the process limits.
func LimitsFrom(l config.Limits) Limits {
	return Limits{
		MaxInline:          l.MaxInlineBlocks,
		MaxRefs:            l.MaxRefBlocks,
		MaxDefinitionBytes: l.MaxDefinitionBytes,
		MaxTotal:           l.MaxTotalBlocks,
	}
}

// Drop records a block that was not accepted.
type Drop struct {
	ID         string     `json:"id"`
	Version    string     `json:"version,omitempty"`
	Provenance Provenance `json:"provenance"`
	Code       string     `json:"code"` // Limit name or reason code
	Reason     string     `json:"reason"`
}

// Trim records a definition cut down to MAX_DEFINITION_BYTES.
type Trim struct {
	ID            string     `json:"id"`
	Provenance    Provenance `json:"provenance"`
	OriginalBytes int        `json:"originalBytes"`
	TrimmedBytes  int        `json:"trimmedBytes"`
	Reason        string     `json:"reason"`
}

// MismatchDetails counts what a default-mode request supplied and lost.
type MismatchDetails struct {
	DroppedRefs   int `json:"droppedRefs"`
	DroppedInline int `json:"droppedInline"`
}

// Result is the outcome of an assembly. Accepted is ordered baseline, then system
// refs, then inline, with Order running 0..len(Accepted)-1.
type Result struct {
	Accepted        []Block          `json:"accepted"`
	Dropped         []Drop           `json:"dropped"`
	Trimmed         []Trim           `json:"trimmed"`
	Mismatch        bool             `json:"mismatch"`
	MismatchDetails *MismatchDetails `json:"mismatchDetails,omitempty"`
	Mode            string           `json:"mode"`
}

// Metadata returns the policy_engine trace metadata for r.
func (r *Result) Metadata() trace.Metadata {
	md := trace.Metadata{
		"accepted": len(r.Accepted),
		"dropped":  len(r.Dropped),
		"trimmed":  len(r.Trimmed),
		"mismatch": r.Mismatch,
		"mode":     r.Mode,
	}
	if r.MismatchDetails != nil {
		md["dropped_refs"] = r.MismatchDetails.DroppedRefs
		md["dropped_inline"] = r.MismatchDetails.DroppedInline
	}
	return md
}

// Assembler resolves driver blocks for packets.
type Assembler struct {
	registry *Registry
	limits   Limits
	logger   *zap.Logger
}

// NewAssembler creates an assembler. A nil registry uses DefaultRegistry.
func NewAssembler(registry *Registry, limits Limits, logger *zap.Logger) *Assembler {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{registry: registry, limits: limits, logger: logger}
}

// Registry returns the registry refs are resolved against.
func (a *Assembler) Registry() *Registry {
	return a.registry
}

// Assemble resolves the packet's block request. It never fails: problems with the
// request are reported as drops.
func (a *Assembler) Assemble(refs []transmission.DriverBlockRef, inline []transmission.DriverBlockInline, mode transmission.DriverBlockMode) *Result {
	res := &Result{Mode: string(mode), Dropped: []Drop{}, Trimmed: []Trim{}}
	if res.Mode == "" {
		res.Mode = string(transmission.DriverBlockModeDefault)
	}
	accepted := Baseline()

	if mode != transmission.DriverBlockModeCustom {
		if len(refs) > 0 || len(inline) > 0 {
			res.Mismatch = true
			res.MismatchDetails = &MismatchDetails{DroppedRefs: len(refs), DroppedInline: len(inline)}
			for _, ref := range refs {
				res.Dropped = append(res.Dropped, Drop{ID: ref.ID, Version: ref.Version, Provenance: ProvenanceSystemRef,
					Code: ReasonModeDefault, Reason: "driverBlockMode is default; system refs are ignored"})
			}
			for _, blk := range inline {
				res.Dropped = append(res.Dropped, Drop{ID: blk.ID, Provenance: ProvenanceInline,
					Code: ReasonModeDefault, Reason: "driverBlockMode is default; inline blocks are ignored"})
			}
		}
		res.Accepted = number(accepted)
		return res
	}

	seen := make(map[string]bool)
	for _, b := range accepted {
		seen[b.ID] = true
	}

	var refBlocks []Block
	for _, ref := range refs {
		b, ok := a.registry.Lookup(ref.ID, ref.Version)
		if !ok {
			res.Dropped = append(res.Dropped, Drop{ID: ref.ID, Version: ref.Version, Provenance: ProvenanceSystemRef,
				Code: ReasonUnknownRef, Reason: fmt.Sprintf("no registered block %s@%s", ref.ID, ref.Version)})
			continue
		}
		if seen[b.ID] {
			res.Dropped = append(res.Dropped, Drop{ID: b.ID, Version: b.Version, Provenance: ProvenanceSystemRef,
				Code: ReasonDuplicateID, Reason: fmt.Sprintf("block %s already accepted", b.ID)})
			continue
		}
		seen[b.ID] = true
		refBlocks = append(refBlocks, b)
	}

	var inlineBlocks []Block
	for _, in := range inline {
		if seen[in.ID] {
			res.Dropped = append(res.Dropped, Drop{ID: in.ID, Provenance: ProvenanceInline,
				Code: ReasonDuplicateID, Reason: fmt.Sprintf("block %s already accepted", in.ID)})
			continue
		}
		seen[in.ID] = true
		inlineBlocks = append(inlineBlocks, Block{
			ID:         in.ID,
			Version:    "inline",
			Title:      in.Title,
			Scope:      in.Scope,
			Definition: in.Definition,
			Provenance: ProvenanceInline,
		})
	}

	// 1. MAX_INLINE
	if n := a.limits.MaxInline; n > 0 && len(inlineBlocks) > n {
		res.dropExcess(inlineBlocks[n:], LimitMaxInline, n)
		inlineBlocks = inlineBlocks[:n]
	}

	// 2. MAX_REFS
	if n := a.limits.MaxRefs; n > 0 && len(refBlocks) > n {
		res.dropExcess(refBlocks[n:], LimitMaxRefs, n)
		refBlocks = refBlocks[:n]
	}

	// 3. MAX_DEFINITION_BYTES
	extra := make([]Block, 0, len(refBlocks)+len(inlineBlocks))
	extra = append(append(extra, refBlocks...), inlineBlocks...)
	if n := a.limits.MaxDefinitionBytes; n > 0 {
		for i := range extra {
			orig := len(extra[i].Definition)
			if orig <= n {
				continue
			}
			extra[i].Definition = truncateUTF8(extra[i].Definition, n)
			res.Trimmed = append(res.Trimmed, Trim{
				ID:            extra[i].ID,
				Provenance:    extra[i].Provenance,
				OriginalBytes: orig,
				TrimmedBytes:  len(extra[i].Definition),
				Reason:        fmt.Sprintf("definition exceeds %s (%d > %d bytes)", LimitMaxDefinitionBytes, orig, n),
			})
		}
	}

	// 4. MAX_TOTAL_BLOCKS, counted over non-baseline blocks only.
	if n := a.limits.MaxTotal; n > 0 && len(extra) > n {
		res.dropExcess(extra[n:], LimitMaxTotalBlocks, n)
		extra = extra[:n]
	}

	res.Accepted = number(append(accepted, extra...))

	if len(res.Dropped) > 0 || len(res.Trimmed) > 0 {
		a.logger.Debug("Driver block request bounded",
			zap.Int("accepted", len(res.Accepted)),
			zap.Int("dropped", len(res.Dropped)),
			zap.Int("trimmed", len(res.Trimmed)))
	}
	return res
}

func (r *Result) dropExcess(blocks []Block, limit string, n int) {
	for _, b := range blocks {
		r.Dropped = append(r.Dropped, Drop{
			ID:         b.ID,
			Version:    b.Version,
			Provenance: b.Provenance,
			Code:       limit,
			Reason:     fmt.Sprintf("exceeds %s (%d)", limit, n),
		})
	}
}

func number(blocks []Block) []Block {
	for i := range blocks {
		blocks[i].Order = i
	}
	return blocks
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
