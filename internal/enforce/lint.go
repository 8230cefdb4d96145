package enforce

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/internal/driverblock"
	"github.com/dyluth/relay/internal/model"
	"github.com/dyluth/relay/pkg/transmission"
)

// SchemaBlockID is the pseudo-block that envelope structure violations are charged to.
const SchemaBlockID = "SCHEMA"

// Violation is one broken rule in a model output.
type Violation struct {
	BlockID string `json:"blockId"`
	Rule    string `json:"rule"`
	Detail  string `json:"detail"`
}

// String renders the violation as a corrective instruction line.
func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s", v.BlockID, v.Detail)
}

var affectSignals = map[string]bool{
	"neutral": true, "positive": true, "concerned": true, "urgent": true,
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
	regexp.MustCompile(`xox[abprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\b(?:password|passwd|api[_-]?key|secret)\s*[:=]\s*\S{6,}`),
}

// Linter checks an output against the accepted blocks and the envelope schema.
type Linter struct {
	blocks     []driverblock.Block
	supportIDs map[string]bool
	limits     config.Limits
}

// NewLinter creates a linter. supportIDs are the ids claims may cite.
func NewLinter(blocks []driverblock.Block, supportIDs map[string]bool, limits config.Limits) *Linter {
	if supportIDs == nil {
		supportIDs = map[string]bool{}
	}
	return &Linter{blocks: blocks, supportIDs: supportIDs, limits: limits}
}

// Lint returns every violation in out, schema first, then blocks in order.
func (l *Linter) Lint(out model.Output) []Violation {
	env := out.Envelope
	if env == nil {
		env = &transmission.OutputEnvelope{}
	}
	violations := l.schema(out, env)
	for _, b := range l.blocks {
		violations = append(violations, l.block(b, env)...)
	}
	return violations
}

// ViolatedBlockIDs returns the distinct block ids in vs, sorted.
func ViolatedBlockIDs(vs []Violation) []string {
	seen := map[string]bool{}
	var ids []string
	for _, v := range vs {
		if !seen[v.BlockID] {
			seen[v.BlockID] = true
			ids = append(ids, v.BlockID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (l *Linter) schema(out model.Output, env *transmission.OutputEnvelope) []Violation {
	var vs []Violation
	add := func(rule, format string, args ...any) {
		vs = append(vs, Violation{BlockID: SchemaBlockID, Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	for _, e := range out.SchemaErrors {
		add("structure", "%s", e)
	}
	if strings.TrimSpace(env.Text) == "" && !hasRequiredTextError(out.SchemaErrors) {
		add("text_required", "envelope text must not be empty")
	}
	if l.limits.MaxTextBytes > 0 && len(env.Text) > l.limits.MaxTextBytes {
		add("max_text_bytes", "text is %d bytes, limit is %d", len(env.Text), l.limits.MaxTextBytes)
	}
	if env.Shape != nil && env.Shape.Kind == "" {
		add("shape_kind", "shape.kind is required when shape is present")
	}
	if a := env.Affect; a != nil {
		if !affectSignals[a.Signal] {
			add("affect_signal", "affect.signal %q must be one of neutral, positive, concerned, urgent", a.Signal)
		}
		if a.Intensity < 0 || a.Intensity > 1 {
			add("affect_intensity", "affect.intensity %v must be between 0 and 1", a.Intensity)
		}
	}

	if l.limits.MaxEnvelopeClaims > 0 && len(env.Claims) > l.limits.MaxEnvelopeClaims {
		add("max_claims", "%d claims, limit is %d", len(env.Claims), l.limits.MaxEnvelopeClaims)
	}
	total := 0
	for i, c := range env.Claims {
		if strings.TrimSpace(c.Text) == "" {
			add("claim_text", "claim %d has no text", i)
		}
		if l.limits.MaxRefsPerClaim > 0 && len(c.EvidenceRefs) > l.limits.MaxRefsPerClaim {
			add("max_refs_per_claim", "claim %d cites %d refs, limit is %d", i, len(c.EvidenceRefs), l.limits.MaxRefsPerClaim)
		}
		total += len(c.EvidenceRefs)
	}
	if l.limits.MaxTotalRefs > 0 && total > l.limits.MaxTotalRefs {
		add("max_total_refs", "%d evidence refs in total, limit is %d", total, l.limits.MaxTotalRefs)
	}

	if cs := env.CaptureSuggestion; cs != nil {
		u, err := url.Parse(cs.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("capture_suggestion_url", "captureSuggestion.url %q must be an absolute http(s) URL", cs.URL)
		}
	}
	return vs
}

func hasRequiredTextError(errs []string) bool {
	for _, e := range errs {
		if strings.Contains(e, "text is required") {
			return true
		}
	}
	return false
}

func (l *Linter) block(b driverblock.Block, env *transmission.OutputEnvelope) []Violation {
	var vs []Violation
	add := func(rule, format string, args ...any) {
		vs = append(vs, Violation{BlockID: b.ID, Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	corpus := strings.ToLower(searchable(env))
	rules := driverblock.ParseRules(b.Definition)
	for _, phrase := range rules.Forbid {
		if strings.Contains(corpus, phrase) {
			add("forbid", "remove the phrase %q", phrase)
		}
	}
	for _, phrase := range rules.Require {
		if !strings.Contains(corpus, phrase) {
			add("require", "include the phrase %q", phrase)
		}
	}
	if rules.MaxChars > 0 {
		if n := utf8.RuneCountInString(env.Text); n > rules.MaxChars {
			add("max_chars", "text is %d characters, limit is %d", n, rules.MaxChars)
		}
	}

	switch b.ID {
	case driverblock.EvidenceBoundClaims:
		for i, c := range env.Claims {
			if len(c.EvidenceRefs) == 0 {
				add("claim_refs", "claim %d must cite at least one support id", i)
				continue
			}
			for _, ref := range c.EvidenceRefs {
				if !l.supportIDs[ref] {
					add("claim_refs", "claim %d cites unknown support id %q", i, ref)
				}
			}
		}
	case driverblock.NoSecretEcho:
		for _, re := range secretPatterns {
			if re.MatchString(searchable(env)) {
				add("secret", "remove credential-like content matching %s", re.String())
			}
		}
	}
	return vs
}

// searchable is the text the phrase rules apply to: the response text plus claim text.
func searchable(env *transmission.OutputEnvelope) string {
	if len(env.Claims) == 0 {
		return env.Text
	}
	parts := []string{env.Text}
	for _, c := range env.Claims {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n")
}
