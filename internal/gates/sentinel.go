package gates

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dyluth/relay/pkg/trace"
)

// RiskLevel grades how carefully the response must be handled.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskElevated RiskLevel = "elevated"
	RiskHigh     RiskLevel = "high"
)

// Risk flags raised by the sentinel.
const (
	FlagCredentialExposure = "credential_exposure"
	FlagSelfHarm           = "self_harm"
	FlagFinancialAction    = "financial_action"
)

// Risk is the sentinel's assessment of a message.
type Risk struct {
	Level     RiskLevel
	Flags     []string
	Sentiment float64 // -1 (negative) .. 1 (positive)
}

var (
	positiveWords = map[string]bool{
		"good": true, "great": true, "thanks": true, "thank": true, "love": true, "happy": true,
		"excellent": true, "awesome": true, "glad": true, "nice": true, "helpful": true, "appreciate": true,
	}
	negativeWords = map[string]bool{
		"bad": true, "terrible": true, "hate": true, "angry": true, "sad": true, "awful": true,
		"worried": true, "upset": true, "broken": true, "frustrated": true, "useless": true, "scared": true,
	}

	credentialPattern = regexp.MustCompile(`(?i)(password\s*[:=]|api[_ -]?key|secret[_ -]?key|private key|bearer\s+[a-z0-9._-]{16,}|\bsk-[a-z0-9]{16,}|\bAKIA[0-9A-Z]{16}\b)`)
	selfHarmTerms     = []string{"kill myself", "suicide", "self harm", "self-harm", "hurt myself", "end my life"}
	financialTerms    = []string{"wire transfer", "send money", "transfer funds", "buy stock", "sell stock", "bank account", "pay this invoice", "make a payment"}
)

// AssessRisk scores sentiment from a word lexicon and raises risk flags.
func AssessRisk(msg string) Risk {
	lower := strings.ToLower(msg)

	var pos, neg int
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	}) {
		switch {
		case positiveWords[w]:
			pos++
		case negativeWords[w]:
			neg++
		}
	}
	var sentiment float64
	if pos+neg > 0 {
		sentiment = float64(pos-neg) / float64(pos+neg)
	}

	var flags []string
	if credentialPattern.MatchString(msg) {
		flags = append(flags, FlagCredentialExposure)
	}
	if containsAny(lower, selfHarmTerms) {
		flags = append(flags, FlagSelfHarm)
	}
	if containsAny(lower, financialTerms) {
		flags = append(flags, FlagFinancialAction)
	}
	sort.Strings(flags)

	level := RiskLow
	switch {
	case containsString(flags, FlagSelfHarm), len(flags) > 1:
		level = RiskHigh
	case len(flags) == 1:
		level = RiskElevated
	}
	return Risk{Level: level, Flags: flags, Sentiment: sentiment}
}

// SentinelGate records sentiment and risk. Elevated and high risk are warnings.
type SentinelGate struct{}

func (g *SentinelGate) Phase() trace.Phase { return trace.PhaseSentinel }

func (g *SentinelGate) Run(_ context.Context, st *State) (Outcome, error) {
	st.Risk = AssessRisk(st.Message)
	md := trace.Metadata{
		"risk_level": string(st.Risk.Level),
		"risk_flags": st.Risk.Flags,
		"sentiment":  st.Risk.Sentiment,
	}
	if st.Risk.Level != RiskLow {
		return warning("risk_"+string(st.Risk.Level),
			fmt.Sprintf("risk %s: %s", st.Risk.Level, strings.Join(st.Risk.Flags, ", ")), md), nil
	}
	return completed("risk low", md), nil
}
