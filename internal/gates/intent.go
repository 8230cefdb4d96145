package gates

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/pkg/trace"
)

// Intent is the coarse purpose of a message.
type Intent string

const (
	IntentResearch     Intent = "research"
	IntentQuestion     Intent = "question"
	IntentTask         Intent = "task"
	IntentConversation Intent = "conversation"
	IntentNone         Intent = "none"
)

// Reason codes for the evidence provider decision.
const (
	ReasonNoIntent          = "no_intent"
	ReasonForcedRequest     = "forced_request"
	ReasonForcedIgnoredProd = "forced_ignored_prod"
)

var (
	researchTerms = []string{
		"research", "sources", "source for", "cite", "citation", "evidence", "look up",
		"find out", "compare", "fact check", "fact-check", "according to", "verify",
	}
	taskTerms = []string{
		"write", "draft", "create", "summarize", "summarise", "translate", "rewrite",
		"fix", "build", "make", "list", "plan", "generate",
	}
	conversationTerms = []string{
		"hi", "hello", "hey", "thanks", "thank you", "good morning", "good night", "how are you",
	}
	questionWords = []string{
		"who", "what", "when", "where", "why", "how", "which", "is", "are", "can", "could",
		"does", "do", "should", "would", "will",
	}
)

// ClassifyIntent applies the keyword heuristics to a normalized message.
func ClassifyIntent(msg string) Intent {
	lower := strings.ToLower(msg)
	if lower == "" {
		return IntentNone
	}
	if containsAny(lower, researchTerms) {
		return IntentResearch
	}
	first := firstWord(lower)
	if strings.HasSuffix(strings.TrimSpace(lower), "?") || containsString(questionWords, first) {
		return IntentQuestion
	}
	if containsAny(lower, taskTerms) {
		return IntentTask
	}
	trimmed := strings.Trim(lower, " !.,")
	if containsString(conversationTerms, trimmed) || containsString(conversationTerms, first) {
		return IntentConversation
	}
	return IntentNone
}

// IntentGate classifies intent, folds in the mode decision, and decides whether the
// evidence provider runs for this packet.
type IntentGate struct {
	Environment config.Environment
}

func (g *IntentGate) Phase() trace.Phase { return trace.PhaseIntent }

func (g *IntentGate) Run(_ context.Context, st *State) (Outcome, error) {
	intent := ClassifyIntent(st.Message)
	if Intent(st.ModeDecision.Mode) == IntentResearch {
		intent = IntentResearch
	}
	st.Intent = intent

	enabled := intent == IntentResearch ||
		(intent == IntentQuestion && len(st.URLs) > 0) ||
		st.Modality == ModalityTextWithEvidence

	md := trace.Metadata{
		"intent": string(intent),
		"mode":   st.ModeDecision.Mode,
		"forced": st.Packet.ForceEvidence,
	}

	if st.Packet.ForceEvidence {
		if g.Environment == config.EnvProd {
			st.EvidenceProvider = enabled
			md["evidence_provider"] = enabled
			return warning(ReasonForcedIgnoredProd, "forceEvidence ignored in production", md), nil
		}
		st.EvidenceProvider = true
		md["evidence_provider"] = true
		return warning(ReasonForcedRequest, "evidence provider forced by request", md), nil
	}

	st.EvidenceProvider = enabled
	md["evidence_provider"] = enabled
	if !enabled {
		return warning(ReasonNoIntent, "evidence provider skipped: no intent detected", md), nil
	}
	return completed(fmt.Sprintf("intent %s, evidence provider enabled", intent), md), nil
}

// containsAny reports whether any phrase occurs in s on word boundaries.
func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		for from := 0; ; {
			i := strings.Index(s[from:], p)
			if i < 0 {
				break
			}
			start, end := from+i, from+i+len(p)
			if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
				return true
			}
			from = start + 1
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ",.!?;:")
}
