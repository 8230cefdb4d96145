package gates

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/dyluth/relay/pkg/fault"
	"github.com/dyluth/relay/pkg/trace"
	"golang.org/x/text/unicode/norm"
)

// Modality describes what the packet carries besides plain text.
type Modality string

const (
	ModalityText             Modality = "text"
	ModalityTextWithLinks    Modality = "text_with_links"
	ModalityTextWithEvidence Modality = "text_with_evidence"
)

// NormalizeMessage applies Unicode NFC, collapses runs of horizontal whitespace to one
// space, trims each line, and allows at most one blank line between paragraphs.
func NormalizeMessage(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(line, func(r rune) bool {
			return unicode.IsSpace(r) && r != '\n'
		}), " ")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// ModalityGate normalizes the message and classifies its modality.
type ModalityGate struct {
	MaxMessageBytes int
}

func (g *ModalityGate) Phase() trace.Phase { return trace.PhaseNormalizeModality }

func (g *ModalityGate) Run(_ context.Context, st *State) (Outcome, error) {
	msg := NormalizeMessage(st.Packet.Message)
	if msg == "" {
		return Outcome{}, fault.New(fault.CodeEmptyMessage, "message is empty after normalization", nil)
	}
	if g.MaxMessageBytes > 0 && len(msg) > g.MaxMessageBytes {
		return Outcome{}, fault.Overflow(fault.CodeMessageSizeOverflow, "message size", len(msg), g.MaxMessageBytes)
	}
	st.Message = msg

	switch {
	case st.Packet.Evidence != nil && !st.Packet.Evidence.Empty():
		st.Modality = ModalityTextWithEvidence
	case urlPattern.MatchString(msg):
		st.Modality = ModalityTextWithLinks
	default:
		st.Modality = ModalityText
	}

	return completed(fmt.Sprintf("modality %s", st.Modality), trace.Metadata{
		"modality":      string(st.Modality),
		"message_bytes": len(msg),
	}), nil
}
