package gates

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/fault"
	"github.com/dyluth/relay/pkg/trace"
)

var urlPattern = regexp.MustCompile(`(?i)https?://[^\s<>"'` + "`" + `]+`)

// ExtractURLs returns the distinct http(s) URLs in text, in order of first appearance.
// Trailing sentence punctuation and unbalanced closing brackets are not part of a URL.
func ExtractURLs(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range urlPattern.FindAllString(text, -1) {
		m = trimURL(m)
		u, err := url.Parse(m)
		if err != nil || u.Host == "" {
			continue
		}
		key := evidence.NormalizeURL(m)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

func trimURL(s string) string {
	for len(s) > 0 {
		last := s[len(s)-1]
		switch {
		case strings.ContainsRune(".,;:!?", rune(last)):
			s = s[:len(s)-1]
		case last == ')' && strings.Count(s, "(") < strings.Count(s, ")"):
			s = s[:len(s)-1]
		case last == ']' && strings.Count(s, "[") < strings.Count(s, "]"):
			s = s[:len(s)-1]
		default:
			return s
		}
	}
	return s
}

// URLGate extracts URLs from the normalized message.
type URLGate struct {
	MaxURLs      int
	MaxURLLength int
}

func (g *URLGate) Phase() trace.Phase { return trace.PhaseURLExtraction }

func (g *URLGate) Run(_ context.Context, st *State) (Outcome, error) {
	urls := ExtractURLs(st.Message)

	for _, u := range urls {
		if g.MaxURLLength > 0 && len(u) > g.MaxURLLength {
			f := fault.Overflow(fault.CodeURLLengthOverflow, "url length", len(u), g.MaxURLLength)
			f.Details["length"] = len(u)
			return Outcome{}, f
		}
	}

	count := len(urls)
	if g.MaxURLs > 0 && count > g.MaxURLs {
		st.URLs = urls[:g.MaxURLs]
		return warning(string(fault.CodeURLCountOverflow),
			fmt.Sprintf("kept first %d of %d urls", g.MaxURLs, count),
			trace.Metadata{"url_count": len(st.URLs), "count": count, "max": g.MaxURLs}), nil
	}

	st.URLs = urls
	return completed(fmt.Sprintf("extracted %d urls", count), trace.Metadata{"url_count": count}), nil
}
