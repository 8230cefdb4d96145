package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
)

// OutputFormat specifies how list and trace output is rendered.
type OutputFormat string

const (
	// OutputFormatDefault uses a table with truncated text
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates a user-supplied format name. Empty means default.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSONL:
		return OutputFormatJSONL, nil
	default:
		return "", fmt.Errorf("unknown output format %q (use default or jsonl)", s)
	}
}

// FormatTable writes transmissions as a table and returns how many rows it wrote.
func FormatTable(w io.Writer, list []*transmission.Transmission, now time.Time) int {
	if len(list) == 0 {
		fmt.Fprintln(w, "No transmissions found")
		return 0
	}

	fmt.Fprintf(w, "%-10s %-14s %-10s %-5s %-12s %-8s %s\n",
		"ID", "KIND", "STATUS", "CODE", "THREAD", "AGE", "TEXT")
	fmt.Fprintf(w, "%-10s %-14s %-10s %-5s %-12s %-8s %s\n",
		"----------", "--------------", "----------", "-----", "------------", "--------", "----------------------------------------")

	for _, t := range list {
		fmt.Fprintf(w, "%-10s %-14s %-10s %-5s %-12s %-8s %s\n",
			formatID(t.ID),
			t.Kind,
			t.Status,
			formatCode(t.StatusCode),
			truncate(t.ThreadID, 12),
			formatAge(t.CreatedAtMs, now),
			formatText(t),
		)
	}

	noun := "transmission"
	if len(list) != 1 {
		noun = "transmissions"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(list), noun)
	return len(list)
}

// FormatJSONL writes each value as a single JSON line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal record to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes v as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// FormatTraceTable writes trace events in sequence order.
func FormatTraceTable(w io.Writer, run *trace.Run, events []trace.Event) {
	if run != nil {
		fmt.Fprintf(w, "Trace run %s (level %s)\n\n", run.ID, run.Level)
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "No trace events recorded")
		return
	}

	fmt.Fprintf(w, "%-4s %-12s %-20s %-10s %-40s %s\n", "SEQ", "TIME", "PHASE", "STATUS", "SUMMARY", "METADATA")
	for _, e := range events {
		fmt.Fprintf(w, "%-4d %-12s %-20s %-10s %-40s %s\n",
			e.Seq,
			e.At().Format("15:04:05.000"),
			e.Phase,
			e.Status,
			truncate(e.Summary, 40),
			formatMetadata(e.Metadata),
		)
	}
}

// formatID truncates ids to their first 8 characters.
func formatID(id string) string {
	return truncateRaw(id, 8)
}

func formatCode(code int) string {
	if code == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", code)
}

// formatText shows the response text, or the error code for failures without text.
func formatText(t *transmission.Transmission) string {
	text := t.ResponseText
	if text == "" && t.ErrorCode != "" {
		text = "error: " + t.ErrorCode
	}
	return formatFirstLine(text, 40)
}

// formatFirstLine returns the first non-blank line of s, truncated to n runes.
func formatFirstLine(s string, n int) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return truncate(trimmed, n)
		}
	}
	return "-"
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func truncateRaw(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// formatAge renders a timestamp relative to now, like "2m ago".
func formatAge(ms int64, now time.Time) string {
	if ms == 0 {
		return "-"
	}
	diff := max(now.Sub(time.UnixMilli(ms)), 0)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

// formatMetadata renders metadata as sorted key=value pairs.
func formatMetadata(md trace.Metadata) string {
	if len(md) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, md[k]))
	}
	return strings.Join(parts, " ")
}
