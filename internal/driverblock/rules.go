package driverblock

import (
	"strconv"
	"strings"
)

// Rules are the machine-checkable parts of a block definition.
//
// A definition is read line by line:
//
//	forbid: <phrase>    the output must not contain phrase (case-insensitive)
//	require: <phrase>   the output must contain phrase (case-insensitive)
//	max_chars: <n>      the output text must be at most n characters
//
// Any other line is prose for the model and is not enforced.
type Rules struct {
	Forbid   []string
	Require  []string
	MaxChars int
}

// Empty reports whether the definition carries no enforceable rule.
func (r Rules) Empty() bool {
	return len(r.Forbid) == 0 && len(r.Require) == 0 && r.MaxChars == 0
}

// ParseRules extracts the rules from a definition. Malformed rule lines are treated as
// prose.
func ParseRules(definition string) Rules {
	var r Rules
	for _, line := range strings.Split(definition, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.ToLower(strings.TrimSpace(value))
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "forbid":
			if value != "" {
				r.Forbid = append(r.Forbid, value)
			}
		case "require":
			if value != "" {
				r.Require = append(r.Require, value)
			}
		case "max_chars":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				r.MaxChars = n
			}
		}
	}
	return r
}

// Prose returns the definition with rule lines removed, for inclusion in prompts.
func Prose(definition string) string {
	var out []string
	for _, line := range strings.Split(definition, "\n") {
		key, _, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok {
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "forbid", "require", "max_chars":
				continue
			}
		}
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return strings.Join(out, "\n")
}
