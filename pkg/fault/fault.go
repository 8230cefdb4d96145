// Package fault defines the typed client/validation fault raised when an inbound
// packet is structurally invalid. Faults are surfaced to the caller as 400-class
// errors carrying a machine-readable code and structured details; they are never
// silently corrected.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code is a machine-readable fault identifier.
type Code string

const (
	CodeUnknownFields          Code = "unknown_fields"
	CodeMissingField           Code = "missing_field"
	CodeInvalidField           Code = "invalid_field"
	CodeMalformedPacket        Code = "malformed_packet"
	CodeEmptyMessage           Code = "empty_message"
	CodeMessageSizeOverflow    Code = "message_size_overflow"
	CodeCaptureCountOverflow   Code = "capture_count_overflow"
	CodeSupportCountOverflow   Code = "support_count_overflow"
	CodeClaimCountOverflow     Code = "claim_count_overflow"
	CodeSnippetSizeOverflow    Code = "snippet_size_overflow"
	CodeURLLengthOverflow      Code = "url_length_overflow"
	CodeURLCountOverflow       Code = "url_count_overflow"
	CodeOrphanedCaptureRef     Code = "orphaned_capture_reference"
	CodeOrphanedSupportRef     Code = "orphaned_support_reference"
	CodeInvalidSupportSource   Code = "invalid_support_source"
	CodeEmptyClaimSupport      Code = "empty_claim_support"
	CodeDuplicateEvidenceID    Code = "duplicate_evidence_id"
	CodeDriverBlockRefsInvalid Code = "driver_block_refs_invalid"
)

// Fault is a client-side validation failure. StatusCode is always 400-class.
type Fault struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	StatusCode int            `json:"status_code"`
}

// New creates a fault with status 400.
func New(code Code, message string, details map[string]any) *Fault {
	return &Fault{
		Code:       code,
		Message:    message,
		Details:    details,
		StatusCode: 400,
	}
}

// Overflow creates a count/size overflow fault carrying the observed value and the limit.
func Overflow(code Code, what string, count, max int) *Fault {
	return New(code, fmt.Sprintf("%s exceeds limit: %d > %d", what, count, max), map[string]any{
		"count": count,
		"max":   max,
	})
}

// Orphaned creates a referential-integrity fault listing the dangling ids.
func Orphaned(code Code, what string, ids []string) *Fault {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return New(code, fmt.Sprintf("%s reference unknown ids: %s", what, strings.Join(sorted, ", ")), map[string]any{
		"ids": sorted,
	})
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// As extracts a *Fault from an error chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Is reports whether err carries a fault with the given code.
func Is(err error, code Code) bool {
	f, ok := As(err)
	return ok && f.Code == code
}
