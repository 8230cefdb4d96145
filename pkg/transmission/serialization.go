package transmission

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dyluth/relay/pkg/trace"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores transmissions as string-to-string hashes. The mode decision is
// JSON-encoded into a single field; an unleased transmission has empty lease fields.

// TransmissionToHash converts a Transmission to Redis hash format.
func TransmissionToHash(t *Transmission) (map[string]interface{}, error) {
	modeJSON, err := json.Marshal(t.ModeDecision)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mode_decision: %w", err)
	}

	leaseExpires := ""
	if t.LeaseExpiresAtMs != nil {
		leaseExpires = strconv.FormatInt(*t.LeaseExpiresAtMs, 10)
	}

	return map[string]interface{}{
		"id":                  t.ID,
		"kind":                string(t.Kind),
		"thread_id":           t.ThreadID,
		"client_request_id":   t.ClientRequestID,
		"payload":             t.Payload,
		"mode_decision":       string(modeJSON),
		"status":              string(t.Status),
		"status_code":         t.StatusCode,
		"retryable":           strconv.FormatBool(t.Retryable),
		"error_code":          t.ErrorCode,
		"error_detail":        t.ErrorDetail,
		"lease_owner":         t.LeaseOwner,
		"lease_expires_at_ms": leaseExpires,
		"attempt_count":       t.AttemptCount,
		"response_text":       t.ResponseText,
		"trace_run_id":        t.TraceRunID,
		"created_at_ms":       t.CreatedAtMs,
		"updated_at_ms":       t.UpdatedAtMs,
	}, nil
}

// HashToTransmission converts a Redis hash to a Transmission.
func HashToTransmission(hash map[string]string) (*Transmission, error) {
	var md ModeDecision
	if raw := hash["mode_decision"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mode_decision: %w", err)
		}
	}

	createdAtMs, err := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at_ms field: %w", err)
	}
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)
	statusCode, _ := strconv.Atoi(hash["status_code"])
	attempts, _ := strconv.Atoi(hash["attempt_count"])
	retryable, _ := strconv.ParseBool(hash["retryable"])

	var leaseExpires *int64
	if raw := hash["lease_expires_at_ms"]; raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid lease_expires_at_ms field: %w", err)
		}
		leaseExpires = &v
	}

	return &Transmission{
		ID:               hash["id"],
		Kind:             PacketKind(hash["kind"]),
		ThreadID:         hash["thread_id"],
		ClientRequestID:  hash["client_request_id"],
		Payload:          hash["payload"],
		ModeDecision:     md,
		Status:           Status(hash["status"]),
		StatusCode:       statusCode,
		Retryable:        retryable,
		ErrorCode:        hash["error_code"],
		ErrorDetail:      hash["error_detail"],
		LeaseOwner:       hash["lease_owner"],
		LeaseExpiresAtMs: leaseExpires,
		AttemptCount:     attempts,
		ResponseText:     hash["response_text"],
		TraceRunID:       hash["trace_run_id"],
		CreatedAtMs:      createdAtMs,
		UpdatedAtMs:      updatedAtMs,
	}, nil
}

// TraceRunToHash converts a trace Run to Redis hash format.
func TraceRunToHash(run trace.Run) map[string]interface{} {
	return map[string]interface{}{
		"id":              run.ID,
		"transmission_id": run.TransmissionID,
		"level":           string(run.Level),
		"started_at_ms":   run.StartedAtMs,
	}
}

// HashToTraceRun converts a Redis hash to a trace Run.
func HashToTraceRun(hash map[string]string) (*trace.Run, error) {
	started, err := strconv.ParseInt(hash["started_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid started_at_ms field: %w", err)
	}
	return &trace.Run{
		ID:             hash["id"],
		TransmissionID: hash["transmission_id"],
		Level:          trace.Level(hash["level"]),
		StartedAtMs:    started,
	}, nil
}
