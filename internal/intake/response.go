package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
)

// Response is what a caller receives for a transmission. Evidence is reported as counts
// only; raw snippet text never appears here.
type Response struct {
	TransmissionID string                       `json:"transmissionId"`
	Status         transmission.Status          `json:"status"`
	StatusCode     int                          `json:"statusCode,omitempty"`
	Retryable      bool                         `json:"retryable"`
	Text           string                       `json:"text,omitempty"`
	Envelope       *transmission.OutputEnvelope `json:"envelope,omitempty"`
	Evidence       evidence.Summary             `json:"evidence"`
	DriverBlocks   BlockCounts                  `json:"driverBlocks"`
	Trace          TraceSummary                 `json:"trace"`
	Error          *ErrorBody                   `json:"error,omitempty"`
}

// BlockCounts summarises the driver block assembly.
type BlockCounts struct {
	Accepted int  `json:"accepted"`
	Dropped  int  `json:"dropped"`
	Trimmed  int  `json:"trimmed"`
	Mismatch bool `json:"mismatch"`
}

// TraceSummary identifies the trace run. Events are included only at debug level.
type TraceSummary struct {
	RunID      string        `json:"runId,omitempty"`
	Level      trace.Level   `json:"level,omitempty"`
	EventCount int           `json:"eventCount"`
	Events     []trace.Event `json:"events,omitempty"`
}

// ErrorBody is the client-facing error. Enforcement details stay in the trace.
type ErrorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// blockArtifact mirrors the counted fields of the persisted assembly result.
type blockArtifact struct {
	Accepted []json.RawMessage `json:"accepted"`
	Dropped  []json.RawMessage `json:"dropped"`
	Trimmed  []json.RawMessage `json:"trimmed"`
	Mismatch bool              `json:"mismatch"`
}

// BuildResponse reads everything persisted for id and assembles the caller's view.
// Missing evidence, envelope, artifacts or trace are reported as empty sections.
func BuildResponse(ctx context.Context, store transmission.Store, id string) (*Response, error) {
	t, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		TransmissionID: t.ID,
		Status:         t.Status,
		StatusCode:     t.StatusCode,
		Retryable:      t.Retryable,
		Text:           t.ResponseText,
	}
	if t.Status == transmission.StatusFailed && t.ErrorCode != "" {
		resp.Error = &ErrorBody{Code: t.ErrorCode}
		// Enforcement failures keep their cause in the trace only.
		if t.StatusCode != 422 {
			resp.Error.Detail = t.ErrorDetail
		}
	}

	env, err := store.GetEnvelope(ctx, id)
	switch {
	case err == nil:
		resp.Envelope = env
	case !transmission.IsNotFound(err):
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}

	g, err := store.GetEvidence(ctx, id)
	switch {
	case err == nil:
		resp.Evidence = g.Summarize()
	case !transmission.IsNotFound(err):
		return nil, fmt.Errorf("failed to load evidence: %w", err)
	}

	raw, err := store.GetArtifact(ctx, id, transmission.ArtifactDriverBlocks)
	switch {
	case err == nil:
		var art blockArtifact
		if err := json.Unmarshal(raw, &art); err != nil {
			return nil, fmt.Errorf("failed to decode driver block artifact: %w", err)
		}
		resp.DriverBlocks = BlockCounts{
			Accepted: len(art.Accepted),
			Dropped:  len(art.Dropped),
			Trimmed:  len(art.Trimmed),
			Mismatch: art.Mismatch,
		}
	case !transmission.IsNotFound(err):
		return nil, fmt.Errorf("failed to load driver block artifact: %w", err)
	}

	run, err := store.GetTraceRun(ctx, id)
	switch {
	case err == nil:
		events, err := store.ListTraceEvents(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load trace events: %w", err)
		}
		resp.Trace = TraceSummary{RunID: run.ID, Level: run.Level, EventCount: len(events)}
		if run.Level == trace.LevelDebug {
			resp.Trace.Events = events
		}
	case !transmission.IsNotFound(err):
		return nil, fmt.Errorf("failed to load trace run: %w", err)
	}

	return resp, nil
}
