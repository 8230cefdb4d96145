package inspect

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/relay/internal/intake"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
)

// Get writes the caller-facing response for id as pretty-printed JSON.
func Get(ctx context.Context, store transmission.Store, id string, w io.Writer) error {
	resp, err := intake.BuildResponse(ctx, store, id)
	if err != nil {
		if transmission.IsNotFound(err) {
			return &NotFoundError{TransmissionID: id}
		}
		return fmt.Errorf("failed to build response: %w", err)
	}
	return FormatSingleJSON(w, resp)
}

// Trace writes every stored trace event for id. Unlike Get this ignores the requested
// trace level: operators see whatever was recorded.
func Trace(ctx context.Context, store transmission.Store, id string, format OutputFormat, w io.Writer) error {
	if _, err := store.Get(ctx, id); err != nil {
		if transmission.IsNotFound(err) {
			return &NotFoundError{TransmissionID: id}
		}
		return fmt.Errorf("failed to fetch transmission: %w", err)
	}

	var run *trace.Run
	r, err := store.GetTraceRun(ctx, id)
	switch {
	case err == nil:
		run = r
	case !transmission.IsNotFound(err):
		return fmt.Errorf("failed to load trace run: %w", err)
	}

	events, err := store.ListTraceEvents(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load trace events: %w", err)
	}

	switch format {
	case OutputFormatDefault, "":
		FormatTraceTable(w, run, events)
	case OutputFormatJSONL:
		return FormatJSONL(w, events)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}

// NotFoundError means no transmission exists with the given id.
type NotFoundError struct {
	TransmissionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transmission with ID '%s' not found", e.TransmissionID)
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
