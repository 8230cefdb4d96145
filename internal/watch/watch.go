// Package watch follows transmissions as they move through the queue, either by
// polling the store or by subscribing to Redis status events.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/relay/pkg/transmission"
)

// OutputFormat selects how streamed events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// DefaultPollInterval is used when a zero interval is passed.
const DefaultPollInterval = 200 * time.Millisecond

// PollUntilTerminal polls the store until the transmission reaches completed or failed.
// A zero timeout waits until ctx is done.
func PollUntilTerminal(ctx context.Context, store transmission.Store, id string, interval, timeout time.Duration) (*transmission.Transmission, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		t, err := store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read transmission: %w", err)
		}
		if t.Status.Terminal() {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return t, fmt.Errorf("timeout waiting for transmission %s after %v (status %s)", id, timeout, t.Status)
		case <-ticker.C:
		}
	}
}

// StreamEvents writes every status event to w until ctx is cancelled.
func StreamEvents(ctx context.Context, src transmission.EventSource, format OutputFormat, w io.Writer) error {
	sub, err := src.SubscribeStatusEvents(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := WriteEvent(w, format, ev); err != nil {
				return err
			}
		case err, ok := <-sub.Errors():
			if ok {
				fmt.Fprintf(w, "⚠️  %v\n", err)
			}
		}
	}
}

// PollEvents emulates StreamEvents for stores without Pub/Sub by listing the queue every
// interval and emitting an event for each status change seen.
func PollEvents(ctx context.Context, store transmission.Store, interval time.Duration, format OutputFormat, w io.Writer) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := map[string]transmission.Status{}
	first := true
	for {
		list, err := store.List(ctx, transmission.ListFilter{})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("failed to list transmissions: %w", err)
		}
		for _, t := range list {
			prev, known := seen[t.ID]
			seen[t.ID] = t.Status
			if (known && prev == t.Status) || (first && t.Status.Terminal()) {
				continue
			}
			if err := WriteEvent(w, format, transmission.StatusEventFor(t)); err != nil {
				return err
			}
		}
		first = false

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// WriteEvent renders one event.
func WriteEvent(w io.Writer, format OutputFormat, ev transmission.StatusEvent) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	_, err := fmt.Fprintln(w, FormatEvent(ev))
	return err
}

// FormatEvent renders an event as one human-readable line.
func FormatEvent(ev transmission.StatusEvent) string {
	ts := time.UnixMilli(ev.AtMs).Format("15:04:05")
	id := ev.TransmissionID
	if len(id) > 8 {
		id = id[:8]
	}

	switch ev.Status {
	case transmission.StatusCreated:
		return fmt.Sprintf("[%s] 📥 %s queued", ts, id)
	case transmission.StatusProcessing:
		return fmt.Sprintf("[%s] ⚙️  %s leased by %s (attempt %d)", ts, id, ev.LeaseOwner, ev.AttemptCount)
	case transmission.StatusCompleted:
		return fmt.Sprintf("[%s] ✅ %s completed (%d)", ts, id, ev.StatusCode)
	case transmission.StatusFailed:
		return fmt.Sprintf("[%s] ❌ %s failed (%d %s)", ts, id, ev.StatusCode, ev.ErrorCode)
	default:
		return fmt.Sprintf("[%s] %s %s", ts, id, ev.Status)
	}
}
