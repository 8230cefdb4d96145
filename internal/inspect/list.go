package inspect

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dyluth/relay/pkg/transmission"
)

// List writes the transmissions matching f, oldest first.
func List(ctx context.Context, store transmission.Store, f transmission.ListFilter, format OutputFormat, w io.Writer) error {
	list, err := store.List(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to list transmissions: %w", err)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAtMs < list[j].CreatedAtMs
	})

	switch format {
	case OutputFormatDefault, "":
		FormatTable(w, list, time.Now())
	case OutputFormatJSONL:
		if err := FormatJSONL(w, list); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}
