package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/relay/internal/inspect"
	"github.com/dyluth/relay/internal/printer"
	"github.com/dyluth/relay/internal/timespec"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/spf13/cobra"
)

type listOptions struct {
	output   string
	since    string
	until    string
	statuses []string
	kind     string
	thread   string
	limit    int
}

func newListCmd(root *rootOptions) *cobra.Command {
	opts := &listOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transmissions with filtering",
		Long: `List transmissions, oldest first, as a table or JSONL stream.

Output Formats:
  default - Human-readable table with ID, kind, status and response text
  jsonl   - Line-delimited JSON, one transmission per line

Time Filters:
  --since  - Show transmissions created after this time
  --until  - Show transmissions created before this time

Examples:
  # Everything from the last hour
  relay list --since=1h

  # Failed chat transmissions as JSONL for jq
  relay list --status=failed --kind=chat -o jsonl | jq .error_code

  # One conversation thread
  relay list --thread=t-42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "default", "Output format: default or jsonl")
	cmd.Flags().StringVar(&opts.since, "since", "", "Show transmissions after time (duration, date or RFC3339)")
	cmd.Flags().StringVar(&opts.until, "until", "", "Show transmissions before time (duration, date or RFC3339)")
	cmd.Flags().StringSliceVar(&opts.statuses, "status", nil, "Filter by status (created, processing, completed, failed)")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "Filter by packet kind (chat, memory_distill)")
	cmd.Flags().StringVar(&opts.thread, "thread", "", "Filter by thread id (exact match)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum number of transmissions (0 = no limit)")
	return cmd
}

func runList(cmd *cobra.Command, root *rootOptions, opts *listOptions) error {
	format, err := inspect.ParseOutputFormat(opts.output)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	sinceMS, untilMS, err := timespec.ParseRange(opts.since, opts.until)
	if err != nil {
		return printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use duration format like '1h30m', a date like '2025-10-29', or RFC3339 like '2025-10-29T13:00:00Z'"},
		)
	}

	filter := transmission.ListFilter{
		Kind:     transmission.PacketKind(opts.kind),
		ThreadID: opts.thread,
		SinceMs:  sinceMS,
		UntilMs:  untilMS,
		Limit:    opts.limit,
	}
	if filter.Kind != "" {
		if err := filter.Kind.Validate(); err != nil {
			return printer.Error("invalid kind filter", err.Error(), []string{"Valid kinds: chat, memory_distill"})
		}
	}
	for _, raw := range opts.statuses {
		st := transmission.Status(raw)
		if err := st.Validate(); err != nil {
			return printer.Error("invalid status filter", err.Error(), []string{"Valid statuses: created, processing, completed, failed"})
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	ctx := cmd.Context()
	s, err := root.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	if err := inspect.List(ctx, s.backend.Store, filter, format, cmd.OutOrStdout()); err != nil {
		return fmt.Errorf("failed to list transmissions: %w", err)
	}
	return nil
}
