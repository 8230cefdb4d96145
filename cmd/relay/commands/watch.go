package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/relay/internal/printer"
	"github.com/dyluth/relay/internal/watch"
	"github.com/spf13/cobra"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var (
		output   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream transmission status changes",
		Long: `Watch prints a line each time a transmission is queued, leased, completed or
failed, until interrupted.

With the redis backend events are streamed over Pub/Sub. Other backends are
polled every --interval.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  relay watch
  relay watch --output=json > events.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var format watch.OutputFormat
			switch output {
			case "default":
				format = watch.OutputFormatDefault
			case "json":
				format = watch.OutputFormatJSON
			default:
				return printer.Error(
					"invalid output format",
					fmt.Sprintf("Unknown format: %s", output),
					[]string{"Valid formats: default, json"},
				)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close(context.Background())

			out := cmd.OutOrStdout()
			if format == watch.OutputFormatDefault {
				printer.Info("Watching %s store (namespace %s)...\n", s.cfg.Store.Backend, s.cfg.Store.Namespace)
			}
			if s.backend.Events != nil {
				return watch.StreamEvents(ctx, s.backend.Events, format, out)
			}
			return watch.PollEvents(ctx, s.backend.Store, interval, format, out)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format (default or json)")
	cmd.Flags().DurationVar(&interval, "interval", watch.DefaultPollInterval, "Poll interval for backends without Pub/Sub")
	return cmd
}
