package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/relay/internal/inspect"
	"github.com/dyluth/relay/internal/printer"
	"github.com/spf13/cobra"
)

func newTraceCmd(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "trace TRANSMISSION_ID",
		Short: "Show the pipeline trace for a transmission",
		Long: `Trace prints every recorded trace event for a transmission in sequence order:
the phase, its status, a summary and the phase metadata.

Examples:
  relay trace 3f2a9c
  relay trace 3f2a9c -o jsonl | jq 'select(.status=="failed")'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := inspect.ParseOutputFormat(output)
			if err != nil {
				return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
			}

			ctx := cmd.Context()
			s, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close(context.Background())

			id, err := s.resolve(ctx, cmd, args[0])
			if err != nil {
				return err
			}
			if err := inspect.Trace(ctx, s.backend.Store, id, format, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("failed to read trace: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format: default or jsonl")
	return cmd
}
