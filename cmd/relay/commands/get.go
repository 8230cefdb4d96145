package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/relay/internal/inspect"
	"github.com/spf13/cobra"
)

func newGetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get TRANSMISSION_ID",
		Short: "Show the response for one transmission",
		Long: `Get prints what a caller would receive for a transmission: status, final text,
envelope, evidence and driver block counts, and the trace summary.

Short IDs (at least 6 characters) are accepted.

Examples:
  relay get 3f2a9c
  relay get 3f2a9c41-0b7e-4c55-9d1e-2a6f0c9b8e11 | jq .envelope`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			if err := inspect.Get(ctx, s.backend.Store, id, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("failed to get transmission: %w", err)
			}
			return nil
		},
	}
}
