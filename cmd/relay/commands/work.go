package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/relay/internal/printer"
	"github.com/dyluth/relay/internal/worker"
	"github.com/spf13/cobra"
)

func newWorkCmd(root *rootOptions) *cobra.Command {
	var (
		once        bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run a worker in the foreground",
		Long: `Work leases transmissions from the configured store and processes them until
interrupted. With --once it drains the queue and exits.

For long-running deployments prefer relayd, which adds a health endpoint.

Examples:
  relay work --once
  RELAY_STORE_BACKEND=redis RELAY_REDIS_URL=redis://localhost:6379 relay work --concurrency=4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close(context.Background())

			engine, err := worker.Build(s.cfg, s.backend.Store, s.logger)
			if err != nil {
				return printer.Error("cannot start worker", err.Error(), []string{"Check the model and registry_path settings"})
			}

			if once {
				owner := s.cfg.Worker.OwnerID
				if owner == "" {
					owner = worker.DefaultOwnerID()
				}
				n, err := engine.Drain(ctx, owner)
				if err != nil {
					return fmt.Errorf("failed to drain queue: %w", err)
				}
				printer.Success("Processed %d transmissions\n", n)
				return nil
			}

			n := concurrency
			if n == 0 {
				n = s.cfg.Worker.Concurrency
			}
			printer.Step("Worker running with %d loops (Ctrl-C to stop)\n", n)
			if err := engine.Run(ctx, n); err != nil {
				return fmt.Errorf("worker stopped: %w", err)
			}
			printer.Success("Processed %d transmissions\n", engine.Processed())
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Drain the queue once and exit")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Number of poll loops (defaults to worker.concurrency)")
	return cmd
}
