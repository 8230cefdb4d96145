package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dyluth/relay/internal/inspect"
	"github.com/dyluth/relay/internal/intake"
	"github.com/dyluth/relay/internal/printer"
	"github.com/dyluth/relay/internal/watch"
	"github.com/dyluth/relay/internal/worker"
	"github.com/dyluth/relay/pkg/fault"
	"github.com/spf13/cobra"
)

type submitOptions struct {
	wait    bool
	process bool
	timeout time.Duration
	quiet   bool
}

func newSubmitCmd(root *rootOptions) *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit [FILE|-]",
		Short: "Submit a packet as a new transmission",
		Long: `Submit reads a JSON packet from FILE (or stdin when FILE is "-" or omitted),
validates it strictly and queues it as a transmission.

Packets reusing a clientRequestId return the existing transmission instead of
queueing a new one.

Examples:
  # Queue a packet and print its id
  relay submit packet.json

  # Queue from stdin and wait for a worker to finish it
  echo '{"threadId":"t1","message":"hi"}' | relay submit --wait

  # Process it in this process (required with the memory backend)
  relay submit packet.json --process`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, root, opts, args)
		},
	}

	cmd.Flags().BoolVarP(&opts.wait, "wait", "w", false, "Wait for the transmission to reach a terminal status and print the response")
	cmd.Flags().BoolVar(&opts.process, "process", false, "Run a worker in this process until the queue is empty, then print the response")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Maximum time to wait with --wait")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Print only the transmission id")
	return cmd
}

func runSubmit(cmd *cobra.Command, root *rootOptions, opts *submitOptions, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	raw, err := readPacket(cmd, args)
	if err != nil {
		return err
	}

	s, err := root.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	t, created, err := intake.NewSubmitter(s.backend.Store, s.cfg.Limits.Evidence(), s.logger).Submit(ctx, raw)
	if err != nil {
		if f, ok := fault.As(err); ok {
			return printer.ErrorWithContext(
				fmt.Sprintf("packet rejected: %s", f.Code),
				f.Message,
				detailStrings(f.Details),
				[]string{"Fix the packet and submit again"},
			)
		}
		return fmt.Errorf("failed to submit packet: %w", err)
	}

	out := cmd.OutOrStdout()
	switch {
	case opts.quiet:
		fmt.Fprintln(out, t.ID)
	case created:
		printer.Success("Transmission %s queued (%s)\n", t.ID, t.Kind)
	default:
		printer.Warning("Duplicate clientRequestId; existing transmission %s (%s)\n", t.ID, t.Status)
	}

	switch {
	case opts.process:
		engine, err := worker.Build(s.cfg, s.backend.Store, s.logger)
		if err != nil {
			return err
		}
		if _, err := engine.Drain(ctx, worker.DefaultOwnerID()); err != nil {
			return fmt.Errorf("failed to process queue: %w", err)
		}
	case opts.wait:
		if !opts.quiet {
			printer.Step("Waiting for a worker...\n")
		}
		if _, err := watch.PollUntilTerminal(ctx, s.backend.Store, t.ID, 0, opts.timeout); err != nil {
			return printer.Error(
				"transmission did not finish",
				err.Error(),
				[]string{
					"Check that a worker is running:\n  relay work",
					fmt.Sprintf("Inspect progress:\n  relay trace %s", t.ID[:8]),
				},
			)
		}
	default:
		return nil
	}

	return inspect.Get(ctx, s.backend.Store, t.ID, out)
}

func readPacket(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, printer.Error(
			"cannot read packet file",
			err.Error(),
			[]string{"Pass a JSON file path, or '-' to read from stdin"},
		)
	}
	return data, nil
}

func detailStrings(details map[string]any) map[string]string {
	if len(details) == 0 {
		return nil
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(details))
	for _, k := range keys {
		out[k] = fmt.Sprint(details[k])
	}
	return out
}
