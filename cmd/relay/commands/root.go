package commands

import (
	"fmt"

	"github.com/dyluth/relay/internal/printer"
	"github.com/spf13/cobra"
)

var versionString = "dev"

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	verbose    bool
}

// NewRootCmd builds the relay command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - control plane for an AI assistant backend",
		Long: `Relay accepts message packets, queues them as transmissions, and runs each one
through a fixed pipeline of gates, driver blocks and output-contract enforcement
before a response is stored.

The store backend (memory, redis or sqlite) is chosen by the config file or
RELAY_* environment variables. The memory backend lives only as long as one
command, so use "relay submit --process" with it.`,
		Version: versionString,
		// Prevent silent success when unknown flags are passed to root command
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			printer.SetOutput(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to relay YAML config")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newSubmitCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newTraceCmd(opts),
		newWatchCmd(opts),
		newWorkCmd(opts),
		newBlocksCmd(opts),
	)
	return rootCmd
}

// Execute runs the relay CLI. This is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
