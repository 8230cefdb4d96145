package commands

import (
	"fmt"
	"io"

	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/internal/driverblock"
	"github.com/dyluth/relay/internal/inspect"
	"github.com/dyluth/relay/internal/printer"
	"github.com/spf13/cobra"
)

func newBlocksCmd(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "List baseline and registered driver blocks",
		Long: `Blocks prints the baseline driver blocks every transmission carries, followed
by the system blocks packets may reference by id and version.

The registry is the embedded default unless registry_path (or
RELAY_REGISTRY_PATH) names another file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := inspect.ParseOutputFormat(output)
			if err != nil {
				return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
			}

			// Blocks need no store, so only the configuration is loaded.
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return printer.Error("invalid configuration", err.Error(), nil)
			}
			registry, err := driverblock.LoadRegistry(cfg.RegistryPath)
			if err != nil {
				return printer.Error("invalid driver block registry", err.Error(), nil)
			}

			blocks := append(driverblock.Baseline(), registry.List()...)
			if format == inspect.OutputFormatJSONL {
				return inspect.FormatJSONL(cmd.OutOrStdout(), blocks)
			}
			writeBlockTable(cmd.OutOrStdout(), blocks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format: default or jsonl")
	return cmd
}

func writeBlockTable(w io.Writer, blocks []driverblock.Block) {
	fmt.Fprintf(w, "%-10s %-8s %-16s %-10s %s\n", "ID", "VERSION", "PROVENANCE", "SCOPE", "TITLE")
	for _, b := range blocks {
		scope := b.Scope
		if scope == "" {
			scope = "-"
		}
		fmt.Fprintf(w, "%-10s %-8s %-16s %-10s %s\n", b.ID, b.Version, b.Provenance, scope, b.Title)
	}
}
