package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/basket/worldlink/internal/config"
	"github.com/basket/worldlink/internal/tools"
	"github.com/spf13/cobra"
)

// buildRegistry returns the built-in tools with the per-tool timeouts from
// cfg applied.
func buildRegistry(cfg config.Config) (*tools.Registry, error) {
	reg, err := tools.ConfiguredRegistry(cfg.ToolOverrides())
	if err != nil {
		return nil, fmt.Errorf("tool_timeouts_ms: %w", err)
	}
	return reg, nil
}

func newToolsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tool registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			reg, err := buildRegistry(cfg)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reg.List())
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tLOCALITY\tTIMEOUT\tDESCRIPTION")
			for _, d := range reg.List() {
				timeout := cfg.ToolTimeout()
				if d.Timeout > 0 {
					timeout = d.Timeout
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.Locality, timeout, d.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the registry as JSON")
	return cmd
}
