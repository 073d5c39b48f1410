package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/worldlink/internal/doctor"
	wotel "github.com/basket/worldlink/internal/otel"
	"github.com/spf13/cobra"
)

var errChecksFailed = errors.New("doctor: one or more checks failed")

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local setup before serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			var d doctor.Diagnosis
			if err != nil {
				d = doctor.Run(cmd.Context(), nil, wotel.Version)
				d.Results[0].Detail = err.Error()
			} else {
				d = doctor.Run(cmd.Context(), &cfg, wotel.Version)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(d); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "worldlink %s (%s/%s, %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
				for _, r := range d.Results {
					fmt.Fprintf(out, "[%s] %-12s %s\n", r.Status, r.Name, r.Message)
					if r.Detail != "" {
						fmt.Fprintf(out, "       %s\n", r.Detail)
					}
				}
			}
			if d.Failed() {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the diagnosis as JSON")
	return cmd
}
