package main

import (
	"fmt"

	wotel "github.com/basket/worldlink/internal/otel"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), wotel.Version)
			return err
		},
	}
}
