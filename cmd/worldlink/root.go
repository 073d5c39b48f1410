package main

import (
	"github.com/basket/worldlink/internal/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	home string
}

// loadConfig reads config.yaml from --home when given, else from
// WORLDLINK_HOME or ~/.worldlink.
func (o *rootOptions) loadConfig() (config.Config, error) {
	if o.home != "" {
		return config.LoadFrom(o.home)
	}
	return config.Load()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "worldlink",
		Short:         "Bidirectional tool-calling gateway for game clients",
		Long:          "worldlink serves an agent loop over WebSocket: the agent calls tools that run locally or inside the connected game client, and the client streams input, answers and interrupts back.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.home, "home", "", "home directory holding config.yaml, logs and the audit database")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newDriverCmd(),
		newToolsCmd(opts),
		newDoctorCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}
