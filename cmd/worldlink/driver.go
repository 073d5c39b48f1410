package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/worldlink/internal/config"
	"github.com/basket/worldlink/internal/driver"
	"github.com/basket/worldlink/internal/gateway"
	"github.com/basket/worldlink/internal/telemetry"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newDriverCmd() *cobra.Command {
	var (
		url      string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "driver",
		Short: "Drive gateway sessions with JSON commands on stdin",
		Long:  "driver reads one command per line from stdin, either a JSON object with a \"tool\" field or the shorthand `tool key=value ...`, and writes one JSON response per line to stdout. Run `help` inside the driver for the command list.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			level := new(slog.LevelVar)
			level.Set(telemetry.ParseLevel(logLevel))
			dcfg := driver.Config{URL: url, Logger: telemetry.NewStderrLogger(level)}
			if isatty.IsTerminal(os.Stdin.Fd()) {
				dcfg.Prompt = cmd.ErrOrStderr()
			}
			d := driver.New(dcfg)
			return d.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://"+config.DefaultBindAddr+gateway.PathWS, "gateway WebSocket endpoint")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "stderr log level")
	return cmd
}
