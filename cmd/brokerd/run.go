package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-a2a/pkg/broker"
	"github.com/spf13/cobra"
)

var runInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker loop until interrupted",
	Long: `Run the continuous routing loop. Each cycle drains outboxes, routes
pending messages, and sweeps for expired entries; retention cleanup runs
periodically. The loop stops cleanly on SIGINT or SIGTERM, finishing the
current cycle and unregistering the broker.`,
	RunE: runBroker,
}

func init() {
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "poll interval override (e.g. 5s)")
	rootCmd.AddCommand(runCmd)
}

func runBroker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, runInterval)
	if err != nil {
		return err
	}
	defer rt.closer()

	admin := broker.NewAdminServer(rt.broker, rt.cfg.HTTPPort, rt.logger)
	if err := admin.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			rt.logger.Error().Err(err).Msg("Admin server shutdown failed.")
		}
	}()

	return rt.broker.Run(ctx)
}
