package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runOnceCleanup bool

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single broker cycle and exit",
	Long: `Run one cycle (outbox drain, routing, expiration sweep) and exit.
Intended for cron-driven deployments and testing.`,
	RunE: runOnce,
}

func init() {
	runOnceCmd.Flags().BoolVar(&runOnceCleanup, "cleanup", false, "also run retention and stale-agent cleanup")
	rootCmd.AddCommand(runOnceCmd)
}

func runOnce(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.closer()

	stats := rt.broker.RunCycle(ctx)
	fmt.Printf("outbox drained: %d\n", stats.OutboxDrained)
	fmt.Printf("delivered:      %d\n", stats.Delivered)
	fmt.Printf("broadcasts:     %d\n", stats.Broadcasts)
	fmt.Printf("deferred:       %d\n", stats.Deferred)
	fmt.Printf("dead-lettered:  %d\n", stats.DeadLettered)
	fmt.Printf("expired:        %d\n", stats.Expired)

	if runOnceCleanup {
		removed, stale := rt.broker.Cleanup(ctx)
		fmt.Printf("messages cleaned: %d\n", removed)
		fmt.Printf("stale agents:     %d\n", stale)
	}
	return nil
}
