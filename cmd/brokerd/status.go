package main

import (
	"fmt"

	"github.com/illmade-knight/go-a2a/pkg/queuestore"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print queue depths and registry state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.closer()

	report, err := rt.broker.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Queue root: %s\n\n", rt.cfg.QueueRoot)
	fmt.Println("Queues:")
	for _, state := range queuestore.States {
		fmt.Printf("  %-12s %d\n", state, report.Queues[string(state)])
	}

	fmt.Printf("\nAgents: %d registered, %d online\n", report.TotalAgents, report.OnlineAgents)
	for _, agent := range report.Agents {
		liveness := "offline"
		if agent.Online {
			liveness = "online"
		}
		fmt.Printf("  %-24s %-10s %-10s %s (last heartbeat %s)\n",
			agent.AgentID, agent.Role, agent.Status, liveness,
			agent.LastHeartbeat.Format("2006-01-02 15:04:05"))
	}
	return nil
}
