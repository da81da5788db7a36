package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-a2a/pkg/queuestore"
	"github.com/illmade-knight/go-a2a/pkg/registry"
)

// AgentSummary is one registry line in a status report.
type AgentSummary struct {
	AgentID       string               `json:"agent_id"`
	Status        registry.AgentStatus `json:"status"`
	Role          registry.Role        `json:"role"`
	Online        bool                 `json:"online"`
	LastHeartbeat time.Time            `json:"last_heartbeat"`
}

// StatusReport captures the deployment's queue depths and registry state at
// one instant, for the CLI and the statusz endpoint.
type StatusReport struct {
	GeneratedAt  time.Time      `json:"generated_at"`
	Queues       map[string]int `json:"queues"`
	TotalAgents  int            `json:"total_agents"`
	OnlineAgents int            `json:"online_agents"`
	Agents       []AgentSummary `json:"agents"`
}

// Status builds a point-in-time report of queue depths and agent liveness.
func (b *Broker) Status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{
		GeneratedAt: time.Now().UTC(),
		Queues:      make(map[string]int, len(queuestore.States)),
	}

	for _, state := range queuestore.States {
		if state == queuestore.StateInbox {
			owners, err := b.store.InboxOwners(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to list inbox owners: %w", err)
			}
			total := 0
			for _, owner := range owners {
				messages, err := b.store.List(ctx, owner, queuestore.StateInbox)
				if err != nil {
					return nil, fmt.Errorf("failed to count inbox for %s: %w", owner, err)
				}
				total += len(messages)
			}
			report.Queues[string(state)] = total
			continue
		}
		messages, err := b.store.List(ctx, "", state)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", state, err)
		}
		report.Queues[string(state)] = len(messages)
	}

	agents, err := b.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	report.TotalAgents = len(agents)
	for _, info := range agents {
		online, err := b.registry.IsOnline(ctx, info.AgentID)
		if err != nil {
			return nil, fmt.Errorf("failed to check liveness of %s: %w", info.AgentID, err)
		}
		if online {
			report.OnlineAgents++
		}
		report.Agents = append(report.Agents, AgentSummary{
			AgentID:       info.AgentID,
			Status:        info.Status,
			Role:          info.Role,
			Online:        online,
			LastHeartbeat: info.LastHeartbeat,
		})
	}
	return report, nil
}
