// Package registry provides the shared directory of agents: identity,
// capabilities, role, and heartbeat-based liveness. It is the single source
// of truth for "who is currently reachable" when the broker routes messages.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrAgentNotFound is returned when an agent id has no registry entry.
var ErrAgentNotFound = errors.New("agent not found")

// AgentStatus is an agent's self-declared condition. Liveness additionally
// requires a fresh heartbeat; see Registry.IsOnline.
type AgentStatus string

const (
	StatusOnline      AgentStatus = "online"
	StatusOffline     AgentStatus = "offline"
	StatusDegraded    AgentStatus = "degraded"
	StatusMaintenance AgentStatus = "maintenance"
)

// Role classifies what an agent does in the deployment.
type Role string

const (
	RoleWatcher   Role = "watcher"
	RoleProcessor Role = "processor"
	RoleMonitor   Role = "monitor"
	RoleAdmin     Role = "admin"
)

// AgentInfo is one registry entry. There is deliberately no stored "online"
// boolean: liveness is always derived from Status and LastHeartbeat so it
// cannot go stale.
type AgentInfo struct {
	AgentID       string            `json:"agent_id" firestore:"agent_id"`
	Status        AgentStatus       `json:"status" firestore:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat" firestore:"last_heartbeat"`
	Capabilities  []string          `json:"capabilities,omitempty" firestore:"capabilities"`
	Role          Role              `json:"role" firestore:"role"`
	QueueLocation string            `json:"queue_location,omitempty" firestore:"queue_location"`
	Version       string            `json:"version,omitempty" firestore:"version"`
	Metadata      map[string]string `json:"metadata,omitempty" firestore:"metadata"`
}

// HasCapability reports whether the agent declares the capability.
func (a *AgentInfo) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Backend is the pluggable persistence layer behind a Registry: one record
// per agent id. Implementations must tolerate concurrent readers; write
// serialization is the Registry's job.
type Backend interface {
	// Get returns one entry, or ErrAgentNotFound.
	Get(ctx context.Context, agentID string) (AgentInfo, error)
	// Set upserts an entry.
	Set(ctx context.Context, info AgentInfo) error
	// Delete removes an entry; absent ids are a no-op.
	Delete(ctx context.Context, agentID string) error
	// List returns every entry.
	List(ctx context.Context) ([]AgentInfo, error)
	io.Closer
}

// Config holds registry tuning.
type Config struct {
	// HeartbeatTimeout is how long after the last heartbeat an agent is
	// still considered reachable.
	HeartbeatTimeout time.Duration
}

// DefaultHeartbeatTimeout is used when Config leaves the timeout unset.
const DefaultHeartbeatTimeout = 2 * time.Minute

// RegisterOptions carries the optional fields of a registration.
type RegisterOptions struct {
	QueueLocation string
	Version       string
	Metadata      map[string]string
}

// Registry coordinates access to a Backend. All mutating operations run
// under a single writer lock so read-modify-write sequences never race
// within a process; cross-process safety is the backend's concern (atomic
// document replacement or per-key stores).
type Registry struct {
	cfg     Config
	backend Backend
	logger  zerolog.Logger
	mu      sync.Mutex
}

// New creates a Registry over the given backend.
func New(cfg Config, backend Backend, logger zerolog.Logger) (*Registry, error) {
	if backend == nil {
		return nil, errors.New("registry backend cannot be nil")
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Registry{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With().Str("component", "AgentRegistry").Logger(),
	}, nil
}

// Register upserts an agent entry with status online and a fresh heartbeat.
func (r *Registry) Register(ctx context.Context, agentID string, capabilities []string, role Role, opts RegisterOptions) error {
	if agentID == "" {
		return errors.New("agent id cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	info := AgentInfo{
		AgentID:       agentID,
		Status:        StatusOnline,
		LastHeartbeat: time.Now().UTC(),
		Capabilities:  capabilities,
		Role:          role,
		QueueLocation: opts.QueueLocation,
		Version:       opts.Version,
		Metadata:      opts.Metadata,
	}
	if err := r.backend.Set(ctx, info); err != nil {
		return fmt.Errorf("failed to register agent %s: %w", agentID, err)
	}
	r.logger.Info().Str("agent_id", agentID).Str("role", string(role)).Msg("Agent registered.")
	return nil
}

// Heartbeat refreshes an agent's liveness stamp and declared status. Unknown
// agents are auto-registered with empty capabilities rather than dropped, so
// a crashed registry file never silences a live agent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status AgentStatus, metadataPatch map[string]string) error {
	if agentID == "" {
		return errors.New("agent id cannot be empty")
	}
	if status == "" {
		status = StatusOnline
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.backend.Get(ctx, agentID)
	if err != nil {
		if !errors.Is(err, ErrAgentNotFound) {
			return fmt.Errorf("failed to load agent %s for heartbeat: %w", agentID, err)
		}
		r.logger.Info().Str("agent_id", agentID).Msg("Heartbeat from unknown agent, auto-registering.")
		info = AgentInfo{AgentID: agentID, Role: RoleWatcher}
	}

	info.Status = status
	info.LastHeartbeat = time.Now().UTC()
	if len(metadataPatch) > 0 {
		if info.Metadata == nil {
			info.Metadata = make(map[string]string, len(metadataPatch))
		}
		for k, v := range metadataPatch {
			info.Metadata[k] = v
		}
	}

	if err := r.backend.Set(ctx, info); err != nil {
		return fmt.Errorf("failed to record heartbeat for agent %s: %w", agentID, err)
	}
	return nil
}

// Unregister removes an agent entirely, typically on graceful shutdown.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.backend.Delete(ctx, agentID); err != nil {
		return fmt.Errorf("failed to unregister agent %s: %w", agentID, err)
	}
	r.logger.Info().Str("agent_id", agentID).Msg("Agent unregistered.")
	return nil
}

// Get returns one agent's entry.
func (r *Registry) Get(ctx context.Context, agentID string) (AgentInfo, error) {
	return r.backend.Get(ctx, agentID)
}

// List returns every registered agent.
func (r *Registry) List(ctx context.Context) ([]AgentInfo, error) {
	return r.backend.List(ctx)
}

// online is the liveness predicate: declared reachable and heartbeat fresh.
func (r *Registry) online(info AgentInfo, now time.Time) bool {
	if info.Status == StatusOffline {
		return false
	}
	return now.Sub(info.LastHeartbeat) < r.cfg.HeartbeatTimeout
}

// IsOnline reports whether the agent can currently receive delivery. A
// missing entry is simply offline, not an error.
func (r *Registry) IsOnline(ctx context.Context, agentID string) (bool, error) {
	info, err := r.backend.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return false, nil
		}
		return false, err
	}
	return r.online(info, time.Now().UTC()), nil
}

// FindByCapability returns the currently-online agents declaring the
// capability.
func (r *Registry) FindByCapability(ctx context.Context, capability string) ([]AgentInfo, error) {
	return r.findOnline(ctx, func(info AgentInfo) bool {
		return info.HasCapability(capability)
	})
}

// FindByRole returns the currently-online agents with the role.
func (r *Registry) FindByRole(ctx context.Context, role Role) ([]AgentInfo, error) {
	return r.findOnline(ctx, func(info AgentInfo) bool {
		return info.Role == role
	})
}

// OnlineAgents returns every currently-online agent. The broker snapshots
// this once per broadcast fan-out.
func (r *Registry) OnlineAgents(ctx context.Context) ([]AgentInfo, error) {
	return r.findOnline(ctx, func(AgentInfo) bool { return true })
}

func (r *Registry) findOnline(ctx context.Context, match func(AgentInfo) bool) ([]AgentInfo, error) {
	all, err := r.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	now := time.Now().UTC()
	var found []AgentInfo
	for _, info := range all {
		if r.online(info, now) && match(info) {
			found = append(found, info)
		}
	}
	return found, nil
}

// CleanupStale removes entries whose heartbeat is older than maxAge,
// regardless of declared status, and returns the count removed.
func (r *Registry) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list agents for cleanup: %w", err)
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, info := range all {
		if info.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := r.backend.Delete(ctx, info.AgentID); err != nil {
			r.logger.Error().Err(err).Str("agent_id", info.AgentID).Msg("Failed to remove stale agent.")
			continue
		}
		r.logger.Info().Str("agent_id", info.AgentID).Time("last_heartbeat", info.LastHeartbeat).
			Msg("Removed stale agent.")
		removed++
	}
	return removed, nil
}

// Close releases the backend's resources.
func (r *Registry) Close() error {
	return r.backend.Close()
}
