package registry

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryBackend is a thread-safe, in-memory registry backend. It is
// primarily intended for local development and testing.
type InMemoryBackend struct {
	mu   sync.RWMutex
	data map[string]AgentInfo
}

// NewInMemoryBackend creates an empty in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{data: make(map[string]AgentInfo)}
}

// Get returns one entry, or ErrAgentNotFound.
func (b *InMemoryBackend) Get(_ context.Context, agentID string) (AgentInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.data[agentID]
	if !ok {
		return AgentInfo{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return info, nil
}

// Set upserts an entry.
func (b *InMemoryBackend) Set(_ context.Context, info AgentInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[info.AgentID] = info
	return nil
}

// Delete removes an entry.
func (b *InMemoryBackend) Delete(_ context.Context, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, agentID)
	return nil
}

// List returns every entry.
func (b *InMemoryBackend) List(_ context.Context) ([]AgentInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	agents := make([]AgentInfo, 0, len(b.data))
	for _, info := range b.data {
		agents = append(agents, info)
	}
	return agents, nil
}

// Close is a no-op for the in-memory implementation.
func (b *InMemoryBackend) Close() error {
	return nil
}
