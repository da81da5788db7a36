package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// registrySchemaVersion guards the on-disk document format.
const registrySchemaVersion = 1

// registryDocument is the single structured file mapping agent ids to their
// entries.
type registryDocument struct {
	SchemaVersion int                  `json:"schema_version"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Agents        map[string]AgentInfo `json:"agents"`
}

// FileBackend stores the whole registry as one JSON document, replaced
// atomically via write-temp-then-rename. An advisory lock file serializes
// writers across processes; within a process the Registry's writer lock
// already does so, but agents in separate processes heartbeat concurrently.
type FileBackend struct {
	path string
	mu   sync.RWMutex
}

// lockRetryInterval and lockStaleAfter tune the advisory file lock. A lock
// older than lockStaleAfter is presumed abandoned by a crashed process and
// is broken.
const (
	lockRetryInterval = 10 * time.Millisecond
	lockStaleAfter    = 5 * time.Second
)

// NewFileBackend creates a file-backed registry store at path, initialising
// an empty document if none exists.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	b := &FileBackend{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := b.write(&registryDocument{
			SchemaVersion: registrySchemaVersion,
			UpdatedAt:     time.Now().UTC(),
			Agents:        map[string]AgentInfo{},
		}); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *FileBackend) lockPath() string {
	return b.path + ".lock"
}

// acquireLock takes the advisory cross-process lock, breaking it if stale.
func (b *FileBackend) acquireLock(ctx context.Context) error {
	for {
		f, err := os.OpenFile(b.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to acquire registry lock: %w", err)
		}
		if info, statErr := os.Stat(b.lockPath()); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			_ = os.Remove(b.lockPath())
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for registry lock: %w", ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

func (b *FileBackend) releaseLock() {
	_ = os.Remove(b.lockPath())
}

func (b *FileBackend) read() (*registryDocument, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &registryDocument{
				SchemaVersion: registrySchemaVersion,
				Agents:        map[string]AgentInfo{},
			}, nil
		}
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}
	if doc.SchemaVersion != registrySchemaVersion {
		return nil, fmt.Errorf("unsupported registry schema version %d", doc.SchemaVersion)
	}
	if doc.Agents == nil {
		doc.Agents = map[string]AgentInfo{}
	}
	return &doc, nil
}

func (b *FileBackend) write(doc *registryDocument) error {
	doc.SchemaVersion = registrySchemaVersion
	doc.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry document: %w", err)
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("failed to create registry temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write registry document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close registry temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit registry document: %w", err)
	}
	return nil
}

// Get returns one entry, or ErrAgentNotFound.
func (b *FileBackend) Get(_ context.Context, agentID string) (AgentInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, err := b.read()
	if err != nil {
		return AgentInfo{}, err
	}
	info, ok := doc.Agents[agentID]
	if !ok {
		return AgentInfo{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return info, nil
}

// Set upserts an entry under the cross-process lock.
func (b *FileBackend) Set(ctx context.Context, info AgentInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.acquireLock(ctx); err != nil {
		return err
	}
	defer b.releaseLock()

	doc, err := b.read()
	if err != nil {
		return err
	}
	doc.Agents[info.AgentID] = info
	return b.write(doc)
}

// Delete removes an entry under the cross-process lock.
func (b *FileBackend) Delete(ctx context.Context, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.acquireLock(ctx); err != nil {
		return err
	}
	defer b.releaseLock()

	doc, err := b.read()
	if err != nil {
		return err
	}
	if _, ok := doc.Agents[agentID]; !ok {
		return nil
	}
	delete(doc.Agents, agentID)
	return b.write(doc)
}

// List returns every entry.
func (b *FileBackend) List(_ context.Context) ([]AgentInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, err := b.read()
	if err != nil {
		return nil, err
	}
	agents := make([]AgentInfo, 0, len(doc.Agents))
	for _, info := range doc.Agents {
		agents = append(agents, info)
	}
	return agents, nil
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() error {
	return nil
}
