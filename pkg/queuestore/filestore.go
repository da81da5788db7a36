package queuestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/illmade-knight/go-a2a/pkg/envelope"
	"github.com/rs/zerolog"
)

// stateDirs maps queue states to their on-disk directory names. The layout
// under the deployment root is Inbox/<agent_id>/, Outbox/, Pending/,
// Processing/, Completed/, Failed/ and Dead_Letter/, with one <id>.msg file
// per entry.
var stateDirs = map[State]string{
	StateOutbox:     "Outbox",
	StatePending:    "Pending",
	StateProcessing: "Processing",
	StateCompleted:  "Completed",
	StateFailed:     "Failed",
	StateDeadLetter: "Dead_Letter",
	StateInbox:      "Inbox",
}

const msgExt = ".msg"

// FileStore persists envelopes as one file per message under a deployment
// root. Writes go through a temp file and rename, so a crash mid-write never
// leaves a half-written record where a reader can see it.
type FileStore struct {
	root   string
	logger zerolog.Logger
}

// NewFileStore creates a FileStore rooted at the given directory, creating
// the state directories if needed.
func NewFileStore(root string, logger zerolog.Logger) (*FileStore, error) {
	for state, dir := range stateDirs {
		if state == StateInbox {
			// Inbox subdirectories are created per agent on first write.
			continue
		}
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory %s: %w", dir, err)
		}
	}
	return &FileStore{
		root:   root,
		logger: logger.With().Str("component", "FileStore").Logger(),
	}, nil
}

// Root returns the deployment root directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) dir(owner string, state State) string {
	if state == StateInbox {
		return filepath.Join(s.root, stateDirs[StateInbox], owner)
	}
	return filepath.Join(s.root, stateDirs[state])
}

func (s *FileStore) path(owner string, state State, id string) string {
	return filepath.Join(s.dir(owner, state), id+msgExt)
}

// Put writes the envelope atomically, overwriting any prior entry.
func (s *FileStore) Put(ctx context.Context, owner string, state State, m *envelope.Message) error {
	if err := validateKey(owner, state); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := *m
	stored.Status = CanonicalStatus(state, m.Status)

	dir := s.dir(owner, state)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(envelope.Serialize(&stored)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write message %s: %w", m.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for message %s: %w", m.ID, err)
	}
	if err := os.Rename(tmpName, s.path(owner, state, m.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit message %s: %w", m.ID, err)
	}
	return nil
}

// Get reads one message, returning ErrNotFound when absent.
func (s *FileStore) Get(ctx context.Context, owner string, state State, id string) (*envelope.Message, error) {
	if err := validateKey(owner, state); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(owner, state, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("message %s in %s: %w", id, state, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read message %s: %w", id, err)
	}
	m, err := envelope.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message %s: %w", id, err)
	}
	return m, nil
}

// List returns every message in the state, oldest-first by CreatedAt with id
// as the tie-breaker. Unparseable files are skipped with a warning rather
// than failing the whole listing.
func (s *FileStore) List(ctx context.Context, owner string, state State) ([]*envelope.Message, error) {
	if err := validateKey(owner, state); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir(owner, state))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", state, err)
	}

	var messages []*envelope.Message
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != msgExt {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir(owner, state), entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				// Raced with a concurrent move; the entry simply left.
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		m, err := envelope.Parse(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Str("state", string(state)).
				Msg("Skipping unparseable queue entry.")
			continue
		}
		messages = append(messages, m)
	}

	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// Move relocates a message to another state, rewriting its status to match
// the destination. The source file is removed only after the destination
// write commits, so a crash between the two leaves a recoverable duplicate
// rather than a lost message; the stale source is overwritten or re-moved on
// the next cycle.
func (s *FileStore) Move(ctx context.Context, owner string, id string, from, to State) error {
	m, err := s.Get(ctx, owner, from, id)
	if err != nil {
		return err
	}
	if err := s.Put(ctx, owner, to, m); err != nil {
		return err
	}
	if err := os.Remove(s.path(owner, from, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s from %s after move: %w", id, from, err)
	}
	return nil
}

// Delete removes an entry; absent ids are a no-op.
func (s *FileStore) Delete(ctx context.Context, owner string, state State, id string) error {
	if err := validateKey(owner, state); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(owner, state, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// InboxOwners returns the agent ids that currently have an inbox directory.
func (s *FileStore) InboxOwners(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, stateDirs[StateInbox]))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list inbox owners: %w", err)
	}
	var owners []string
	for _, entry := range entries {
		if entry.IsDir() {
			owners = append(owners, entry.Name())
		}
	}
	return owners, nil
}
