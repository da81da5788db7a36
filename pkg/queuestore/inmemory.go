package queuestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/illmade-knight/go-a2a/pkg/envelope"
)

type memKey struct {
	owner string
	state State
}

// InMemoryStore is a thread-safe, in-memory Store. It is primarily intended
// for tests and single-process embedded deployments.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[memKey]map[string]envelope.Message
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[memKey]map[string]envelope.Message),
	}
}

func (s *InMemoryStore) key(owner string, state State) memKey {
	if state != StateInbox {
		owner = ""
	}
	return memKey{owner: owner, state: state}
}

// Put stores a copy of the envelope, overwriting any prior entry.
func (s *InMemoryStore) Put(_ context.Context, owner string, state State, m *envelope.Message) error {
	if err := validateKey(owner, state); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *m
	stored.Status = CanonicalStatus(state, m.Status)

	k := s.key(owner, state)
	if s.data[k] == nil {
		s.data[k] = make(map[string]envelope.Message)
	}
	s.data[k][m.ID] = stored
	return nil
}

// Get returns a copy of one message, or ErrNotFound.
func (s *InMemoryStore) Get(_ context.Context, owner string, state State, id string) (*envelope.Message, error) {
	if err := validateKey(owner, state); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.data[s.key(owner, state)][id]
	if !ok {
		return nil, fmt.Errorf("message %s in %s: %w", id, state, ErrNotFound)
	}
	return &m, nil
}

// List returns all messages in the state, oldest-first by CreatedAt.
func (s *InMemoryStore) List(_ context.Context, owner string, state State) ([]*envelope.Message, error) {
	if err := validateKey(owner, state); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []*envelope.Message
	for _, m := range s.data[s.key(owner, state)] {
		m := m
		messages = append(messages, &m)
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// Move relocates a message, rewriting its status for the destination.
func (s *InMemoryStore) Move(_ context.Context, owner string, id string, from, to State) error {
	if err := validateKey(owner, from); err != nil {
		return err
	}
	if err := validateKey(owner, to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fromKey := s.key(owner, from)
	m, ok := s.data[fromKey][id]
	if !ok {
		return fmt.Errorf("message %s in %s: %w", id, from, ErrNotFound)
	}
	delete(s.data[fromKey], id)

	m.Status = CanonicalStatus(to, m.Status)
	toKey := s.key(owner, to)
	if s.data[toKey] == nil {
		s.data[toKey] = make(map[string]envelope.Message)
	}
	s.data[toKey][id] = m
	return nil
}

// Delete removes an entry; absent ids are a no-op.
func (s *InMemoryStore) Delete(_ context.Context, owner string, state State, id string) error {
	if err := validateKey(owner, state); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[s.key(owner, state)], id)
	return nil
}

// InboxOwners returns the agent ids holding at least one inbox entry, past
// or present.
func (s *InMemoryStore) InboxOwners(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owners []string
	for k := range s.data {
		if k.state == StateInbox {
			owners = append(owners, k.owner)
		}
	}
	sort.Strings(owners)
	return owners, nil
}
