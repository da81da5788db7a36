// Package queuestore provides durable, crash-safe storage of message
// envelopes keyed by (owner, state, id). A filesystem implementation backs
// production deployments; an in-memory implementation serves tests and
// embedded use. Both order listings oldest-first by creation time.
package queuestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-a2a/pkg/envelope"
)

// ErrNotFound is returned by Get and Move when the addressed entry does not
// exist. Callers distinguish it from I/O failures with errors.Is.
var ErrNotFound = errors.New("message not found")

// State names a queue location a message can occupy. A message resides in
// exactly one state at any instant; Move is the only sanctioned transition.
type State string

const (
	StateOutbox     State = "outbox"
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDeadLetter State = "dead_letter"
	StateInbox      State = "inbox"
)

// States lists every queue state, in lifecycle order. Useful for status
// reporting and cleanup sweeps.
var States = []State{
	StateOutbox, StatePending, StateProcessing,
	StateInbox, StateCompleted, StateFailed, StateDeadLetter,
}

// CanonicalStatus maps a destination state to the status a message stored
// there must carry. An already-expired marking survives moves to Failed so
// the expiry cause stays visible in the audit trail.
func CanonicalStatus(state State, current envelope.Status) envelope.Status {
	switch state {
	case StateProcessing:
		return envelope.StatusProcessing
	case StateCompleted:
		return envelope.StatusCompleted
	case StateFailed:
		if current == envelope.StatusExpired {
			return envelope.StatusExpired
		}
		return envelope.StatusFailed
	case StateDeadLetter:
		return envelope.StatusFailed
	default:
		return envelope.StatusPending
	}
}

// Store is the contract for message persistence. The owner argument selects
// the per-agent partition and is only meaningful for StateInbox; every other
// state is a shared area and implementations ignore owner for them.
type Store interface {
	// Put writes the full envelope, overwriting any prior entry with the
	// same id in that state. Safe to call repeatedly.
	Put(ctx context.Context, owner string, state State, m *envelope.Message) error
	// Get returns one message, or ErrNotFound.
	Get(ctx context.Context, owner string, state State, id string) (*envelope.Message, error)
	// List returns all messages in the state, oldest-first by CreatedAt
	// (ties broken by id, so the order is stable).
	List(ctx context.Context, owner string, state State) ([]*envelope.Message, error)
	// Move atomically relocates a message and rewrites its status to match
	// the destination. ErrNotFound if the source entry is absent — a second
	// identical Move is therefore a no-op failure, never a duplication.
	Move(ctx context.Context, owner string, id string, from, to State) error
	// Delete permanently removes an entry; absent ids are a no-op.
	Delete(ctx context.Context, owner string, state State, id string) error
	// InboxOwners returns the agent ids that currently have an inbox
	// partition, for status reporting and cross-inbox sweeps.
	InboxOwners(ctx context.Context) ([]string, error)
}

func validateKey(owner string, state State) error {
	if state == StateInbox && owner == "" {
		return fmt.Errorf("inbox access requires an owner agent id")
	}
	return nil
}
