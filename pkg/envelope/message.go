// Package envelope defines the message envelope exchanged between agents:
// identity, timing, routing metadata, an opaque payload, and an integrity
// signature. The envelope never interprets payload contents.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of message varieties the substrate routes.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindBroadcast    Kind = "broadcast"
	KindCommand      Kind = "command"
)

// ParseKind validates a wire string against the closed Kind set.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindRequest, KindResponse, KindNotification, KindBroadcast, KindCommand:
		return k, nil
	}
	return "", fmt.Errorf("unknown message kind %q", s)
}

// Priority is advisory ordering metadata. Routing does not enforce it as a
// hard ordering guarantee.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric position of a priority, low first. Unknown values
// rank alongside normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// ParsePriority validates a wire string against the Priority set.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Status reflects which queue state a message currently occupies. It is
// derived storage metadata, not an independent source of truth.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// ParseStatus validates a wire string against the Status set.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Message is the envelope for one logical communication event. It is
// immutable after signing except for the routing bookkeeping fields
// (Status, RetryCount, DeliveredAt, LastAttemptAt, Error), which are
// excluded from the signature for that reason.
type Message struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Priority  Priority `json:"priority"`
	Sender    string   `json:"sender"`
	Recipient string   `json:"recipient,omitempty"` // empty for broadcast
	Kind      Kind     `json:"kind"`

	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	DeliveredAt   time.Time `json:"delivered_at,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`

	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewID returns a globally unique message id.
func NewID() string {
	return uuid.NewString()
}

// DerivedID returns a collision-free id for a fan-out copy of originalID.
// A random suffix is used rather than recipient+timestamp, which can collide
// under rapid repeated broadcasts within the same second.
func DerivedID(originalID string) string {
	return originalID + "." + uuid.NewString()[:8]
}

// IsExpired reports whether the message's ttl has elapsed at the given time.
func (m *Message) IsExpired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Validate checks the structural invariants that must hold for any message
// accepted into a queue.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is empty")
	}
	if m.Sender == "" {
		return fmt.Errorf("message %s: sender is empty", m.ID)
	}
	if m.Recipient == "" && m.Kind != KindBroadcast {
		return fmt.Errorf("message %s: recipient is empty for non-broadcast kind %q", m.ID, m.Kind)
	}
	if !m.ExpiresAt.After(m.CreatedAt) {
		return fmt.Errorf("message %s: expires_at must be after created_at", m.ID)
	}
	if m.RetryCount < 0 {
		return fmt.Errorf("message %s: negative retry_count %d", m.ID, m.RetryCount)
	}
	if m.MaxRetries < 0 {
		return fmt.Errorf("message %s: negative max_retries %d", m.ID, m.MaxRetries)
	}
	return nil
}
