// Package messenger provides the client-facing API an agent process uses to
// participate in A2A messaging: sending signed envelopes, receiving verified
// ones, and acknowledging the outcome. It is the only interface an agent's
// business logic should touch; routing is the broker's job.
package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-a2a/pkg/envelope"
	"github.com/illmade-knight/go-a2a/pkg/queuestore"
	"github.com/rs/zerolog"
)

// ErrValidation marks caller misuse of Send: empty subject, missing
// recipient, unknown kind. It is a programmer error and is never retried.
var ErrValidation = errors.New("validation failed")

// ErrNotProcessing is returned by Acknowledge when the id is not currently
// in the processing state.
var ErrNotProcessing = errors.New("message is not in processing")

// Defaults applied when SendInput leaves the corresponding field unset.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxRetries = 3
)

// Config holds a Messenger's identity and send defaults.
type Config struct {
	// AgentID is the stable id of the agent this Messenger serves.
	AgentID string
	// DefaultTTL bounds message lifetime when SendInput.TTL is zero.
	DefaultTTL time.Duration
	// DefaultMaxRetries applies when SendInput.MaxRetries is nil.
	DefaultMaxRetries int
}

// Messenger is bound to one agent id, a message store, and the deployment's
// shared signer.
type Messenger struct {
	agentID           string
	store             queuestore.Store
	signer            *envelope.Signer
	logger            zerolog.Logger
	defaultTTL        time.Duration
	defaultMaxRetries int
}

// New creates a Messenger for one agent.
func New(cfg Config, store queuestore.Store, signer *envelope.Signer, logger zerolog.Logger) (*Messenger, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("agent id cannot be empty")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if signer == nil {
		return nil, errors.New("signer cannot be nil")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}
	return &Messenger{
		agentID:           cfg.AgentID,
		store:             store,
		signer:            signer,
		logger:            logger.With().Str("component", "Messenger").Str("agent_id", cfg.AgentID).Logger(),
		defaultTTL:        cfg.DefaultTTL,
		defaultMaxRetries: cfg.DefaultMaxRetries,
	}, nil
}

// AgentID returns the id this Messenger sends as.
func (m *Messenger) AgentID() string {
	return m.agentID
}

// SendInput describes one outgoing message.
type SendInput struct {
	// To is the recipient agent id. Ignored (forced empty) for broadcasts.
	To      string
	Kind    envelope.Kind
	Subject string
	// Payload is marshalled to JSON unless it is already raw bytes. The
	// substrate never interprets it.
	Payload any
	// Priority defaults to normal.
	Priority      envelope.Priority
	CorrelationID string
	ReplyTo       string
	// TTL defaults to the Messenger's DefaultTTL.
	TTL time.Duration
	// MaxRetries overrides the default when non-nil; an explicit zero means
	// dead-letter on the first failed delivery attempt.
	MaxRetries *int
}

// Send validates, signs, and enqueues a message to this agent's outbox,
// returning the new message id. Validation failures wrap ErrValidation and
// must not be retried.
func (m *Messenger) Send(ctx context.Context, in SendInput) (string, error) {
	if in.Subject == "" {
		return "", fmt.Errorf("%w: subject cannot be empty", ErrValidation)
	}
	if _, err := envelope.ParseKind(string(in.Kind)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.Kind == envelope.KindBroadcast {
		in.To = ""
	} else if in.To == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty for kind %q", ErrValidation, in.Kind)
	}

	payload, err := marshalPayload(in.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	priority := in.Priority
	if priority == "" {
		priority = envelope.PriorityNormal
	} else if _, err := envelope.ParsePriority(string(priority)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	maxRetries := m.defaultMaxRetries
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return "", fmt.Errorf("%w: max_retries cannot be negative", ErrValidation)
		}
		maxRetries = *in.MaxRetries
	}

	now := time.Now().UTC()
	msg := &envelope.Message{
		ID:            envelope.NewID(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Priority:      priority,
		Sender:        m.agentID,
		Recipient:     in.To,
		Kind:          in.Kind,
		CorrelationID: in.CorrelationID,
		ReplyTo:       in.ReplyTo,
		Status:        envelope.StatusPending,
		MaxRetries:    maxRetries,
		Subject:       in.Subject,
		Payload:       payload,
	}
	msg.Signature = m.signer.Sign(msg)

	if err := m.store.Put(ctx, "", queuestore.StateOutbox, msg); err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	m.logger.Debug().Str("msg_id", msg.ID).Str("recipient", in.To).Str("kind", string(in.Kind)).
		Msg("Message enqueued to outbox.")
	return msg.ID, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("payload is not serializable: %v", err)
		}
		return data, nil
	}
}

// ReceiveOptions filters what Receive returns.
type ReceiveOptions struct {
	// StatusFilter keeps only messages with the given status when set.
	StatusFilter envelope.Status
	// IncludeExpired returns expired entries instead of failing them out.
	IncludeExpired bool
}

// Receive drains this agent's inbox. Entries failing signature verification
// are deleted and logged, never surfaced; expired entries are failed out
// unless IncludeExpired is set. Every returned message has been moved to
// processing and must eventually be acknowledged.
func (m *Messenger) Receive(ctx context.Context, opts ReceiveOptions) ([]*envelope.Message, error) {
	inbox, err := m.store.List(ctx, m.agentID, queuestore.StateInbox)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}

	now := time.Now().UTC()
	var received []*envelope.Message
	for _, msg := range inbox {
		if !m.signer.Verify(msg) {
			m.logger.Warn().Str("msg_id", msg.ID).Str("sender", msg.Sender).
				Msg("Dropping message with invalid signature.")
			if err := m.store.Delete(ctx, m.agentID, queuestore.StateInbox, msg.ID); err != nil {
				m.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to drop unverified message.")
			}
			continue
		}

		if msg.IsExpired(now) && !opts.IncludeExpired {
			m.logger.Info().Str("msg_id", msg.ID).Time("expires_at", msg.ExpiresAt).
				Msg("Failing out expired inbox message.")
			msg.Status = envelope.StatusExpired
			if err := m.store.Put(ctx, "", queuestore.StateFailed, msg); err != nil {
				m.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to record expired message.")
				continue
			}
			if err := m.store.Delete(ctx, m.agentID, queuestore.StateInbox, msg.ID); err != nil {
				m.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to remove expired message from inbox.")
			}
			continue
		}

		if opts.StatusFilter != "" && msg.Status != opts.StatusFilter {
			continue
		}

		if err := m.store.Move(ctx, m.agentID, msg.ID, queuestore.StateInbox, queuestore.StateProcessing); err != nil {
			if errors.Is(err, queuestore.ErrNotFound) {
				// Another consumer of this inbox claimed it first.
				continue
			}
			return nil, fmt.Errorf("failed to claim message %s: %w", msg.ID, err)
		}
		msg.Status = envelope.StatusProcessing
		received = append(received, msg)
	}
	return received, nil
}

// AckResult is the outcome reported by Acknowledge.
type AckResult string

const (
	AckSuccess AckResult = "success"
	AckFailure AckResult = "failure"
)

// AckOptions carries the optional parts of an acknowledgement.
type AckOptions struct {
	// Error is recorded on the envelope for failure acks.
	Error string
	// ResponsePayload, when non-nil on a successful ack of a request,
	// triggers an automatic correlated response to the original sender.
	ResponsePayload any
}

// Acknowledge resolves a message previously returned by Receive, moving it
// from processing to completed or failed.
func (m *Messenger) Acknowledge(ctx context.Context, id string, result AckResult, opts AckOptions) error {
	msg, err := m.store.Get(ctx, "", queuestore.StateProcessing, id)
	if err != nil {
		if errors.Is(err, queuestore.ErrNotFound) {
			return fmt.Errorf("message %s: %w", id, ErrNotProcessing)
		}
		return fmt.Errorf("failed to load message %s: %w", id, err)
	}

	switch result {
	case AckSuccess:
		if err := m.store.Move(ctx, "", id, queuestore.StateProcessing, queuestore.StateCompleted); err != nil {
			return fmt.Errorf("failed to complete message %s: %w", id, err)
		}
		m.logger.Debug().Str("msg_id", id).Msg("Message acknowledged as completed.")

		if msg.Kind == envelope.KindRequest && opts.ResponsePayload != nil {
			if _, err := m.Send(ctx, SendInput{
				To:            msg.Sender,
				Kind:          envelope.KindResponse,
				Subject:       "Re: " + msg.Subject,
				Payload:       opts.ResponsePayload,
				Priority:      msg.Priority,
				CorrelationID: msg.ID,
				ReplyTo:       msg.ID,
			}); err != nil {
				return fmt.Errorf("failed to send auto-reply for %s: %w", id, err)
			}
		}
		return nil

	case AckFailure:
		msg.Error = opts.Error
		msg.Status = envelope.StatusFailed
		if err := m.store.Put(ctx, "", queuestore.StateFailed, msg); err != nil {
			return fmt.Errorf("failed to record failure for message %s: %w", id, err)
		}
		if err := m.store.Delete(ctx, "", queuestore.StateProcessing, id); err != nil {
			return fmt.Errorf("failed to remove failed message %s from processing: %w", id, err)
		}
		m.logger.Debug().Str("msg_id", id).Str("error", opts.Error).Msg("Message acknowledged as failed.")
		return nil

	default:
		return fmt.Errorf("%w: unknown ack result %q", ErrValidation, result)
	}
}

// AwaitResponse polls this agent's inbox for a response correlated to the
// given message id. It blocks the caller, never the broker, and returns when
// the response arrives or ctx is done. The matched message is claimed into
// processing like any received message.
func (m *Messenger) AwaitResponse(ctx context.Context, correlationID string, pollInterval time.Duration) (*envelope.Message, error) {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		inbox, err := m.store.List(ctx, m.agentID, queuestore.StateInbox)
		if err != nil {
			return nil, fmt.Errorf("failed to read inbox: %w", err)
		}
		now := time.Now().UTC()
		for _, msg := range inbox {
			if msg.Kind != envelope.KindResponse || msg.CorrelationID != correlationID {
				continue
			}
			if !m.signer.Verify(msg) {
				m.logger.Warn().Str("msg_id", msg.ID).Msg("Ignoring correlated response with invalid signature.")
				continue
			}
			if msg.IsExpired(now) {
				continue
			}
			if err := m.store.Move(ctx, m.agentID, msg.ID, queuestore.StateInbox, queuestore.StateProcessing); err != nil {
				if errors.Is(err, queuestore.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("failed to claim response %s: %w", msg.ID, err)
			}
			msg.Status = envelope.StatusProcessing
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no response for correlation id %s: %w", correlationID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Cleanup deletes this agent's completed messages older than retention and
// returns the count removed.
func (m *Messenger) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	completed, err := m.store.List(ctx, "", queuestore.StateCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to list completed messages: %w", err)
	}
	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for _, msg := range completed {
		if msg.Sender != m.agentID || msg.CreatedAt.After(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, "", queuestore.StateCompleted, msg.ID); err != nil {
			m.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to delete completed message.")
			continue
		}
		removed++
	}
	return removed, nil
}
