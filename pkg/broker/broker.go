// Package broker implements the routing engine of the messaging substrate: a
// single polling actor that drains agent outboxes into the shared pending
// area, decides deliverability against the agent registry, and owns the
// retry, expiry, dead-letter, and cleanup policies. The broker is the only
// writer to the shared pending, dead-letter, and failed areas; each agent is
// the sole writer of its own inbox and outbox, which keeps moves on a given
// message id linearizable without cross-process locks.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-a2a/pkg/archive"
	"github.com/illmade-knight/go-a2a/pkg/envelope"
	"github.com/illmade-knight/go-a2a/pkg/queuestore"
	"github.com/illmade-knight/go-a2a/pkg/registry"
	"github.com/rs/zerolog"
)

// Config holds broker tuning. Zero values select the defaults.
type Config struct {
	// BrokerID is this broker's own registry identity.
	BrokerID string
	// PollInterval is the cycle period of the routing loop.
	PollInterval time.Duration
	// BackoffCap bounds the per-message retry delay; the target delay is
	// min(2^retry_count seconds, BackoffCap).
	BackoffCap time.Duration
	// CleanupEvery runs the retention sweeps every N cycles.
	CleanupEvery int
	// MessageRetention is how long completed/failed/dead-letter entries are
	// kept before cleanup deletes (and optionally archives) them.
	MessageRetention time.Duration
	// AgentMaxAge is the stale-agent cutoff passed to the registry sweep.
	AgentMaxAge time.Duration
}

const (
	defaultBrokerID     = "a2a-broker"
	defaultPollInterval = 5 * time.Second
	defaultBackoffCap   = time.Minute
	defaultCleanupEvery = 120
	defaultRetention    = 7 * 24 * time.Hour
	defaultAgentMaxAge  = 24 * time.Hour
)

func (c *Config) applyDefaults() {
	if c.BrokerID == "" {
		c.BrokerID = defaultBrokerID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = defaultCleanupEvery
	}
	if c.MessageRetention <= 0 {
		c.MessageRetention = defaultRetention
	}
	if c.AgentMaxAge <= 0 {
		c.AgentMaxAge = defaultAgentMaxAge
	}
}

// CycleStats summarises one routing cycle for logging and tests.
type CycleStats struct {
	OutboxDrained int
	Delivered     int
	Broadcasts    int
	Deferred      int
	DeadLettered  int
	Expired       int
}

// Broker is the routing actor. Construct with New and drive it either with
// Run (continuous loop) or RunCycle (single tick, for cron and tests).
type Broker struct {
	cfg      Config
	store    queuestore.Store
	registry *registry.Registry
	signer   *envelope.Signer
	archiver archive.Archiver
	logger   zerolog.Logger
}

// New creates a Broker. The archiver may be nil, which disables archival on
// cleanup.
func New(cfg Config, store queuestore.Store, reg *registry.Registry, signer *envelope.Signer, archiver archive.Archiver, logger zerolog.Logger) (*Broker, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if reg == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if signer == nil {
		return nil, errors.New("signer cannot be nil")
	}
	cfg.applyDefaults()
	return &Broker{
		cfg:      cfg,
		store:    store,
		registry: reg,
		signer:   signer,
		archiver: archiver,
		logger:   logger.With().Str("component", "Broker").Str("broker_id", cfg.BrokerID).Logger(),
	}, nil
}

// ProcessOutbox moves every outbox entry into the shared pending area. It is
// purely mechanical and never inspects payloads. Entries that cannot be
// moved are left in place for the next cycle.
func (b *Broker) ProcessOutbox(ctx context.Context) int {
	outbox, err := b.store.List(ctx, "", queuestore.StateOutbox)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to list outbox.")
		return 0
	}

	moved := 0
	for _, msg := range outbox {
		if err := b.store.Move(ctx, "", msg.ID, queuestore.StateOutbox, queuestore.StatePending); err != nil {
			if errors.Is(err, queuestore.ErrNotFound) {
				continue
			}
			b.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to move outbox entry to pending.")
			continue
		}
		moved++
	}
	return moved
}

// backoffDelay returns the target delay before the next delivery attempt.
// It grows monotonically with the retry count up to the configured cap.
func (b *Broker) backoffDelay(retryCount int) time.Duration {
	if retryCount >= 30 {
		return b.cfg.BackoffCap
	}
	delay := time.Duration(1<<uint(retryCount)) * time.Second
	if delay > b.cfg.BackoffCap {
		return b.cfg.BackoffCap
	}
	return delay
}

// RouteMessages evaluates every pending message once: expired entries fail
// out, broadcasts fan out, deliverable messages land in the recipient's
// inbox, and undeliverable ones take the retry path toward dead-letter.
func (b *Broker) RouteMessages(ctx context.Context) CycleStats {
	var stats CycleStats

	pending, err := b.store.List(ctx, "", queuestore.StatePending)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to list pending messages.")
		return stats
	}

	now := time.Now().UTC()
	for _, msg := range pending {
		if msg.IsExpired(now) {
			if b.failExpired(ctx, msg, queuestore.StatePending) {
				stats.Expired++
			}
			continue
		}

		if msg.Kind == envelope.KindBroadcast || msg.Recipient == "" {
			delivered, ok := b.fanOut(ctx, msg, now)
			if ok {
				stats.Broadcasts++
				stats.Delivered += delivered
			}
			continue
		}

		// Honour the backoff window from the previous failed attempt.
		if msg.RetryCount > 0 && !msg.LastAttemptAt.IsZero() &&
			now.Before(msg.LastAttemptAt.Add(b.backoffDelay(msg.RetryCount))) {
			continue
		}

		online, err := b.registry.IsOnline(ctx, msg.Recipient)
		if err != nil {
			b.logger.Error().Err(err).Str("msg_id", msg.ID).Str("recipient", msg.Recipient).
				Msg("Registry lookup failed, leaving message for next cycle.")
			continue
		}

		if !online {
			if b.deferOrDeadLetter(ctx, msg, now) {
				stats.DeadLettered++
			} else {
				stats.Deferred++
			}
			continue
		}

		if b.deliver(ctx, msg, msg.Recipient, now) {
			stats.Delivered++
		}
	}
	return stats
}

// deliver writes the message into the recipient's inbox and completes the
// original. Reports whether delivery happened.
func (b *Broker) deliver(ctx context.Context, msg *envelope.Message, recipient string, now time.Time) bool {
	inboxCopy := *msg
	inboxCopy.DeliveredAt = now
	inboxCopy.Status = envelope.StatusPending

	if err := b.store.Put(ctx, recipient, queuestore.StateInbox, &inboxCopy); err != nil {
		b.logger.Error().Err(err).Str("msg_id", msg.ID).Str("recipient", recipient).
			Msg("Failed to write to recipient inbox.")
		return false
	}
	if err := b.store.Move(ctx, "", msg.ID, queuestore.StatePending, queuestore.StateCompleted); err != nil {
		b.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to complete delivered message.")
		return false
	}
	b.logger.Debug().Str("msg_id", msg.ID).Str("recipient", recipient).Msg("Message delivered.")
	return true
}

// fanOut delivers one broadcast as fresh notification copies to every online
// agent except the sender and the broker itself, then completes the
// original. Copies get collision-free derived ids and are re-signed because
// the signature covers id, recipient, and kind.
func (b *Broker) fanOut(ctx context.Context, msg *envelope.Message, now time.Time) (int, bool) {
	online, err := b.registry.OnlineAgents(ctx)
	if err != nil {
		b.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Registry lookup failed for broadcast.")
		return 0, false
	}

	delivered := 0
	for _, agent := range online {
		if agent.AgentID == msg.Sender || agent.AgentID == b.cfg.BrokerID {
			continue
		}
		notifCopy := *msg
		notifCopy.ID = envelope.DerivedID(msg.ID)
		notifCopy.Kind = envelope.KindNotification
		notifCopy.Recipient = agent.AgentID
		notifCopy.CorrelationID = msg.ID
		notifCopy.DeliveredAt = now
		notifCopy.Status = envelope.StatusPending
		notifCopy.Signature = b.signer.Sign(&notifCopy)

		if err := b.store.Put(ctx, agent.AgentID, queuestore.StateInbox, &notifCopy); err != nil {
			b.logger.Error().Err(err).Str("msg_id", msg.ID).Str("recipient", agent.AgentID).
				Msg("Failed to deliver broadcast copy.")
			continue
		}
		delivered++
	}

	if err := b.store.Move(ctx, "", msg.ID, queuestore.StatePending, queuestore.StateCompleted); err != nil {
		b.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to complete broadcast original.")
		return delivered, false
	}
	b.logger.Info().Str("msg_id", msg.ID).Int("recipients", delivered).Msg("Broadcast fanned out.")
	return delivered, true
}

// deferOrDeadLetter handles an offline recipient: one retry increment per
// cycle until the budget is exhausted, then the dead-letter queue. Reports
// whether the message was dead-lettered.
func (b *Broker) deferOrDeadLetter(ctx context.Context, msg *envelope.Message, now time.Time) bool {
	msg.RetryCount++
	msg.LastAttemptAt = now

	if msg.RetryCount > msg.MaxRetries {
		msg.Error = fmt.Sprintf("retry budget exhausted after %d attempts: recipient %s offline", msg.RetryCount, msg.Recipient)
		if err := b.store.Put(ctx, "", queuestore.StateDeadLetter, msg); err != nil {
			b.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to dead-letter message.")
			return false
		}
		if err := b.store.Delete(ctx, "", queuestore.StatePending, msg.ID); err != nil {
			b.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to remove dead-lettered message from pending.")
		}
		b.logger.Warn().Str("msg_id", msg.ID).Str("recipient", msg.Recipient).Int("retries", msg.RetryCount).
			Msg("Message dead-lettered, operator intervention required to resubmit.")
		return true
	}

	if err := b.store.Put(ctx, "", queuestore.StatePending, msg); err != nil {
		b.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to record retry attempt.")
		return false
	}
	b.logger.Debug().Str("msg_id", msg.ID).Str("recipient", msg.Recipient).
		Int("retry_count", msg.RetryCount).Dur("next_delay", b.backoffDelay(msg.RetryCount)).
		Msg("Recipient offline, delivery deferred.")
	return false
}

// failExpired moves an expired message to the failed queue with status
// expired. Reports success.
func (b *Broker) failExpired(ctx context.Context, msg *envelope.Message, from queuestore.State) bool {
	msg.Status = envelope.StatusExpired
	if msg.Error == "" {
		msg.Error = fmt.Sprintf("expired at %s before delivery", msg.ExpiresAt.Format(time.RFC3339))
	}
	if err := b.store.Put(ctx, "", queuestore.StateFailed, msg); err != nil {
		b.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to record expired message.")
		return false
	}
	if err := b.store.Delete(ctx, "", from, msg.ID); err != nil {
		b.logger.Error().Err(err).Str("msg_id", msg.ID).Str("state", string(from)).
			Msg("Failed to remove expired message from source state.")
	}
	b.logger.Info().Str("msg_id", msg.ID).Str("state", string(from)).Msg("Expired message failed out.")
	return true
}

// CheckExpiration sweeps the pending and processing areas for expired
// entries. It runs every tick, independent of the retry path.
func (b *Broker) CheckExpiration(ctx context.Context) int {
	expired := 0
	now := time.Now().UTC()
	for _, state := range []queuestore.State{queuestore.StatePending, queuestore.StateProcessing} {
		messages, err := b.store.List(ctx, "", state)
		if err != nil {
			b.logger.Error().Err(err).Str("state", string(state)).Msg("Failed to list state for expiration sweep.")
			continue
		}
		for _, msg := range messages {
			if msg.IsExpired(now) && b.failExpired(ctx, msg, state) {
				expired++
			}
		}
	}
	return expired
}

// CleanupOldMessages removes completed, failed, and dead-letter entries older
// than age, archiving each swept batch first when an archiver is configured.
// Returns the count deleted.
func (b *Broker) CleanupOldMessages(ctx context.Context, age time.Duration) int {
	cutoff := time.Now().UTC().Add(-age)
	removed := 0
	for _, state := range []queuestore.State{queuestore.StateCompleted, queuestore.StateFailed, queuestore.StateDeadLetter} {
		messages, err := b.store.List(ctx, "", state)
		if err != nil {
			b.logger.Error().Err(err).Str("state", string(state)).Msg("Failed to list state for cleanup.")
			continue
		}
		var batch []*envelope.Message
		for _, msg := range messages {
			if msg.CreatedAt.Before(cutoff) {
				batch = append(batch, msg)
			}
		}
		if len(batch) == 0 {
			continue
		}

		if b.archiver != nil {
			if err := b.archiver.Archive(ctx, string(state), batch); err != nil {
				b.logger.Error().Err(err).Str("state", string(state)).
					Msg("Archive failed, retaining messages until next sweep.")
				continue
			}
		}
		for _, msg := range batch {
			if err := b.store.Delete(ctx, "", state, msg.ID); err != nil {
				b.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to delete old message.")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		b.logger.Info().Int("removed", removed).Msg("Retention cleanup completed.")
	}
	return removed
}

// Cleanup runs both retention sweeps with the configured policies and
// returns the counts removed.
func (b *Broker) Cleanup(ctx context.Context) (messages, agents int) {
	return b.CleanupOldMessages(ctx, b.cfg.MessageRetention), b.CleanupStaleAgents(ctx)
}

// CleanupStaleAgents delegates to the registry's stale-entry sweep.
func (b *Broker) CleanupStaleAgents(ctx context.Context) int {
	removed, err := b.registry.CleanupStale(ctx, b.cfg.AgentMaxAge)
	if err != nil {
		b.logger.Error().Err(err).Msg("Stale agent cleanup failed.")
		return 0
	}
	return removed
}

// RunCycle performs one full broker cycle: outbox drain, routing, and the
// expiration sweep.
func (b *Broker) RunCycle(ctx context.Context) CycleStats {
	stats := b.RouteMessagesAfterDrain(ctx)
	stats.Expired += b.CheckExpiration(ctx)
	return stats
}

// RouteMessagesAfterDrain drains outboxes and routes in one pass.
func (b *Broker) RouteMessagesAfterDrain(ctx context.Context) CycleStats {
	drained := b.ProcessOutbox(ctx)
	stats := b.RouteMessages(ctx)
	stats.OutboxDrained = drained
	return stats
}

// Run drives the broker loop until ctx is cancelled. The broker registers
// itself in the agent registry so its own liveness is observable, heartbeats
// every cycle, and unregisters on the way out. Cancellation takes effect
// between cycles; in-flight moves are atomic units and are never abandoned
// midway.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.registry.Register(ctx, b.cfg.BrokerID, []string{"routing"}, registry.RoleMonitor, registry.RegisterOptions{}); err != nil {
		return fmt.Errorf("failed to register broker: %w", err)
	}
	defer func() {
		// Use a fresh context: the loop context is already cancelled when
		// we get here.
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.registry.Unregister(unregCtx, b.cfg.BrokerID); err != nil {
			b.logger.Error().Err(err).Msg("Failed to unregister broker on shutdown.")
		}
	}()

	b.logger.Info().Dur("poll_interval", b.cfg.PollInterval).Msg("Broker loop starting.")
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	cycle := 0
	for {
		cycle++
		stats := b.RunCycle(ctx)
		if stats.OutboxDrained+stats.Delivered+stats.Deferred+stats.DeadLettered+stats.Expired > 0 {
			b.logger.Info().
				Int("outbox_drained", stats.OutboxDrained).
				Int("delivered", stats.Delivered).
				Int("broadcasts", stats.Broadcasts).
				Int("deferred", stats.Deferred).
				Int("dead_lettered", stats.DeadLettered).
				Int("expired", stats.Expired).
				Msg("Cycle completed.")
		}

		if err := b.registry.Heartbeat(ctx, b.cfg.BrokerID, registry.StatusOnline, nil); err != nil {
			b.logger.Error().Err(err).Msg("Broker heartbeat failed.")
		}

		if cycle%b.cfg.CleanupEvery == 0 {
			b.Cleanup(ctx)
		}

		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Broker loop stopping.")
			return nil
		case <-ticker.C:
		}
	}
}
