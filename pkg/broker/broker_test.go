package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-a2a/pkg/broker"
	"github.com/illmade-knight/go-a2a/pkg/envelope"
	"github.com/illmade-knight/go-a2a/pkg/messenger"
	"github.com/illmade-knight/go-a2a/pkg/queuestore"
	"github.com/illmade-knight/go-a2a/pkg/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "deployment-test-secret"

type fixture struct {
	store    *queuestore.InMemoryStore
	backend  *registry.InMemoryBackend
	registry *registry.Registry
	signer   *envelope.Signer
	broker   *broker.Broker
}

func newFixture(t *testing.T, cfg broker.Config) *fixture {
	t.Helper()
	store := queuestore.NewInMemoryStore()
	backend := registry.NewInMemoryBackend()
	reg, err := registry.New(registry.Config{HeartbeatTimeout: time.Minute}, backend, zerolog.Nop())
	require.NoError(t, err)
	signer, err := envelope.NewSigner([]byte(testSecret))
	require.NoError(t, err)
	b, err := broker.New(cfg, store, reg, signer, nil, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{store: store, backend: backend, registry: reg, signer: signer, broker: b}
}

func (f *fixture) messenger(t *testing.T, agentID string) *messenger.Messenger {
	t.Helper()
	m, err := messenger.New(messenger.Config{AgentID: agentID}, f.store, f.signer, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func (f *fixture) registerOnline(t *testing.T, agentID string) {
	t.Helper()
	require.NoError(t, f.registry.Register(context.Background(), agentID, nil, registry.RoleProcessor, registry.RegisterOptions{}))
}

// seedStaleAgent writes an entry with an aged heartbeat straight into the
// fixture backend, simulating an agent that stopped heartbeating.
func seedStaleAgent(t *testing.T, f *fixture, info registry.AgentInfo) {
	t.Helper()
	require.NoError(t, f.backend.Set(context.Background(), info))
}

func TestBroker_DeliversToOnlineRecipientUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, broker.Config{})
	sender := f.messenger(t, "agent-a")
	f.registerOnline(t, "agent-b")

	id, err := sender.Send(ctx, messenger.SendInput{
		To: "agent-b", Kind: envelope.KindRequest, Subject: "ping", Payload: map[string]int{"n": 1},
	})
	require.NoError(t, err)

	f.broker.RunCycle(ctx)

	inbox, err := f.store.List(ctx, "agent-b", queuestore.StateInbox)
	require.NoError(t, err)
	require.Len(t, inbox, 1, "exactly one matching entry in the recipient's inbox")
	assert.Equal(t, id, inbox[0].ID)
	assert.Equal(t, "ping", inbox[0].Subject)
	assert.JSONEq(t, `{"n":1}`, string(inbox[0].Payload))
	assert.False(t, inbox[0].DeliveredAt.IsZero())

	// The original is tracked as completed on the sender side.
	_, err = f.store.Get(ctx, "", queuestore.StateCompleted, id)
	assert.NoError(t, err)
}

func TestBroker_RequestResponseScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, broker.Config{})
	agentA := f.messenger(t, "A")
	agentB := f.messenger(t, "B")
	f.registerOnline(t, "A")
	f.registerOnline(t, "B")
	f.registerOnline(t, "C")

	id, err := agentA.Send(ctx, messenger.SendInput{
		To: "B", Kind: envelope.KindRequest, Subject: "ping", Payload: map[string]int{"n": 1},
	})
	require.NoError(t, err)

	f.broker.RunCycle(ctx)

	received, err := agentB.Receive(ctx, messenger.ReceiveOptions{})
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "ping", received[0].Subject)

	require.NoError(t, agentB.Acknowledge(ctx, id, messenger.AckSuccess, messenger.AckOptions{
		ResponsePayload: map[string]int{"n": 2},
	}))

	f.broker.RunCycle(ctx)

	replies, err := agentA.Receive(ctx, messenger.ReceiveOptions{})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, envelope.KindResponse, replies[0].Kind)
	assert.Equal(t, id, replies[0].CorrelationID)
	assert.JSONEq(t, `{"n":2}`, string(replies[0].Payload))
}

func TestBroker_RetriesOncePerCycleThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	// A tiny backoff cap keeps back-to-back test cycles from being skipped.
	f := newFixture(t, broker.Config{BackoffCap: time.Nanosecond})
	sender := f.messenger(t, "agent-a")

	maxRetries := 2
	id, err := sender.Send(ctx, messenger.SendInput{
		To: "sleeping-agent", Kind: envelope.KindRequest, Subject: "anyone there",
		MaxRetries: &maxRetries,
	})
	require.NoError(t, err)

	for wantRetries := 1; wantRetries <= maxRetries; wantRetries++ {
		f.broker.RunCycle(ctx)
		pending, err := f.store.Get(ctx, "", queuestore.StatePending, id)
		require.NoError(t, err)
		assert.Equal(t, wantRetries, pending.RetryCount, "retry count increments exactly once per cycle")
	}

	f.broker.RunCycle(ctx)

	_, err = f.store.Get(ctx, "", queuestore.StatePending, id)
	assert.ErrorIs(t, err, queuestore.ErrNotFound, "message must leave pending")
	dead, err := f.store.Get(ctx, "", queuestore.StateDeadLetter, id)
	require.NoError(t, err)
	assert.Equal(t, maxRetries+1, dead.RetryCount)
	assert.NotEmpty(t, dead.Error)
}

func TestBroker_ZeroRetriesDeadLettersAfterOneCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, broker.Config{})
	sender := f.messenger(t, "agent-a")

	zero := 0
	id, err := sender.Send(ctx, messenger.SendInput{
		To: "never-registered", Kind: envelope.KindCommand, Subject: "fire and forget",
		MaxRetries: &zero,
	})
	require.NoError(t, err)

	f.broker.RunCycle(ctx)

	_, err = f.store.Get(ctx, "", queuestore.StateDeadLetter, id)
	assert.NoError(t, err, "with max_retries=0 the first failed attempt dead-letters directly")
}

func TestBroker_BackoffSkipsEvaluationWithinDelayWindow(t *testing.T) {
	ctx := context.Background()
	// Default backoff cap: the second immediate cycle falls inside the
	// post-attempt delay window.
	f := newFixture(t, broker.Config{})
	sender := f.messenger(t, "agent-a")

	id, err := sender.Send(ctx, messenger.SendInput{
		To: "offline-agent", Kind: envelope.KindRequest, Subject: "backoff check",
	})
	require.NoError(t, err)

	f.broker.RunCycle(ctx)
	f.broker.RunCycle(ctx)

	pending, err := f.store.Get(ctx, "", queuestore.StatePending, id)
	require.NoError(t, err)
	assert.Equal(t, 1, pending.RetryCount, "a message inside its backoff window is not re-attempted")
}

func TestBroker_StaleHeartbeatRecipientGetsRetriedNotDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, broker.Config{})
	sender := f.messenger(t, "agent-a")

	// Register, then let the heartbeat lapse past the timeout.
	require.NoError(t, f.registry.Register(ctx, "lapsed", nil, registry.RoleProcessor, registry.RegisterOptions{}))
	info, err := f.registry.Get(ctx, "lapsed")
	require.NoError(t, err)

	online, err := f.registry.IsOnline(ctx, "lapsed")
	require.NoError(t, err)
	require.True(t, online, "fresh registration is online")

	// Age the heartbeat by rewriting the entry through a stale timestamp.
	info.LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	seedStaleAgent(t, f, info)

	online, err = f.registry.IsOnline(ctx, "lapsed")
	require.NoError(t, err)
	require.False(t, online)

	id, err := sender.Send(ctx, messenger.SendInput{
		To: "lapsed", Kind: envelope.KindRequest, Subject: "hello?",
	})
	require.NoError(t, err)

	f.broker.RunCycle(ctx)

	inbox, err := f.store.List(ctx, "lapsed", queuestore.StateInbox)
	require.NoError(t, err)
	assert.Empty(t, inbox, "no delivery to an agent with a lapsed heartbeat")
	pending, err := f.store.Get(ctx, "", queuestore.StatePending, id)
	require.NoError(t, err)
	assert.Equal(t, 1, pending.RetryCount)
}

func TestBroker_ExpiredPendingMovesToFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, broker.Config{})
	sender := f.messenger(t, "agent-a")
	f.registerOnline(t, "agent-b")

	id, err := sender.Send(ctx, messenger.SendInput{
		To: "agent-b", Kind: envelope.KindNotification, Subject: "too late", TTL: time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Move(ctx, "", id, queuestore.StateOutbox, queuestore.StatePending))
	time.Sleep(5 * time.Millisecond)

	expired := f.broker.CheckExpiration(ctx)
	assert.Equal(t, 1, expired)

	failed, err := f.store.Get(ctx, "", queuestore.StateFailed, id)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusExpired, failed.Status)

	inbox, err := f.store.List(ctx, "agent-b", queuestore.StateInbox)
	require.NoError(t, err)
	assert.Empty(t, inbox, "expired messages are never delivered")
}

func TestBroker_ExpiredProcessingMovesToFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, broker.Config{})

	created := time.Now().UTC().Add(-time.Hour)
	stuck := &envelope.Message{
		ID: envelope.NewID(), CreatedAt: created, ExpiresAt: created.Add(time.Minute),
		Priority: envelope.PriorityNormal, Sender: "agent-a", Recipient: "agent-b",
		Kind: envelope.KindRequest, Subject: "stuck in processing",
	}
	require.NoError(t, f.store.Put(ctx, "", queuestore.StateProcessing, stuck))

	expired := f.broker.CheckExpiration(ctx)
	assert.Equal(t, 1, expired)

	failed, err := f.store.Get(ctx, "", queuestore.StateFailed, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusExpired, failed.Status)
}

func TestBroker_BroadcastFansOutToAllOnlineExceptSender(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, broker.Config{})
	sender := f.messenger(t, "announcer")
	f.registerOnline(t, "announcer")
	f.registerOnline(t, "agent-1")
	f.registerOnline(t, "agent-2")
	f.registerOnline(t, "agent-3")

	id, err := sender.Send(ctx, messenger.SendInput{
		Kind: envelope.KindBroadcast, Subject: "maintenance window",
		Payload: map[string]string{"at": "02:00"},
	})
	require.NoError(t, err)

	stats := f.broker.RunCycle(ctx)
	assert.Equal(t, 1, stats.Broadcasts)
	assert.Equal(t, 3, stats.Delivered)

	senderInbox, err := f.store.List(ctx, "announcer", queuestore.StateInbox)
	require.NoError(t, err)
	assert.Empty(t, senderInbox, "broadcasts never return to the sender")

	for _, agentID := range []string{"agent-1", "agent-2", "agent-3"} {
		inbox, err := f.store.List(ctx, agentID, queuestore.StateInbox)
		require.NoError(t, err)
		require.Len(t, inbox, 1, "agent %s should get exactly one copy", agentID)
		notifCopy := inbox[0]
		assert.Equal(t, envelope.KindNotification, notifCopy.Kind)
		assert.Equal(t, id, notifCopy.CorrelationID)
		assert.NotEqual(t, id, notifCopy.ID)
		assert.True(t, f.signer.Verify(notifCopy), "fan-out copies carry fresh, valid signatures")
	}

	// The original ends in completed, and nowhere else.
	_, err = f.store.Get(ctx, "", queuestore.StateCompleted, id)
	assert.NoError(t, err)
	_, err = f.store.Get(ctx, "", queuestore.StatePending, id)
	assert.ErrorIs(t, err, queuestore.ErrNotFound)
}

func TestBroker_CleanupOldMessagesArchivesThenDeletes(t *testing.T) {
	ctx := context.Background()
	store := queuestore.NewInMemoryStore()
	reg, err := registry.New(registry.Config{}, registry.NewInMemoryBackend(), zerolog.Nop())
	require.NoError(t, err)
	signer, err := envelope.NewSigner([]byte(testSecret))
	require.NoError(t, err)
	sink := &capturingArchiver{}
	b, err := broker.New(broker.Config{}, store, reg, signer, sink, zerolog.Nop())
	require.NoError(t, err)

	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	ancient := &envelope.Message{
		ID: envelope.NewID(), CreatedAt: old, ExpiresAt: old.Add(time.Hour),
		Priority: envelope.PriorityNormal, Sender: "a", Recipient: "b",
		Kind: envelope.KindRequest, Subject: "ancient",
	}
	fresh := &envelope.Message{
		ID: envelope.NewID(), CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour),
		Priority: envelope.PriorityNormal, Sender: "a", Recipient: "b",
		Kind: envelope.KindRequest, Subject: "fresh",
	}
	require.NoError(t, store.Put(ctx, "", queuestore.StateDeadLetter, ancient))
	require.NoError(t, store.Put(ctx, "", queuestore.StateCompleted, fresh))

	removed := b.CleanupOldMessages(ctx, 7*24*time.Hour)
	assert.Equal(t, 1, removed)

	require.Len(t, sink.batches, 1)
	assert.Equal(t, "dead_letter", sink.batches[0].reason)
	require.Len(t, sink.batches[0].messages, 1)
	assert.Equal(t, ancient.ID, sink.batches[0].messages[0].ID)

	_, err = store.Get(ctx, "", queuestore.StateDeadLetter, ancient.ID)
	assert.ErrorIs(t, err, queuestore.ErrNotFound)
	_, err = store.Get(ctx, "", queuestore.StateCompleted, fresh.ID)
	assert.NoError(t, err)
}

func TestBroker_RunRegistersItselfAndUnregistersOnShutdown(t *testing.T) {
	f := newFixture(t, broker.Config{BrokerID: "test-broker", PollInterval: 10 * time.Millisecond})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.broker.Run(runCtx) }()

	require.Eventually(t, func() bool {
		online, err := f.registry.IsOnline(context.Background(), "test-broker")
		return err == nil && online
	}, time.Second, 5*time.Millisecond, "broker must register itself")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not stop after cancellation")
	}

	_, err := f.registry.Get(context.Background(), "test-broker")
	assert.ErrorIs(t, err, registry.ErrAgentNotFound, "broker must unregister on graceful shutdown")
}

func TestBroker_Status(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, broker.Config{})
	sender := f.messenger(t, "agent-a")
	f.registerOnline(t, "agent-b")

	_, err := sender.Send(ctx, messenger.SendInput{
		To: "agent-b", Kind: envelope.KindRequest, Subject: "for the count",
	})
	require.NoError(t, err)

	report, err := f.broker.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Queues["outbox"])
	assert.Equal(t, 0, report.Queues["pending"])
	assert.Equal(t, 1, report.TotalAgents)
	assert.Equal(t, 1, report.OnlineAgents)

	f.broker.RunCycle(ctx)

	report, err = f.broker.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Queues["outbox"])
	assert.Equal(t, 1, report.Queues["inbox"])
	assert.Equal(t, 1, report.Queues["completed"])
}

// capturingArchiver records batches instead of uploading them.
type capturingArchiver struct {
	mu      sync.Mutex
	batches []capturedBatch
}

type capturedBatch struct {
	reason   string
	messages []*envelope.Message
}

func (c *capturingArchiver) Archive(_ context.Context, reason string, batch []*envelope.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, capturedBatch{reason: reason, messages: batch})
	return nil
}
