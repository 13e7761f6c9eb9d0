// ABOUTME: End-to-end pipeline tests on a real SQLite store with fake oracle transport and channel
// ABOUTME: Covers duplicate delivery, fan-out, action execution, oracle degradation, retries and outbound sends

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/actions"
	"github.com/2389/coven-inbox/internal/channel"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/crm"
	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/oracle"
	"github.com/2389/coven-inbox/internal/store"
	"github.com/2389/coven-inbox/internal/webhook"
)

const phone = "5511999999999"

// cannedTransport answers every oracle call with the same body.
type cannedTransport struct {
	body  string
	calls atomic.Int32
}

func (c *cannedTransport) Complete(context.Context, *oracle.Request) ([]byte, error) {
	c.calls.Add(1)
	return []byte(c.body), nil
}

// fakeSender records sends and hands out sequential provider ids.
type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
	noIDs bool
}

func (f *fakeSender) Send(_ context.Context, to, body string) (channel.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return channel.SendResult{}, f.err
	}
	f.sent = append(f.sent, body)
	if f.noIDs {
		return channel.SendResult{}, nil
	}
	return channel.SendResult{ExternalID: fmt.Sprintf("wamid.OUT%d", len(f.sent))}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// recordingNotifier wraps the real notifier and keeps what it published.
type recordingNotifier struct {
	inner    *conversation.Notifier
	mu       sync.Mutex
	messages []*store.Message
	statuses []string
}

func (r *recordingNotifier) Notify(msg *store.Message) bool {
	ok := r.inner.Notify(msg)
	if ok {
		r.mu.Lock()
		r.messages = append(r.messages, msg)
		r.mu.Unlock()
	}
	return ok
}

func (r *recordingNotifier) NotifyStatus(conversationID, key, status string) {
	r.inner.NotifyStatus(conversationID, key, status)
	r.mu.Lock()
	r.statuses = append(r.statuses, key+"="+status)
	r.mu.Unlock()
}

func (r *recordingNotifier) published(sender store.SenderKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Sender == sender {
			n++
		}
	}
	return n
}

// flakyStore fails AppendMessage for chosen conversations.
type flakyStore struct {
	*store.SQLiteStore
	mu       sync.Mutex
	failures map[string]int // conversation id -> remaining failures; <0 means always
}

func (f *flakyStore) AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	f.mu.Lock()
	remaining, ok := f.failures[msg.ConversationID]
	if ok && remaining != 0 {
		if remaining > 0 {
			f.failures[msg.ConversationID] = remaining - 1
		}
		f.mu.Unlock()
		return nil, false, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.SQLiteStore.AppendMessage(ctx, msg)
}

type harness struct {
	store     *store.SQLiteStore
	pipeline  *Pipeline
	notifier  *recordingNotifier
	sender    *fakeSender
	transport *cannedTransport
}

type harnessOpts struct {
	oracleBody string
	aiEnabled  bool
	floor      float64
	owner      string // executor default actor
	wrap       func(*store.SQLiteStore) Store
	cfg        func(*Config)
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var ps Store = s
	if opts.wrap != nil {
		ps = opts.wrap(s)
	}

	published := dedupe.New(dedupe.Options{TTL: time.Minute})
	t.Cleanup(published.Close)
	notifier := &recordingNotifier{inner: conversation.NewNotifier(conversation.NewEventBroadcaster(nil), published, nil)}

	transport := &cannedTransport{body: opts.oracleBody}
	sender := &fakeSender{}

	cfg := Config{
		AIEnabled:          opts.aiEnabled,
		FallbackReply:      "Thanks, we'll get back to you soon.",
		Workers:            2,
		QueueSize:          4,
		StoreRetryAttempts: 3,
		StoreRetryBackoff:  time.Millisecond,
		AsyncRetryAttempts: 0,
		Scope: conversation.Scope{
			DefaultTenantID:    "t1",
			DefaultOwnerUserID: "owner-1",
			DefaultAIEnabled:   true,
		},
	}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}

	p := New(cfg, Deps{
		Store:    ps,
		Resolver: conversation.NewResolver(s, nil),
		Oracle:   oracle.NewAdapter(transport, oracle.Options{ConfidenceFloor: opts.floor}, nil),
		Executor: actions.NewExecutor(crm.NewService(s, nil, nil), s, nil).WithDefaultActor(opts.owner),
		Notifier: notifier,
		Sender:   sender,
	})
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	return &harness{store: s, pipeline: p, notifier: notifier, sender: sender, transport: transport}
}

// drain waits for queued AI work.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.pipeline.Close(ctx))
}

func (h *harness) conversation(t *testing.T, tenantID, owner string, aiEnabled bool) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{
		TenantID:     tenantID,
		OwnerUserID:  owner,
		ContactPhone: phone,
		ContactName:  "Ana",
		AIEnabled:    aiEnabled,
	}
	require.NoError(t, h.store.CreateConversation(context.Background(), conv))
	return conv
}

func event(id, body string) webhook.InboundEvent {
	return webhook.InboundEvent{
		ExternalMessageID: id,
		FromContact:       "+55 11 99999-9999",
		ContactName:       "Ana",
		Timestamp:         time.Unix(1760000000, 0).UTC(),
		Type:              "text",
		Body:              body,
	}
}

func (h *harness) messages(t *testing.T, convID string) []*store.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), convID, 0)
	require.NoError(t, err)
	return msgs
}

func TestDuplicateDelivery(t *testing.T) {
	h := newHarness(t, harnessOpts{oracleBody: `{"reply_text": "Hi Ana!"}`, aiEnabled: true})
	conv := h.conversation(t, "t1", "owner-1", true)
	ctx := context.Background()

	require.NoError(t, h.pipeline.HandleInbound(ctx, event("W1", "Hello")))
	require.NoError(t, h.pipeline.HandleInbound(ctx, event("W1", "Hello")))
	h.drain(t)

	inbound := 0
	for _, m := range h.messages(t, conv.ID) {
		if m.Sender == store.SenderContact {
			inbound++
		}
	}
	assert.Equal(t, 1, inbound, "exactly one stored row")
	assert.Equal(t, 1, h.notifier.published(store.SenderContact), "exactly one notification")
	assert.Equal(t, int32(1), h.transport.calls.Load(), "duplicates never reach the oracle")
}

func TestFanOutAcrossTenants(t *testing.T) {
	h := newHarness(t, harnessOpts{aiEnabled: false})
	c1 := h.conversation(t, "tenant-a", "user-a", false)
	c2 := h.conversation(t, "tenant-b", "user-b", false)

	require.NoError(t, h.pipeline.HandleInbound(context.Background(), event("W2", "Is anyone there?")))
	h.drain(t)

	for _, c := range []*store.Conversation{c1, c2} {
		msgs := h.messages(t, c.ID)
		require.Len(t, msgs, 1)
		assert.Equal(t, "W2", msgs[0].IdempotencyKey)
		assert.Equal(t, "Is anyone there?", msgs[0].Body)
	}
	assert.Equal(t, 2, h.notifier.published(store.SenderContact))
	assert.Equal(t, int32(0), h.transport.calls.Load())
}

func TestFirstContactCreatesConversation(t *testing.T) {
	h := newHarness(t, harnessOpts{aiEnabled: false})

	require.NoError(t, h.pipeline.HandleInbound(context.Background(), event("W3", "Hi")))

	convs, err := h.store.FindConversationsByPhone(context.Background(), phone, "")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "t1", convs[0].TenantID)
	assert.Equal(t, "owner-1", convs[0].OwnerUserID)
	assert.Equal(t, 1, convs[0].UnreadCount)
}

func TestOracleActionCreatesTask(t *testing.T) {
	h := newHarness(t, harnessOpts{
		aiEnabled:  true,
		floor:      0.5,
		oracleBody: `{"reply_text": "I'll have someone **follow up** today.", "actions": [{"type": "create_task", "data": {"title": "Follow up", "priority": "urgent"}, "confidence": 0.9}], "metadata": {"intent": "follow_up"}}`,
	})
	conv := h.conversation(t, "t1", "owner-1", true)

	require.NoError(t, h.pipeline.HandleInbound(context.Background(), event("W4", "Please call me back")))
	h.drain(t)

	tasks, err := h.store.ListTasksByConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Follow up", tasks[0].Title)
	assert.Equal(t, "urgent", tasks[0].Priority)
	assert.Equal(t, "owner-1", tasks[0].AssigneeID)
	assert.Equal(t, crm.TaskTodo, tasks[0].Status)

	msgs := h.messages(t, conv.ID)
	require.Len(t, msgs, 3, "inbound, action audit, reply")
	assert.Equal(t, store.MessageTypeAction, msgs[1].Type)

	reply := msgs[2]
	assert.Equal(t, store.SenderAI, reply.Sender)
	assert.True(t, reply.AIGenerated)
	assert.Equal(t, "I'll have someone *follow up* today.", reply.Body)
	assert.Equal(t, "wamid.OUT1", reply.IdempotencyKey)
	assert.Equal(t, store.StatusSent, reply.Status)
	assert.Equal(t, "follow_up", reply.Metadata["intent"])
	assert.NotNil(t, reply.Metadata["actions_executed"])

	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, 2, h.notifier.published(store.SenderAI), "audit and reply are published")
}

func TestOwnerlessFirstContactAssignsDefaultActor(t *testing.T) {
	h := newHarness(t, harnessOpts{
		aiEnabled:  true,
		owner:      "sales-desk",
		oracleBody: `{"reply_text": "Sure!", "actions": [{"type": "create_task", "data": {"title": "Follow up"}, "confidence": 0.9}]}`,
		cfg: func(c *Config) {
			c.Scope.DefaultOwnerUserID = ""
		},
	})
	ctx := context.Background()

	require.NoError(t, h.pipeline.HandleInbound(ctx, event("W4B", "Please call me back")))
	h.drain(t)

	convs, err := h.store.FindConversationsByPhone(ctx, phone, "")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Empty(t, convs[0].OwnerUserID)

	tasks, err := h.store.ListTasksByConversation(ctx, convs[0].ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "sales-desk", tasks[0].AssigneeID)
}

func TestUnstorableTimestampLeavesConversationReadable(t *testing.T) {
	h := newHarness(t, harnessOpts{aiEnabled: false})
	ctx := context.Background()

	bad := event("W4C", "from the future")
	bad.Timestamp = time.Unix(1000000000000, 0).UTC()
	err := h.pipeline.HandleInbound(ctx, bad)
	require.ErrorIs(t, err, store.ErrInvalidTimestamp)

	require.NoError(t, h.pipeline.HandleInbound(ctx, event("W4D", "hello again")))

	convs, err := h.store.FindConversationsByPhone(ctx, phone, "")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs := h.messages(t, convs[0].ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello again", msgs[0].Body)
}

func TestOracleInvalidJSON(t *testing.T) {
	h := newHarness(t, harnessOpts{aiEnabled: true, oracleBody: `{"reply_text": 12, "actions": [`})
	conv := h.conversation(t, "t1", "owner-1", true)

	require.NoError(t, h.pipeline.HandleInbound(context.Background(), event("W5", "Hello?")))
	h.drain(t)

	tasks, err := h.store.ListTasksByConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	recs, err := h.store.ListActionRecords(context.Background(), store.ActionRecordFilter{ConversationID: conv.ID})
	require.NoError(t, err)
	assert.Empty(t, recs, "no actions executed")

	msgs := h.messages(t, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Thanks, we'll get back to you soon.", msgs[1].Body)
	assert.Equal(t, true, msgs[1].Metadata["degraded"])
}

func TestOracleInvalidJSON_EmptyFallback(t *testing.T) {
	h := newHarness(t, harnessOpts{
		aiEnabled:  true,
		oracleBody: `not json at all {`,
		cfg:        func(c *Config) { c.FallbackReply = "" },
	})
	conv := h.conversation(t, "t1", "owner-1", true)

	require.NoError(t, h.pipeline.HandleInbound(context.Background(), event("W6", "Hello?")))
	h.drain(t)

	msgs := h.messages(t, conv.ID)
	require.Len(t, msgs, 2, "an empty fallback reply is still stored")
	assert.Empty(t, msgs[1].Body)
	assert.Equal(t, "reply:"+msgs[0].ID, msgs[1].IdempotencyKey)
	assert.Equal(t, 0, h.sender.count(), "empty replies are not sent")
}

func TestLowConfidenceActionSuppressed(t *testing.T) {
	h := newHarness(t, harnessOpts{
		aiEnabled:  true,
		floor:      0.5,
		oracleBody: `{"reply_text": "ok", "actions": [{"type": "create_task", "data": {"title": "Spurious"}, "confidence": 0.1}]}`,
	})
	conv := h.conversation(t, "t1", "owner-1", true)

	require.NoError(t, h.pipeline.HandleInbound(context.Background(), event("W7", "thanks")))
	h.drain(t)

	tasks, err := h.store.ListTasksByConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	recs, err := h.store.ListActionRecords(context.Background(), store.ActionRecordFilter{ConversationID: conv.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.OutcomeSuppressed, recs[0].Outcome)

	msgs := h.messages(t, conv.ID)
	assert.NotNil(t, msgs[len(msgs)-1].Metadata["actions_suppressed"])
}

func TestAIGates(t *testing.T) {
	body := `{"reply_text": "hi"}`

	t.Run("global flag off", func(t *testing.T) {
		h := newHarness(t, harnessOpts{aiEnabled: false, oracleBody: body})
		h.conversation(t, "t1", "owner-1", true)
		require.NoError(t, h.pipeline.HandleInbound(context.Background(), event("G1", "hi")))
		h.drain(t)
		assert.Equal(t, int32(0), h.transport.calls.Load())
	})

	t.Run("conversation flag off", func(t *testing.T) {
		h := newHarness(t, harnessOpts{aiEnabled: true, oracleBody: body})
		h.conversation(t, "t1", "owner-1", false)
		require.NoError(t, h.pipeline.HandleInbound(context.Background(), event("G2", "hi")))
		h.drain(t)
		assert.Equal(t, int32(0), h.transport.calls.Load())
	})

	t.Run("each enabled conversation gets a reply", func(t *testing.T) {
		h := newHarness(t, harnessOpts{aiEnabled: true, oracleBody: body})
		h.conversation(t, "t1", "owner-1", true)
		h.conversation(t, "t2", "owner-2", true)
		h.conversation(t, "t3", "owner-3", false)
		require.NoError(t, h.pipeline.HandleInbound(context.Background(), event("G3", "hi")))
		h.drain(t)
		assert.Equal(t, int32(2), h.transport.calls.Load())
	})
}

func TestPartialFailureIsolated(t *testing.T) {
	var flaky *flakyStore
	h := newHarness(t, harnessOpts{
		aiEnabled: false,
		wrap: func(s *store.SQLiteStore) Store {
			flaky = &flakyStore{SQLiteStore: s, failures: map[string]int{}}
			return flaky
		},
	})
	c1 := h.conversation(t, "tenant-a", "user-a", false)
	c2 := h.conversation(t, "tenant-b", "user-b", false)
	flaky.failures[c1.ID] = -1

	err := h.pipeline.HandleInbound(context.Background(), event("W8", "hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), c1.ID)
	assert.NotContains(t, err.Error(), c2.ID)

	assert.Empty(t, h.messages(t, c1.ID))
	assert.Len(t, h.messages(t, c2.ID), 1, "sibling conversation still stored")
}

func TestTransientFailureRetriedInline(t *testing.T) {
	var flaky *flakyStore
	h := newHarness(t, harnessOpts{
		wrap: func(s *store.SQLiteStore) Store {
			flaky = &flakyStore{SQLiteStore: s, failures: map[string]int{}}
			return flaky
		},
	})
	c1 := h.conversation(t, "t1", "owner-1", false)
	flaky.failures[c1.ID] = 2

	require.NoError(t, h.pipeline.HandleInbound(context.Background(), event("W9", "hello")))
	assert.Len(t, h.messages(t, c1.ID), 1)
}

func TestTransientFailureRetriedInBackground(t *testing.T) {
	var flaky *flakyStore
	h := newHarness(t, harnessOpts{
		wrap: func(s *store.SQLiteStore) Store {
			flaky = &flakyStore{SQLiteStore: s, failures: map[string]int{}}
			return flaky
		},
		cfg: func(c *Config) {
			c.StoreRetryAttempts = 1
			c.AsyncRetryAttempts = 3
			c.AsyncRetryDelay = 5 * time.Millisecond
		},
	})
	c1 := h.conversation(t, "t1", "owner-1", false)
	flaky.failures[c1.ID] = 1

	require.Error(t, h.pipeline.HandleInbound(context.Background(), event("W10", "hello")))

	assert.Eventually(t, func() bool {
		msgs, err := h.store.ListMessages(context.Background(), c1.ID, 0)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeletedConversationFailsSafe(t *testing.T) {
	var flaky *flakyStore
	h := newHarness(t, harnessOpts{
		wrap: func(s *store.SQLiteStore) Store {
			flaky = &flakyStore{SQLiteStore: s, failures: map[string]int{}}
			return flaky
		},
	})
	conv := h.conversation(t, "t1", "owner-1", false)
	require.NoError(t, h.store.DeleteConversation(context.Background(), conv.ID))

	msg := inboundMessage(conv, "W11", event("W11", "late"))
	err := h.pipeline.deliver(context.Background(), conv, msg)
	require.ErrorIs(t, err, store.ErrConversationNotFound)

	_, err = h.store.GetConversation(context.Background(), conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "never resurrected")
}

func TestApplyStatus(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	conv := h.conversation(t, "t1", "owner-1", false)
	ctx := context.Background()

	msg, err := h.pipeline.SendOutbound(ctx, "t1", "owner-1", conv.ID, "Your order shipped")
	require.NoError(t, err)
	assert.Equal(t, "wamid.OUT1", msg.IdempotencyKey)

	require.NoError(t, h.pipeline.ApplyStatus(ctx, webhook.StatusUpdate{ExternalMessageID: "wamid.OUT1", Status: "delivered"}))
	require.NoError(t, h.pipeline.ApplyStatus(ctx, webhook.StatusUpdate{ExternalMessageID: "wamid.UNKNOWN", Status: "read"}))

	stored, err := h.store.GetMessageByKey(ctx, conv.ID, "wamid.OUT1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, stored.Status)
	assert.Equal(t, []string{"wamid.OUT1=delivered"}, h.notifier.statuses)
}

func TestSendOutbound(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	conv := h.conversation(t, "t1", "owner-1", false)
	ctx := context.Background()

	t.Run("other tenant", func(t *testing.T) {
		_, err := h.pipeline.SendOutbound(ctx, "t2", "u9", conv.ID, "hi")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := h.pipeline.SendOutbound(ctx, "t1", "owner-1", conv.ID, "  ")
		assert.Error(t, err)
	})

	t.Run("no provider id", func(t *testing.T) {
		h.sender.noIDs = true
		defer func() { h.sender.noIDs = false }()
		msg, err := h.pipeline.SendOutbound(ctx, "t1", "owner-1", conv.ID, "hi")
		require.NoError(t, err)
		assert.Contains(t, msg.IdempotencyKey, "local:")
	})

	t.Run("send failure stored", func(t *testing.T) {
		h.sender.err = errors.New("rate limited")
		defer func() { h.sender.err = nil }()
		msg, err := h.pipeline.SendOutbound(ctx, "t1", "owner-1", conv.ID, "hello again")
		require.Error(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, store.StatusFailed, msg.Status)
	})
}

func TestStartConversation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	msg, err := h.pipeline.StartConversation(ctx, "t1", "owner-1", "+1 (555) 010-2000", "Bob", "Hi Bob")
	require.NoError(t, err)

	conv, err := h.store.GetConversation(ctx, msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "15550102000", conv.ContactPhone)
	assert.Equal(t, "owner-1", conv.OwnerUserID)
	assert.Equal(t, 0, conv.UnreadCount, "outbound messages do not count as unread")
}

func TestQueueOverflowRunsOutsidePool(t *testing.T) {
	h := newHarness(t, harnessOpts{
		aiEnabled:  true,
		oracleBody: `{"reply_text": "hi"}`,
		cfg: func(c *Config) {
			c.Workers = 1
			c.QueueSize = 1
		},
	})
	h.conversation(t, "t1", "owner-1", true)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.pipeline.HandleInbound(context.Background(), event(fmt.Sprintf("Q%d", i), "hi")))
	}
	h.drain(t)
	assert.Equal(t, int32(5), h.transport.calls.Load())
}

func TestClosedPipelineRejects(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.drain(t)
	assert.ErrorIs(t, h.pipeline.HandleInbound(context.Background(), event("X", "late")), ErrClosed)
}
