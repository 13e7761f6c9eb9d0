// ABOUTME: Tests for gateway wiring, health endpoints, webhook intake and the AI reply path
// ABOUTME: Runs the full HTTP handler over httptest with a real SQLite store and fake channel/oracle

package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/channel"
	"github.com/2389/coven-inbox/internal/config"
	"github.com/2389/coven-inbox/internal/oracle"
	"github.com/2389/coven-inbox/internal/store"
)

const testSecret = "gateway-test-secret-0123456789ab"

// fakeSender records outbound sends and answers with sequential provider ids.
type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
	count int
}

func (f *fakeSender) Send(_ context.Context, to, body string) (channel.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+": "+body)
	if f.err != nil {
		return channel.SendResult{}, f.err
	}
	f.count++
	return channel.SendResult{ExternalID: fmt.Sprintf("wamid.GW%d", f.count)}, nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type staticTransport struct {
	body string
}

func (s staticTransport) Complete(context.Context, *oracle.Request) ([]byte, error) {
	return []byte(s.body), nil
}

type testEnv struct {
	gw     *Gateway
	server *httptest.Server
	sender *fakeSender
}

func testConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Database.Path = filepath.Join(t.TempDir(), "inbox.db")
	cfg.Webhook.VerifyToken = "verify-me"
	cfg.Pipeline.DefaultTenantID = "tenant-a"
	cfg.Pipeline.DefaultOwnerUserID = "owner-1"
	cfg.Pipeline.StoreRetryBackoff = time.Millisecond
	cfg.Auth.JWTSecret = testSecret
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*config.Config), opts ...Option) *testEnv {
	t.Helper()
	sender := &fakeSender{}
	opts = append([]Option{WithSender(sender)}, opts...)

	gw, err := New(context.Background(), testConfig(t, mutate), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, gw.Shutdown(ctx))
	})

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{gw: gw, server: srv, sender: sender}
}

func (e *testEnv) token(t *testing.T, userID, tenantID string) string {
	t.Helper()
	tok, err := e.gw.Verifier().Issue(userID, tenantID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func inboundPayload(id, from, name, text string) string {
	return fmt.Sprintf(`{
  "object": "whatsapp_business_account",
  "entry": [{"id": "WABA1", "changes": [{"field": "messages", "value": {
    "messaging_product": "whatsapp",
    "contacts": [{"profile": {"name": %q}, "wa_id": %q}],
    "messages": [{"from": %q, "id": %q, "timestamp": "1760000000", "type": "text", "text": {"body": %q}}]
  }}]}]
}`, name, from, from, id, text)
}

func (e *testEnv) deliver(t *testing.T, payload string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, e.gw.config.Webhook.Path, "", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", readBody(t, resp))

	resp = env.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", readBody(t, resp))
}

func TestReady_StoreClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.gw.store.Close())

	resp := env.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deliver(t, inboundPayload("wamid.M1", "5511999999999", "Ana", "hello"))

	resp := env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "coven_inbox_webhook_requests_total")
	assert.Contains(t, body, "coven_inbox_messages_stored_total")
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Metrics.Enabled = false })

	resp := env.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookHandshake(t *testing.T) {
	env := newTestEnv(t, nil)
	path := env.gw.config.Webhook.Path

	resp := env.do(t, http.MethodGet, path+"?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=abc123", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc123", readBody(t, resp))

	resp = env.do(t, http.MethodGet, path+"?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=abc123", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebhook_CreatesConversationAndDeduplicates(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := inboundPayload("wamid.A1", "+55 11 99999-9999", "Ana", "Hi, I need a quote")

	env.deliver(t, payload)
	env.deliver(t, payload) // provider retry

	ctx := context.Background()
	convs, err := env.gw.store.ListConversations(ctx, store.ConversationFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "5511999999999", convs[0].ContactPhone)
	assert.Equal(t, "owner-1", convs[0].OwnerUserID)
	assert.True(t, convs[0].AutoCreated)

	msgs, err := env.gw.store.ListMessages(ctx, convs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi, I need a quote", msgs[0].Body)
	assert.Empty(t, env.sender.Sent(), "AI is disabled, nothing is sent")
}

func TestWebhook_SignatureRequired(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Webhook.AppSecret = "app-secret" })

	resp := env.do(t, http.MethodPost, env.gw.config.Webhook.Path, "", inboundPayload("wamid.S1", "5511999999999", "Ana", "hi"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	convs, err := env.gw.store.ListConversations(context.Background(), store.ConversationFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestWebhook_AIReply(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.AI.Enabled = true
		c.AI.Endpoint = "http://oracle.invalid"
		c.Pipeline.DefaultAIEnabled = true
	}, WithOracleTransport(staticTransport{
		body: `{"reply_text": "Hi Ana! A quote is on its way.", "actions": [{"type": "create_lead", "data": {"company": "Ana Bakery"}, "confidence": 0.95}]}`,
	}))

	env.deliver(t, inboundPayload("wamid.AI1", "5511999999999", "Ana", "Hi, I need a quote"))

	require.Eventually(t, func() bool {
		return len(env.sender.Sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "5511999999999: Hi Ana! A quote is on its way.", env.sender.Sent()[0])

	ctx := context.Background()
	convs, err := env.gw.store.ListConversations(ctx, store.ConversationFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, convs, 1)

	require.Eventually(t, func() bool {
		msgs, err := env.gw.store.ListMessages(ctx, convs[0].ID, 0)
		return err == nil && len(msgs) == 3
	}, 5*time.Second, 10*time.Millisecond, "inbound, action audit and reply")

	msgs, err := env.gw.store.ListMessages(ctx, convs[0].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, store.SenderContact, msgs[0].Sender)
	assert.Equal(t, store.MessageTypeAction, msgs[1].Type)
	assert.Equal(t, store.SenderAI, msgs[2].Sender)
	assert.Equal(t, "wamid.GW1", msgs[2].IdempotencyKey)
	assert.Equal(t, store.StatusSent, msgs[2].Status)
}

func TestWebhook_StatusUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deliver(t, inboundPayload("wamid.ST1", "5511999999999", "Ana", "hello"))

	ctx := context.Background()
	convs, err := env.gw.store.ListConversations(ctx, store.ConversationFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, convs, 1)

	resp := env.do(t, http.MethodPost, "/api/conversations/"+convs[0].ID+"/messages",
		env.token(t, "owner-1", "tenant-a"), `{"body": "Thanks for reaching out"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	env.deliver(t, `{"object": "whatsapp_business_account", "entry": [{"id": "WABA1", "changes": [{"field": "messages", "value": {
		"statuses": [{"id": "wamid.GW1", "status": "read", "timestamp": "1760000100", "recipient_id": "5511999999999"}]
	}}]}]}`)

	msgs, err := env.gw.store.ListMessages(ctx, convs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.StatusRead, msgs[1].Status)
}

func TestShutdown_WithoutRun(t *testing.T) {
	cfg := testConfig(t, nil)
	gw, err := New(context.Background(), cfg, nil, WithSender(&fakeSender{}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.Server.HTTPAddr = "127.0.0.1:0"
		c.Server.GRPCAddr = "127.0.0.1:0"
	})
	gw, err := New(context.Background(), cfg, nil, WithSender(&fakeSender{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_RejectsWeakSecret(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Auth.JWTSecret = "short"

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "JWT verifier")
}
