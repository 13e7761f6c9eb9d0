// ABOUTME: Tests for the oracle Adapter and HTTP transport
// ABOUTME: Covers degradation, confidence gating, timeouts, rate limiting and HTTP request shape

package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport returns a canned body or error.
type fakeTransport struct {
	body  string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeTransport) Complete(ctx context.Context, _ *Request) ([]byte, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.body), nil
}

func TestAdapter_ValidResponse(t *testing.T) {
	ft := &fakeTransport{body: `{"reply_text": "On it", "actions": [{"type": "create_task", "data": {"title": "X"}, "confidence": 0.8}]}`}
	a := NewAdapter(ft, Options{ConfidenceFloor: 0.5}, nil)

	resp := a.Generate(context.Background(), &Request{})
	assert.False(t, resp.Degraded)
	assert.NoError(t, resp.Violation)
	assert.Equal(t, "On it", resp.ReplyText)
	require.Len(t, resp.Actions, 1)
	assert.Empty(t, resp.Suppressed)
}

func TestAdapter_ConfidenceFloor(t *testing.T) {
	ft := &fakeTransport{body: `{"reply_text": "ok", "actions": [
		{"type": "create_task", "data": {"title": "low"}, "confidence": 0.1},
		{"type": "create_task", "data": {"title": "exact"}, "confidence": 0.5},
		{"type": "create_lead", "data": {}, "confidence": 0.95}
	]}`}
	a := NewAdapter(ft, Options{ConfidenceFloor: 0.5}, nil)

	resp := a.Generate(context.Background(), &Request{})
	assert.False(t, resp.Degraded)
	assert.Equal(t, "ok", resp.ReplyText)
	require.Len(t, resp.Actions, 2)
	assert.Equal(t, "exact", resp.Actions[0].Data["title"])
	assert.Equal(t, "create_lead", resp.Actions[1].Type)
	require.Len(t, resp.Suppressed, 1)
	assert.Equal(t, "low", resp.Suppressed[0].Data["title"])
}

func TestAdapter_InvalidJSONDegrades(t *testing.T) {
	ft := &fakeTransport{body: `this is {not json`}
	a := NewAdapter(ft, Options{}, nil)

	resp := a.Generate(context.Background(), &Request{})
	assert.True(t, resp.Degraded)
	assert.ErrorIs(t, resp.Violation, ErrContractViolation)
	assert.Empty(t, resp.Actions)
}

func TestAdapter_TransportErrorDegrades(t *testing.T) {
	ft := &fakeTransport{err: errors.New("connection refused")}
	a := NewAdapter(ft, Options{}, nil)

	resp := a.Generate(context.Background(), &Request{})
	assert.True(t, resp.Degraded)
	assert.Empty(t, resp.ReplyText)
	assert.Empty(t, resp.Actions)
	assert.Contains(t, resp.Violation.Error(), "connection refused")
}

func TestAdapter_Timeout(t *testing.T) {
	ft := &fakeTransport{body: `{"reply_text": "late"}`, delay: time.Second}
	a := NewAdapter(ft, Options{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	resp := a.Generate(context.Background(), &Request{})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, resp.Degraded)
	assert.ErrorIs(t, resp.Violation, context.DeadlineExceeded)
}

func TestAdapter_RateLimitCancelled(t *testing.T) {
	ft := &fakeTransport{body: `{"reply_text": "ok"}`}
	a := NewAdapter(ft, Options{RateLimit: 0.001, RateBurst: 1}, nil)

	// The first call consumes the burst
	resp := a.Generate(context.Background(), &Request{})
	require.False(t, resp.Degraded)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp = a.Generate(ctx, &Request{})
	assert.True(t, resp.Degraded)
	assert.Equal(t, int32(1), ft.calls.Load(), "rate-limited call must not reach the transport")
}

func TestHTTPTransport(t *testing.T) {
	var got map[string]any
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply_text": "hello"}`))
	}))
	defer server.Close()

	tr := &HTTPTransport{Endpoint: server.URL, APIKey: "secret", Model: "m1"}
	body, err := tr.Complete(context.Background(), &Request{
		History:  []Turn{{Role: RoleContact, Text: "hi"}},
		Manifest: []Capability{{Type: "create_task", Required: []string{"title"}}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply_text": "hello"}`, string(body))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "m1", got["model"])
	assert.Len(t, got["conversation_history"], 1)
	assert.Len(t, got["capability_manifest"], 1)
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tr := &HTTPTransport{Endpoint: server.URL}
	_, err := tr.Complete(context.Background(), &Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRenderPrompt(t *testing.T) {
	prompt, err := renderPrompt(&Request{
		History:  []Turn{{Role: RoleContact, Text: "need a quote"}, {Role: RoleAssistant, Text: "sure"}},
		Manifest: []Capability{{Type: "create_task"}},
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "contact: need a quote")
	assert.Contains(t, prompt, "assistant: sure")
	assert.Contains(t, prompt, `"create_task"`)
}

func TestResponseSchema_ListsManifestFields(t *testing.T) {
	schema := responseSchema([]Capability{
		{Type: "create_task", Required: []string{"title"}, Optional: []string{"priority"}},
		{Type: "create_lead", Optional: []string{"email"}},
	})
	data := schema.Properties["actions"].Items.Properties["data"]
	assert.Contains(t, data.Properties, "title")
	assert.Contains(t, data.Properties, "priority")
	assert.Contains(t, data.Properties, "email")
	assert.Equal(t, []string{"create_task", "create_lead"}, schema.Properties["actions"].Items.Properties["type"].Enum)
}
