// ABOUTME: Tests for the WhatsApp sender and markdown formatting
// ABOUTME: Uses httptest for the Cloud API and table tests for formatting

package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhatsApp_Send(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"5511999999999","wa_id":"5511999999999"}],"messages":[{"id":"wamid.OUT1"}]}`))
	}))
	defer server.Close()

	sender, err := NewWhatsApp(Config{
		BaseURL:       server.URL,
		APIVersion:    "v20.0",
		PhoneNumberID: "12345",
		AccessToken:   "tok",
	}, server.Client(), nil)
	require.NoError(t, err)

	res, err := sender.Send(context.Background(), "5511999999999", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid.OUT1", res.ExternalID)
	assert.Equal(t, "/v20.0/12345/messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "whatsapp", gotBody.MessagingProduct)
	assert.Equal(t, "5511999999999", gotBody.To)
	assert.Equal(t, "text", gotBody.Type)
	assert.Equal(t, "Hello", gotBody.Text.Body)
}

func TestWhatsApp_SendRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Recipient not in allowed list","type":"OAuthException","code":131030}}`))
	}))
	defer server.Close()

	sender, err := NewWhatsApp(Config{BaseURL: server.URL, PhoneNumberID: "1", AccessToken: "tok"}, nil, nil)
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), "5511", "Hello")
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "131030")
}

func TestWhatsApp_NoMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	sender, err := NewWhatsApp(Config{BaseURL: server.URL, PhoneNumberID: "1", AccessToken: "tok"}, nil, nil)
	require.NoError(t, err)

	res, err := sender.Send(context.Background(), "5511", "Hello")
	require.NoError(t, err)
	assert.Empty(t, res.ExternalID)
}

func TestNewWhatsApp_RequiresCredentials(t *testing.T) {
	_, err := NewWhatsApp(Config{AccessToken: "tok"}, nil, nil)
	assert.Error(t, err)
	_, err = NewWhatsApp(Config{PhoneNumberID: "1"}, nil, nil)
	assert.Error(t, err)
}

func TestLogSender(t *testing.T) {
	res, err := LogSender{}.Send(context.Background(), "5511", "hi")
	require.NoError(t, err)
	assert.Empty(t, res.ExternalID)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	long := strings.Repeat("é", 20)
	out := Truncate(long, 10)
	assert.Equal(t, 10, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, "…"))
}

func TestFormatMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Thanks for reaching out", "Thanks for reaching out"},
		{"bold", "**Hello** world", "*Hello* world"},
		{"italic", "*soon*", "_soon_"},
		{"strikethrough", "~~old price~~", "~old price~"},
		{"heading", "# Quote\n\nDetails below", "*Quote*\n\nDetails below"},
		{"bullets", "- one\n- two", "- one\n- two"},
		{"numbered", "1. first\n2. second", "1. first\n2. second"},
		{"link", "[our site](https://example.com)", "our site (https://example.com)"},
		{"code block", "```\nSKU-123\n```", "```\nSKU-123\n```"},
		{"paragraphs", "First\n\n\n\nSecond", "First\n\nSecond"},
		{"html dropped", "Hi <b>there</b>", "Hi there"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatMarkdown(tt.in))
		})
	}
}
