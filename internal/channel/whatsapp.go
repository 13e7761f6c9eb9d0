// ABOUTME: Channel Sender for the WhatsApp Cloud API messages endpoint
// ABOUTME: Sends text messages and returns the provider message id used as the idempotency key

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxBodyRunes is the longest text body the Cloud API accepts.
const MaxBodyRunes = 4096

// Defaults for Config.
const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v21.0"
	DefaultTimeout    = 15 * time.Second
)

// ErrRejected is returned when the provider refuses a message.
var ErrRejected = errors.New("message rejected by provider")

// SendResult is what the provider reports for an accepted message.
type SendResult struct {
	ExternalID string // empty when the channel assigns none
}

// Sender delivers outbound text to a contact.
type Sender interface {
	Send(ctx context.Context, to, body string) (SendResult, error)
}

// Config configures a WhatsApp sender.
type Config struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
}

// WhatsApp sends messages through the Cloud API.
type WhatsApp struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// NewWhatsApp creates a sender. Pass nil client to use one with cfg.Timeout,
// and nil logger for default.
func NewWhatsApp(cfg Config, client *http.Client, logger *slog.Logger) (*WhatsApp, error) {
	if cfg.PhoneNumberID == "" {
		return nil, errors.New("phone number id is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("access token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WhatsApp{
		endpoint: fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion, cfg.PhoneNumberID),
		token:    cfg.AccessToken,
		client:   client,
		logger:   logger.With("component", "channel"),
	}, nil
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts a text message to the contact's phone number.
func (w *WhatsApp) Send(ctx context.Context, to, body string) (SendResult, error) {
	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: Truncate(body, MaxBodyRunes)},
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, fmt.Errorf("reading response: %w", err)
	}

	var parsed sendResponse
	_ = json.Unmarshal(data, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Error != nil {
			return SendResult{}, fmt.Errorf("%w: status %d code %d: %s", ErrRejected, resp.StatusCode, parsed.Error.Code, parsed.Error.Message)
		}
		return SendResult{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var result SendResult
	if len(parsed.Messages) > 0 {
		result.ExternalID = parsed.Messages[0].ID
	}
	w.logger.Debug("message sent", "to", to, "external_id", result.ExternalID)
	return result, nil
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

// LogSender records outbound messages in the log without delivering them.
// It is used when no channel credentials are configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the message and reports no external id.
func (l LogSender) Send(_ context.Context, to, body string) (SendResult, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbound message not delivered, channel disabled", "to", to, "length", len(body))
	return SendResult{}, nil
}
