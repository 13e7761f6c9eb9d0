// ABOUTME: HTTP handler for the channel webhook: verification handshake, signature check and intake
// ABOUTME: Acknowledges with 200 after storage; only verification failures are rejected

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-inbox/internal/metrics"
)

// MaxBodyBytes caps the accepted webhook body.
const MaxBodyBytes = 1 << 20

// SignatureHeader carries the HMAC-SHA256 of the body.
const SignatureHeader = "X-Hub-Signature-256"

// ErrAuth is returned when a request fails verification.
var ErrAuth = errors.New("webhook authentication failed")

// Sink receives normalized webhook content.
type Sink interface {
	HandleInbound(ctx context.Context, ev InboundEvent) error
	ApplyStatus(ctx context.Context, st StatusUpdate) error
}

// Config configures a Handler.
type Config struct {
	VerifyToken string // hub.verify_token expected on the handshake
	AppSecret   string // HMAC key; empty disables signature checks
}

// Handler serves GET (verification) and POST (delivery) on the webhook path.
type Handler struct {
	cfg     Config
	sink    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler creates a webhook handler. m and logger may be nil.
func NewHandler(cfg Config, sink Sink, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:     cfg,
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "webhook"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerify(w, r)
	case http.MethodPost:
		h.handleDelivery(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the subscription handshake.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.Verify(q.Get("hub.mode"), q.Get("hub.verify_token")); err != nil {
		h.logger.Warn("webhook verification rejected", "mode", q.Get("hub.mode"))
		h.metrics.WebhookRequest("forbidden")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	h.metrics.WebhookRequest("verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// Verify checks the handshake parameters.
func (h *Handler) Verify(mode, token string) error {
	if mode != "subscribe" || h.cfg.VerifyToken == "" {
		return ErrAuth
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.VerifyToken)) != 1 {
		return ErrAuth
	}
	return nil
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		h.logger.Warn("webhook body unreadable", "error", err)
		h.metrics.WebhookRequest("malformed")
		h.ack(w)
		return
	}

	if err := h.CheckSignature(body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		h.metrics.WebhookRequest("unauthorized")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	events, statuses, err := Normalize(body, h.logger)
	if err != nil {
		h.logger.Warn("dropping webhook delivery", "error", err)
		h.metrics.WebhookRequest("malformed")
		h.ack(w)
		return
	}

	// Storage must finish even if the provider hangs up.
	ctx := context.WithoutCancel(r.Context())

	for _, ev := range events {
		h.metrics.InboundEvent(ev.Type)
		if err := h.sink.HandleInbound(ctx, ev); err != nil {
			h.logger.Error("inbound message not fully processed",
				"external_id", ev.ExternalMessageID,
				"error", err,
			)
		}
	}
	for _, st := range statuses {
		if err := h.sink.ApplyStatus(ctx, st); err != nil {
			h.logger.Error("status update not applied",
				"external_id", st.ExternalMessageID,
				"status", st.Status,
				"error", err,
			)
		}
	}

	h.metrics.WebhookRequest("accepted")
	h.ack(w)
}

// CheckSignature validates the sha256=<hex> signature header against body.
// Always succeeds when no app secret is configured.
func (h *Handler) CheckSignature(body []byte, header string) error {
	if h.cfg.AppSecret == "" {
		return nil
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return ErrAuth
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrAuth
	}
	if !hmac.Equal(got, Sign(h.cfg.AppSecret, body)) {
		return ErrAuth
	}
	return nil
}

// Sign computes the raw HMAC-SHA256 of body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func (h *Handler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}
