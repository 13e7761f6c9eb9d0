// ABOUTME: HTTP API handlers for CRM users reading and replying to inbox conversations
// ABOUTME: Every lookup is scoped to the caller's tenant; foreign conversations answer 404

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-inbox/internal/auth"
	"github.com/2389/coven-inbox/internal/channel"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/store"
)

// maxRequestBytes caps JSON request bodies on the API.
const maxRequestBytes = 64 << 10

// ConversationResponse is the JSON shape of a conversation.
type ConversationResponse struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	OwnerUserID   string     `json:"owner_user_id"`
	ContactPhone  string     `json:"contact_phone"`
	ContactName   string     `json:"contact_name,omitempty"`
	ContactID     string     `json:"contact_id,omitempty"`
	AIEnabled     bool       `json:"ai_enabled"`
	UnreadCount   int        `json:"unread_count"`
	AutoCreated   bool       `json:"auto_created"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// MessageResponse is the JSON shape of a stored message.
type MessageResponse struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Sender         string         `json:"sender"`
	Body           string         `json:"body"`
	Type           string         `json:"type"`
	Status         string         `json:"status"`
	ExternalID     string         `json:"external_id"`
	AIGenerated    bool           `json:"ai_generated"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SendResponse is returned by the send endpoints. Error is set when the
// message was stored but the channel refused it.
type SendResponse struct {
	Message *MessageResponse `json:"message"`
	Error   string           `json:"error,omitempty"`
}

// StartConversationRequest opens (or reuses) a conversation with a phone.
type StartConversationRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
	Body  string `json:"body"`
}

// SendMessageRequest is a human reply in an existing conversation.
type SendMessageRequest struct {
	Body string `json:"body"`
}

// SetAIRequest toggles AI replies for one conversation.
type SetAIRequest struct {
	Enabled *bool `json:"enabled"`
}

func toConversationResponse(c *store.Conversation) *ConversationResponse {
	return &ConversationResponse{
		ID:            c.ID,
		TenantID:      c.TenantID,
		OwnerUserID:   c.OwnerUserID,
		ContactPhone:  c.ContactPhone,
		ContactName:   c.ContactName,
		ContactID:     c.ContactID,
		AIEnabled:     c.AIEnabled,
		UnreadCount:   c.UnreadCount,
		AutoCreated:   c.AutoCreated,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func toMessageResponse(m *store.Message) *MessageResponse {
	return &MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         string(m.Sender),
		Body:           m.Body,
		Type:           m.Type,
		Status:         m.Status,
		ExternalID:     m.IdempotencyKey,
		AIGenerated:    m.AIGenerated,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt,
	}
}

// registerAPIRoutes registers the authenticated conversation API on mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authMiddleware := auth.HTTPAuthMiddleware(g.verifier)
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	route("GET /api/conversations", g.handleListConversations)
	route("POST /api/conversations", g.handleStartConversation)
	route("GET /api/conversations/{id}/messages", g.handleListMessages)
	route("POST /api/conversations/{id}/messages", g.handleSendMessage)
	route("POST /api/conversations/{id}/read", g.handleMarkRead)
	route("PUT /api/conversations/{id}/ai", g.handleSetAI)
	route("GET /api/conversations/{id}/stream", g.handleStream)
	route("GET /api/conversations/{id}/ws", g.handleWebSocket)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		return err
	}
	if len(body) > maxRequestBytes {
		return errors.New("request body too large")
	}
	return json.Unmarshal(body, v)
}

// queryLimit parses the limit query parameter, returning def when absent.
func queryLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

// loadConversation fetches the path conversation for the caller's tenant and
// writes the error response itself when it can't. Conversations of other
// tenants are reported as not found.
func (g *Gateway) loadConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	authCtx := auth.MustFromContext(r.Context())

	conv, err := g.store.GetConversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && !authCtx.CanAccess(conv.TenantID)) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to load conversation", "conversation_id", r.PathValue("id"), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return conv, true
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	limit, err := queryLimit(r, 50, 500)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	convs, err := g.store.ListConversations(r.Context(), store.ConversationFilter{
		TenantID: authCtx.TenantID,
		Limit:    limit,
	})
	if err != nil {
		g.logger.Error("failed to list conversations", "tenant_id", authCtx.TenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]*ConversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversationResponse(c))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req StartConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if conversation.NormalizePhone(req.Phone) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "phone is required")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "body is required")
		return
	}

	msg, err := g.pipeline.StartConversation(r.Context(), authCtx.TenantID, authCtx.UserID, req.Phone, req.Name, req.Body)
	g.writeSendResult(w, msg, err, http.StatusCreated)
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}

	limit, err := queryLimit(r, 50, 500)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		g.logger.Error("failed to list messages", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]*MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "body is required")
		return
	}

	msg, err := g.pipeline.SendOutbound(r.Context(), authCtx.TenantID, authCtx.UserID, r.PathValue("id"), req.Body)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConversationNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	g.writeSendResult(w, msg, err, http.StatusCreated)
}

// writeSendResult maps a human send outcome to a response. A message the
// channel refused is still returned, with 502 and the send error.
func (g *Gateway) writeSendResult(w http.ResponseWriter, msg *store.Message, err error, okStatus int) {
	switch {
	case err == nil:
		g.sendJSON(w, okStatus, SendResponse{Message: toMessageResponse(msg)})
	case msg != nil:
		status := http.StatusBadGateway
		if errors.Is(err, channel.ErrRejected) {
			status = http.StatusUnprocessableEntity
		}
		g.sendJSON(w, status, SendResponse{Message: toMessageResponse(msg), Error: err.Error()})
	default:
		g.logger.Error("failed to send message", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}

	if err := g.store.MarkConversationRead(r.Context(), conv.ID); err != nil {
		g.logger.Error("failed to mark conversation read", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleSetAI(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}

	var req SetAIRequest
	if err := decodeJSON(r, &req); err != nil || req.Enabled == nil {
		g.sendJSONError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := g.store.SetConversationAIEnabled(r.Context(), conv.ID, *req.Enabled); err != nil {
		g.logger.Error("failed to set AI flag", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	g.logger.Info("conversation AI flag changed",
		"conversation_id", conv.ID,
		"enabled", *req.Enabled,
		"user_id", auth.MustFromContext(r.Context()).UserID,
	)

	updated, err := g.store.GetConversation(r.Context(), conv.ID)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(updated))
}
