// ABOUTME: Conversation persistence: create, lookup by phone, listing, read and AI flag updates
// ABOUTME: Conversations are never merged; deleting one cascades its messages

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, tenant_id, owner_user_id, contact_phone, contact_name, contact_id,
	ai_enabled, last_message_at, unread_count, origin, created_at, updated_at`

// CreateConversation inserts a new conversation. ID and timestamps are
// generated when unset. A resolver-created conversation conflicting with
// another for the same tenant and phone returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	origin := "manual"
	if conv.AutoCreated {
		origin = "auto"
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.TenantID,
		conv.OwnerUserID,
		conv.ContactPhone,
		conv.ContactName,
		nullString(conv.ContactID),
		boolToInt(conv.AIEnabled),
		formatTimePtr(conv.LastMessageAt),
		conv.UnreadCount,
		origin,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation",
		"id", conv.ID,
		"tenant_id", conv.TenantID,
		"owner_user_id", conv.OwnerUserID,
	)
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// FindConversationsByPhone returns every conversation for the normalized
// phone. An empty tenantID searches all tenants.
func (s *SQLiteStore) FindConversationsByPhone(ctx context.Context, phone, tenantID string) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE contact_phone = ?
		  AND (? = '' OR tenant_id = ?)
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, phone, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations by phone: %w", err)
	}
	defer rows.Close()

	return collectConversations(rows)
}

// ListConversations returns a tenant's conversations, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	if filter.TenantID == "" {
		return nil, fmt.Errorf("listing conversations: tenant id is required")
	}

	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE tenant_id = ?
		ORDER BY COALESCE(last_message_at, created_at) DESC, id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, filter.TenantID, normalizeLimit(filter.Limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	return collectConversations(rows)
}

// MarkConversationRead resets the unread counter.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, id string) error {
	query := `UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`
	return s.updateConversation(ctx, query, formatTime(time.Now()), id)
}

// SetConversationAIEnabled toggles automated replies for a conversation.
func (s *SQLiteStore) SetConversationAIEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE conversations SET ai_enabled = ?, updated_at = ? WHERE id = ?`
	return s.updateConversation(ctx, query, boolToInt(enabled), formatTime(time.Now()), id)
}

// DeleteConversation removes a conversation and, through the foreign key,
// all of its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	return s.updateConversation(ctx, `DELETE FROM conversations WHERE id = ?`, id)
}

func (s *SQLiteStore) updateConversation(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func collectConversations(rows *sql.Rows) ([]*Conversation, error) {
	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (*Conversation, error) {
	var conv Conversation
	var contactID, lastMessageAt sql.NullString
	var aiEnabled int
	var origin, createdAt, updatedAt string

	if err := scanner.Scan(
		&conv.ID,
		&conv.TenantID,
		&conv.OwnerUserID,
		&conv.ContactPhone,
		&conv.ContactName,
		&contactID,
		&aiEnabled,
		&lastMessageAt,
		&conv.UnreadCount,
		&origin,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	conv.ContactID = contactID.String
	conv.AIEnabled = aiEnabled != 0
	conv.AutoCreated = origin == "auto"

	var err error
	if conv.LastMessageAt, err = parseNullTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// normalizeLimit applies a default and a cap to a list limit.
func normalizeLimit(limit, def, maxLimit int) int {
	switch {
	case limit <= 0:
		return def
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
