// ABOUTME: Idempotent message log: atomic insert-or-return keyed by (conversation, idempotency key)
// ABOUTME: Also lists history in insertion order and applies provider delivery status updates

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, conversation_id, sender, body, type, idempotency_key,
	ai_generated, metadata_json, status, created_at`

// statusRank orders delivery statuses so updates only move forward.
var statusRank = map[string]int{
	StatusReceived:  0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

// statusRankSQL evaluates statusRank for the status column.
var statusRankSQL = statusRankCase("status")

func statusRankCase(column string) string {
	statuses := make([]string, 0, len(statusRank))
	for st := range statusRank {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)

	var b strings.Builder
	b.WriteString("(CASE " + column)
	for _, st := range statuses {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", st, statusRank[st])
	}
	b.WriteString(" ELSE 0 END)")
	return b.String()
}

// AppendMessage inserts msg and bumps the conversation activity counters in
// a single transaction. When a message with the same conversation and
// idempotency key already exists the insert is rolled back and the existing
// row is returned with isNew=false. A missing conversation yields
// ErrConversationNotFound; it is never recreated here.
//
// msg is not modified; the stored copy is returned.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, bool, error) {
	if strings.TrimSpace(msg.IdempotencyKey) == "" {
		return nil, false, ErrEmptyIdempotencyKey
	}
	if msg.ConversationID == "" {
		return nil, false, ErrConversationNotFound
	}

	m := *msg
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Type == "" {
		m.Type = MessageTypeText
	}
	if m.Status == "" {
		m.Status = StatusReceived
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if !storableTime(m.CreatedAt) {
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidTimestamp, m.CreatedAt)
	}

	var metadataJSON *string
	if len(m.Metadata) > 0 {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, false, fmt.Errorf("marshaling message metadata: %w", err)
		}
		str := string(data)
		metadataJSON = &str
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}

	insert := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insert,
		m.ID,
		m.ConversationID,
		string(m.Sender),
		m.Body,
		m.Type,
		m.IdempotencyKey,
		boolToInt(m.AIGenerated),
		metadataJSON,
		m.Status,
		formatTime(m.CreatedAt),
	)
	if err != nil {
		_ = tx.Rollback()
		switch {
		case isUniqueViolation(err, "idempotency_key"):
			existing, ferr := s.getMessageByKey(ctx, m.ConversationID, m.IdempotencyKey)
			if ferr != nil {
				return nil, false, fmt.Errorf("fetching existing message: %w", ferr)
			}
			s.logger.Debug("duplicate message",
				"conversation_id", m.ConversationID,
				"idempotency_key", m.IdempotencyKey,
				"message_id", existing.ID,
			)
			return existing, false, nil
		case isForeignKeyViolation(err):
			return nil, false, ErrConversationNotFound
		}
		return nil, false, fmt.Errorf("inserting message: %w", err)
	}

	unreadDelta := 0
	if m.Sender == SenderContact {
		unreadDelta = 1
	}
	update := `
		UPDATE conversations
		SET last_message_at = ?, unread_count = unread_count + ?, updated_at = ?
		WHERE id = ?
	`
	ts := formatTime(m.CreatedAt)
	result, err := tx.ExecContext(ctx, update, ts, unreadDelta, formatTime(time.Now()), m.ConversationID)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, fmt.Errorf("updating conversation activity: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		_ = tx.Rollback()
		return nil, false, ErrConversationNotFound
	}

	if err := tx.Commit(); err != nil {
		if isForeignKeyViolation(err) {
			return nil, false, ErrConversationNotFound
		}
		return nil, false, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message",
		"id", m.ID,
		"conversation_id", m.ConversationID,
		"sender", m.Sender,
		"type", m.Type,
	)
	return &m, true, nil
}

// GetMessageByKey retrieves the message stored under a conversation and key.
func (s *SQLiteStore) GetMessageByKey(ctx context.Context, conversationID, key string) (*Message, error) {
	msg, err := s.getMessageByKey(ctx, conversationID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *SQLiteStore) getMessageByKey(ctx context.Context, conversationID, key string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND idempotency_key = ?`
	return scanMessage(s.db.QueryRowContext(ctx, query, conversationID, key))
}

// ListMessages returns the most recent limit messages of a conversation in
// insertion order. A limit <= 0 returns the whole history.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var rows *sql.Rows
	var err error

	if limit <= 0 {
		query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY rowid ASC`
		rows, err = s.db.QueryContext(ctx, query, conversationID)
	} else {
		// Take the newest rows, then flip them back to chronological order
		query := `
			SELECT ` + messageColumns + ` FROM (
				SELECT rowid AS seq, * FROM messages
				WHERE conversation_id = ?
				ORDER BY rowid DESC
				LIMIT ?
			) ORDER BY seq ASC
		`
		rows, err = s.db.QueryContext(ctx, query, conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// UpdateMessageStatus applies a provider delivery status to every outbound
// message stored under key. Fan-out copies share a key, so several rows may
// change. Statuses never move backwards. Returns the ids of the conversations
// whose messages changed.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, key, status string) ([]string, error) {
	rank, ok := statusRank[status]
	if !ok {
		return nil, fmt.Errorf("unknown message status %q", status)
	}

	query := `
		UPDATE messages SET status = ?
		WHERE idempotency_key = ?
		  AND sender <> 'contact'
		  AND ` + statusRankSQL + ` < ?
		RETURNING conversation_id
	`
	rows, err := s.db.QueryContext(ctx, query, status, key, rank)
	if err != nil {
		return nil, fmt.Errorf("updating message status: %w", err)
	}
	defer rows.Close()

	var convIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning updated conversation: %w", err)
		}
		convIDs = append(convIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("updating message status: %w", err)
	}
	return convIDs, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*Message, error) {
	var msg Message
	var sender, createdAt string
	var aiGenerated int
	var metadataJSON sql.NullString

	if err := scanner.Scan(
		&msg.ID,
		&msg.ConversationID,
		&sender,
		&msg.Body,
		&msg.Type,
		&msg.IdempotencyKey,
		&aiGenerated,
		&metadataJSON,
		&msg.Status,
		&createdAt,
	); err != nil {
		return nil, err
	}

	msg.Sender = SenderKind(sender)
	msg.AIGenerated = aiGenerated != 0

	var err error
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return &msg, nil
}
