// ABOUTME: CRM contact lookups used to seed resolver-created conversations
// ABOUTME: Phones are stored normalized (digits only) by the caller

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateContact inserts a contact. ID and CreatedAt are generated when unset.
func (s *SQLiteStore) CreateContact(ctx context.Context, c *Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO contacts (id, tenant_id, name, phone, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.TenantID, c.Name, c.Phone, formatTime(c.CreatedAt)); err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}
	return nil
}

// FindContactByPhone returns the oldest contact in tenantID with the given
// phone, or ErrNotFound.
func (s *SQLiteStore) FindContactByPhone(ctx context.Context, tenantID, phone string) (*Contact, error) {
	query := `
		SELECT id, tenant_id, name, phone, created_at
		FROM contacts
		WHERE tenant_id = ? AND phone = ?
		ORDER BY created_at ASC
		LIMIT 1
	`

	var c Contact
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, tenantID, phone).Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact: %w", err)
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &c, nil
}
