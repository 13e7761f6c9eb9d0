// ABOUTME: Persistence for CRM entities created by automated actions: tasks, leads, appointments
// ABOUTME: Field validation lives in the crm package; this layer only stores rows

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// stamp fills ID and timestamps for a new entity.
func stamp(id *string, createdAt, updatedAt *time.Time) {
	if *id == "" {
		*id = uuid.New().String()
	}
	now := time.Now().UTC()
	if createdAt.IsZero() {
		*createdAt = now
	}
	if updatedAt.IsZero() {
		*updatedAt = *createdAt
	}
}

// CreateTask inserts a task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	stamp(&task.ID, &task.CreatedAt, &task.UpdatedAt)

	query := `
		INSERT INTO tasks (id, tenant_id, title, description, status, priority, assignee_id,
			due_date, conversation_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.TenantID,
		task.Title,
		nullString(task.Description),
		task.Status,
		task.Priority,
		task.AssigneeID,
		formatTimePtr(task.DueDate),
		nullString(task.ConversationID),
		task.CreatedBy,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "tenant_id", task.TenantID, "priority", task.Priority)
	return nil
}

const taskColumns = `id, tenant_id, title, description, status, priority, assignee_id,
	due_date, conversation_id, created_by, created_at, updated_at`

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasksByConversation returns the tasks created from a conversation, oldest first.
func (s *SQLiteStore) ListTasksByConversation(ctx context.Context, conversationID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var t Task
	var description, dueDate, conversationID sql.NullString
	var createdAt, updatedAt string

	if err := scanner.Scan(
		&t.ID, &t.TenantID, &t.Title, &description, &t.Status, &t.Priority, &t.AssigneeID,
		&dueDate, &conversationID, &t.CreatedBy, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.Description = description.String
	t.ConversationID = conversationID.String

	var err error
	if t.DueDate, err = parseNullTime(dueDate); err != nil {
		return nil, fmt.Errorf("parsing due_date: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// CreateLead inserts a lead.
func (s *SQLiteStore) CreateLead(ctx context.Context, lead *Lead) error {
	stamp(&lead.ID, &lead.CreatedAt, &lead.UpdatedAt)

	query := `
		INSERT INTO leads (id, tenant_id, name, phone, email, company, status, source, assignee_id,
			notes, conversation_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		lead.ID,
		lead.TenantID,
		lead.Name,
		nullString(lead.Phone),
		nullString(lead.Email),
		nullString(lead.Company),
		lead.Status,
		lead.Source,
		lead.AssigneeID,
		nullString(lead.Notes),
		nullString(lead.ConversationID),
		lead.CreatedBy,
		formatTime(lead.CreatedAt),
		formatTime(lead.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting lead: %w", err)
	}

	s.logger.Debug("created lead", "id", lead.ID, "tenant_id", lead.TenantID, "source", lead.Source)
	return nil
}

// GetLead retrieves a lead by ID
func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	query := `
		SELECT id, tenant_id, name, phone, email, company, status, source, assignee_id,
			notes, conversation_id, created_by, created_at, updated_at
		FROM leads WHERE id = ?
	`

	var l Lead
	var phone, email, company, notes, conversationID sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.TenantID, &l.Name, &phone, &email, &company, &l.Status, &l.Source, &l.AssigneeID,
		&notes, &conversationID, &l.CreatedBy, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying lead: %w", err)
	}

	l.Phone = phone.String
	l.Email = email.String
	l.Company = company.String
	l.Notes = notes.String
	l.ConversationID = conversationID.String

	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &l, nil
}

// CreateAppointment inserts an appointment.
func (s *SQLiteStore) CreateAppointment(ctx context.Context, appt *Appointment) error {
	stamp(&appt.ID, &appt.CreatedAt, &appt.UpdatedAt)

	query := `
		INSERT INTO appointments (id, tenant_id, title, starts_at, duration_minutes, location, status,
			organizer_id, attendee_phone, conversation_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		appt.ID,
		appt.TenantID,
		appt.Title,
		formatTime(appt.StartsAt),
		appt.DurationMinutes,
		nullString(appt.Location),
		appt.Status,
		appt.OrganizerID,
		nullString(appt.AttendeePhone),
		nullString(appt.ConversationID),
		appt.CreatedBy,
		formatTime(appt.CreatedAt),
		formatTime(appt.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting appointment: %w", err)
	}

	s.logger.Debug("created appointment", "id", appt.ID, "tenant_id", appt.TenantID, "starts_at", appt.StartsAt)
	return nil
}

// GetAppointment retrieves an appointment by ID
func (s *SQLiteStore) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	query := `
		SELECT id, tenant_id, title, starts_at, duration_minutes, location, status,
			organizer_id, attendee_phone, conversation_id, created_by, created_at, updated_at
		FROM appointments WHERE id = ?
	`

	var a Appointment
	var location, attendeePhone, conversationID sql.NullString
	var startsAt, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.TenantID, &a.Title, &startsAt, &a.DurationMinutes, &location, &a.Status,
		&a.OrganizerID, &attendeePhone, &conversationID, &a.CreatedBy, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying appointment: %w", err)
	}

	a.Location = location.String
	a.AttendeePhone = attendeePhone.String
	a.ConversationID = conversationID.String

	if a.StartsAt, err = parseTime(startsAt); err != nil {
		return nil, fmt.Errorf("parsing starts_at: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}
