// ABOUTME: Domain services for CRM entities created from conversations: tasks, leads, appointments
// ABOUTME: Owns field validation and lifecycle states; persistence is delegated to the store

package crm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/2389/coven-inbox/internal/store"
)

// ErrValidation is returned when entity fields are missing or invalid.
var ErrValidation = errors.New("validation failed")

// Task lifecycle and priorities.
const (
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskDone       = "done"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Lead lifecycle.
const (
	LeadNew       = "new"
	LeadContacted = "contacted"
	LeadQualified = "qualified"
	LeadWon       = "won"
	LeadLost      = "lost"
)

// Appointment lifecycle.
const (
	AppointmentScheduled = "scheduled"
	AppointmentConfirmed = "confirmed"
	AppointmentCancelled = "cancelled"
	AppointmentCompleted = "completed"
)

// maxAppointmentMinutes bounds appointment duration to one day.
const maxAppointmentMinutes = 24 * 60

var (
	taskStatuses        = []string{TaskTodo, TaskInProgress, TaskDone}
	priorities          = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
	leadStatuses        = []string{LeadNew, LeadContacted, LeadQualified, LeadWon, LeadLost}
	appointmentStatuses = []string{AppointmentScheduled, AppointmentConfirmed, AppointmentCancelled, AppointmentCompleted}
)

// Store is the persistence the services need.
type Store interface {
	CreateTask(ctx context.Context, task *store.Task) error
	CreateLead(ctx context.Context, lead *store.Lead) error
	CreateAppointment(ctx context.Context, appt *store.Appointment) error
}

// TaskInput carries task fields. Empty strings mean unset.
type TaskInput struct {
	Title          string
	Description    string
	Status         string
	Priority       string
	AssigneeID     string
	DueDate        string // RFC3339 or YYYY-MM-DD
	ConversationID string
}

// LeadInput carries lead fields. Empty strings mean unset.
type LeadInput struct {
	Name           string
	Phone          string
	Email          string
	Company        string
	Status         string
	Source         string
	AssigneeID     string
	Notes          string
	ConversationID string
}

// AppointmentInput carries appointment fields. Empty strings mean unset.
type AppointmentInput struct {
	Title           string
	StartsAt        string // RFC3339 or "YYYY-MM-DD HH:MM"
	DurationMinutes int
	Location        string
	Status          string
	OrganizerID     string
	AttendeePhone   string
	ConversationID  string
}

// Service validates and creates CRM entities.
type Service struct {
	store    Store
	location *time.Location
	logger   *slog.Logger
}

// NewService creates a service. Appointment times without a zone are read
// in loc; nil means UTC. Pass nil logger for default.
func NewService(s Store, loc *time.Location, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:    s,
		location: loc,
		logger:   logger.With("component", "crm"),
	}
}

// CreateTask validates in and stores a task for tenantID on behalf of actorUserID.
func (s *Service) CreateTask(ctx context.Context, tenantID, actorUserID string, in TaskInput) (*store.Task, error) {
	if err := requireScope(tenantID, actorUserID); err != nil {
		return nil, err
	}

	task := &store.Task{
		TenantID:       tenantID,
		Title:          strings.TrimSpace(in.Title),
		Description:    strings.TrimSpace(in.Description),
		Status:         orDefault(in.Status, TaskTodo),
		Priority:       orDefault(strings.ToLower(in.Priority), PriorityMedium),
		AssigneeID:     strings.TrimSpace(in.AssigneeID),
		ConversationID: in.ConversationID,
		CreatedBy:      actorUserID,
	}

	if task.Title == "" {
		return nil, invalid("title", "is required")
	}
	if task.AssigneeID == "" {
		return nil, invalid("assignee_id", "is required")
	}
	if !oneOf(task.Status, taskStatuses) {
		return nil, invalid("status", fmt.Sprintf("must be one of %s", strings.Join(taskStatuses, ", ")))
	}
	if !oneOf(task.Priority, priorities) {
		return nil, invalid("priority", fmt.Sprintf("must be one of %s", strings.Join(priorities, ", ")))
	}
	if due := strings.TrimSpace(in.DueDate); due != "" {
		t, err := parseDate(due, s.location)
		if err != nil {
			return nil, invalid("due_date", err.Error())
		}
		task.DueDate = &t
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	s.logger.Info("task created", "id", task.ID, "tenant_id", tenantID, "priority", task.Priority)
	return task, nil
}

// CreateLead validates in and stores a lead for tenantID on behalf of actorUserID.
func (s *Service) CreateLead(ctx context.Context, tenantID, actorUserID string, in LeadInput) (*store.Lead, error) {
	if err := requireScope(tenantID, actorUserID); err != nil {
		return nil, err
	}

	lead := &store.Lead{
		TenantID:       tenantID,
		Name:           strings.TrimSpace(in.Name),
		Phone:          strings.TrimSpace(in.Phone),
		Email:          strings.TrimSpace(in.Email),
		Company:        strings.TrimSpace(in.Company),
		Status:         orDefault(in.Status, LeadNew),
		Source:         strings.TrimSpace(in.Source),
		AssigneeID:     orDefault(in.AssigneeID, actorUserID),
		Notes:          strings.TrimSpace(in.Notes),
		ConversationID: in.ConversationID,
		CreatedBy:      actorUserID,
	}

	if lead.Name == "" {
		return nil, invalid("name", "is required")
	}
	if lead.Source == "" {
		return nil, invalid("source", "is required")
	}
	if !oneOf(lead.Status, leadStatuses) {
		return nil, invalid("status", fmt.Sprintf("must be one of %s", strings.Join(leadStatuses, ", ")))
	}
	if lead.Email != "" {
		addr, err := mail.ParseAddress(lead.Email)
		if err != nil {
			return nil, invalid("email", "is not a valid address")
		}
		lead.Email = addr.Address
	}

	if err := s.store.CreateLead(ctx, lead); err != nil {
		return nil, fmt.Errorf("creating lead: %w", err)
	}
	s.logger.Info("lead created", "id", lead.ID, "tenant_id", tenantID, "source", lead.Source)
	return lead, nil
}

// CreateAppointment validates in and stores an appointment for tenantID on
// behalf of actorUserID.
func (s *Service) CreateAppointment(ctx context.Context, tenantID, actorUserID string, in AppointmentInput) (*store.Appointment, error) {
	if err := requireScope(tenantID, actorUserID); err != nil {
		return nil, err
	}

	appt := &store.Appointment{
		TenantID:        tenantID,
		Title:           strings.TrimSpace(in.Title),
		DurationMinutes: in.DurationMinutes,
		Location:        strings.TrimSpace(in.Location),
		Status:          orDefault(in.Status, AppointmentScheduled),
		OrganizerID:     orDefault(in.OrganizerID, actorUserID),
		AttendeePhone:   strings.TrimSpace(in.AttendeePhone),
		ConversationID:  in.ConversationID,
		CreatedBy:       actorUserID,
	}

	if appt.Title == "" {
		return nil, invalid("title", "is required")
	}
	start := strings.TrimSpace(in.StartsAt)
	if start == "" {
		return nil, invalid("starts_at", "is required")
	}
	startsAt, err := parseDateTime(start, s.location)
	if err != nil {
		return nil, invalid("starts_at", err.Error())
	}
	appt.StartsAt = startsAt

	if appt.DurationMinutes <= 0 || appt.DurationMinutes > maxAppointmentMinutes {
		return nil, invalid("duration_minutes", fmt.Sprintf("must be between 1 and %d", maxAppointmentMinutes))
	}
	if !oneOf(appt.Status, appointmentStatuses) {
		return nil, invalid("status", fmt.Sprintf("must be one of %s", strings.Join(appointmentStatuses, ", ")))
	}

	if err := s.store.CreateAppointment(ctx, appt); err != nil {
		return nil, fmt.Errorf("creating appointment: %w", err)
	}
	s.logger.Info("appointment created", "id", appt.ID, "tenant_id", tenantID, "starts_at", appt.StartsAt)
	return appt, nil
}

func requireScope(tenantID, actorUserID string) error {
	if tenantID == "" {
		return invalid("tenant_id", "is required")
	}
	if actorUserID == "" {
		return invalid("actor", "is required")
	}
	return nil
}

// parseDateTime accepts RFC3339 or a zoneless "YYYY-MM-DD HH:MM" in loc.
func parseDateTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not RFC3339 or YYYY-MM-DD HH:MM", s)
}

// parseDate accepts anything parseDateTime does, or a bare YYYY-MM-DD.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t.UTC(), nil
	}
	t, err := parseDateTime(s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a date", s)
	}
	return t, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func invalid(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, reason)
}
