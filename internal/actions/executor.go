// ABOUTME: Action Executor turning oracle-proposed actions into CRM entities with per-action isolation
// ABOUTME: Applies conversation defaults, appends an audit message and records every outcome

package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/2389/coven-inbox/internal/crm"
	"github.com/2389/coven-inbox/internal/oracle"
	"github.com/2389/coven-inbox/internal/store"
)

// Kind identifies a supported action.
type Kind string

const (
	KindCreateTask        Kind = "create_task"
	KindCreateLead        Kind = "create_lead"
	KindCreateAppointment Kind = "create_appointment"
)

const (
	defaultLeadSource          = "whatsapp"
	defaultAppointmentDuration = 30
)

// Domain creates CRM entities. *crm.Service implements it.
type Domain interface {
	CreateTask(ctx context.Context, tenantID, actorUserID string, in crm.TaskInput) (*store.Task, error)
	CreateLead(ctx context.Context, tenantID, actorUserID string, in crm.LeadInput) (*store.Lead, error)
	CreateAppointment(ctx context.Context, tenantID, actorUserID string, in crm.AppointmentInput) (*store.Appointment, error)
}

// Store is where audit messages and action records are written.
type Store interface {
	AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error)
	RecordAction(ctx context.Context, rec *store.ActionRecord) error
}

// Outcome describes what happened to one proposed action.
type Outcome struct {
	Index      int                 `json:"index"`
	Kind       string              `json:"type"`
	Outcome    store.ActionOutcome `json:"outcome"`
	Confidence float64             `json:"confidence"`
	EntityID   string              `json:"entity_id,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Result collects the outcomes of one Execute call.
type Result struct {
	Outcomes []Outcome
	Audit    []*store.Message // newly stored audit messages, for notification
}

// Count returns how many outcomes have the given state.
func (r *Result) Count(o store.ActionOutcome) int {
	n := 0
	for _, out := range r.Outcomes {
		if out.Outcome == o {
			n++
		}
	}
	return n
}

// Filter returns the outcomes with the given state.
func (r *Result) Filter(o store.ActionOutcome) []Outcome {
	var out []Outcome
	for _, oc := range r.Outcomes {
		if oc.Outcome == o {
			out = append(out, oc)
		}
	}
	return out
}

// Executor runs oracle actions against the CRM.
type Executor struct {
	domain       Domain
	store        Store
	defaultActor string
	logger       *slog.Logger
}

// NewExecutor creates an executor. Pass nil logger for default.
func NewExecutor(d Domain, s Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		domain: d,
		store:  s,
		logger: logger.With("component", "actions"),
	}
}

// WithDefaultActor sets the user that owns entities created for a
// conversation without an owner, such as one opened by an unknown contact.
func (e *Executor) WithDefaultActor(userID string) *Executor {
	e.defaultActor = userID
	return e
}

// actor is the user entities created for conv are assigned to.
func (e *Executor) actor(conv *store.Conversation) string {
	if conv.OwnerUserID != "" {
		return conv.OwnerUserID
	}
	return e.defaultActor
}

// Manifest describes the supported action kinds for the oracle.
func (e *Executor) Manifest() []oracle.Capability {
	return []oracle.Capability{
		{
			Type:        string(KindCreateTask),
			Description: "Create a follow-up task for the conversation owner",
			Required:    []string{"title"},
			Optional:    []string{"description", "priority", "due_date"},
		},
		{
			Type:        string(KindCreateLead),
			Description: "Register the contact as a sales lead",
			Optional:    []string{"name", "email", "company", "notes"},
		},
		{
			Type:        string(KindCreateAppointment),
			Description: "Schedule a meeting with the contact (starts_at as RFC3339 or YYYY-MM-DD HH:MM)",
			Required:    []string{"starts_at"},
			Optional:    []string{"title", "duration_minutes", "location"},
		},
	}
}

// Execute runs each action in order for the conversation that received
// trigger. One action failing never stops the others. Suppressed actions are
// only recorded. Every action gets an action_log entry; executed actions also
// get an audit message keyed action:<trigger id>:<index>.
func (e *Executor) Execute(ctx context.Context, conv *store.Conversation, trigger *store.Message, actions, suppressed []oracle.Action) *Result {
	res := &Result{}

	for i, a := range actions {
		out := e.executeOne(ctx, conv, trigger, i, a)
		res.Outcomes = append(res.Outcomes, out.Outcome)
		if out.audit != nil {
			res.Audit = append(res.Audit, out.audit)
		}
	}

	for i, a := range suppressed {
		oc := Outcome{
			Index:      len(actions) + i,
			Kind:       a.Type,
			Outcome:    store.OutcomeSuppressed,
			Confidence: a.Confidence,
		}
		e.record(ctx, conv, trigger, oc, a.Data)
		res.Outcomes = append(res.Outcomes, oc)
	}

	return res
}

type executed struct {
	Outcome
	audit *store.Message
}

func (e *Executor) executeOne(ctx context.Context, conv *store.Conversation, trigger *store.Message, index int, a oracle.Action) executed {
	oc := Outcome{Index: index, Kind: a.Type, Confidence: a.Confidence}
	logger := e.logger.With("conversation_id", conv.ID, "trigger_message_id", trigger.ID, "type", a.Type)

	var (
		entityID string
		summary  string
		err      error
	)
	actor := e.actor(conv)

	switch Kind(a.Type) {
	case KindCreateTask:
		var task *store.Task
		task, err = e.domain.CreateTask(ctx, conv.TenantID, actor, taskInput(conv, actor, a.Data))
		if err == nil {
			entityID, summary = task.ID, "Created task: "+task.Title
		}
	case KindCreateLead:
		var lead *store.Lead
		lead, err = e.domain.CreateLead(ctx, conv.TenantID, actor, leadInput(conv, actor, a.Data))
		if err == nil {
			entityID, summary = lead.ID, "Created lead: "+lead.Name
		}
	case KindCreateAppointment:
		var in crm.AppointmentInput
		in, err = appointmentInput(conv, actor, a.Data)
		if err == nil {
			var appt *store.Appointment
			appt, err = e.domain.CreateAppointment(ctx, conv.TenantID, actor, in)
			if err == nil {
				entityID = appt.ID
				summary = fmt.Sprintf("Scheduled %s at %s", appt.Title, appt.StartsAt.Format("2006-01-02 15:04 MST"))
			}
		}
	default:
		logger.Warn("ignoring unknown action kind")
		oc.Outcome = store.OutcomeIgnored
		oc.Error = "unknown kind"
		e.record(ctx, conv, trigger, oc, a.Data)
		return executed{Outcome: oc}
	}

	if err != nil {
		logger.Warn("action failed", "error", err)
		oc.Outcome = store.OutcomeFailed
		oc.Error = err.Error()
		e.record(ctx, conv, trigger, oc, a.Data)
		return executed{Outcome: oc}
	}

	oc.Outcome = store.OutcomeExecuted
	oc.EntityID = entityID
	logger.Info("action executed", "entity_id", entityID)

	audit := &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderAI,
		Body:           summary,
		Type:           store.MessageTypeAction,
		IdempotencyKey: fmt.Sprintf("action:%s:%d", trigger.ID, index),
		AIGenerated:    true,
		Status:         store.StatusSent,
		Metadata: map[string]any{
			"action":             a.Type,
			"entity_id":          entityID,
			"confidence":         a.Confidence,
			"trigger_message_id": trigger.ID,
		},
	}
	stored, isNew, err := e.store.AppendMessage(ctx, audit)
	if err != nil {
		logger.Error("failed to store audit message", "error", err)
	}

	e.record(ctx, conv, trigger, oc, a.Data)

	out := executed{Outcome: oc}
	if err == nil && isNew {
		out.audit = stored
	}
	return out
}

func (e *Executor) record(ctx context.Context, conv *store.Conversation, trigger *store.Message, oc Outcome, data map[string]any) {
	detail := map[string]any{"index": oc.Index, "data": data}
	if oc.Error != "" {
		detail["error"] = oc.Error
	}
	rec := &store.ActionRecord{
		TenantID:         conv.TenantID,
		ConversationID:   conv.ID,
		TriggerMessageID: trigger.ID,
		Kind:             oc.Kind,
		Outcome:          oc.Outcome,
		Confidence:       oc.Confidence,
		EntityID:         oc.EntityID,
		Detail:           detail,
	}
	if err := e.store.RecordAction(ctx, rec); err != nil {
		e.logger.Error("failed to record action", "error", err, "conversation_id", conv.ID, "type", oc.Kind)
	}
}

func taskInput(conv *store.Conversation, actor string, data map[string]any) crm.TaskInput {
	return crm.TaskInput{
		Title:          stringField(data, "title"),
		Description:    stringField(data, "description"),
		Priority:       stringField(data, "priority"),
		AssigneeID:     actor,
		DueDate:        stringField(data, "due_date"),
		ConversationID: conv.ID,
	}
}

func leadInput(conv *store.Conversation, actor string, data map[string]any) crm.LeadInput {
	name := stringField(data, "name")
	if name == "" {
		name = contactLabel(conv)
	}
	return crm.LeadInput{
		Name:           name,
		Phone:          conv.ContactPhone,
		Email:          stringField(data, "email"),
		Company:        stringField(data, "company"),
		Source:         defaultLeadSource,
		AssigneeID:     actor,
		Notes:          stringField(data, "notes"),
		ConversationID: conv.ID,
	}
}

func appointmentInput(conv *store.Conversation, actor string, data map[string]any) (crm.AppointmentInput, error) {
	title := stringField(data, "title")
	if title == "" {
		title = "Meeting with " + contactLabel(conv)
	}

	duration := defaultAppointmentDuration
	if _, ok := data["duration_minutes"]; ok {
		d, err := intField(data, "duration_minutes")
		if err != nil {
			return crm.AppointmentInput{}, fmt.Errorf("%w: duration_minutes %v", crm.ErrValidation, err)
		}
		if d != 0 {
			duration = d
		}
	}

	return crm.AppointmentInput{
		Title:           title,
		StartsAt:        stringField(data, "starts_at"),
		DurationMinutes: duration,
		Location:        stringField(data, "location"),
		OrganizerID:     actor,
		AttendeePhone:   conv.ContactPhone,
		ConversationID:  conv.ID,
	}, nil
}

func contactLabel(conv *store.Conversation) string {
	if name := strings.TrimSpace(conv.ContactName); name != "" {
		return name
	}
	return conv.ContactPhone
}

// stringField reads a string-ish value. Numbers are formatted; anything
// else is treated as unset.
func stringField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// intField accepts a JSON number or a numeric string. A missing or null
// value is zero.
func intField(data map[string]any, key string) (int, error) {
	switch v := data[key].(type) {
	case nil:
		return 0, nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%v is not a whole number", v)
		}
		return int(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported value %v", v)
	}
}
