// ABOUTME: Tests for the Action Executor against a real SQLite store and crm service
// ABOUTME: Covers defaults, audit messages, per-action isolation, unknown kinds and suppression records

package actions

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/crm"
	"github.com/2389/coven-inbox/internal/oracle"
	"github.com/2389/coven-inbox/internal/store"
)

type fixture struct {
	store    *store.SQLiteStore
	executor *Executor
	conv     *store.Conversation
	trigger  *store.Message
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "actions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	conv := &store.Conversation{
		TenantID:     "t1",
		OwnerUserID:  "owner-1",
		ContactPhone: "5511999999999",
		ContactName:  "Ana",
		AIEnabled:    true,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))

	trigger, _, err := s.AppendMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderContact,
		Body:           "Can we meet tomorrow at 3?",
		IdempotencyKey: "wamid.1",
	})
	require.NoError(t, err)

	return &fixture{
		store:    s,
		executor: NewExecutor(crm.NewService(s, nil, nil), s, nil),
		conv:     conv,
		trigger:  trigger,
	}
}

func (f *fixture) records(t *testing.T) []*store.ActionRecord {
	t.Helper()
	recs, err := f.store.ListActionRecords(context.Background(), store.ActionRecordFilter{ConversationID: f.conv.ID})
	require.NoError(t, err)
	return recs
}

func TestExecute_CreatesEntitiesWithDefaults(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.executor.Execute(ctx, f.conv, f.trigger, []oracle.Action{
		{Type: "create_task", Data: map[string]any{"title": "Prepare proposal"}, Confidence: 0.9},
		{Type: "create_lead", Data: map[string]any{}, Confidence: 0.8},
		{Type: "create_appointment", Data: map[string]any{"starts_at": "2026-11-03 15:00", "duration_minutes": "45"}, Confidence: 0.7},
	}, nil)

	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, 3, res.Count(store.OutcomeExecuted))
	require.Len(t, res.Audit, 3)

	task, err := f.store.GetTask(ctx, res.Outcomes[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", task.AssigneeID)
	assert.Equal(t, crm.TaskTodo, task.Status)
	assert.Equal(t, crm.PriorityMedium, task.Priority)
	assert.Equal(t, f.conv.ID, task.ConversationID)

	lead, err := f.store.GetLead(ctx, res.Outcomes[1].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", lead.Name)
	assert.Equal(t, "whatsapp", lead.Source)
	assert.Equal(t, crm.LeadNew, lead.Status)
	assert.Equal(t, "5511999999999", lead.Phone)

	appt, err := f.store.GetAppointment(ctx, res.Outcomes[2].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Meeting with Ana", appt.Title)
	assert.Equal(t, 45, appt.DurationMinutes)
	assert.Equal(t, "owner-1", appt.OrganizerID)
	assert.Equal(t, "5511999999999", appt.AttendeePhone)

	for i, msg := range res.Audit {
		assert.Equal(t, store.SenderAI, msg.Sender)
		assert.Equal(t, store.MessageTypeAction, msg.Type)
		assert.True(t, msg.AIGenerated)
		assert.Equal(t, fmt.Sprintf("action:%s:%d", f.trigger.ID, i), msg.IdempotencyKey)
	}

	assert.Len(t, f.records(t), 3)
}

func TestExecute_LeadFallsBackToPhone(t *testing.T) {
	f := setup(t)
	f.conv.ContactName = ""

	res := f.executor.Execute(context.Background(), f.conv, f.trigger, []oracle.Action{
		{Type: "create_lead", Data: map[string]any{}, Confidence: 0.8},
	}, nil)

	require.Equal(t, store.OutcomeExecuted, res.Outcomes[0].Outcome)
	lead, err := f.store.GetLead(context.Background(), res.Outcomes[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "5511999999999", lead.Name)
}

func TestExecute_PartialFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.executor.Execute(ctx, f.conv, f.trigger, []oracle.Action{
		{Type: "create_task", Data: map[string]any{}, Confidence: 0.9}, // missing title
		{Type: "create_task", Data: map[string]any{"title": "Valid"}, Confidence: 0.9},
		{Type: "create_appointment", Data: map[string]any{"starts_at": "2026-11-03 15:00", "duration_minutes": "an hour"}, Confidence: 0.9},
	}, nil)

	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, store.OutcomeFailed, res.Outcomes[0].Outcome)
	assert.Contains(t, res.Outcomes[0].Error, "title")
	assert.Equal(t, store.OutcomeExecuted, res.Outcomes[1].Outcome)
	assert.Equal(t, store.OutcomeFailed, res.Outcomes[2].Outcome)
	require.Len(t, res.Audit, 1)
	assert.Equal(t, "action:"+f.trigger.ID+":1", res.Audit[0].IdempotencyKey)

	tasks, err := f.store.ListTasksByConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Valid", tasks[0].Title)

	failed, err := f.store.ListActionRecords(ctx, store.ActionRecordFilter{
		ConversationID: f.conv.ID,
		Outcome:        store.OutcomeFailed,
	})
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestExecute_UnknownKindIgnored(t *testing.T) {
	f := setup(t)

	res := f.executor.Execute(context.Background(), f.conv, f.trigger, []oracle.Action{
		{Type: "send_invoice", Data: map[string]any{"amount": 10.0}, Confidence: 0.99},
		{Type: "create_task", Data: map[string]any{"title": "Still runs"}, Confidence: 0.9},
	}, nil)

	assert.Equal(t, store.OutcomeIgnored, res.Outcomes[0].Outcome)
	assert.Equal(t, store.OutcomeExecuted, res.Outcomes[1].Outcome)
	assert.Len(t, res.Audit, 1)
}

func TestExecute_SuppressedRecordedNotExecuted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.executor.Execute(ctx, f.conv, f.trigger, nil, []oracle.Action{
		{Type: "create_task", Data: map[string]any{"title": "Maybe"}, Confidence: 0.1},
	})

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, store.OutcomeSuppressed, res.Outcomes[0].Outcome)
	assert.Empty(t, res.Audit)

	tasks, err := f.store.ListTasksByConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, store.OutcomeSuppressed, recs[0].Outcome)
	assert.InDelta(t, 0.1, recs[0].Confidence, 1e-9)
}

func TestManifest(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	kinds := map[string]bool{}
	for _, c := range e.Manifest() {
		kinds[c.Type] = true
	}
	assert.True(t, kinds[string(KindCreateTask)])
	assert.True(t, kinds[string(KindCreateLead)])
	assert.True(t, kinds[string(KindCreateAppointment)])
}

func TestIntField(t *testing.T) {
	n, err := intField(map[string]any{"d": 45.0}, "d")
	require.NoError(t, err)
	assert.Equal(t, 45, n)

	n, err = intField(map[string]any{"d": " 60 "}, "d")
	require.NoError(t, err)
	assert.Equal(t, 60, n)

	_, err = intField(map[string]any{"d": 1.5}, "d")
	assert.Error(t, err)

	_, err = intField(map[string]any{"d": true}, "d")
	assert.Error(t, err)
}

func TestExecute_OwnerlessConversationUsesDefaultActor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.conv.OwnerUserID = ""
	f.executor.WithDefaultActor("sales-desk")

	res := f.executor.Execute(ctx, f.conv, f.trigger, []oracle.Action{
		{Type: "create_task", Data: map[string]any{"title": "Follow up"}, Confidence: 0.9},
		{Type: "create_appointment", Data: map[string]any{"starts_at": "2026-11-03 15:00"}, Confidence: 0.9},
	}, nil)

	require.Equal(t, 2, res.Count(store.OutcomeExecuted))

	task, err := f.store.GetTask(ctx, res.Outcomes[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "sales-desk", task.AssigneeID)

	appt, err := f.store.GetAppointment(ctx, res.Outcomes[1].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "sales-desk", appt.OrganizerID)

	tasks, err := f.store.ListTasksByConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestExecute_OwnerlessWithoutDefaultFails(t *testing.T) {
	f := setup(t)
	f.conv.OwnerUserID = ""

	res := f.executor.Execute(context.Background(), f.conv, f.trigger, []oracle.Action{
		{Type: "create_task", Data: map[string]any{"title": "Follow up"}, Confidence: 0.9},
	}, nil)

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, store.OutcomeFailed, res.Outcomes[0].Outcome)
	assert.Contains(t, res.Outcomes[0].Error, "actor")
}
