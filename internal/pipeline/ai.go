// ABOUTME: AI worker pool: oracle call, action execution, reply send and storage for new inbound messages
// ABOUTME: No lock is held across the oracle call; a degraded oracle still yields a stored fallback reply

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-inbox/internal/actions"
	"github.com/2389/coven-inbox/internal/channel"
	"github.com/2389/coven-inbox/internal/oracle"
	"github.com/2389/coven-inbox/internal/store"
)

type aiJob struct {
	conv    *store.Conversation
	trigger *store.Message
}

func (p *Pipeline) worker() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.metrics.AIQueueDepth(len(p.jobs))
		p.runAI(p.ctx, job)
	}
}

// enqueue hands job to the worker pool. A full queue never blocks intake:
// the job gets its own goroutine instead.
func (p *Pipeline) enqueue(job aiJob) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.Warn("pipeline closed, skipping AI reply",
			"conversation_id", job.conv.ID, "message_id", job.trigger.ID)
		return
	}

	select {
	case p.jobs <- job:
		p.metrics.AIQueueDepth(len(p.jobs))
	default:
		p.logger.Warn("AI queue full, running job outside the pool",
			"conversation_id", job.conv.ID, "queue_size", p.cfg.QueueSize)
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			p.runAI(p.ctx, job)
		}()
	}
}

// runAI takes a stored inbound message through
// GENERATED -> ACTIONS_EXECUTED -> REPLY_STORED -> NOTIFIED.
func (p *Pipeline) runAI(ctx context.Context, job aiJob) {
	logger := p.logger.With("conversation_id", job.conv.ID, "trigger_message_id", job.trigger.ID)

	// The flag may have been switched off since the message was stored.
	conv := job.conv
	if fresh, err := p.store.GetConversation(ctx, conv.ID); err == nil {
		conv = fresh
	} else {
		logger.Warn("conversation unavailable for AI reply", "error", err)
		return
	}
	if !conv.AIEnabled {
		logger.Debug("AI disabled for conversation, skipping reply")
		return
	}

	req, err := p.buildRequest(ctx, conv)
	if err != nil {
		logger.Error("failed to load history for oracle", "error", err)
		p.metrics.PipelineFailure("history")
		return
	}

	start := time.Now()
	resp := p.oracle.Generate(ctx, req)
	p.metrics.OracleRequest(resp.Degraded, time.Since(start))

	var result *actions.Result
	if p.executor != nil {
		result = p.executor.Execute(ctx, conv, job.trigger, resp.Actions, resp.Suppressed)
		for _, audit := range result.Audit {
			p.notify(audit)
		}
		for _, oc := range result.Outcomes {
			p.metrics.Action(oc.Kind, string(oc.Outcome))
		}
	} else {
		result = &actions.Result{}
	}

	text := strings.TrimSpace(resp.ReplyText)
	if resp.Degraded && text == "" {
		text = strings.TrimSpace(p.cfg.FallbackReply)
	}
	if text == "" && !resp.Degraded {
		logger.Debug("oracle proposed no reply")
		return
	}

	reply := p.sendReply(ctx, conv, job.trigger, text)
	reply.Metadata = replyMetadata(resp, result, job.trigger)

	stored, isNew, err := p.appendWithRetry(ctx, reply)
	if err != nil {
		logger.Error("failed to store AI reply", "error", err)
		p.metrics.PipelineFailure("reply")
		return
	}
	p.metrics.MessageStored(string(stored.Sender), isNew)
	if isNew {
		p.notify(stored)
	}

	logger.Info("AI reply processed",
		"degraded", resp.Degraded,
		"executed", result.Count(store.OutcomeExecuted),
		"suppressed", result.Count(store.OutcomeSuppressed),
		"failed", result.Count(store.OutcomeFailed),
		"sent", reply.Status == store.StatusSent,
	)
}

// buildRequest assembles recent history for the oracle. Audit messages are
// left out; they describe actions, not conversation turns.
func (p *Pipeline) buildRequest(ctx context.Context, conv *store.Conversation) (*oracle.Request, error) {
	history, err := p.store.ListMessages(ctx, conv.ID, p.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}

	req := &oracle.Request{}
	for _, m := range history {
		if m.Type == store.MessageTypeAction || strings.TrimSpace(m.Body) == "" {
			continue
		}
		req.History = append(req.History, oracle.Turn{Role: roleFor(m.Sender), Text: m.Body})
	}
	if p.executor != nil {
		req.Manifest = p.executor.Manifest()
	}
	return req, nil
}

func roleFor(s store.SenderKind) string {
	switch s {
	case store.SenderContact:
		return oracle.RoleContact
	case store.SenderAI:
		return oracle.RoleAssistant
	default:
		return oracle.RoleUser
	}
}

// sendReply delivers text and returns the message to store. The provider id
// becomes the key; without one the key is derived from the trigger so a
// replayed job cannot store a second reply.
func (p *Pipeline) sendReply(ctx context.Context, conv *store.Conversation, trigger *store.Message, text string) *store.Message {
	reply := &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderAI,
		Body:           text,
		Type:           store.MessageTypeText,
		IdempotencyKey: "reply:" + trigger.ID,
		AIGenerated:    true,
		Status:         store.StatusReceived,
	}
	if text == "" {
		return reply
	}

	formatted := channel.FormatMarkdown(text)
	reply.Body = formatted

	res, err := p.sender.Send(ctx, conv.ContactPhone, formatted)
	p.metrics.OutboundSend(err == nil)
	if err != nil {
		p.logger.Error("failed to send AI reply", "conversation_id", conv.ID, "error", err)
		reply.Status = store.StatusFailed
		return reply
	}

	reply.Status = store.StatusSent
	if res.ExternalID != "" {
		reply.IdempotencyKey = res.ExternalID
	}
	return reply
}

func replyMetadata(resp oracle.Response, result *actions.Result, trigger *store.Message) map[string]any {
	meta := map[string]any{
		"trigger_message_id": trigger.ID,
	}
	for _, k := range []string{"intent", "sentiment"} {
		if v, ok := resp.Metadata[k]; ok {
			meta[k] = v
		}
	}
	if executed := result.Filter(store.OutcomeExecuted); len(executed) > 0 {
		meta["actions_executed"] = executed
	}
	if suppressed := result.Filter(store.OutcomeSuppressed); len(suppressed) > 0 {
		meta["actions_suppressed"] = suppressed
	}
	if failed := result.Filter(store.OutcomeFailed); len(failed) > 0 {
		meta["actions_failed"] = failed
	}
	if ignored := result.Filter(store.OutcomeIgnored); len(ignored) > 0 {
		meta["actions_ignored"] = ignored
	}
	if resp.Degraded {
		meta["degraded"] = true
		if resp.Violation != nil {
			meta["degraded_reason"] = resp.Violation.Error()
		}
	}
	return meta
}

// SendOutbound delivers a human-authored reply in an existing conversation.
// The conversation must belong to tenantID. A failed send is still stored
// with status failed and the send error is returned alongside it.
func (p *Pipeline) SendOutbound(ctx context.Context, tenantID, userID, conversationID, body string) (*store.Message, error) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return p.sendHuman(ctx, conv, userID, body)
}

// StartConversation messages a phone from userID, creating the conversation
// when the user writes first.
func (p *Pipeline) StartConversation(ctx context.Context, tenantID, userID, phone, name, body string) (*store.Message, error) {
	conv, err := p.resolver.EnsureConversation(ctx, tenantID, userID, phone, name)
	if err != nil {
		return nil, err
	}
	return p.sendHuman(ctx, conv, userID, body)
}

func (p *Pipeline) sendHuman(ctx context.Context, conv *store.Conversation, userID, body string) (*store.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("message body is required")
	}

	msg := &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderUser,
		Body:           body,
		Type:           store.MessageTypeText,
		Status:         store.StatusSent,
		Metadata:       map[string]any{"user_id": userID},
	}

	res, sendErr := p.sender.Send(ctx, conv.ContactPhone, body)
	p.metrics.OutboundSend(sendErr == nil)
	if sendErr != nil {
		msg.Status = store.StatusFailed
		msg.Metadata["send_error"] = sendErr.Error()
	}
	msg.IdempotencyKey = res.ExternalID
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = store.NewSyntheticKey()
	}

	stored, isNew, err := p.appendWithRetry(ctx, msg)
	if err != nil {
		return nil, err
	}
	p.metrics.MessageStored(string(stored.Sender), isNew)
	if isNew {
		p.notify(stored)
	}

	if sendErr != nil {
		return stored, fmt.Errorf("sending message: %w", sendErr)
	}
	return stored, nil
}
