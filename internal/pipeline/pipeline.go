// ABOUTME: Inbound message pipeline: resolve, store idempotently, notify, then queue AI work per conversation
// ABOUTME: Fans out across every conversation sharing a phone; one conversation failing never blocks the others

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-inbox/internal/actions"
	"github.com/2389/coven-inbox/internal/channel"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/metrics"
	"github.com/2389/coven-inbox/internal/oracle"
	"github.com/2389/coven-inbox/internal/store"
	"github.com/2389/coven-inbox/internal/webhook"
)

// ErrClosed is returned once the pipeline is shutting down.
var ErrClosed = errors.New("pipeline closed")

// Store is the persistence the pipeline needs.
type Store interface {
	AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	UpdateMessageStatus(ctx context.Context, idempotencyKey, status string) ([]string, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Resolver maps a contact phone to conversations.
type Resolver interface {
	Resolve(ctx context.Context, phone, profileName string, scope conversation.Scope) ([]*store.Conversation, error)
	EnsureConversation(ctx context.Context, tenantID, ownerUserID, phone, name string) (*store.Conversation, error)
}

// Oracle proposes replies and actions. *oracle.Adapter implements it.
type Oracle interface {
	Generate(ctx context.Context, req *oracle.Request) oracle.Response
}

// Executor runs proposed actions. *actions.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, conv *store.Conversation, trigger *store.Message, proposed, suppressed []oracle.Action) *actions.Result
	Manifest() []oracle.Capability
}

// Notifier publishes to realtime subscribers. *conversation.Notifier implements it.
type Notifier interface {
	Notify(msg *store.Message) bool
	NotifyStatus(conversationID, idempotencyKey, status string)
}

// Config tunes the pipeline.
type Config struct {
	// AIEnabled is the global switch; each conversation has its own flag too.
	AIEnabled     bool
	FallbackReply string // stored when the oracle degrades without usable text
	HistoryLimit  int    // messages of history sent to the oracle

	Workers   int // AI worker goroutines
	QueueSize int // AI jobs buffered before overflow goroutines are used

	StoreRetryAttempts int           // inline attempts per conversation
	StoreRetryBackoff  time.Duration // first inline backoff, doubled each attempt
	AsyncRetryAttempts int           // background re-runs after inline attempts are exhausted
	AsyncRetryDelay    time.Duration

	Scope conversation.Scope
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.StoreRetryAttempts <= 0 {
		c.StoreRetryAttempts = 3
	}
	if c.StoreRetryBackoff <= 0 {
		c.StoreRetryBackoff = 100 * time.Millisecond
	}
	if c.AsyncRetryAttempts < 0 {
		c.AsyncRetryAttempts = 0
	}
	if c.AsyncRetryDelay <= 0 {
		c.AsyncRetryDelay = 5 * time.Second
	}
}

// Deps are the collaborators a Pipeline is built from.
type Deps struct {
	Store    Store
	Resolver Resolver
	Oracle   Oracle
	Executor Executor
	Notifier Notifier
	Sender   channel.Sender
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Pipeline processes inbound and outbound messages.
type Pipeline struct {
	cfg      Config
	store    Store
	resolver Resolver
	oracle   Oracle
	executor Executor
	notifier Notifier
	sender   channel.Sender
	metrics  *metrics.Metrics
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	jobs    chan aiJob
	workers sync.WaitGroup // AI workers and overflow AI jobs
	retries sync.WaitGroup
}

// New creates a pipeline and starts its AI workers.
func New(cfg Config, d Deps) *Pipeline {
	cfg.applyDefaults()
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sender := d.Sender
	if sender == nil {
		sender = channel.LogSender{Logger: logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:      cfg,
		store:    d.Store,
		resolver: d.Resolver,
		oracle:   d.Oracle,
		executor: d.Executor,
		notifier: d.Notifier,
		sender:   sender,
		metrics:  d.Metrics,
		logger:   logger.With("component", "pipeline"),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan aiJob, cfg.QueueSize),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	return p
}

// HandleInbound records ev in every conversation the sender's phone resolves
// to. Storage completes before it returns; AI work is queued. The returned
// error joins the failures of individual conversations.
func (p *Pipeline) HandleInbound(ctx context.Context, ev webhook.InboundEvent) error {
	if p.isClosed() {
		return ErrClosed
	}

	key := ev.ExternalMessageID
	if key == "" {
		key = store.NewSyntheticKey()
	}

	convs, err := p.resolver.Resolve(ctx, ev.FromContact, ev.ContactName, p.cfg.Scope)
	if err != nil {
		p.metrics.PipelineFailure("resolve")
		return fmt.Errorf("resolving conversations for %s: %w", key, err)
	}

	errs := make([]error, len(convs))
	var wg sync.WaitGroup
	for i, conv := range convs {
		wg.Add(1)
		go func(i int, conv *store.Conversation) {
			defer wg.Done()
			msg := inboundMessage(conv, key, ev)
			if err := p.deliver(ctx, conv, msg); err != nil {
				errs[i] = fmt.Errorf("conversation %s: %w", conv.ID, err)
			}
		}(i, conv)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func inboundMessage(conv *store.Conversation, key string, ev webhook.InboundEvent) *store.Message {
	meta := map[string]any{}
	if ev.RawPayload != nil {
		meta["raw"] = ev.RawPayload
	}
	if ev.ContactName != "" {
		meta["profile_name"] = ev.ContactName
	}
	return &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderContact,
		Body:           ev.Body,
		Type:           ev.Type,
		IdempotencyKey: key,
		Metadata:       meta,
		Status:         store.StatusReceived,
		CreatedAt:      ev.Timestamp,
	}
}

// deliver runs one conversation's leg of the fan-out. Transient storage
// failures left after the inline retries are handed to a background retry.
func (p *Pipeline) deliver(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	err := p.storeAndDispatch(ctx, conv, msg)
	if err == nil {
		return nil
	}

	if errors.Is(err, store.ErrConversationNotFound) {
		p.logger.Info("conversation deleted before message was stored",
			"conversation_id", conv.ID, "idempotency_key", msg.IdempotencyKey)
		return err
	}

	p.metrics.PipelineFailure("store")
	if isTransient(err) {
		p.retryLater(conv, msg)
	}
	return err
}

// storeAndDispatch appends msg and, when it is new, notifies and queues AI.
func (p *Pipeline) storeAndDispatch(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	stored, isNew, err := p.appendWithRetry(ctx, msg)
	if err != nil {
		return err
	}
	p.metrics.MessageStored(string(stored.Sender), isNew)

	if !isNew {
		p.logger.Debug("duplicate delivery",
			"conversation_id", conv.ID, "idempotency_key", msg.IdempotencyKey)
		return nil
	}

	p.notify(stored)

	if p.shouldGenerate(conv, stored) {
		p.enqueue(aiJob{conv: conv, trigger: stored})
	}
	return nil
}

// shouldGenerate is the AI gate: global flag, conversation flag, and a
// contact-authored message. Duplicates never reach here.
func (p *Pipeline) shouldGenerate(conv *store.Conversation, msg *store.Message) bool {
	return p.cfg.AIEnabled && conv.AIEnabled && msg.Sender == store.SenderContact && p.oracle != nil
}

func isTransient(err error) bool {
	return !errors.Is(err, store.ErrConversationNotFound) &&
		!errors.Is(err, store.ErrEmptyIdempotencyKey) &&
		!errors.Is(err, store.ErrInvalidTimestamp) &&
		!errors.Is(err, context.Canceled)
}

// appendWithRetry retries transient failures with exponential backoff.
func (p *Pipeline) appendWithRetry(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	backoff := p.cfg.StoreRetryBackoff
	var lastErr error

	for attempt := 1; attempt <= p.cfg.StoreRetryAttempts; attempt++ {
		stored, isNew, err := p.store.AppendMessage(ctx, msg)
		if err == nil {
			return stored, isNew, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == p.cfg.StoreRetryAttempts {
			break
		}

		p.metrics.StoreRetry()
		p.logger.Warn("append failed, retrying",
			"conversation_id", msg.ConversationID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		backoff *= 2
	}
	return nil, false, fmt.Errorf("appending message: %w", lastErr)
}

// retryLater re-runs a failed conversation leg in the background.
func (p *Pipeline) retryLater(conv *store.Conversation, msg *store.Message) {
	if p.cfg.AsyncRetryAttempts == 0 {
		p.logger.Error("message dropped after retries",
			"conversation_id", conv.ID, "idempotency_key", msg.IdempotencyKey)
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		for attempt := 1; attempt <= p.cfg.AsyncRetryAttempts; attempt++ {
			select {
			case <-time.After(p.cfg.AsyncRetryDelay):
			case <-p.ctx.Done():
				return
			}

			err := p.storeAndDispatch(p.ctx, conv, msg)
			if err == nil {
				p.logger.Info("background retry stored message",
					"conversation_id", conv.ID, "idempotency_key", msg.IdempotencyKey, "attempt", attempt)
				return
			}
			if !isTransient(err) {
				break
			}
			p.logger.Warn("background retry failed",
				"conversation_id", conv.ID, "attempt", attempt, "error", err)
		}
		p.metrics.PipelineFailure("retry")
		p.logger.Error("message dropped after background retries",
			"conversation_id", conv.ID, "idempotency_key", msg.IdempotencyKey)
	}()
}

func (p *Pipeline) notify(msg *store.Message) {
	if p.notifier == nil {
		return
	}
	if p.notifier.Notify(msg) {
		p.metrics.Notification()
	}
}

// ApplyStatus records a provider delivery receipt and tells subscribers.
func (p *Pipeline) ApplyStatus(ctx context.Context, st webhook.StatusUpdate) error {
	convIDs, err := p.store.UpdateMessageStatus(ctx, st.ExternalMessageID, st.Status)
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", st.ExternalMessageID, err)
	}
	if len(convIDs) == 0 {
		p.logger.Debug("status update matched no outbound message",
			"external_id", st.ExternalMessageID, "status", st.Status)
		return nil
	}
	if len(st.Errors) > 0 {
		p.logger.Warn("provider reported delivery errors",
			"external_id", st.ExternalMessageID, "errors", st.Errors)
	}
	for _, id := range convIDs {
		if p.notifier != nil {
			p.notifier.NotifyStatus(id, st.ExternalMessageID, st.Status)
		}
	}
	return nil
}

func (p *Pipeline) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close stops accepting work, waits for queued AI jobs to finish and cancels
// pending background retries. It honours ctx for the wait.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		p.cancel()
		p.retries.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("draining pipeline: %w", ctx.Err())
	}
}
