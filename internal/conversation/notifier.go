// ABOUTME: Notifier publishes newly stored messages to realtime subscribers at most once
// ABOUTME: A dedupe claim on the message id guards against retries publishing twice

package conversation

import (
	"log/slog"

	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/store"
)

// Notifier wraps an EventBroadcaster with an at-most-once guard.
type Notifier struct {
	broadcaster *EventBroadcaster
	published   *dedupe.Cache
	logger      *slog.Logger
}

// NewNotifier creates a notifier. published remembers which message ids have
// already gone out; it is owned by the caller.
func NewNotifier(b *EventBroadcaster, published *dedupe.Cache, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		broadcaster: b,
		published:   published,
		logger:      logger.With("component", "notifier"),
	}
}

// Notify publishes msg to the subscribers of its conversation. It must only be
// called for messages the store reported as new. Returns false when msg was
// already published.
func (n *Notifier) Notify(msg *store.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	if !n.published.Claim(msg.ID) {
		n.logger.Debug("message already published", "message_id", msg.ID)
		return false
	}

	delivered := n.broadcaster.Publish(Event{
		Type:           EventMessageCreated,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})

	n.logger.Debug("message published",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"subscribers", delivered)
	return true
}

// NotifyStatus publishes a delivery status change. Status events are not
// deduplicated; subscribers treat them as idempotent updates.
func (n *Notifier) NotifyStatus(conversationID, idempotencyKey, status string) {
	n.broadcaster.Publish(Event{
		Type:           EventMessageStatus,
		ConversationID: conversationID,
		IdempotencyKey: idempotencyKey,
		Status:         status,
	})
}

// Broadcaster returns the underlying broadcaster for subscription.
func (n *Notifier) Broadcaster() *EventBroadcaster {
	return n.broadcaster
}
