// ABOUTME: Conversation Resolver maps an external contact phone to every conversation that must receive a copy
// ABOUTME: Creates exactly one conversation on first contact, seeded from a CRM contact when one exists

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-inbox/internal/store"
)

// ErrInvalidPhone is returned when a phone has no digits after normalization.
var ErrInvalidPhone = errors.New("invalid contact phone")

// ErrNoDefaultTenant is returned when a conversation must be created but the
// scope names no tenant to create it in.
var ErrNoDefaultTenant = errors.New("no default tenant for new conversation")

// Scope bounds which conversations the resolver considers.
type Scope struct {
	// TenantID restricts lookups to one tenant. Empty means every tenant the
	// channel serves.
	TenantID string

	// Used when no conversation matches and one has to be created.
	DefaultTenantID    string
	DefaultOwnerUserID string
	DefaultAIEnabled   bool
}

// creationTenant is the tenant a new conversation is created in.
func (s Scope) creationTenant() string {
	if s.TenantID != "" {
		return s.TenantID
	}
	return s.DefaultTenantID
}

// ResolverStore is the storage the resolver needs.
type ResolverStore interface {
	FindConversationsByPhone(ctx context.Context, phone, tenantID string) ([]*store.Conversation, error)
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	FindContactByPhone(ctx context.Context, tenantID, phone string) (*store.Contact, error)
}

// Resolver finds or creates the conversations for a contact.
type Resolver struct {
	store  ResolverStore
	logger *slog.Logger
}

// NewResolver creates a resolver. Pass nil logger for default.
func NewResolver(s ResolverStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		logger: logger.With("component", "resolver"),
	}
}

// NormalizePhone strips everything but digits.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Resolve returns every conversation in scope for phone. A phone may
// legitimately belong to several independently created conversations, and
// each gets its own copy of an inbound message. When none match, exactly one
// conversation is created; profileName names the placeholder when no CRM
// contact matches.
func (r *Resolver) Resolve(ctx context.Context, phone, profileName string, scope Scope) ([]*store.Conversation, error) {
	normalized := NormalizePhone(phone)
	if normalized == "" {
		return nil, ErrInvalidPhone
	}

	convs, err := r.store.FindConversationsByPhone(ctx, normalized, scope.TenantID)
	if err != nil {
		return nil, fmt.Errorf("finding conversations: %w", err)
	}
	if len(convs) > 0 {
		return convs, nil
	}

	conv, err := r.create(ctx, normalized, profileName, scope.creationTenant(), scope.DefaultOwnerUserID, scope.DefaultAIEnabled, true)
	if err != nil {
		return nil, err
	}
	return []*store.Conversation{conv}, nil
}

// EnsureConversation returns a conversation between ownerUserID and phone in
// tenantID, creating it when a user messages the contact first.
func (r *Resolver) EnsureConversation(ctx context.Context, tenantID, ownerUserID, phone, name string) (*store.Conversation, error) {
	if tenantID == "" {
		return nil, ErrNoDefaultTenant
	}
	normalized := NormalizePhone(phone)
	if normalized == "" {
		return nil, ErrInvalidPhone
	}

	convs, err := r.store.FindConversationsByPhone(ctx, normalized, tenantID)
	if err != nil {
		return nil, fmt.Errorf("finding conversations: %w", err)
	}
	if conv := pickOwned(convs, ownerUserID); conv != nil {
		return conv, nil
	}

	// The first conversation for a phone competes with inbound creation;
	// later ones are additional, user-owned conversations.
	return r.create(ctx, normalized, name, tenantID, ownerUserID, false, len(convs) == 0)
}

// create inserts a conversation. For auto conversations a concurrent creator
// for the same tenant and phone wins and its row is returned instead.
func (r *Resolver) create(ctx context.Context, phone, profileName, tenantID, ownerUserID string, aiEnabled, auto bool) (*store.Conversation, error) {
	if tenantID == "" {
		return nil, ErrNoDefaultTenant
	}

	conv := &store.Conversation{
		TenantID:     tenantID,
		OwnerUserID:  ownerUserID,
		ContactPhone: phone,
		ContactName:  profileName,
		AIEnabled:    aiEnabled,
		AutoCreated:  auto,
	}

	contact, err := r.store.FindContactByPhone(ctx, tenantID, phone)
	switch {
	case err == nil:
		conv.ContactID = contact.ID
		conv.ContactName = contact.Name
	case errors.Is(err, store.ErrNotFound):
		// Anonymous placeholder
		if conv.ContactName == "" {
			conv.ContactName = phone
		}
	default:
		return nil, fmt.Errorf("finding contact: %w", err)
	}

	err = r.store.CreateConversation(ctx, conv)
	if errors.Is(err, store.ErrDuplicateConversation) {
		existing, ferr := r.store.FindConversationsByPhone(ctx, phone, tenantID)
		if ferr != nil {
			return nil, fmt.Errorf("finding conversations after conflict: %w", ferr)
		}
		if winner := pickAuto(existing); winner != nil {
			return winner, nil
		}
		return nil, fmt.Errorf("conversation conflict for tenant %s: %w", tenantID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	r.logger.Info("created conversation",
		"conversation_id", conv.ID,
		"tenant_id", tenantID,
		"contact_id", conv.ContactID,
	)
	return conv, nil
}

func pickOwned(convs []*store.Conversation, ownerUserID string) *store.Conversation {
	for _, c := range convs {
		if c.OwnerUserID == ownerUserID {
			return c
		}
	}
	if ownerUserID == "" && len(convs) > 0 {
		return convs[0]
	}
	return nil
}

func pickAuto(convs []*store.Conversation) *store.Conversation {
	for _, c := range convs {
		if c.AutoCreated {
			return c
		}
	}
	return nil
}
