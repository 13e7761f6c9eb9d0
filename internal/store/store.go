// ABOUTME: Store interfaces and data types for coven-inbox persistence
// ABOUTME: Defines Conversation, Message, Contact and CRM entity structs plus sentinel errors

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConversationNotFound is returned when a write targets a conversation that
// no longer exists. Writes never recreate a deleted conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrEmptyIdempotencyKey is returned when a message is appended without a key.
var ErrEmptyIdempotencyKey = errors.New("idempotency key is required")

// ErrInvalidTimestamp is returned when a message carries a time that cannot
// be stored and read back.
var ErrInvalidTimestamp = errors.New("timestamp out of range")

// ErrDuplicateConversation is returned when a conversation for the same
// tenant and phone was created concurrently.
var ErrDuplicateConversation = errors.New("conversation already exists")

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderContact SenderKind = "contact"
	SenderUser    SenderKind = "user"
	SenderAI      SenderKind = "ai"
)

// Message types. Inbound provider types are stored as-is; these are the ones
// the pipeline itself produces.
const (
	MessageTypeText   = "text"
	MessageTypeAction = "action"
)

// Delivery statuses for messages.
const (
	StatusReceived  = "received"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Conversation is the unit of message history and AI enablement for one
// contact within one tenant/user context.
type Conversation struct {
	ID            string
	TenantID      string
	OwnerUserID   string
	ContactPhone  string // normalized, digits only
	ContactName   string
	ContactID     string // empty when not linked to a CRM contact
	AIEnabled     bool
	LastMessageAt *time.Time
	UnreadCount   int
	AutoCreated   bool // created by the resolver on first contact
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is a single stored channel message.
type Message struct {
	ID             string
	ConversationID string
	Sender         SenderKind
	Body           string
	Type           string
	IdempotencyKey string // provider id, or a synthetic key; never empty
	AIGenerated    bool
	Metadata       map[string]any
	Status         string
	CreatedAt      time.Time
}

// Contact is a CRM contact record, read to seed new conversations.
type Contact struct {
	ID        string
	TenantID  string
	Name      string
	Phone     string
	CreatedAt time.Time
}

// Task is a CRM task created by actions.
type Task struct {
	ID             string
	TenantID       string
	Title          string
	Description    string
	Status         string
	Priority       string
	AssigneeID     string
	DueDate        *time.Time
	ConversationID string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lead is a CRM lead created by actions.
type Lead struct {
	ID             string
	TenantID       string
	Name           string
	Phone          string
	Email          string
	Company        string
	Status         string
	Source         string
	AssigneeID     string
	Notes          string
	ConversationID string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Appointment is a calendar event created by actions.
type Appointment struct {
	ID              string
	TenantID        string
	Title           string
	StartsAt        time.Time
	DurationMinutes int
	Location        string
	Status          string
	OrganizerID     string
	AttendeePhone   string
	ConversationID  string
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ConversationFilter narrows ListConversations results.
type ConversationFilter struct {
	TenantID string // required
	Limit    int    // default 50, max 500
}

// NewSyntheticKey returns a fresh idempotency key for messages that have no
// provider-assigned id.
func NewSyntheticKey() string {
	return "local:" + uuid.New().String()
}

// MessageStore is the idempotent append-only message log.
type MessageStore interface {
	// AppendMessage inserts msg unless a message with the same conversation
	// and idempotency key exists, in which case the existing row is returned
	// with isNew=false.
	AppendMessage(ctx context.Context, msg *Message) (stored *Message, isNew bool, err error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	UpdateMessageStatus(ctx context.Context, idempotencyKey, status string) (conversationIDs []string, err error)
}

// ConversationStore persists conversations and the contacts used to seed them.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversationsByPhone(ctx context.Context, phone, tenantID string) ([]*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)
	MarkConversationRead(ctx context.Context, id string) error
	SetConversationAIEnabled(ctx context.Context, id string, enabled bool) error
	DeleteConversation(ctx context.Context, id string) error

	FindContactByPhone(ctx context.Context, tenantID, phone string) (*Contact, error)
}

// CRMStore persists domain entities created by actions.
type CRMStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByConversation(ctx context.Context, conversationID string) ([]*Task, error)
	CreateLead(ctx context.Context, lead *Lead) error
	GetLead(ctx context.Context, id string) (*Lead, error)
	CreateAppointment(ctx context.Context, appt *Appointment) error
	GetAppointment(ctx context.Context, id string) (*Appointment, error)
}

// ActionLogStore records every action outcome for operator visibility.
type ActionLogStore interface {
	RecordAction(ctx context.Context, rec *ActionRecord) error
	ListActionRecords(ctx context.Context, filter ActionRecordFilter) ([]*ActionRecord, error)
}
