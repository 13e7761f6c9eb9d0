// Package store provides persistent storage for coven-inbox using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with multiple specialized
// interfaces:
//
//   - MessageStore: The idempotent message log
//   - ConversationStore: Conversations and the CRM contacts used to seed them
//   - CRMStore: Tasks, leads and appointments created by automated actions
//   - ActionLogStore: Outcome of every oracle-proposed action
//
// SQLiteStore implements all interfaces in a single struct, allowing easy
// composition while maintaining clear interface boundaries.
//
// # Idempotent Append
//
// Messages are unique per (conversation_id, idempotency_key). AppendMessage
// inserts inside a transaction; a UNIQUE violation rolls back and returns the
// stored row with isNew=false, so concurrent deliveries of one provider
// message produce exactly one row and exactly one isNew=true. There is no
// application-level lock.
//
// A FOREIGN KEY violation means the conversation was deleted mid-flight and
// surfaces as ErrConversationNotFound. Keys are never empty: messages without
// a provider id use NewSyntheticKey.
//
// # SQLite Configuration
//
// Pragmas are passed in the DSN so every pooled connection gets them:
//
//	foreign_keys=ON, busy_timeout=5000, journal_mode=WAL, _txlock=immediate
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go, default)
// and "sqlite3" (github.com/mattn/go-sqlite3, cgo).
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrConversationNotFound: Write targeted a missing conversation
//   - ErrEmptyIdempotencyKey: Message appended without a key
//   - ErrInvalidTimestamp: Message time outside the storable range
//   - ErrDuplicateConversation: Resolver-created conversation already exists
//
// All methods accept context.Context for cancellation support.
package store
