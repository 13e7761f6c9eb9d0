// Package conversation maps contacts to conversations and fans stored
// messages out to realtime subscribers.
//
// # Resolver
//
// The Resolver turns an inbound contact phone into the set of conversations
// that must each receive a copy of the message:
//
//	r := conversation.NewResolver(store, logger)
//	convs, err := r.Resolve(ctx, "+55 11 99999-0000", "Ana", scope)
//
// Phones are normalized to digits. A phone may belong to several
// conversations (shared contacts across users or tenants); all are returned.
// When none exist, exactly one is created in the scope's default tenant,
// seeded from a matching CRM contact or named after the provider profile.
// Concurrent first contacts race on a unique index and the loser adopts the
// winner's row.
//
// EnsureConversation covers the outbound-first case where a user writes to
// a contact that has never messaged in.
//
// # Broadcasting
//
// EventBroadcaster is an in-memory pub/sub keyed by conversation id. Each
// subscriber has a buffered channel; publishing never blocks and slow
// subscribers miss events rather than stalling the pipeline.
//
// Notifier sits in front of the broadcaster and claims each message id in a
// dedupe cache before publishing, so a stored message reaches subscribers at
// most once even if the pipeline retries.
package conversation
