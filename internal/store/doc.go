// Package store provides persistent storage for chat-gateway.
//
// # Architecture
//
// Store is the single persistence contract used by the messaging core. Two
// implementations ship with the gateway:
//
//   - SQLiteStore: embedded database via modernc.org/sqlite (no cgo)
//   - MongoStore: MongoDB via the official driver, for shared deployments
//
// MockStore is an in-memory implementation for tests. It can inject a
// failure into any operation with FailOn and counts calls per operation.
//
// # Data Models
//
//   - User: an account that can authenticate
//   - Conversation: participants, last message and per-participant unread counts
//   - Message: text and media references with a growing seen-by set
//
// # Concurrency
//
// IncrementUnread is atomic in every implementation, so two senders
// incrementing the same participant never lose an update. BulkMarkSeen is
// idempotent and never marks a reader's own messages.
//
// RecordMessage and MarkRead are the units of work behind a send and an
// open. Each runs in one transaction (SQLite BEGIN/COMMIT, a MongoDB session
// transaction), so a failure leaves no partial unread or seen-by change.
// MongoStore therefore needs a replica set.
//
// # Errors
//
// Lookups that miss return ErrNotFound. Creating a user or conversation with
// a taken id returns ErrDuplicateUser or ErrDuplicateConversation. Anything
// else is a storage failure the caller should treat as transient.
package store
