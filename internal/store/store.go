// ABOUTME: Store interface and data types for chat-gateway persistence
// ABOUTME: Defines User, Conversation, Message and the operations the messaging core needs

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation id is already taken
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrDuplicateUser is returned when a user id is already taken
var ErrDuplicateUser = errors.New("user already exists")

// Default and maximum page sizes for history queries
const (
	DefaultMessageLimit = 100
	MaxMessageLimit     = 1000
)

// User is an account that can authenticate and participate in conversations
type User struct {
	ID        string
	Username  string
	Avatar    string
	CreatedAt time.Time
}

// Conversation is a persistent group of participants exchanging messages.
// UnreadCounts has an entry for every participant.
type Conversation struct {
	ID            string
	Participants  []string
	LastMessageID string
	UnreadCounts  map[string]int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasParticipant reports whether userID is one of the conversation participants.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a single entry in a conversation. After creation only SeenBy grows.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Media          []string
	SeenBy         []string
	CreatedAt      time.Time
}

// ConversationPatch describes the fields UpdateConversation changes.
// Nil fields are left alone.
type ConversationPatch struct {
	LastMessageID *string
	UpdatedAt     *time.Time
	// ResetUnread lists participants whose unread count is set to zero
	ResetUnread []string
}

// MessageRecord is everything a single send writes.
type MessageRecord struct {
	Message *Message
	// IncrementUnread lists participants whose unread count goes up by one.
	// The sender is never incremented.
	IncrementUnread []string
}

// Store is the persistence contract of the messaging core.
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// FindConversationForParticipant returns ErrNotFound when the conversation
	// does not exist or userID is not one of its participants.
	FindConversationForParticipant(ctx context.Context, conversationID, userID string) (*Conversation, error)
	// FindDirectConversation returns the two-party conversation between a and b.
	FindDirectConversation(ctx context.Context, a, b string) (*Conversation, error)
	// ListConversationsForUser returns conversations ordered by UpdatedAt descending.
	ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, conversationID string, patch ConversationPatch) error
	// IncrementUnread atomically adds one to the participant's unread count and
	// returns the new value.
	IncrementUnread(ctx context.Context, conversationID, userID string) (int, error)

	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// GetMessages returns the newest limit messages in ascending CreatedAt order.
	// A limit <= 0 returns every message.
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	// BulkMarkSeen adds seerID to the seen-by set of every message in the
	// conversation not sent by seerID. Idempotent; returns the number of
	// messages that changed.
	BulkMarkSeen(ctx context.Context, conversationID, seerID string) (int64, error)

	// RecordMessage inserts rec.Message, increments unread for
	// rec.IncrementUnread, zeroes the sender's unread count and sets the
	// conversation's last message and updated-at in one transaction. It returns
	// the new counts of the incremented participants. On error nothing is written.
	RecordMessage(ctx context.Context, rec MessageRecord) (map[string]int, error)
	// MarkRead zeroes userID's unread count and runs BulkMarkSeen for userID in
	// one transaction. Returns ErrNotFound when userID is not a participant.
	MarkRead(ctx context.Context, conversationID, userID string) (int64, error)

	Close() error
}

// ClampLimit normalises a history page size.
func ClampLimit(limit int) int {
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}
