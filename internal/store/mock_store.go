// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	conversations map[string]*Conversation
	messages      map[string][]*Message // keyed by conversation ID, insertion order
	messageIndex  map[string]*Message   // keyed by message ID

	// Injected failures, keyed by operation name (e.g. "CreateMessage")
	failures map[string]error
	calls    map[string]int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageIndex:  make(map[string]*Message),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
	}
}

// FailOn makes every later call to op return err. A nil err clears the failure.
func (m *MockStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op has been invoked.
func (m *MockStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// enter records the call and returns any injected failure. Must be called with mu held.
func (m *MockStore) enter(op string) error {
	m.calls[op]++
	return m.failures[op]
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	return &cp
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	cp.Media = append([]string(nil), msg.Media...)
	cp.SeenBy = append([]string(nil), msg.SeenBy...)
	return &cp
}

func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateUser"); err != nil {
		return err
	}
	if _, exists := m.users[user.ID]; exists {
		return ErrDuplicateUser
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetUser"); err != nil {
		return nil, err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateConversation"); err != nil {
		return err
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}
	c := copyConversation(conv)
	for _, p := range c.Participants {
		if _, ok := c.UnreadCounts[p]; !ok {
			c.UnreadCounts[p] = 0
		}
	}
	m.conversations[c.ID] = c
	return nil
}

func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetConversation"); err != nil {
		return nil, err
	}
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

func (m *MockStore) FindConversationForParticipant(ctx context.Context, conversationID, userID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindConversationForParticipant"); err != nil {
		return nil, err
	}
	c, ok := m.conversations[conversationID]
	if !ok || !c.HasParticipant(userID) {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

func (m *MockStore) FindDirectConversation(ctx context.Context, a, b string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindDirectConversation"); err != nil {
		return nil, err
	}
	var found *Conversation
	for _, c := range m.conversations {
		if len(c.Participants) != 2 || !c.HasParticipant(a) || !c.HasParticipant(b) {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyConversation(found), nil
}

func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListConversationsForUser"); err != nil {
		return nil, err
	}
	result := make([]*Conversation, 0)
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			result = append(result, copyConversation(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (m *MockStore) UpdateConversation(ctx context.Context, conversationID string, patch ConversationPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateConversation"); err != nil {
		return err
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if patch.LastMessageID != nil {
		c.LastMessageID = *patch.LastMessageID
	}
	if patch.UpdatedAt != nil {
		c.UpdatedAt = *patch.UpdatedAt
	}
	for _, userID := range patch.ResetUnread {
		if c.HasParticipant(userID) {
			c.UnreadCounts[userID] = 0
		}
	}
	return nil
}

func (m *MockStore) IncrementUnread(ctx context.Context, conversationID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("IncrementUnread"); err != nil {
		return 0, err
	}
	c, ok := m.conversations[conversationID]
	if !ok || !c.HasParticipant(userID) {
		return 0, ErrNotFound
	}
	c.UnreadCounts[userID]++
	return c.UnreadCounts[userID], nil
}

func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateMessage"); err != nil {
		return err
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("inserting message: %w", ErrNotFound)
	}
	if _, exists := m.messageIndex[msg.ID]; exists {
		return fmt.Errorf("inserting message: duplicate id %s", msg.ID)
	}
	cp := copyMessage(msg)
	cp.SeenBy = lo.Uniq(cp.SeenBy)
	m.messages[cp.ConversationID] = append(m.messages[cp.ConversationID], cp)
	m.messageIndex[cp.ID] = cp
	return nil
}

func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetMessage"); err != nil {
		return nil, err
	}
	msg, ok := m.messageIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

func (m *MockStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetMessages"); err != nil {
		return nil, err
	}

	all := m.messages[conversationID]
	result := make([]*Message, len(all))
	for i, msg := range all {
		result[i] = copyMessage(msg)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	limit = ClampLimit(limit)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (m *MockStore) BulkMarkSeen(ctx context.Context, conversationID, seerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BulkMarkSeen"); err != nil {
		return 0, err
	}
	return m.markSeenLocked(conversationID, seerID), nil
}

func (m *MockStore) markSeenLocked(conversationID, seerID string) int64 {
	var changed int64
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID == seerID || lo.Contains(msg.SeenBy, seerID) {
			continue
		}
		msg.SeenBy = append(msg.SeenBy, seerID)
		changed++
	}
	return changed
}

func (m *MockStore) RecordMessage(ctx context.Context, rec MessageRecord) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RecordMessage"); err != nil {
		return nil, err
	}
	msg := rec.Message
	c, ok := m.conversations[msg.ConversationID]
	if !ok || !c.HasParticipant(msg.SenderID) {
		return nil, ErrNotFound
	}
	if _, exists := m.messageIndex[msg.ID]; exists {
		return nil, fmt.Errorf("inserting message: duplicate id %s", msg.ID)
	}
	targets := lo.Without(lo.Uniq(rec.IncrementUnread), msg.SenderID)
	for _, userID := range targets {
		if !c.HasParticipant(userID) {
			return nil, fmt.Errorf("unread for %s: %w", userID, ErrNotFound)
		}
	}

	// Validated; apply everything
	cp := copyMessage(msg)
	cp.SeenBy = lo.Uniq(cp.SeenBy)
	m.messages[cp.ConversationID] = append(m.messages[cp.ConversationID], cp)
	m.messageIndex[cp.ID] = cp

	counts := make(map[string]int, len(targets))
	for _, userID := range targets {
		c.UnreadCounts[userID]++
		counts[userID] = c.UnreadCounts[userID]
	}
	c.UnreadCounts[msg.SenderID] = 0
	c.LastMessageID = msg.ID
	c.UpdatedAt = msg.CreatedAt
	return counts, nil
}

func (m *MockStore) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MarkRead"); err != nil {
		return 0, err
	}
	c, ok := m.conversations[conversationID]
	if !ok || !c.HasParticipant(userID) {
		return 0, ErrNotFound
	}
	c.UnreadCounts[userID] = 0
	return m.markSeenLocked(conversationID, userID), nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Verify MockStore implements Store
var _ Store = (*MockStore)(nil)

// Verify SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// SeedConversation is a test helper that creates a conversation with the
// given participants and zero unread counts.
func (m *MockStore) SeedConversation(id string, participants ...string) *Conversation {
	now := time.Now()
	conv := &Conversation{
		ID:           id,
		Participants: participants,
		UnreadCounts: make(map[string]int),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_ = m.CreateConversation(context.Background(), conv)
	return conv
}
