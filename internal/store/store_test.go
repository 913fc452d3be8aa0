// ABOUTME: Tests for store helpers and SQLite-specific behaviour
// ABOUTME: Covers limit clamping, participant checks, media round trips and seen-by isolation

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 0},
		{-5, -5},
		{50, 50},
		{MaxMessageLimit, MaxMessageLimit},
		{MaxMessageLimit + 1, MaxMessageLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampLimit(tt.in), "ClampLimit(%d)", tt.in)
	}
}

func TestConversation_HasParticipant(t *testing.T) {
	conv := &Conversation{Participants: []string{"alice", "bob"}}
	assert.True(t, conv.HasParticipant("alice"))
	assert.False(t, conv.HasParticipant("carol"))
	assert.False(t, conv.HasParticipant(""))
}

func TestSQLiteStore_MediaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "alice", "bob")

	msg := newMessage(conv.ID, "alice", "", time.Now())
	msg.Media = []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.mp4"}
	require.NoError(t, s.CreateMessage(ctx, msg))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Media, got.Media)
	assert.Empty(t, got.Text)
	assert.Equal(t, []string{"alice"}, got.SeenBy)
}

func TestSQLiteStore_SeenByIsPerConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := seedConversation(t, s, "alice", "bob")
	second := seedConversation(t, s, "alice", "bob", "carol")

	require.NoError(t, s.CreateMessage(ctx, newMessage(first.ID, "alice", "one", time.Now())))
	require.NoError(t, s.CreateMessage(ctx, newMessage(second.ID, "alice", "two", time.Now())))

	changed, err := s.BulkMarkSeen(ctx, first.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	msgs, err := s.GetMessages(ctx, second.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotContains(t, msgs[0].SeenBy, "bob", "other conversations are untouched")
}

func TestSQLiteStore_UpdateUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	err := s.UpdateConversation(context.Background(), "missing", ConversationPatch{UpdatedAt: &now})
	assert.ErrorIs(t, err, ErrNotFound)
}
