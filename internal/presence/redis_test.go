// ABOUTME: Integration tests for the Redis presence and room membership mirror
// ABOUTME: Skipped unless CHAT_TEST_REDIS_ADDR points at a reachable server

package presence

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMirror(t *testing.T) *RedisMirror {
	t.Helper()
	return newTestMirrorTTL(t, time.Minute)
}

func newTestMirrorTTL(t *testing.T, ttl time.Duration) *RedisMirror {
	t.Helper()
	addr := os.Getenv("CHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHAT_TEST_REDIS_ADDR not set")
	}
	m, err := NewRedisMirror(t.Context(), RedisConfig{Addr: addr, TTL: ttl, NodeID: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRedisMirror_MultiDevice(t *testing.T) {
	m := newTestMirror(t)
	ctx := t.Context()
	user := "user-" + uuid.NewString()

	require.NoError(t, m.Connected(ctx, user, "c1"))
	require.NoError(t, m.Connected(ctx, user, "c2"))

	online, err := m.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, m.Disconnected(ctx, user, "c1"))
	users, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, users, user)

	require.NoError(t, m.Disconnected(ctx, user, "c2"))
	users, err = m.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotContains(t, users, user)

	online, err = m.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestRedisMirror_CrashedNodeExpiresFromSnapshot(t *testing.T) {
	m := newTestMirrorTTL(t, time.Second)
	ctx := t.Context()
	user := "user-" + uuid.NewString()

	// Connected with no Disconnected afterwards, as when a node dies
	require.NoError(t, m.Connected(ctx, user, "c1"))
	users, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, users, user)

	assert.Eventually(t, func() bool {
		users, err := m.Snapshot(ctx)
		return err == nil && !lo.Contains(users, user)
	}, 5*time.Second, 100*time.Millisecond)

	online, err := m.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestRedisMirror_RefreshKeepsUserOnline(t *testing.T) {
	m := newTestMirrorTTL(t, time.Second)
	ctx := t.Context()
	user := "user-" + uuid.NewString()

	require.NoError(t, m.Connected(ctx, user, "c1"))
	for range 4 {
		time.Sleep(500 * time.Millisecond)
		require.NoError(t, m.Refresh(ctx, user, "c1"))
	}
	users, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, users, user)
	require.NoError(t, m.Disconnected(ctx, user, "c1"))
}

func TestRedisMirror_RoomMembership(t *testing.T) {
	m := newTestMirror(t)
	ctx := t.Context()
	room := "conv-" + uuid.NewString()

	joined, err := m.RoomHasUser(ctx, room, "bob")
	require.NoError(t, err)
	assert.False(t, joined)

	require.NoError(t, m.RoomJoined(ctx, room, "bob", "b1"))
	require.NoError(t, m.RoomJoined(ctx, room, "bob", "b2"))
	joined, err = m.RoomHasUser(ctx, room, "bob")
	require.NoError(t, err)
	assert.True(t, joined)

	joined, err = m.RoomHasUser(ctx, room, "alice")
	require.NoError(t, err)
	assert.False(t, joined, "membership is per user")

	require.NoError(t, m.RoomLeft(ctx, room, "bob", "b1"))
	joined, err = m.RoomHasUser(ctx, room, "bob")
	require.NoError(t, err)
	assert.True(t, joined, "second device still joined")

	require.NoError(t, m.RoomLeft(ctx, room, "bob", "b2"))
	joined, err = m.RoomHasUser(ctx, room, "bob")
	require.NoError(t, err)
	assert.False(t, joined)
}

func TestRedisMirror_RoomMembershipExpires(t *testing.T) {
	m := newTestMirrorTTL(t, time.Second)
	ctx := t.Context()
	room := "conv-" + uuid.NewString()

	require.NoError(t, m.RoomJoined(ctx, room, "bob", "b1"))
	assert.Eventually(t, func() bool {
		joined, err := m.RoomHasUser(ctx, room, "bob")
		return err == nil && !joined
	}, 5*time.Second, 100*time.Millisecond)
}

func TestNewRedisMirror_RequiresAddr(t *testing.T) {
	_, err := NewRedisMirror(t.Context(), RedisConfig{})
	assert.Error(t, err)
}
