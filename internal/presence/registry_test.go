// ABOUTME: Tests for the presence registry
// ABOUTME: Covers multi-device semantics, entry cleanup, snapshots, mirroring and concurrency

package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMirror struct {
	mu     sync.Mutex
	events []string
	users  []string
	err    error
}

func (m *recordingMirror) Connected(_ context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "+"+userID+"/"+connID)
	return m.err
}

func (m *recordingMirror) Disconnected(_ context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "-"+userID+"/"+connID)
	return m.err
}

func (m *recordingMirror) Snapshot(context.Context) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.users, nil
}

func TestRegistry_MultiDevice(t *testing.T) {
	r := NewRegistry(nil)
	ctx := t.Context()

	assert.True(t, r.Add(ctx, "alice", "phone"), "first connection brings user online")
	assert.False(t, r.Add(ctx, "alice", "laptop"), "second connection is not a transition")
	assert.True(t, r.IsOnline("alice"))
	assert.Equal(t, []string{"laptop", "phone"}, r.Connections("alice"))

	assert.False(t, r.Remove(ctx, "alice", "phone"), "one device left")
	assert.True(t, r.IsOnline("alice"))

	assert.True(t, r.Remove(ctx, "alice", "laptop"), "last device gone")
	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.Snapshot(), "no empty entry may remain")
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	ctx := t.Context()

	assert.False(t, r.Remove(ctx, "ghost", "c1"))

	r.Add(ctx, "alice", "c1")
	assert.False(t, r.Remove(ctx, "alice", "c2"))
	assert.True(t, r.IsOnline("alice"))
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := NewRegistry(nil)
	ctx := t.Context()

	r.Add(ctx, "carol", "c3")
	r.Add(ctx, "alice", "c1")
	r.Add(ctx, "bob", "c2")

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Snapshot())
}

func TestRegistry_ConcurrentDevices(t *testing.T) {
	r := NewRegistry(nil)
	ctx := t.Context()

	const devices = 50
	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", i)
			r.Add(ctx, "alice", conn)
			r.Remove(ctx, "alice", conn)
		}(i)
	}
	wg.Wait()

	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.Snapshot())
}

func TestRegistry_MirrorReceivesTransitions(t *testing.T) {
	r := NewRegistry(nil)
	m := &recordingMirror{}
	r.SetMirror(m)
	ctx := t.Context()

	r.Add(ctx, "alice", "c1")
	r.Remove(ctx, "alice", "c1")
	r.Remove(ctx, "alice", "c1")

	assert.Equal(t, []string{"+alice/c1", "-alice/c1"}, m.events)
}

func TestRegistry_MirrorFailureDoesNotAffectLocalState(t *testing.T) {
	r := NewRegistry(nil)
	r.SetMirror(&recordingMirror{err: errors.New("redis down")})
	ctx := t.Context()

	require.True(t, r.Add(ctx, "alice", "c1"))
	assert.True(t, r.IsOnline("alice"))
	assert.Equal(t, []string{"alice"}, r.ClusterSnapshot(ctx), "falls back to local snapshot")
}

func TestRegistry_ClusterSnapshotUsesMirror(t *testing.T) {
	r := NewRegistry(nil)
	r.SetMirror(&recordingMirror{users: []string{"zed", "amy"}})

	assert.Equal(t, []string{"amy", "zed"}, r.ClusterSnapshot(t.Context()))
}
