// ABOUTME: Presence registry tracking which users have live connections
// ABOUTME: Multi-device aware; a user stays online until their last connection is removed

package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Mirror receives presence transitions so that presence can be observed outside
// this process. Implementations must not block for long; errors are logged only.
type Mirror interface {
	Connected(ctx context.Context, userID, connID string) error
	Disconnected(ctx context.Context, userID, connID string) error
	Snapshot(ctx context.Context) ([]string, error)
}

// Registry maps user IDs to their set of active connection IDs.
// The zero value is not usable; create one with NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]map[string]struct{}
	mirror Mirror
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		users:  make(map[string]map[string]struct{}),
		logger: logger.With("component", "presence"),
	}
}

// SetMirror attaches a mirror. Must be called before the registry is shared.
func (r *Registry) SetMirror(m Mirror) {
	r.mirror = m
}

// Add registers connID for userID and reports whether the user just came online.
func (r *Registry) Add(ctx context.Context, userID, connID string) bool {
	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.users[userID] = conns
	}
	conns[connID] = struct{}{}
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.Connected(ctx, userID, connID); err != nil {
			r.logger.Warn("presence mirror connect failed", "user_id", userID, "conn_id", connID, "error", err)
		}
	}

	r.logger.Debug("connection added", "user_id", userID, "conn_id", connID, "devices", r.count(userID))
	return !ok
}

// Remove unregisters connID and reports whether the user went offline.
// The user entry is deleted once its last connection is gone.
func (r *Registry) Remove(ctx context.Context, userID, connID string) bool {
	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, present := conns[connID]; !present {
		r.mu.Unlock()
		return false
	}
	delete(conns, connID)
	wentOffline := len(conns) == 0
	if wentOffline {
		delete(r.users, userID)
	}
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.Disconnected(ctx, userID, connID); err != nil {
			r.logger.Warn("presence mirror disconnect failed", "user_id", userID, "conn_id", connID, "error", err)
		}
	}

	r.logger.Debug("connection removed", "user_id", userID, "conn_id", connID, "offline", wentOffline)
	return wentOffline
}

type refresher interface {
	Refresh(ctx context.Context, userID, connID string) error
}

// Touch extends the mirrored lifetime of a live connection. No-op without a mirror.
func (r *Registry) Touch(ctx context.Context, userID, connID string) {
	rf, ok := r.mirror.(refresher)
	if !ok {
		return
	}
	if err := rf.Refresh(ctx, userID, connID); err != nil {
		r.logger.Debug("presence refresh failed", "user_id", userID, "error", err)
	}
}

// IsOnline reports whether userID has at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// Connections returns the connection IDs registered for userID.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.users[userID])
	sort.Strings(ids)
	return ids
}

// Snapshot returns the sorted set of online user IDs.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	users := lo.Keys(r.users)
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// ClusterSnapshot prefers the mirror's view, which spans every node, and falls
// back to the local snapshot when no mirror is attached or it fails.
func (r *Registry) ClusterSnapshot(ctx context.Context) []string {
	if r.mirror == nil {
		return r.Snapshot()
	}
	users, err := r.mirror.Snapshot(ctx)
	if err != nil {
		r.logger.Warn("presence mirror snapshot failed", "error", err)
		return r.Snapshot()
	}
	sort.Strings(users)
	return users
}

func (r *Registry) count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}
