// ABOUTME: Conversation room manager: per-room broadcast groups of live connections
// ABOUTME: Joins are checked against the store; broadcasts ignore presence and never block

package rooms

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/2389/chat-gateway/internal/chaterr"
	"github.com/2389/chat-gateway/internal/store"
)

// Member is a connection that can be placed in rooms.
type Member interface {
	ID() string
	UserID() string
	// Send enqueues payload without blocking.
	Send(payload []byte) error
}

// ParticipantFinder is the slice of the store the manager needs.
type ParticipantFinder interface {
	FindConversationForParticipant(ctx context.Context, conversationID, userID string) (*store.Conversation, error)
}

// Envelope is a broadcast as seen by other gateway nodes.
type Envelope struct {
	Origin        string `json:"origin"`
	Room          string `json:"room,omitempty"`
	All           bool   `json:"all,omitempty"`
	ExcludeUserID string `json:"exclude,omitempty"`
	Payload       []byte `json:"payload"`
}

// Publisher forwards broadcasts to other nodes.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// MembershipMirror shares conversation-room membership with other nodes so
// that "is anyone of this user looking at the room" has a cluster-wide answer.
// Personal rooms are never mirrored.
type MembershipMirror interface {
	RoomJoined(ctx context.Context, roomID, userID, connID string) error
	RoomLeft(ctx context.Context, roomID, userID, connID string) error
	RoomHasUser(ctx context.Context, roomID, userID string) (bool, error)
}

const personalPrefix = "user:"

// mirrorTimeout bounds mirror calls made from paths that carry no context.
const mirrorTimeout = 2 * time.Second

// PersonalRoom returns the room ID used for notifications addressed to userID.
func PersonalRoom(userID string) string {
	return personalPrefix + userID
}

func isPersonal(roomID string) bool {
	return strings.HasPrefix(roomID, personalPrefix)
}

// Manager tracks which connections are joined to which rooms.
type Manager struct {
	mu          sync.RWMutex
	members     map[string]Member              // connID -> member
	rooms       map[string]map[string]Member   // roomID -> connID -> member
	memberRooms map[string]map[string]struct{} // connID -> set of roomIDs

	// locks serialises the unread read-modify-write of one conversation
	// across the relay and the receipt coordinator
	locks *keyedMutex

	finder    ParticipantFinder
	publisher Publisher
	mirror    MembershipMirror
	logger    *slog.Logger
}

// NewManager creates a Manager. Pass nil logger for default.
func NewManager(finder ParticipantFinder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		members:     make(map[string]Member),
		rooms:       make(map[string]map[string]Member),
		memberRooms: make(map[string]map[string]struct{}),
		locks:       newKeyedMutex(),
		finder:      finder,
		logger:      logger.With("component", "rooms"),
	}
}

// SetPublisher attaches a cross-node publisher. Must be called before use.
func (m *Manager) SetPublisher(p Publisher) {
	m.publisher = p
}

// SetMembershipMirror attaches a cluster-wide membership mirror. Must be called before use.
func (m *Manager) SetMembershipMirror(mm MembershipMirror) {
	m.mirror = mm
}

// LockConversation blocks until the caller holds the conversation's lock and
// returns the unlock func. Membership checks and unread updates of a send, and
// the join and reset of an open, run under it.
func (m *Manager) LockConversation(conversationID string) func() {
	return m.locks.Lock(conversationID)
}

// Attach registers a connection and joins it to its personal room.
func (m *Manager) Attach(member Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.members[member.ID()] = member
	if _, ok := m.memberRooms[member.ID()]; !ok {
		m.memberRooms[member.ID()] = make(map[string]struct{})
	}
	m.joinLocked(PersonalRoom(member.UserID()), member)
}

// Detach removes a connection from every room it joined and returns those rooms.
func (m *Manager) Detach(member Member) []string {
	m.mu.Lock()

	joined := lo.Keys(m.memberRooms[member.ID()])
	for _, roomID := range joined {
		m.leaveLocked(roomID, member.ID())
	}
	delete(m.memberRooms, member.ID())
	delete(m.members, member.ID())
	m.mu.Unlock()

	for _, roomID := range joined {
		m.mirrorLeft(roomID, member)
	}

	sort.Strings(joined)
	return joined
}

// Join adds member to the conversation room if its user is a participant.
// Non-participants are refused silently: (false, nil).
func (m *Manager) Join(ctx context.Context, member Member, conversationID string) (bool, error) {
	if _, err := m.finder.FindConversationForParticipant(ctx, conversationID, member.UserID()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("join refused", "conversation_id", conversationID, "user_id", member.UserID())
			return false, nil
		}
		return false, chaterr.Persistence("join conversation", err)
	}

	m.mu.Lock()
	if _, attached := m.members[member.ID()]; !attached {
		m.mu.Unlock()
		return false, nil
	}
	m.joinLocked(conversationID, member)
	m.mu.Unlock()

	if m.mirror != nil && !isPersonal(conversationID) {
		if err := m.mirror.RoomJoined(ctx, conversationID, member.UserID(), member.ID()); err != nil {
			m.logger.Warn("membership mirror join failed", "conversation_id", conversationID, "conn_id", member.ID(), "error", err)
		}
	}

	m.logger.Debug("joined room", "conversation_id", conversationID, "conn_id", member.ID(), "user_id", member.UserID())
	return true, nil
}

// Leave removes member from the room. Unconditional; leaving a room that was
// never joined is a no-op.
func (m *Manager) Leave(member Member, conversationID string) {
	m.mu.Lock()
	_, wasJoined := m.rooms[conversationID][member.ID()]
	m.leaveLocked(conversationID, member.ID())
	m.mu.Unlock()

	if wasJoined {
		m.mirrorLeft(conversationID, member)
	}
}

func (m *Manager) mirrorLeft(roomID string, member Member) {
	if m.mirror == nil || isPersonal(roomID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := m.mirror.RoomLeft(ctx, roomID, member.UserID(), member.ID()); err != nil {
		m.logger.Warn("membership mirror leave failed", "conversation_id", roomID, "conn_id", member.ID(), "error", err)
	}
}

// Refresh extends the mirrored lifetime of every conversation room the
// connection has joined. No-op without a mirror.
func (m *Manager) Refresh(ctx context.Context, member Member) {
	if m.mirror == nil {
		return
	}
	for _, roomID := range m.Rooms(member.ID()) {
		if isPersonal(roomID) {
			continue
		}
		if err := m.mirror.RoomJoined(ctx, roomID, member.UserID(), member.ID()); err != nil {
			m.logger.Debug("membership refresh failed", "conversation_id", roomID, "error", err)
		}
	}
}

func (m *Manager) joinLocked(roomID string, member Member) {
	room, ok := m.rooms[roomID]
	if !ok {
		room = make(map[string]Member)
		m.rooms[roomID] = room
	}
	room[member.ID()] = member

	if set, ok := m.memberRooms[member.ID()]; ok {
		set[roomID] = struct{}{}
	}
}

func (m *Manager) leaveLocked(roomID, connID string) {
	if room, ok := m.rooms[roomID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(m.rooms, roomID)
		}
	}
	if set, ok := m.memberRooms[connID]; ok {
		delete(set, roomID)
	}
}

// IsJoined reports whether the connection is currently in the room.
func (m *Manager) IsJoined(member Member, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID][member.ID()]
	return ok
}

// HasJoinedConnection reports whether any connection of userID is in the
// room, on this node or, when a membership mirror is attached, on any node.
// A failing mirror counts as "not joined": an extra unread is corrected by
// the next open, a missing one is not.
func (m *Manager) HasJoinedConnection(ctx context.Context, roomID, userID string) bool {
	if m.hasLocalConnection(roomID, userID) {
		return true
	}
	if m.mirror == nil {
		return false
	}
	joined, err := m.mirror.RoomHasUser(ctx, roomID, userID)
	if err != nil {
		m.logger.Warn("membership mirror lookup failed", "conversation_id", roomID, "user_id", userID, "error", err)
		return false
	}
	return joined
}

func (m *Manager) hasLocalConnection(roomID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, member := range m.rooms[roomID] {
		if member.UserID() == userID {
			return true
		}
	}
	return false
}

// Rooms returns the sorted room IDs a connection has joined.
func (m *Manager) Rooms(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := lo.Keys(m.memberRooms[connID])
	sort.Strings(ids)
	return ids
}

// Broadcast delivers payload to every connection in the room except those of
// excludeUserID, and forwards it to other nodes when a publisher is attached.
// Returns the number of local deliveries.
func (m *Manager) Broadcast(ctx context.Context, roomID string, payload []byte, excludeUserID string) int {
	delivered := m.DeliverLocal(Envelope{Room: roomID, ExcludeUserID: excludeUserID, Payload: payload})
	m.publish(ctx, Envelope{Room: roomID, ExcludeUserID: excludeUserID, Payload: payload})
	return delivered
}

// BroadcastAll delivers payload to every attached connection.
func (m *Manager) BroadcastAll(ctx context.Context, payload []byte) int {
	delivered := m.DeliverLocal(Envelope{All: true, Payload: payload})
	m.publish(ctx, Envelope{All: true, Payload: payload})
	return delivered
}

// SendToUser delivers payload to the personal room of userID.
func (m *Manager) SendToUser(ctx context.Context, userID string, payload []byte) int {
	return m.Broadcast(ctx, PersonalRoom(userID), payload, "")
}

// DeliverLocal delivers an envelope to connections on this node only.
func (m *Manager) DeliverLocal(env Envelope) int {
	m.mu.RLock()
	var source map[string]Member
	if env.All {
		source = m.members
	} else {
		source = m.rooms[env.Room]
	}
	targets := make([]Member, 0, len(source))
	for _, member := range source {
		if env.ExcludeUserID != "" && member.UserID() == env.ExcludeUserID {
			continue
		}
		targets = append(targets, member)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, member := range targets {
		if err := member.Send(env.Payload); err != nil {
			m.logger.Debug("dropped frame for connection",
				"room", env.Room,
				"conn_id", member.ID(),
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (m *Manager) publish(ctx context.Context, env Envelope) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, env); err != nil {
		m.logger.Warn("cluster publish failed", "room", env.Room, "error", err)
	}
}
