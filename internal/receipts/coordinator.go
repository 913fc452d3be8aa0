// ABOUTME: Receipt and typing coordinator for open/leave conversation and typing signals
// ABOUTME: Opening a conversation joins its room, clears unread and marks messages seen

package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/chat-gateway/internal/chaterr"
	"github.com/2389/chat-gateway/internal/protocol"
	"github.com/2389/chat-gateway/internal/rooms"
	"github.com/2389/chat-gateway/internal/store"
)

// ReceiptStore defines what the coordinator needs from storage
type ReceiptStore interface {
	FindConversationForParticipant(ctx context.Context, conversationID, userID string) (*store.Conversation, error)
	MarkRead(ctx context.Context, conversationID, userID string) (int64, error)
}

// RoomManager defines what the coordinator needs from the room manager
type RoomManager interface {
	LockConversation(conversationID string) func()
	Join(ctx context.Context, member rooms.Member, conversationID string) (bool, error)
	Leave(member rooms.Member, conversationID string)
	IsJoined(member rooms.Member, roomID string) bool
	Broadcast(ctx context.Context, roomID string, payload []byte, excludeUserID string) int
	SendToUser(ctx context.Context, userID string, payload []byte) int
}

// Coordinator handles read receipts and typing relay.
type Coordinator struct {
	store  ReceiptStore
	rooms  RoomManager
	logger *slog.Logger
}

// New creates a Coordinator. Pass nil logger for default.
func New(st ReceiptStore, rm RoomManager, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  st,
		rooms:  rm,
		logger: logger.With("component", "receipts"),
	}
}

// OpenConversation joins the caller's connection to the room, zeroes the
// caller's unread count and adds the caller to the seen-by set of every
// message sent by someone else. Safe to repeat. The join and the reset run
// under the conversation lock so that a concurrent send either sees the
// caller as joined or lands its increment before the reset. A failed reset
// leaves the room again.
func (c *Coordinator) OpenConversation(ctx context.Context, member rooms.Member, conversationID string) error {
	userID := member.UserID()

	if _, err := c.store.FindConversationForParticipant(ctx, conversationID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chaterr.AccessDenied("open conversation", fmt.Errorf("user %s in conversation %s", userID, conversationID))
		}
		return chaterr.Persistence("open conversation: load", err)
	}

	unlock := c.rooms.LockConversation(conversationID)
	defer unlock()

	joined, err := c.rooms.Join(ctx, member, conversationID)
	if err != nil {
		return err
	}
	if !joined {
		// Participancy changed or the connection detached between the two checks
		return chaterr.AccessDenied("open conversation", fmt.Errorf("join refused for %s", conversationID))
	}

	changed, err := c.store.MarkRead(ctx, conversationID, userID)
	if err != nil {
		c.rooms.Leave(member, conversationID)
		if errors.Is(err, store.ErrNotFound) {
			return chaterr.AccessDenied("open conversation", fmt.Errorf("user %s in conversation %s", userID, conversationID))
		}
		return chaterr.Persistence("open conversation: mark read", err)
	}

	c.logger.Debug("conversation opened",
		"conversation_id", conversationID,
		"user_id", userID,
		"marked_seen", changed)

	c.rooms.Broadcast(ctx, conversationID, protocol.MessagesSeen(conversationID, userID), userID)
	c.rooms.SendToUser(ctx, userID, protocol.UnreadUpdate(conversationID, 0))
	return nil
}

// LeaveConversation removes the connection from the room. Nothing else changes.
func (c *Coordinator) LeaveConversation(member rooms.Member, conversationID string) {
	c.rooms.Leave(member, conversationID)
}

// Typing relays a typing notice to the other room members. Dropped when the
// connection has not joined the room.
func (c *Coordinator) Typing(ctx context.Context, member rooms.Member, user protocol.UserRef, conversationID string) {
	if !c.rooms.IsJoined(member, conversationID) {
		return
	}
	c.rooms.Broadcast(ctx, conversationID, protocol.TypingNotice(conversationID, user), member.UserID())
}

// StopTyping relays a stop-typing notice under the same rule as Typing.
func (c *Coordinator) StopTyping(ctx context.Context, member rooms.Member, conversationID string) {
	if !c.rooms.IsJoined(member, conversationID) {
		return
	}
	c.rooms.Broadcast(ctx, conversationID, protocol.StopTypingNotice(conversationID, member.UserID()), member.UserID())
}
