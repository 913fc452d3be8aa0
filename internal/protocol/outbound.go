// ABOUTME: Outbound websocket frames pushed from the gateway to clients
// ABOUTME: Each constructor returns a ready-to-send JSON frame

package protocol

import (
	"encoding/json"
	"time"

	"github.com/2389/chat-gateway/internal/store"
)

// OutboundKind names an event the gateway pushes to clients.
type OutboundKind string

// Outbound kinds
const (
	KindOnlineUsers  OutboundKind = "online-users"
	KindNewMessage   OutboundKind = "new-message"
	KindUnreadUpdate OutboundKind = "conversation-unread-update"
	KindMessagesSeen OutboundKind = "messages-seen"
	KindTypingNotice OutboundKind = "typing"
	KindStopNotice   OutboundKind = "stop-typing"
	KindError        OutboundKind = "error"
)

// MessageView is the client representation of a stored message.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	Media          []string  `json:"media"`
	SeenBy         []string  `json:"seenBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ViewOf converts a stored message for the wire.
func ViewOf(msg *store.Message) MessageView {
	media := msg.Media
	if media == nil {
		media = []string{}
	}
	seen := msg.SeenBy
	if seen == nil {
		seen = []string{}
	}
	return MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		Media:          media,
		SeenBy:         seen,
		CreatedAt:      msg.CreatedAt.UTC(),
	}
}

// UserRef identifies the typing user.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type outbound struct {
	Type OutboundKind `json:"type"`
	Data any          `json:"data"`
}

// encode never fails for the fixed payload shapes below.
func encode(kind OutboundKind, data any) []byte {
	b, err := json.Marshal(outbound{Type: kind, Data: data})
	if err != nil {
		return []byte(`{"type":"error","data":{"code":"internal","message":"encode failed"}}`)
	}
	return b
}

// OnlineUsers is the presence snapshot broadcast on every connect and disconnect.
func OnlineUsers(users []string) []byte {
	if users == nil {
		users = []string{}
	}
	return encode(KindOnlineUsers, struct {
		Users []string `json:"users"`
	}{users})
}

// NewMessage carries a persisted message and the client's tempId echo.
func NewMessage(msg *store.Message, tempID string) []byte {
	return encode(KindNewMessage, struct {
		Message MessageView `json:"message"`
		TempID  string      `json:"tempId,omitempty"`
	}{ViewOf(msg), tempID})
}

// UnreadUpdate carries a counter only; message bodies never travel on the personal room.
func UnreadUpdate(conversationID string, count int) []byte {
	return encode(KindUnreadUpdate, struct {
		ConversationID string `json:"conversationId"`
		UnreadCount    int    `json:"unreadCount"`
	}{conversationID, count})
}

// MessagesSeen tells room members that userID has read the conversation.
func MessagesSeen(conversationID, userID string) []byte {
	return encode(KindMessagesSeen, struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
	}{conversationID, userID})
}

// TypingNotice tells room members who is typing.
func TypingNotice(conversationID string, user UserRef) []byte {
	return encode(KindTypingNotice, struct {
		ConversationID string  `json:"conversationId"`
		User           UserRef `json:"user"`
	}{conversationID, user})
}

// StopTypingNotice tells room members that userID stopped typing.
func StopTypingNotice(conversationID, userID string) []byte {
	return encode(KindStopNotice, struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
	}{conversationID, userID})
}

// Error reports a failed inbound frame to its sender only.
func Error(code, message string) []byte {
	return encode(KindError, struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{code, message})
}
