// ABOUTME: Message relay: the ordered pipeline behind every send-message event
// ABOUTME: Check access, validate, record message and unread counters in one write, fan out

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chat-gateway/internal/chaterr"
	"github.com/2389/chat-gateway/internal/dedupe"
	"github.com/2389/chat-gateway/internal/protocol"
	"github.com/2389/chat-gateway/internal/rooms"
	"github.com/2389/chat-gateway/internal/store"
)

// DefaultDedupeTTL is how long a tempId is remembered when none is configured.
const DefaultDedupeTTL = 2 * time.Minute

const dedupeCapacity = 100_000

// ErrEmptyMessage is returned when a send has neither text nor media.
var ErrEmptyMessage = errors.New("message must have text or media")

// MessageStore defines what the relay needs from storage
type MessageStore interface {
	FindConversationForParticipant(ctx context.Context, conversationID, userID string) (*store.Conversation, error)
	RecordMessage(ctx context.Context, rec store.MessageRecord) (map[string]int, error)
}

// RoomBroadcaster defines what the relay needs from the room manager
type RoomBroadcaster interface {
	LockConversation(conversationID string) func()
	HasJoinedConnection(ctx context.Context, roomID, userID string) bool
	Broadcast(ctx context.Context, roomID string, payload []byte, excludeUserID string) int
	SendToUser(ctx context.Context, userID string, payload []byte) int
}

// SendRequest is one send-message event from a connection.
type SendRequest struct {
	ConversationID string
	Text           string
	Media          []string
	TempID         string
}

// Relay turns send requests into persisted, fanned-out messages.
type Relay struct {
	store  MessageStore
	rooms  RoomBroadcaster
	recent *dedupe.Cache[*store.Message]
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Relay. A zero dedupeTTL uses DefaultDedupeTTL. Pass nil logger for default.
func New(st MessageStore, rm RoomBroadcaster, dedupeTTL time.Duration, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if dedupeTTL <= 0 {
		dedupeTTL = DefaultDedupeTTL
	}
	return &Relay{
		store:  st,
		rooms:  rm,
		recent: dedupe.New[*store.Message](dedupeTTL, dedupeCapacity),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "relay"),
	}
}

// Close releases the retry cache.
func (r *Relay) Close() {
	r.recent.Close()
}

// Send runs the pipeline for one message. Steps short-circuit on the first
// error. Steps 3 to 5 are a single store write: either all of them happen or
// none do. Only the fan-out after it is best-effort.
//
//  1. sender must be a participant (AccessDenied)
//  2. text or media must be non-empty (Validation)
//  3. persist with seen-by = {sender} (Persistence)
//  4. bump unread for participants with no joined connection
//  5. reset sender's unread, set last message and updated-at
//  6. notify bumped participants and broadcast new-message to the room
func (r *Relay) Send(ctx context.Context, sender rooms.Member, req SendRequest) (*store.Message, error) {
	senderID := sender.UserID()

	// 1. Access
	conv, err := r.store.FindConversationForParticipant(ctx, req.ConversationID, senderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, chaterr.AccessDenied("send message", fmt.Errorf("user %s in conversation %s", senderID, req.ConversationID))
		}
		return nil, chaterr.Persistence("send message: load conversation", err)
	}

	// 2. Content. Whitespace-only text counts as empty but is stored as sent.
	if strings.TrimSpace(req.Text) == "" && len(req.Media) == 0 {
		return nil, chaterr.Validation("send message", ErrEmptyMessage)
	}

	unlock := r.rooms.LockConversation(conv.ID)
	defer unlock()

	var retryKey string
	if req.TempID != "" {
		retryKey = senderID + "\x00" + conv.ID + "\x00" + req.TempID
		if orig, ok := r.recent.Get(retryKey); ok {
			r.logger.Debug("replaying retried send",
				"conversation_id", conv.ID,
				"message_id", orig.ID,
				"temp_id", req.TempID)
			if err := sender.Send(protocol.NewMessage(orig, req.TempID)); err != nil {
				r.logger.Debug("replay to sender dropped", "conn_id", sender.ID(), "error", err)
			}
			return orig, nil
		}
	}

	// 3-5. Record
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Text:           req.Text,
		Media:          append([]string(nil), req.Media...),
		SeenBy:         []string{senderID},
		CreatedAt:      r.now(),
	}
	var unjoined []string
	for _, p := range conv.Participants {
		if p == senderID || r.rooms.HasJoinedConnection(ctx, conv.ID, p) {
			continue
		}
		unjoined = append(unjoined, p)
	}
	counts, err := r.store.RecordMessage(ctx, store.MessageRecord{Message: msg, IncrementUnread: unjoined})
	if err != nil {
		return nil, chaterr.Persistence("send message: record", err)
	}
	if retryKey != "" {
		r.recent.Put(retryKey, msg)
	}

	r.logger.Debug("message recorded",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender_id", senderID,
		"unread_bumped", len(counts))

	// 6. Fan out
	for _, p := range unjoined {
		if n, ok := counts[p]; ok {
			r.rooms.SendToUser(ctx, p, protocol.UnreadUpdate(conv.ID, n))
		}
	}
	delivered := r.rooms.Broadcast(ctx, conv.ID, protocol.NewMessage(msg, req.TempID), "")
	r.logger.Debug("message broadcast", "conversation_id", conv.ID, "message_id", msg.ID, "delivered", delivered)

	return msg, nil
}
