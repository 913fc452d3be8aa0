// ABOUTME: HTTP API handlers clients use to resynchronise around the websocket
// ABOUTME: Lists conversations, finds or creates direct conversations, pages history and reports presence

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/protocol"
	"github.com/2389/chat-gateway/internal/store"
)

var validate = validator.New()

// ConversationResponse is one entry of GET /api/conversations.
type ConversationResponse struct {
	ID            string                `json:"id"`
	Participants  []string              `json:"participants"`
	LastMessageID string                `json:"lastMessageId,omitempty"`
	LastMessage   *protocol.MessageView `json:"lastMessage,omitempty"`
	UnreadCount   int                   `json:"unreadCount"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// MessagesResponse is the JSON response for GET /api/messages/{conversationId}.
type MessagesResponse struct {
	ConversationID string                 `json:"conversationId"`
	Messages       []protocol.MessageView `json:"messages"`
}

// OnlineResponse is the JSON response for GET /api/online.
type OnlineResponse struct {
	Users []string `json:"users"`
}

// conversationResponse renders conv for caller. The last message is
// best-effort; a lookup failure leaves it out.
func (g *Gateway) conversationResponse(r *http.Request, conv *store.Conversation, caller string) ConversationResponse {
	resp := ConversationResponse{
		ID:            conv.ID,
		Participants:  conv.Participants,
		LastMessageID: conv.LastMessageID,
		UnreadCount:   conv.UnreadCounts[caller],
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	}
	if conv.LastMessageID == "" {
		return resp
	}
	msg, err := g.store.GetMessage(r.Context(), conv.LastMessageID)
	if err != nil {
		g.logger.Warn("loading last message", "conversation_id", conv.ID, "message_id", conv.LastMessageID, "error", err)
		return resp
	}
	view := protocol.ViewOf(msg)
	resp.LastMessage = &view
	return resp
}

// handleListConversations handles GET /api/conversations.
// Conversations are ordered by most recent activity with the caller's unread count.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())

	convs, err := g.store.ListConversationsForUser(r.Context(), user.ID)
	if err != nil {
		g.logger.Error("failed to list conversations", "user_id", user.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := lo.Map(convs, func(c *store.Conversation, _ int) ConversationResponse {
		return g.conversationResponse(r, c, user.ID)
	})

	g.sendJSON(w, http.StatusOK, resp)
}

// handleCreateConversation handles POST /api/conversations/{userId}.
// Returns the existing direct conversation with 200, or creates one with 201.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())
	otherID := r.PathValue("userId")

	if err := validate.Var(otherID, "required,max=128"); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid userId")
		return
	}
	if otherID == user.ID {
		g.sendJSONError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}

	ctx := r.Context()
	if _, err := g.store.GetUser(ctx, otherID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "user not found")
			return
		}
		g.logger.Error("failed to get user", "user_id", otherID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.createMu.Lock()
	defer g.createMu.Unlock()

	existing, err := g.store.FindDirectConversation(ctx, user.ID, otherID)
	if err == nil {
		g.sendJSON(w, http.StatusOK, g.conversationResponse(r, existing, user.ID))
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		g.logger.Error("failed to find conversation", "user_id", user.ID, "other_id", otherID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:           uuid.NewString(),
		Participants: []string{user.ID, otherID},
		UnreadCounts: map[string]int{user.ID: 0, otherID: 0},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := g.store.CreateConversation(ctx, conv); err != nil {
		g.logger.Error("failed to create conversation", "user_id", user.ID, "other_id", otherID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("conversation created", "conversation_id", conv.ID, "participants", conv.Participants)
	g.sendJSON(w, http.StatusCreated, g.conversationResponse(r, conv, user.ID))
}

// parseLimit reads ?limit=N. Missing means the default page size, 0 means
// everything, and values above the maximum are clamped.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return store.DefaultMessageLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return store.ClampLimit(limit), nil
}

// handleGetMessages handles GET /api/messages/{conversationId}?limit=N.
// History is returned oldest first; non-participants get 404.
func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())
	convID := r.PathValue("conversationId")

	if err := validate.Var(convID, "required,max=128"); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid conversationId")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if _, err := g.store.FindConversationForParticipant(ctx, convID, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("failed to check participant", "conversation_id", convID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msgs, err := g.store.GetMessages(ctx, convID, limit)
	if err != nil {
		g.logger.Error("failed to get messages", "conversation_id", convID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, MessagesResponse{
		ConversationID: convID,
		Messages: lo.Map(msgs, func(m *store.Message, _ int) protocol.MessageView {
			return protocol.ViewOf(m)
		}),
	})
}

// handleOnline handles GET /api/online.
func (g *Gateway) handleOnline(w http.ResponseWriter, r *http.Request) {
	users := g.presence.ClusterSnapshot(r.Context())
	if users == nil {
		users = []string{}
	}
	g.sendJSON(w, http.StatusOK, OnlineResponse{Users: users})
}

// sendJSON writes v as a JSON response with status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
