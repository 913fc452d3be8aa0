// ABOUTME: End-to-end tests for the websocket gateway over httptest
// ABOUTME: Covers handshake auth, presence broadcasts, event dispatch, error frames and teardown

package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/presence"
	"github.com/2389/chat-gateway/internal/receipts"
	"github.com/2389/chat-gateway/internal/relay"
	"github.com/2389/chat-gateway/internal/rooms"
	"github.com/2389/chat-gateway/internal/store"
)

var testSecret = []byte("realtime-gateway-test-secret-32b")

type harness struct {
	t        *testing.T
	server   *httptest.Server
	gateway  *Gateway
	store    *store.MockStore
	presence *presence.Registry
	rooms    *rooms.Manager
	verifier *auth.JWTVerifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := store.NewMockStore()
	for _, id := range []string{"alice", "bob", "mallory"} {
		require.NoError(t, st.CreateUser(t.Context(), &store.User{ID: id, Username: strings.ToUpper(id[:1]) + id[1:], CreatedAt: time.Now()}))
	}
	st.SeedConversation("c1", "alice", "bob")

	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)

	reg := presence.NewRegistry(nil)
	rm := rooms.NewManager(st, nil)
	rl := relay.New(st, rm, time.Minute, nil)
	t.Cleanup(rl.Close)

	gw := NewGateway(Config{
		Auth:     auth.NewAuthenticator(verifier, st, ""),
		Presence: reg,
		Rooms:    rm,
		Relay:    rl,
		Receipts: receipts.New(st, rm, nil),
		Options:  Options{PongWait: 5 * time.Second, WriteWait: time.Second},
	})

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &harness{t: t, server: srv, gateway: gw, store: st, presence: reg, rooms: rm, verifier: verifier}
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *harness) dial(userID string) *websocket.Conn {
	h.t.Helper()
	token, err := h.verifier.Generate(userID, time.Hour)
	require.NoError(h.t, err)

	ws, resp, err := websocket.DefaultDialer.Dial(h.url()+"?token="+token, nil)
	require.NoError(h.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	h.t.Cleanup(func() { _ = ws.Close() })
	return ws
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

// readUntil skips frames until one of kind arrives.
func readUntil(t *testing.T, ws *websocket.Conn, kind string) frame {
	t.Helper()
	for range 20 {
		f := readFrame(t, ws)
		if f.Type == kind {
			return f
		}
	}
	t.Fatalf("no %s frame received", kind)
	return frame{}
}

func sendFrame(t *testing.T, ws *websocket.Conn, kind string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"type": kind, "data": data}))
}

func onlineUsers(t *testing.T, f frame) []string {
	t.Helper()
	require.Equal(t, "online-users", f.Type)
	var payload struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	return payload.Users
}

func TestGateway_RejectsUnauthenticatedHandshake(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		query string
	}{
		{"no token", ""},
		{"garbage token", "?token=nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(h.url()+tt.query, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	ghost, err := h.verifier.Generate("ghost", time.Hour)
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(h.url()+"?token="+ghost, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "token for a deleted user")

	assert.Empty(t, h.presence.Snapshot())
	assert.Zero(t, h.gateway.ConnectionCount())
}

func TestGateway_BearerHeaderHandshake(t *testing.T) {
	h := newHarness(t)
	token, _ := h.verifier.Generate("alice", time.Hour)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(h.url(), header)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, []string{"alice"}, onlineUsers(t, readFrame(t, ws)))
}

func TestGateway_PresenceBroadcasts(t *testing.T) {
	h := newHarness(t)

	alice := h.dial("alice")
	assert.Equal(t, []string{"alice"}, onlineUsers(t, readFrame(t, alice)))

	bob := h.dial("bob")
	assert.Equal(t, []string{"alice", "bob"}, onlineUsers(t, readFrame(t, bob)))
	assert.Equal(t, []string{"alice", "bob"}, onlineUsers(t, readFrame(t, alice)))

	require.NoError(t, bob.Close())

	assert.Equal(t, []string{"alice"}, onlineUsers(t, readUntil(t, alice, "online-users")))
	assert.Eventually(t, func() bool { return !h.presence.IsOnline("bob") }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_MultiDeviceStaysOnline(t *testing.T) {
	h := newHarness(t)

	phone := h.dial("alice")
	readFrame(t, phone)
	laptop := h.dial("alice")
	assert.Equal(t, []string{"alice"}, onlineUsers(t, readFrame(t, laptop)))

	sendFrame(t, laptop, "join-conversation", map[string]string{"conversationId": "c1"})
	assert.Eventually(t, func() bool { return h.rooms.HasJoinedConnection(t.Context(), "c1", "alice") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, phone.Close())
	assert.Eventually(t, func() bool { return len(h.presence.Connections("alice")) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.True(t, h.presence.IsOnline("alice"))
	assert.True(t, h.rooms.HasJoinedConnection(t.Context(), "c1", "alice"), "other device keeps its rooms")
}

func TestGateway_SendMessageFlow(t *testing.T) {
	h := newHarness(t)

	alice := h.dial("alice")
	readFrame(t, alice)
	bob := h.dial("bob")
	readFrame(t, bob)
	readFrame(t, alice)

	sendFrame(t, alice, "join-conversation", map[string]string{"conversationId": "c1"})
	assert.Eventually(t, func() bool { return h.rooms.HasJoinedConnection(t.Context(), "c1", "alice") }, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, alice, "send-message", map[string]any{"conversationId": "c1", "text": "hello", "tempId": "t1"})

	nm := readUntil(t, alice, "new-message")
	var payload struct {
		Message struct {
			Text   string   `json:"text"`
			SeenBy []string `json:"seenBy"`
		} `json:"message"`
		TempID string `json:"tempId"`
	}
	require.NoError(t, json.Unmarshal(nm.Data, &payload))
	assert.Equal(t, "hello", payload.Message.Text)
	assert.Equal(t, []string{"alice"}, payload.Message.SeenBy)
	assert.Equal(t, "t1", payload.TempID)

	update := readUntil(t, bob, "conversation-unread-update")
	assert.JSONEq(t, `{"conversationId":"c1","unreadCount":1}`, string(update.Data))

	sendFrame(t, bob, "open-conversation", map[string]string{"conversationId": "c1"})
	seen := readUntil(t, alice, "messages-seen")
	assert.JSONEq(t, `{"conversationId":"c1","userId":"bob"}`, string(seen.Data))

	sendFrame(t, bob, "typing", map[string]string{"conversationId": "c1"})
	typing := readUntil(t, alice, "typing")
	assert.Contains(t, string(typing.Data), `"id":"bob"`)
}

func TestGateway_ErrorFrames(t *testing.T) {
	h := newHarness(t)
	alice := h.dial("alice")
	readFrame(t, alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, alice)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, string(f.Data), `"code":"invalid"`)

	sendFrame(t, alice, "send-message", map[string]any{"conversationId": "c1", "text": "   "})
	f = readFrame(t, alice)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, string(f.Data), `"code":"invalid"`)
}

func TestGateway_AccessDeniedIsSilent(t *testing.T) {
	h := newHarness(t)
	mallory := h.dial("mallory")
	readFrame(t, mallory)

	sendFrame(t, mallory, "send-message", map[string]any{"conversationId": "c1", "text": "let me in"})
	sendFrame(t, mallory, "open-conversation", map[string]string{"conversationId": "c1"})
	sendFrame(t, mallory, "bogus", map[string]string{})

	f := readFrame(t, mallory)
	assert.Equal(t, "error", f.Type, "first frame back is for the bogus event")
	assert.Contains(t, string(f.Data), "unknown event type")
	assert.Zero(t, h.store.Calls("CreateMessage"))
}

func TestGateway_PersistenceErrorReported(t *testing.T) {
	h := newHarness(t)
	alice := h.dial("alice")
	readFrame(t, alice)

	h.store.FailOn("CreateMessage", assert.AnError)
	sendFrame(t, alice, "send-message", map[string]any{"conversationId": "c1", "text": "hi"})

	f := readFrame(t, alice)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, string(f.Data), `"code":"unavailable"`)
}

func TestGateway_Shutdown(t *testing.T) {
	h := newHarness(t)
	alice := h.dial("alice")
	readFrame(t, alice)
	require.Equal(t, 1, h.gateway.ConnectionCount())

	require.NoError(t, h.gateway.Shutdown(t.Context()))

	assert.Zero(t, h.gateway.ConnectionCount())
	assert.False(t, h.presence.IsOnline("alice"))
}

func TestGateway_RefusesHandshakesAfterShutdown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.gateway.Shutdown(t.Context()))

	token, err := h.verifier.Generate("alice", time.Hour)
	require.NoError(t, err)
	ws, resp, err := websocket.DefaultDialer.Dial(h.url()+"?token="+token, nil)
	if ws != nil {
		_ = ws.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, h.gateway.ConnectionCount())
	assert.False(t, h.presence.IsOnline("alice"))
}

func TestGateway_OnConnectAfterShutdown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.gateway.Shutdown(t.Context()))

	conn := NewConn(store.User{ID: "alice"}, nil, Options{})
	err := h.gateway.OnConnect(t.Context(), conn)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Zero(t, h.gateway.ConnectionCount())
	assert.False(t, h.presence.IsOnline("alice"))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://chat.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker(nil)(req))
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{PongWait: 10 * time.Second, PingPeriod: 20 * time.Second}.withDefaults()
	assert.Equal(t, 9*time.Second, o.PingPeriod, "ping must come before the pong deadline")
	assert.Equal(t, 128, o.SendBuffer)
	assert.Equal(t, int64(1<<20), o.MaxFrameBytes)
}
