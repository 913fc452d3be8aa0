// ABOUTME: Connection gateway: authenticates websocket handshakes and runs each connection
// ABOUTME: Registers presence and the personal room on connect, dispatches inbound events, cleans up on close

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/2389/chat-gateway/internal/chaterr"
	"github.com/2389/chat-gateway/internal/presence"
	"github.com/2389/chat-gateway/internal/protocol"
	"github.com/2389/chat-gateway/internal/receipts"
	"github.com/2389/chat-gateway/internal/relay"
	"github.com/2389/chat-gateway/internal/rooms"
	"github.com/2389/chat-gateway/internal/store"
)

// HandshakeAuthenticator resolves the caller of an upgrade request.
type HandshakeAuthenticator interface {
	AuthenticateRequest(r *http.Request) (*store.User, error)
}

// Config wires the gateway to its collaborators.
type Config struct {
	Auth           HandshakeAuthenticator
	Presence       *presence.Registry
	Rooms          *rooms.Manager
	Relay          *relay.Relay
	Receipts       *receipts.Coordinator
	Options        Options
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Gateway accepts websocket connections. It implements http.Handler.
type Gateway struct {
	auth     HandshakeAuthenticator
	presence *presence.Registry
	rooms    *rooms.Manager
	relay    *relay.Relay
	receipts *receipts.Coordinator
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	conns   map[string]*Conn
	closing bool
	wg      sync.WaitGroup
}

// ErrShuttingDown is returned for connections that arrive after Shutdown began.
var ErrShuttingDown = errors.New("gateway shutting down")

// NewGateway creates a Gateway from cfg.
func NewGateway(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		auth:     cfg.Auth,
		presence: cfg.Presence,
		rooms:    cfg.Rooms,
		relay:    cfg.Relay,
		receipts: cfg.Receipts,
		opts:     cfg.Options.withDefaults(),
		logger:   logger.With("component", "realtime"),
		conns:    make(map[string]*Conn),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g
}

// originChecker allows every origin when allowed is empty, and requests
// without an Origin header (non-browser clients) always.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || lo.Contains(allowed, origin)
	}
}

// ServeHTTP authenticates the handshake, upgrades and runs the connection
// until the client goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := g.auth.AuthenticateRequest(r)
	if err != nil {
		g.logger.Debug("handshake rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		http.Error(w, `{"error":"shutting down"}`, http.StatusServiceUnavailable)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response
		g.logger.Debug("upgrade failed", "user_id", user.ID, "error", err)
		return
	}

	conn := NewConn(*user, ws, g.opts)
	ctx := context.WithoutCancel(r.Context())

	if err := g.OnConnect(ctx, conn); err != nil {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer g.OnDisconnect(ctx, conn)

	go func() {
		if err := conn.writeLoop(); err != nil {
			g.logger.Debug("write loop ended", "conn_id", conn.ID(), "error", err)
		}
	}()

	g.readLoop(ctx, conn)
}

// OnConnect admits an authenticated connection: presence, personal room and
// the online-users snapshot. Returns ErrShuttingDown once Shutdown has begun.
func (g *Gateway) OnConnect(ctx context.Context, conn *Conn) error {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return ErrShuttingDown
	}
	g.conns[conn.ID()] = conn
	g.mu.Unlock()

	cameOnline := g.presence.Add(ctx, conn.UserID(), conn.ID())
	g.rooms.Attach(conn)

	g.logger.Info("client connected", "user_id", conn.UserID(), "conn_id", conn.ID(), "came_online", cameOnline)

	snapshot := protocol.OnlineUsers(g.presence.ClusterSnapshot(ctx))
	if cameOnline {
		g.rooms.BroadcastAll(ctx, snapshot)
		return nil
	}
	// Presence did not change; only the new connection needs the list
	if err := conn.Send(snapshot); err != nil {
		g.logger.Debug("snapshot dropped", "conn_id", conn.ID(), "error", err)
	}
	return nil
}

// OnDisconnect removes the connection from presence and every room.
func (g *Gateway) OnDisconnect(ctx context.Context, conn *Conn) {
	g.mu.Lock()
	delete(g.conns, conn.ID())
	g.mu.Unlock()

	left := g.rooms.Detach(conn)
	wentOffline := g.presence.Remove(ctx, conn.UserID(), conn.ID())
	conn.Close(websocket.CloseNormalClosure, "session closed")

	g.logger.Info("client disconnected",
		"user_id", conn.UserID(),
		"conn_id", conn.ID(),
		"rooms", len(left),
		"went_offline", wentOffline)

	if wentOffline {
		g.rooms.BroadcastAll(ctx, protocol.OnlineUsers(g.presence.ClusterSnapshot(ctx)))
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *Conn) {
	ws := conn.ws
	ws.SetReadLimit(g.opts.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		g.presence.Touch(ctx, conn.UserID(), conn.ID())
		g.rooms.Refresh(ctx, conn)
		return ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				g.logger.Debug("read loop ended", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			g.reply(conn, chaterr.Validation("read frame", errors.New("binary frames are not supported")))
			continue
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			g.reply(conn, err)
			continue
		}
		if err := g.Dispatch(ctx, conn, ev); err != nil {
			g.reply(conn, err)
		}
	}
}

// Dispatch routes one decoded event to the component that owns it.
func (g *Gateway) Dispatch(ctx context.Context, conn *Conn, ev protocol.Event) error {
	switch e := ev.(type) {
	case protocol.JoinConversation:
		_, err := g.rooms.Join(ctx, conn, e.ConversationID)
		return err
	case protocol.LeaveConversation:
		g.receipts.LeaveConversation(conn, e.ConversationID)
		return nil
	case protocol.OpenConversation:
		return g.receipts.OpenConversation(ctx, conn, e.ConversationID)
	case protocol.SendMessage:
		_, err := g.relay.Send(ctx, conn, relay.SendRequest{
			ConversationID: e.ConversationID,
			Text:           e.Text,
			Media:          e.Media,
			TempID:         e.TempID,
		})
		return err
	case protocol.Typing:
		g.receipts.Typing(ctx, conn, conn.UserRef(), e.ConversationID)
		return nil
	case protocol.StopTyping:
		g.receipts.StopTyping(ctx, conn, e.ConversationID)
		return nil
	default:
		return chaterr.Validation("dispatch", protocol.ErrUnknownKind)
	}
}

// reply reports a failed action to its connection. Access errors are
// swallowed so conversation existence never leaks.
func (g *Gateway) reply(conn *Conn, err error) {
	if errors.Is(err, chaterr.ErrAccessDenied) {
		g.logger.Debug("action denied", "conn_id", conn.ID(), "user_id", conn.UserID(), "error", err)
		return
	}

	code := chaterr.Code(err)
	message := "request failed"
	switch code {
	case "invalid":
		message = err.Error()
	case "unavailable":
		message = "storage unavailable, retry later"
		g.logger.Error("action failed", "conn_id", conn.ID(), "user_id", conn.UserID(), "error", err)
	default:
		g.logger.Error("unexpected action error", "conn_id", conn.ID(), "error", err)
	}

	if sendErr := conn.Send(protocol.Error(code, message)); sendErr != nil {
		g.logger.Debug("error frame dropped", "conn_id", conn.ID(), "error", sendErr)
	}
}

// ConnectionCount returns the number of live connections on this node.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown refuses new connections, closes every live one and waits for their
// handlers to finish or ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := lo.Values(g.conns)
	g.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
