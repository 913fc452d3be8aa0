// ABOUTME: Conn wraps one websocket and serialises outbound writes through a bounded queue
// ABOUTME: A client that cannot keep up with its queue is disconnected rather than waited on

package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/chat-gateway/internal/protocol"
	"github.com/2389/chat-gateway/internal/store"
)

// Connection errors
var (
	ErrConnClosed  = errors.New("connection closed")
	ErrBufferFull  = errors.New("connection send buffer full")
	errNotUpgraded = errors.New("connection has no socket")
)

// Options tunes per-connection timing and limits.
type Options struct {
	WriteWait     time.Duration
	PongWait      time.Duration
	PingPeriod    time.Duration
	SendBuffer    int
	MaxFrameBytes int64
}

// DefaultOptions returns the timings used when none are configured.
func DefaultOptions() Options {
	return Options{
		WriteWait:     10 * time.Second,
		PongWait:      60 * time.Second,
		PingPeriod:    30 * time.Second,
		SendBuffer:    128,
		MaxFrameBytes: 1 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = d.MaxFrameBytes
	}
	return o
}

// Conn is one authenticated client connection. It implements rooms.Member.
type Conn struct {
	id   string
	user store.User

	ws   *websocket.Conn
	opts Options

	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewConn wraps ws for user. Call writeLoop exactly once to start delivery.
func NewConn(user store.User, ws *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		id:   uuid.New().String(),
		user: user,
		ws:   ws,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

// ID returns the connection ID.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user's ID.
func (c *Conn) UserID() string { return c.user.ID }

// UserRef returns the public identity sent with typing notices.
func (c *Conn) UserRef() protocol.UserRef {
	return protocol.UserRef{ID: c.user.ID, Username: c.user.Username, Avatar: c.user.Avatar}
}

// Send enqueues payload without blocking. A full queue closes the connection.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return ErrBufferFull
	}
}

// Close sends a close frame and tears the socket down. Safe to call repeatedly.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(c.opts.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// writeLoop drains the queue and pings until the connection closes.
func (c *Conn) writeLoop() error {
	if c.ws == nil {
		return errNotUpgraded
	}
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return nil
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return err
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return err
			}
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
