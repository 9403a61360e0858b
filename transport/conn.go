// Package transport owns the live websocket link between the bridge server and
// the capture agent, and the bookkeeping that rides on it.
//
// One Conn is shared by many goroutines: a single reader, plus every caller
// that writes a request, a response, a chunk, or a heartbeat. Writes are
// serialized by the sending mutex so two frames never interleave.
//
//	caller-1 ──WriteFrame(req 1)──┐
//	caller-2 ──WriteFrame(req 2)──┼──→ single websocket ──→ peer
//	heartbeat ─Ping()─────────────┘
//
//	read loop: ←── response(id=2) → Correlator.Resolve → caller-2 wakes up
package transport

import (
	"errors"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"magiceye/protocol"
)

// Conn is one established bridge session.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	sending      sync.Mutex // Serializes data frames; control frames are safe concurrently.

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	cause     error
}

// NewConn wraps an upgraded or dialed websocket. writeTimeout bounds every
// write; zero disables the deadline.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// WriteFrame encodes v and sends it as one text frame.
func (c *Conn) WriteFrame(v any) error {
	body, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	c.sending.Lock()
	defer c.sending.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, body)
}

// ReadFrame blocks for the next data frame. Control frames are handled inside
// the call by the handlers installed with OnPing and OnPong. Only one
// goroutine may read.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// SetReadLimit bounds the size of a single inbound frame.
func (c *Conn) SetReadLimit(n int64) {
	if n > 0 {
		c.ws.SetReadLimit(n)
	}
}

// Ping sends a transport-level ping control frame.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, c.deadline())
}

// OnPong calls fn for every transport-level pong. Must be set before reading.
func (c *Conn) OnPong(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// OnPing calls fn for every transport-level ping and answers it with a pong.
// Must be set before reading.
func (c *Conn) OnPing(fn func()) {
	c.ws.SetPingHandler(func(appData string) error {
		fn()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), c.deadline())
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
}

// Close closes the session without a specific cause.
func (c *Conn) Close() error {
	c.CloseWith(nil)
	return nil
}

// CloseWith closes the session and records why. Only the first cause sticks.
// A pending ReadFrame returns with an error once the socket is closed.
func (c *Conn) CloseWith(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if cause != nil {
			msg = websocket.FormatCloseMessage(websocket.CloseGoingAway, truncate(cause.Error(), 120))
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
		close(c.done)
	})
}

// Cause returns the error passed to CloseWith, if any.
func (c *Conn) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Done is closed once the session has been closed locally.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) deadline() time.Time {
	d := c.writeTimeout
	if d <= 0 {
		d = 10 * time.Second
	}
	return time.Now().Add(d)
}

// Close reasons must fit in a 125 byte control frame and stay valid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
