// Package client is the capture agent's side of the bridge: it dials the
// bridge server, keeps the link alive, and answers the requests it receives.
//
// Reconnect loop:
//
//	resolve ─→ dial ──ok──→ serve (backoff reset, 25s ping)
//	   ↑         │              │
//	   │       fail          closed
//	   │         ↓              ↓
//	   └──── wait Backoff.Next() ←── ReconnectNow skips the wait
//
// Requests are served concurrently, one goroutine each, and are cancelled
// when the session they arrived on ends.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"magiceye/chunk"
	"magiceye/loadbalance"
	"magiceye/message"
	"magiceye/middleware"
	"magiceye/protocol"
	"magiceye/registry"
	"magiceye/transport"
)

var (
	errManualReconnect = errors.New("manual reconnect")
	errStopped         = errors.New("client stopped")
)

// Status is the agent's connection state as shown to observers.
type Status struct {
	Connected bool
	Endpoint  string        // URL of the current or last attempted bridge.
	Since     time.Time     // When Connected last changed.
	Failures  int           // Consecutive failed attempts.
	NextRetry time.Duration // Wait before the next attempt; zero while connected.
	Err       error         // Why the last session or attempt ended.
}

type Client struct {
	cfg         Config
	handler     middleware.HandlerFunc
	middlewares []middleware.Middleware
	logger      *zap.Logger
	registry    registry.Registry
	balancer    loadbalance.Balancer
	dialer      *websocket.Dialer
	backoff     *Backoff
	kick        chan struct{}

	mu        sync.Mutex
	status    Status
	conn      *transport.Conn
	observers map[int]func(Status)
	nextObs   int
	notifyMu  sync.Mutex // Keeps observer callbacks in status order.

	inflight sync.WaitGroup
}

// NewClient returns a capture agent that answers requests with handler.
func NewClient(cfg Config, handler middleware.HandlerFunc, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg,
		logger:    zap.NewNop(),
		balancer:  &loadbalance.RoundRobinBalancer{},
		kick:      make(chan struct{}, 1),
		observers: make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = registry.NewStatic(cfg.ServiceName, cfg.Endpoints...)
	}
	c.handler = middleware.Chain(c.middlewares...)(handler)
	c.dialer = &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   16 << 10,
		WriteBufferSize:  64 << 10,
	}
	c.backoff = NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff)
	c.status = Status{Since: time.Now()}
	return c
}

// Run connects and reconnects until ctx ends. In-flight handlers are
// cancelled and waited for before it returns ctx's error.
func (c *Client) Run(ctx context.Context) error {
	defer c.inflight.Wait()
	for {
		endpoint, err := c.session(ctx)
		if ctx.Err() != nil {
			c.publish(Status{Endpoint: endpoint, Err: errStopped})
			return ctx.Err()
		}

		delay := c.backoff.Next()
		c.publish(Status{Endpoint: endpoint, Failures: c.backoff.Failures(), NextRetry: delay, Err: err})
		c.logger.Info("bridge unavailable, retrying",
			zap.String("endpoint", endpoint), zap.Duration("delay", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.publish(Status{Endpoint: endpoint, Err: errStopped})
			return ctx.Err()
		case <-c.kick:
			timer.Stop()
			c.backoff.Reset()
			c.logger.Info("manual reconnect")
		case <-timer.C:
		}
	}
}

// ReconnectNow skips any pending backoff wait, drops the current socket,
// and dials again immediately.
func (c *Client) ReconnectNow() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.CloseWith(errManualReconnect)
	}
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe calls fn with the current status and then on every change,
// until the returned function is called. fn must not block.
func (c *Client) Subscribe(fn func(Status)) (unsubscribe func()) {
	c.notifyMu.Lock()
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	current := c.status
	c.mu.Unlock()
	fn(current)
	c.notifyMu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Client) publish(s Status) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if s.Connected != c.status.Connected {
		s.Since = time.Now()
	} else {
		s.Since = c.status.Since
	}
	c.status = s
	observers := make([]func(Status), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

// session runs one connect attempt and, if it succeeds, serves the
// connection until it closes. It returns the endpoint tried and why the
// attempt or session ended.
func (c *Client) session(ctx context.Context) (string, error) {
	endpoint, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}
	ws, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return endpoint, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	conn := transport.NewConn(ws, c.cfg.WriteTimeout)
	conn.SetReadLimit(c.cfg.MaxFrameSize)
	log := c.logger.With(zap.String("conn", conn.ID()), zap.String("endpoint", endpoint))

	c.backoff.Reset()
	select {
	case <-c.kick: // A reconnect requested while dialing is already satisfied.
	default:
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.publish(Status{Connected: true, Endpoint: endpoint})
	log.Info("connected to bridge")

	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() { conn.CloseWith(errStopped) })

	// The server probes liveness; this side only keeps the link warm.
	hb := transport.NewHeartbeat(c.cfg.PingInterval, 0)
	conn.OnPing(hb.Touch)
	conn.OnPong(hb.Touch)
	go func() {
		if err := hb.Run(sctx, func() error { return conn.WriteFrame(message.Ping) }); err != nil {
			conn.CloseWith(err)
		}
	}()

	readErr := c.readLoop(sctx, conn, hb, log)
	cancel()
	stop()
	conn.CloseWith(readErr)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	cause := conn.Cause()
	if cause == nil {
		cause = protocol.ErrConnectionLost
	}
	log.Info("disconnected from bridge", zap.NamedError("cause", cause))
	return endpoint, cause
}

func (c *Client) readLoop(ctx context.Context, conn *transport.Conn, hb *transport.Heartbeat, log *zap.Logger) error {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			log.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		switch frame.Type {
		case message.TypeRequest:
			c.inflight.Add(1)
			go c.serve(ctx, conn, frame.Request, log)
		case message.TypePing:
			hb.Touch()
			if err := conn.WriteFrame(message.Pong); err != nil {
				log.Debug("pong write failed", zap.Error(err))
			}
		case message.TypePong:
			hb.Touch()
		default:
			log.Debug("ignoring frame", zap.String("type", frame.Type), zap.String("id", frame.ID))
		}
	}
}

// serve answers one request on the session it arrived on.
func (c *Client) serve(ctx context.Context, conn *transport.Conn, req *message.Request, log *zap.Logger) {
	defer c.inflight.Done()

	resp := c.handler(ctx, req)
	if resp == nil {
		resp = message.Failure(req.ID, "no response for %s", req.Operation)
	}
	resp.ID = req.ID
	if ctx.Err() != nil {
		log.Debug("session closed, dropping response", zap.String("id", req.ID))
		return
	}

	if resp.Success {
		err := chunk.Send(conn, req.ID, chunkBody(resp.Data), c.cfg.ChunkSize)
		if err == nil {
			return
		}
		if !errors.Is(err, chunk.ErrNotChunked) {
			log.Warn("chunked response failed", zap.String("id", req.ID), zap.Error(err))
			return
		}
	}
	if err := conn.WriteFrame(resp); err != nil {
		log.Warn("response write failed", zap.String("id", req.ID), zap.Error(err))
	}
}

// chunkBody is what a chunked transfer carries for data. A screenshot-only
// result travels as the bare base64 string, which the bridge wraps back into
// {"screenshot": ...}; any other shape travels as its JSON text.
func chunkBody(data []byte) []byte {
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return data
	}
	keys := 0
	doc.ForEach(func(_, _ gjson.Result) bool {
		keys++
		return keys < 2
	})
	if shot := doc.Get("screenshot"); keys == 1 && shot.Type == gjson.String {
		return []byte(shot.Str)
	}
	return data
}

// resolve finds the bridge URL to dial next.
func (c *Client) resolve(ctx context.Context) (string, error) {
	instances, err := c.registry.Discover(ctx, c.cfg.ServiceName)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", c.cfg.ServiceName, err)
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return "", err
	}
	return endpointURL(*instance, c.cfg.Path), nil
}

func endpointURL(instance registry.ServiceInstance, defaultPath string) string {
	if strings.Contains(instance.Addr, "://") {
		return instance.Addr
	}
	path := instance.Path
	if path == "" {
		path = defaultPath
	}
	if path == "" {
		path = "/"
	}
	u := url.URL{Scheme: "ws", Host: instance.Addr, Path: path}
	return u.String()
}
