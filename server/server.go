// Package server implements the bridge server: the side of the bridge that
// listens on the local port, holds the single capture-agent connection, and
// lets callers send requests to it.
//
// Connection lifecycle:
//
//	Idle ──agent connects──→ Active ──close / heartbeat timeout──→ Idle
//	                          │
//	                          └──another agent connects──→ Active (new peer)
//	                               previous peer closed, its calls fail
//
// Inbound frames are read by one goroutine per connection and dispatched by
// type: ping/pong feed the heartbeat, chunk frames and responses go to the
// Correlator.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"magiceye/message"
	"magiceye/protocol"
	"magiceye/registry"
	"magiceye/transport"
)

// Version is advertised to the registry with each instance.
const Version = "0.3.0"

var (
	errSuperseded = errors.New("superseded by a new capture agent connection")
	errShutdown   = errors.New("bridge server shutting down")
)

// Server is the bridge server.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	registry   registry.Registry
	correlator *transport.Correlator
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	state      State
	active     *transport.Conn
	changed    chan struct{} // Closed and replaced on every state change.
	listener   net.Listener
	httpSrv    *http.Server
	advertised string
	regCancel  context.CancelFunc

	wg       sync.WaitGroup // Tracks connection goroutines for graceful shutdown.
	shutdown atomic.Bool
}

func NewServer(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  zap.NewNop(),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.correlator = transport.NewCorrelator(s.logger.Named("correlator"))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// ListenAndServe listens on cfg.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts capture agents on ln until Shutdown. Errors on individual
// connections are logged; the listener keeps accepting.
func (s *Server) Serve(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	hs := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = hs
	s.mu.Unlock()

	go s.advertise(ln.Addr())
	s.logger.Info("bridge listening", zap.Stringer("addr", ln.Addr()), zap.String("path", s.cfg.Path))

	err := hs.Serve(ln)
	if s.shutdown.Load() || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP upgrades one capture agent connection and serves it until it
// closes. It lets the bridge be mounted on an existing mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add under mu so it is ordered before Shutdown's Wait.
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		http.Error(w, errShutdown.Error(), http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s.handleConn(transport.NewConn(ws, s.cfg.WriteTimeout))
}

// Send relays one operation to the capture agent and waits for its response.
// timeout <= 0 uses the configured default. The returned error is one of the
// protocol sentinels, or ctx's error when the caller gives up first; a peer
// that answers with Success=false is not an error at this level.
func (s *Server) Send(ctx context.Context, operation string, params map[string]any, timeout time.Duration) (*message.Response, error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	// Registering under mu orders the call against activate/deactivate: it
	// either lands on the current session or is failed with it.
	s.mu.Lock()
	conn := s.active
	if conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: ensure the extension is loaded and refresh the page you want to capture", protocol.ErrPeerUnavailable)
	}
	call := s.correlator.Register(conn.ID(), operation, timeout)
	s.mu.Unlock()

	req := message.Request{ID: call.ID, Operation: operation, Params: params}
	if err := conn.WriteFrame(req); err != nil {
		s.correlator.Fail(call.ID, fmt.Errorf("%w: send %s: %w", protocol.ErrConnectionLost, operation, err))
	}
	return call.Wait(ctx)
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) Connected() bool { return s.State() == StateActive }

// Pending returns the number of requests awaiting a response.
func (s *Server) Pending() int { return s.correlator.Pending() }

// WaitConnected blocks until a capture agent is active or ctx ends.
func (s *Server) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed := s.state, s.changed
		s.mu.Unlock()
		if state == StateActive {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops the bridge:
//  1. deregister, so agents stop discovering this server
//  2. stop accepting and close the active connection
//  3. fail every pending call
//  4. wait for connection goroutines to finish, bounded by ctx
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	hs, conn, adv, regCancel := s.httpSrv, s.active, s.advertised, s.regCancel
	s.mu.Unlock()

	if s.registry != nil && adv != "" {
		if err := s.registry.Deregister(ctx, s.cfg.ServiceName, adv); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
	}
	if regCancel != nil {
		regCancel()
	}

	var err error
	if hs != nil {
		err = hs.Shutdown(ctx)
	}
	if conn != nil {
		conn.CloseWith(errShutdown)
	}
	s.correlator.FailAll(lostError(errShutdown))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for connections to close: %w", ctx.Err())
	}
}

func (s *Server) advertise(addr net.Addr) {
	if s.registry == nil || s.cfg.ServiceName == "" {
		return
	}
	adv := s.cfg.AdvertiseAddr
	if adv == "" {
		adv = addr.String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.advertised = adv
	s.regCancel = cancel
	s.mu.Unlock()

	instance := registry.ServiceInstance{Addr: adv, Path: s.cfg.Path, Version: Version}
	if err := s.registry.Register(ctx, s.cfg.ServiceName, instance, s.cfg.RegistryTTL); err != nil {
		s.logger.Warn("advertise failed", zap.String("service", s.cfg.ServiceName), zap.Error(err))
		return
	}
	s.logger.Info("bridge advertised", zap.String("service", s.cfg.ServiceName), zap.String("addr", adv))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // Not a browser.
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func lostError(cause error) error {
	if cause == nil {
		return protocol.ErrConnectionLost
	}
	if errors.Is(cause, protocol.ErrConnectionLost) {
		return cause
	}
	return fmt.Errorf("%w: %w", protocol.ErrConnectionLost, cause)
}
