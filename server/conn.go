package server

import (
	"context"

	"go.uber.org/zap"

	"magiceye/message"
	"magiceye/protocol"
	"magiceye/transport"
)

// handleConn serves one capture agent connection until it closes.
func (s *Server) handleConn(conn *transport.Conn) {
	log := s.logger.With(zap.String("conn", conn.ID()), zap.Stringer("remote", conn.RemoteAddr()))
	conn.SetReadLimit(s.cfg.MaxFrameSize)

	hb := transport.NewHeartbeat(s.cfg.PingInterval, s.cfg.PingGrace)
	conn.OnPong(hb.Touch)
	conn.OnPing(hb.Touch)

	if !s.activate(conn, log) {
		conn.CloseWith(errShutdown)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		if err := hb.Run(ctx, conn.Ping); err != nil {
			log.Warn("heartbeat failed, closing connection", zap.Error(err))
			conn.CloseWith(err)
		}
	}()

	readErr := s.readLoop(conn, hb, log)
	cancel()
	<-hbDone

	// The first recorded cause wins: heartbeat timeout, supersede, shutdown,
	// or finally the read error itself.
	conn.CloseWith(readErr)
	cause := conn.Cause()

	s.deactivate(conn)
	n := s.correlator.FailSession(conn.ID(), lostError(cause))
	log.Info("capture agent disconnected", zap.Int("failed_calls", n), zap.NamedError("cause", cause))
}

// activate makes conn the sole active peer, closing any previous one and
// failing its calls. It reports false once Shutdown has begun.
func (s *Server) activate(conn *transport.Conn, log *zap.Logger) bool {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		return false
	}
	prev := s.active
	s.active = conn
	s.setStateLocked(StateActive)
	s.mu.Unlock()

	if prev != nil {
		prev.CloseWith(errSuperseded)
		n := s.correlator.FailSession(prev.ID(), lostError(errSuperseded))
		log.Info("capture agent superseded previous connection",
			zap.String("previous", prev.ID()), zap.Int("failed_calls", n))
		return true
	}
	log.Info("capture agent connected")
	return true
}

// deactivate frees the slot if conn still holds it.
func (s *Server) deactivate(conn *transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == conn {
		s.active = nil
		s.setStateLocked(StateIdle)
	}
}

func (s *Server) setStateLocked(state State) {
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) readLoop(conn *transport.Conn, hb *transport.Heartbeat, log *zap.Logger) error {
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
		s.dispatch(conn, hb, frame, log)
	}
}

func (s *Server) dispatch(conn *transport.Conn, hb *transport.Heartbeat, frame *protocol.Frame, log *zap.Logger) {
	session := conn.ID()
	switch frame.Type {
	case message.TypePing:
		hb.Touch()
		if err := conn.WriteFrame(message.Pong); err != nil {
			log.Debug("pong write failed", zap.Error(err))
		}
	case message.TypePong:
		hb.Touch()
	case message.TypeChunkHeader:
		s.correlator.BeginChunks(session, frame.ChunkHeader)
	case message.TypeChunkData:
		s.correlator.AddChunk(session, frame.ChunkData)
	case message.TypeChunkComplete:
		s.correlator.CompleteChunks(session, frame.ID)
	case message.TypeResponse:
		s.correlator.Resolve(session, frame.Response)
	case message.TypeRequest:
		log.Warn("ignoring request from capture agent", zap.String("id", frame.ID), zap.String("operation", frame.Request.Operation))
	}
}
