package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"magiceye/chunk"
	"magiceye/message"
	"magiceye/protocol"
)

// Result is the single resolution of a Call.
type Result struct {
	Response *message.Response
	Err      error
}

// Call is one outstanding request.
type Call struct {
	ID        string
	Session   string // Conn.ID of the session the request was written to.
	Operation string
	Deadline  time.Time

	timer *time.Timer
	done  chan Result // Buffered; written exactly once by whoever removes the call.
}

// Done delivers the call's result once.
func (c *Call) Done() <-chan Result { return c.done }

// Wait blocks until the call resolves or ctx ends. When ctx ends first the
// call stays registered and its deadline timer still cleans it up.
func (c *Call) Wait(ctx context.Context) (*message.Response, error) {
	select {
	case r := <-c.done:
		return r.Response, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator matches responses to outstanding calls and reassembles chunked
// response bodies. The pending table and the chunk buffers are mutated only
// under mu, so every call is resolved exactly once no matter which of
// response, timeout, or disconnect gets there first.
type Correlator struct {
	mu      sync.Mutex
	seq     uint64
	pending map[string]*Call
	chunks  *chunk.Assembler
	logger  *zap.Logger
}

func NewCorrelator(logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		pending: make(map[string]*Call),
		chunks:  chunk.NewAssembler(),
		logger:  logger,
	}
}

// Register assigns the next id and starts the call's deadline timer.
func (c *Correlator) Register(session, operation string, timeout time.Duration) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := strconv.FormatUint(c.seq, 10)
	call := &Call{
		ID:        id,
		Session:   session,
		Operation: operation,
		Deadline:  time.Now().Add(timeout),
		done:      make(chan Result, 1),
	}
	c.pending[id] = call
	call.timer = time.AfterFunc(timeout, func() {
		if c.Fail(id, fmt.Errorf("%w: %s after %s", protocol.ErrRequestTimeout, operation, timeout)) {
			c.logger.Warn("request timed out", zap.String("id", id), zap.String("operation", operation))
		}
	})
	return call
}

// Resolve delivers resp to its call. Responses for unknown ids, or arriving
// on a session other than the one the request went out on, are ignored.
func (c *Correlator) Resolve(session string, resp *message.Response) bool {
	c.mu.Lock()
	call := c.takeLocked(resp.ID, session)
	c.mu.Unlock()
	if call == nil {
		c.logger.Debug("dropping response without pending call", zap.String("id", resp.ID))
		return false
	}
	call.finish(Result{Response: resp})
	return true
}

// Fail rejects the call for id with err.
func (c *Correlator) Fail(id string, err error) bool {
	c.mu.Lock()
	call := c.takeLocked(id, "")
	c.mu.Unlock()
	if call == nil {
		return false
	}
	call.finish(Result{Err: err})
	return true
}

// FailSession rejects every call written to session and returns how many.
func (c *Correlator) FailSession(session string, err error) int {
	return c.failWhere(func(call *Call) bool { return call.Session == session }, err)
}

// FailAll rejects every pending call and returns how many.
func (c *Correlator) FailAll(err error) int {
	return c.failWhere(func(*Call) bool { return true }, err)
}

func (c *Correlator) failWhere(match func(*Call) bool, err error) int {
	c.mu.Lock()
	var failed []*Call
	for id, call := range c.pending {
		if match(call) {
			delete(c.pending, id)
			c.chunks.Drop(id)
			failed = append(failed, call)
		}
	}
	c.mu.Unlock()
	for _, call := range failed {
		call.finish(Result{Err: err})
	}
	return len(failed)
}

// BeginChunks opens a reassembly buffer for a pending call.
func (c *Correlator) BeginChunks(session string, h *message.ChunkHeader) {
	c.mu.Lock()
	call, ok := c.pending[h.ID]
	if !ok || call.Session != session {
		c.mu.Unlock()
		c.logger.Debug("ignoring chunk header without pending call", zap.String("id", h.ID))
		return
	}
	if err := c.chunks.Begin(h); err != nil {
		call = c.takeLocked(h.ID, session)
		c.mu.Unlock()
		call.finish(Result{Err: err})
		return
	}
	c.mu.Unlock()
	c.logger.Debug("chunked transfer started",
		zap.String("id", h.ID), zap.Int("chunks", h.TotalChunks), zap.Int("bytes", h.TotalSize))
}

// AddChunk stores one piece of an open transfer. Pieces for transfers that
// are not open (completed, timed out, or superseded) are ignored.
func (c *Correlator) AddChunk(session string, d *message.ChunkData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call, ok := c.pending[d.ID]; !ok || call.Session != session {
		return
	}
	ok, err := c.chunks.Add(d)
	if !ok {
		return
	}
	if err != nil {
		c.logger.Warn("discarding chunk", zap.String("id", d.ID), zap.Error(err))
		return
	}
	if buf, open := c.chunks.Open(d.ID); open && buf.Received()%10 == 0 {
		c.logger.Debug("chunk progress",
			zap.String("id", d.ID), zap.Int("received", buf.Received()), zap.Int("chunks", buf.Total()))
	}
}

// CompleteChunks reassembles an open transfer and resolves its call. A
// transfer with missing pieces fails the call with ErrIncompleteTransfer.
func (c *Correlator) CompleteChunks(session, id string) {
	c.mu.Lock()
	if call, ok := c.pending[id]; !ok || call.Session != session {
		c.mu.Unlock()
		return
	}
	announced := -1
	if buf, open := c.chunks.Open(id); open {
		announced = buf.TotalSize()
	}
	payload, open, err := c.chunks.Finish(id)
	if !open {
		c.mu.Unlock()
		return
	}
	call := c.takeLocked(id, session)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("chunked transfer incomplete", zap.String("id", id), zap.Error(err))
		call.finish(Result{Err: err})
		return
	}
	if len(payload) != announced {
		c.logger.Warn("chunked transfer size differs from header",
			zap.String("id", id), zap.Int("bytes", len(payload)), zap.Int("announced", announced))
	}
	c.logger.Debug("chunked transfer reassembled", zap.String("id", id), zap.Int("bytes", len(payload)))
	call.finish(Result{Response: &message.Response{ID: id, Success: true, Data: chunkedData(payload)}})
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// takeLocked removes and returns the call for id. A non-empty session must
// match the call's session. The caller holds mu.
func (c *Correlator) takeLocked(id, session string) *Call {
	call, ok := c.pending[id]
	if !ok || (session != "" && call.Session != session) {
		return nil
	}
	delete(c.pending, id)
	c.chunks.Drop(id)
	return call
}

func (call *Call) finish(r Result) {
	call.timer.Stop()
	call.done <- r
}

// chunkedData turns a reassembled body into response data. Agents send the
// JSON data object in pieces; older agents send the bare base64 screenshot,
// which is wrapped the way a plain response would carry it.
func chunkedData(payload []byte) json.RawMessage {
	if gjson.ValidBytes(payload) {
		return payload
	}
	wrapped, _ := json.Marshal(map[string]string{"screenshot": string(payload)})
	return wrapped
}
