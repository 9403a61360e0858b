package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"magiceye/chunk"
	"magiceye/message"
	"magiceye/protocol"
	"magiceye/registry"
)

func startServer(t *testing.T, mutate func(*Config), opts ...Option) (*Server, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServiceName = ""
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	srv := NewServer(cfg, opts...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, "ws://" + ln.Addr().String() + cfg.Path
}

// peer is a bare capture agent driven frame by frame.
type peer struct {
	t  *testing.T
	ws *websocket.Conn
	mu sync.Mutex
}

func dialPeer(t *testing.T, srv *Server, url string) *peer {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	p := &peer{t: t, ws: ws}
	t.Cleanup(func() { _ = ws.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.WaitConnected(ctx))
	return p
}

// WriteFrame lets a peer act as a chunk.FrameWriter.
func (p *peer) WriteFrame(v any) error {
	body, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return p.writeRaw(body)
}

func (p *peer) writeRaw(body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, body)
}

func (p *peer) readFrame() (*protocol.Frame, error) {
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (p *peer) readRequest() (*message.Request, error) {
	f, err := p.readFrame()
	if err != nil {
		return nil, err
	}
	if f.Type != message.TypeRequest {
		return nil, errors.New("expected request, got " + f.Type)
	}
	return f.Request, nil
}

func (p *peer) respond(id string, data string) error {
	return p.WriteFrame(&message.Response{ID: id, Success: true, Data: json.RawMessage(data)})
}

type sendResult struct {
	resp *message.Response
	err  error
	took time.Duration
}

func sendAsync(srv *Server, operation string, params map[string]any, timeout time.Duration) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		start := time.Now()
		resp, err := srv.Send(context.Background(), operation, params, timeout)
		ch <- sendResult{resp, err, time.Since(start)}
	}()
	return ch
}

func await(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("send did not return")
		return sendResult{}
	}
}

func TestSendWithoutPeerFailsFast(t *testing.T) {
	srv, _ := startServer(t, nil)
	assert.Equal(t, StateIdle, srv.State())

	start := time.Now()
	resp, err := srv.Send(context.Background(), "capture_viewport", nil, 0)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, protocol.ErrPeerUnavailable)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, srv.Pending())
}

func TestSendRoundTrip(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)
	assert.Equal(t, StateActive, srv.State())

	ch := sendAsync(srv, "capture_element", map[string]any{"selector": "#main", "padding": 8}, 0)

	req, err := p.readRequest()
	require.NoError(t, err)
	assert.Equal(t, "capture_element", req.Operation)
	assert.Equal(t, "#main", req.Params["selector"])
	assert.EqualValues(t, 8, req.Params["padding"])
	require.NoError(t, p.respond(req.ID, `{"screenshot":"iVBOR"}`))

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.True(t, r.resp.Success)
	assert.JSONEq(t, `{"screenshot":"iVBOR"}`, string(r.resp.Data))
	assert.Equal(t, 0, srv.Pending())
}

func TestFailureResponseIsNotAnError(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	ch := sendAsync(srv, "capture_element", map[string]any{"selector": ".missing"}, 0)
	req, err := p.readRequest()
	require.NoError(t, err)
	require.NoError(t, p.WriteFrame(message.Failure(req.ID, "no element matches %s", ".missing")))

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.False(t, r.resp.Success)
	assert.Equal(t, "no element matches .missing", r.resp.Error)
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	const n = 50
	results := make([]<-chan sendResult, n)
	for i := 0; i < n; i++ {
		results[i] = sendAsync(srv, "get_page_info", map[string]any{"n": i}, 0)
	}

	// Collect every request first, then answer in reverse order.
	reqs := make([]*message.Request, 0, n)
	for len(reqs) < n {
		req, err := p.readRequest()
		require.NoError(t, err)
		reqs = append(reqs, req)
	}
	seen := make(map[string]bool)
	for i := len(reqs) - 1; i >= 0; i-- {
		req := reqs[i]
		assert.False(t, seen[req.ID], "duplicate id %s", req.ID)
		seen[req.ID] = true
		echo, _ := json.Marshal(map[string]any{"n": req.Params["n"]})
		require.NoError(t, p.respond(req.ID, string(echo)))
	}

	for i, ch := range results {
		r := await(t, ch)
		require.NoError(t, r.err)
		var got struct{ N int }
		require.NoError(t, json.Unmarshal(r.resp.Data, &got))
		assert.Equal(t, i, got.N)
	}
	assert.Equal(t, 0, srv.Pending())
}

func TestChunkedResponseReassembled(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	// A 2 MiB data object: {"screenshot":"AAAA..."}.
	const total = 2 << 20
	prefix, suffix := `{"screenshot":"`, `"}`
	payload := prefix + strings.Repeat("A", total-len(prefix)-len(suffix)) + suffix
	require.Len(t, payload, 2097152)
	require.Equal(t, 8, chunk.Count(len(payload), chunk.DefaultSize))

	ch := sendAsync(srv, "capture_full_page", nil, 0)
	req, err := p.readRequest()
	require.NoError(t, err)
	require.NoError(t, chunk.Send(p, req.ID, []byte(payload), chunk.DefaultSize))

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.True(t, r.resp.Success)
	assert.Equal(t, req.ID, r.resp.ID)
	assert.True(t, string(r.resp.Data) == payload, "reassembled body differs")
}

func TestChunkedBareScreenshotIsWrapped(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	body := strings.Repeat("iVBORw0KGgo", 100)
	ch := sendAsync(srv, "capture_viewport", nil, 0)
	req, err := p.readRequest()
	require.NoError(t, err)
	require.NoError(t, chunk.Send(p, req.ID, []byte(body), 256))

	r := await(t, ch)
	require.NoError(t, r.err)
	var data struct{ Screenshot string }
	require.NoError(t, json.Unmarshal(r.resp.Data, &data))
	assert.Equal(t, body, data.Screenshot)
}

func TestIncompleteTransferFails(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	ch := sendAsync(srv, "capture_full_page", nil, 0)
	req, err := p.readRequest()
	require.NoError(t, err)
	require.NoError(t, p.WriteFrame(message.NewChunkHeader(req.ID, 3, 30)))
	require.NoError(t, p.WriteFrame(message.NewChunkData(req.ID, 0, strings.Repeat("a", 10))))
	require.NoError(t, p.WriteFrame(message.NewChunkData(req.ID, 2, strings.Repeat("c", 10))))
	require.NoError(t, p.WriteFrame(message.NewChunkComplete(req.ID)))

	r := await(t, ch)
	assert.ErrorIs(t, r.err, protocol.ErrIncompleteTransfer)
	assert.Equal(t, 0, srv.Pending())
}

func TestRequestTimeout(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	ch := sendAsync(srv, "get_page_source", nil, 100*time.Millisecond)
	req, err := p.readRequest()
	require.NoError(t, err)

	r := await(t, ch)
	assert.ErrorIs(t, r.err, protocol.ErrRequestTimeout)
	assert.Equal(t, "REQUEST_TIMEOUT", protocol.KindOf(r.err))
	assert.Equal(t, 0, srv.Pending())

	// A late answer is dropped and the connection stays usable.
	require.NoError(t, p.respond(req.ID, `{}`))
	ch = sendAsync(srv, "get_page_info", nil, 0)
	req, err = p.readRequest()
	require.NoError(t, err)
	require.NoError(t, p.respond(req.ID, `{"pageInfo":{}}`))
	require.NoError(t, await(t, ch).err)
}

func TestCallerContextCancels(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := srv.Send(ctx, "capture_viewport", nil, 0)
		done <- err
	}()
	_, err := p.readRequest()
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("send ignored cancellation")
	}
}

func TestSupersedeFailsOldCalls(t *testing.T) {
	srv, url := startServer(t, nil)
	p1 := dialPeer(t, srv, url)

	ch := sendAsync(srv, "capture_full_page", nil, 0)
	_, err := p1.readRequest()
	require.NoError(t, err)

	p2 := dialPeer(t, srv, url)

	r := await(t, ch)
	assert.ErrorIs(t, r.err, protocol.ErrConnectionLost)
	assert.Less(t, r.took, 2*time.Second)

	// The old peer is closed by the server.
	for {
		if _, err := p1.readFrame(); err != nil {
			break
		}
	}
	assert.Equal(t, StateActive, srv.State())

	ch = sendAsync(srv, "get_page_info", nil, 0)
	req, err := p2.readRequest()
	require.NoError(t, err)
	require.NoError(t, p2.respond(req.ID, `{"pageInfo":{"title":"new"}}`))
	r = await(t, ch)
	require.NoError(t, r.err)
	assert.Contains(t, string(r.resp.Data), "new")
}

func TestDisconnectFailsPendingAndGoesIdle(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	ch := sendAsync(srv, "capture_viewport", nil, 0)
	_, err := p.readRequest()
	require.NoError(t, err)
	require.NoError(t, p.ws.Close())

	r := await(t, ch)
	assert.ErrorIs(t, r.err, protocol.ErrConnectionLost)
	assert.Eventually(t, func() bool { return srv.State() == StateIdle }, time.Second, 10*time.Millisecond)

	_, err = srv.Send(context.Background(), "capture_viewport", nil, 0)
	assert.ErrorIs(t, err, protocol.ErrPeerUnavailable)
}

func TestHeartbeatDetectsSilentPeer(t *testing.T) {
	srv, url := startServer(t, func(c *Config) {
		c.PingInterval = 30 * time.Millisecond
		c.PingGrace = 120 * time.Millisecond
	})
	p := dialPeer(t, srv, url)
	// Swallow pings without answering, like a frozen tab.
	p.ws.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := p.ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	r := await(t, sendAsync(srv, "capture_full_page", nil, 10*time.Second))
	assert.ErrorIs(t, r.err, protocol.ErrConnectionLost)
	assert.ErrorIs(t, r.err, protocol.ErrHeartbeatTimeout)
	assert.Less(t, r.took, time.Second)
	assert.Eventually(t, func() bool { return srv.State() == StateIdle }, time.Second, 10*time.Millisecond)
}

func TestHeartbeatKeepsResponsivePeer(t *testing.T) {
	srv, url := startServer(t, func(c *Config) {
		c.PingInterval = 20 * time.Millisecond
		c.PingGrace = 80 * time.Millisecond
	})
	p := dialPeer(t, srv, url)
	go func() {
		for {
			if _, _, err := p.ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	assert.True(t, srv.Connected())
}

func TestApplicationPingIsAnswered(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	require.NoError(t, p.WriteFrame(message.Ping))
	f, err := p.readFrame()
	require.NoError(t, err)
	assert.Equal(t, message.TypePong, f.Type)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	ch := sendAsync(srv, "get_page_info", nil, 0)
	req, err := p.readRequest()
	require.NoError(t, err)

	for _, raw := range []string{
		`not json`,
		`{"foo":1}`,
		`{"type":"chunk_data"}`,
		`{"id":7,"success":true}`,
		`[]`,
	} {
		require.NoError(t, p.writeRaw([]byte(raw)))
	}
	require.NoError(t, p.respond(req.ID, `{"pageInfo":{"url":"about:blank"}}`))

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.True(t, srv.Connected())
}

func TestShutdownFailsPending(t *testing.T) {
	srv, url := startServer(t, nil)
	p := dialPeer(t, srv, url)

	ch := sendAsync(srv, "capture_full_page", nil, 0)
	_, err := p.readRequest()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	r := await(t, ch)
	assert.ErrorIs(t, r.err, protocol.ErrConnectionLost)
	assert.Equal(t, 0, srv.Pending())
}

func TestShutdownRacesIncomingAgents(t *testing.T) {
	srv := NewServer(DefaultConfig(), WithLogger(zaptest.NewLogger(t)))
	ts := httptest.NewServer(srv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ws, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
				_ = ws.Close()
			}
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	wg.Wait()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, srv.Connected())
}

func TestServerAdvertisesInRegistry(t *testing.T) {
	reg := registry.NewStatic("")
	srv, _ := startServer(t, func(c *Config) {
		c.ServiceName = "bridge-test"
		c.Path = "/bridge"
	}, WithRegistry(reg))

	var instances []registry.ServiceInstance
	require.Eventually(t, func() bool {
		var err error
		instances, err = reg.Discover(context.Background(), "bridge-test")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	require.Len(t, instances, 1)
	assert.Equal(t, srv.Addr().String(), instances[0].Addr)
	assert.Equal(t, "/bridge", instances[0].Path)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	_, err := reg.Discover(context.Background(), "bridge-test")
	assert.Error(t, err)
}

func TestOriginCheck(t *testing.T) {
	_, url := startServer(t, func(c *Config) {
		c.AllowedOrigins = []string{"chrome-extension://abc"}
	})

	header := map[string][]string{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)

	header["Origin"] = []string{"chrome-extension://abc"}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "unknown", State(9).String())
}
