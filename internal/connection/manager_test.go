package connection

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/loadline/tracking/internal/auth"
)

// trackingServer counts upgrade requests and hands each connection to
// handler. reject makes the handshake fail with 503.
type trackingServer struct {
	*httptest.Server
	hits    atomic.Int32
	reject  atomic.Bool
	mu      sync.Mutex
	uris    []string
	handler func(n int, conn *websocket.Conn)
}

func newTrackingServer(t *testing.T, handler func(n int, conn *websocket.Conn)) *trackingServer {
	ts := &trackingServer{handler: handler}
	upgrader := websocket.Upgrader{}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(ts.hits.Add(1))
		ts.mu.Lock()
		ts.uris = append(ts.uris, r.RequestURI)
		ts.mu.Unlock()

		if ts.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		ts.handler(n, conn)
	}))
	t.Cleanup(ts.Close)

	return ts
}

func (ts *trackingServer) endpoint() string {
	return wsURL(ts.Server) + "/ws/tracking/{order_id}/"
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	time.Sleep(50 * time.Millisecond)
}

// recorder captures handler callbacks for assertions.
type recorder struct {
	mu         sync.Mutex
	events     []string
	frames     chan Frame
	errs       chan error
	opens      chan struct{}
	closes     chan CloseEvent
	reconnects chan time.Duration
	connecting chan int
}

func newRecorder() *recorder {
	return &recorder{
		frames:     make(chan Frame, 64),
		errs:       make(chan error, 64),
		opens:      make(chan struct{}, 64),
		closes:     make(chan CloseEvent, 64),
		reconnects: make(chan time.Duration, 64),
		connecting: make(chan int, 64),
	}
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnConnecting: func(attempt int) {
			r.record("connecting")
			r.connecting <- attempt
		},
		OnOpen: func() {
			r.record("open")
			r.opens <- struct{}{}
		},
		OnMessage: func(f Frame) {
			r.record("message")
			r.frames <- f
		},
		OnError: func(err error) {
			r.record("error")
			r.errs <- err
		},
		OnReconnect: func(attempt int, delay time.Duration) {
			r.record("reconnect")
			r.reconnects <- delay
		},
		OnClose: func(e CloseEvent) {
			r.record("close")
			r.closes <- e
		},
	}
}

func testManagerConfig(endpoint string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Endpoint = endpoint
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func TestManager_ConnectEmptyOrderID(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil)

	if _, err := m.Connect("", Handlers{}); !errors.Is(err, ErrEmptyOrderID) {
		t.Errorf("Connect(\"\") error = %v, want ErrEmptyOrderID", err)
	}
	if m.Stats().Channels != 0 {
		t.Error("expected no channels after empty connect")
	}
}

func TestManager_ReceivesFrames(t *testing.T) {
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"initial_data","data":{"order":{"id":1}}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"location_update","data":{"id":9}}`))
		drain(conn)
	})

	m := NewManager(testManagerConfig(server.endpoint()), nil)
	defer m.DisconnectAll()

	rec := newRecorder()
	h, err := m.Connect("17", rec.handlers())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if attempt := waitFor(t, rec.connecting, "connecting"); attempt != 0 {
		t.Errorf("first OnConnecting attempt = %d, want 0", attempt)
	}
	waitFor(t, rec.opens, "open")
	waitFor(t, h.Opened(), "opened")

	first := waitFor(t, rec.frames, "initial_data")
	second := waitFor(t, rec.frames, "location_update")
	if first.Type != FrameInitialData || second.Type != FrameLocationUpdate {
		t.Errorf("frame order = [%s %s], want [initial_data location_update]", first.Type, second.Type)
	}
	if first.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should not be zero")
	}

	if !m.IsConnected("17") {
		t.Error("expected IsConnected(17)")
	}
	if h.OrderID() != "17" || h.State() != StateOpen {
		t.Errorf("handle = (%s, %s), want (17, open)", h.OrderID(), h.State())
	}

	server.mu.Lock()
	uri := server.uris[0]
	server.mu.Unlock()
	if uri != "/ws/tracking/17/" {
		t.Errorf("request URI = %q, want /ws/tracking/17/", uri)
	}
}

func TestManager_EndpointEscapesOrderID(t *testing.T) {
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) { drain(conn) })

	m := NewManager(testManagerConfig(server.endpoint()), nil)
	defer m.DisconnectAll()

	rec := newRecorder()
	if _, err := m.Connect("ORD 1/2", rec.handlers()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, rec.opens, "open")

	server.mu.Lock()
	uri := server.uris[0]
	server.mu.Unlock()
	if uri != "/ws/tracking/ORD%201%2F2/" {
		t.Errorf("request URI = %q, want escaped order id", uri)
	}
}

func TestManager_HandshakeCredentials(t *testing.T) {
	got := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		drain(conn)
	}))
	defer server.Close()

	cfg := testManagerConfig(wsURL(server) + "/ws/tracking/{order_id}/")
	cfg.Credentials = &auth.Credentials{AccessToken: "token-abc"}

	m := NewManager(cfg, nil)
	defer m.DisconnectAll()

	if _, err := m.Connect("1", Handlers{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if header := waitFor(t, got, "handshake"); header != "Bearer token-abc" {
		t.Errorf("Authorization = %q, want %q", header, "Bearer token-abc")
	}
}

func TestManager_ExpiredCredentials(t *testing.T) {
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) { drain(conn) })

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	cfg := testManagerConfig(server.endpoint())
	cfg.Credentials = &auth.Credentials{AccessToken: signed}
	cfg.MaxAttempts = 0

	m := NewManager(cfg, nil)
	rec := newRecorder()
	if _, err := m.Connect("1", rec.handlers()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	err = waitFor(t, rec.errs, "auth error")
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "auth" || !errors.Is(err, auth.ErrTokenExpired) {
		t.Errorf("error = %v, want auth TransportError wrapping ErrTokenExpired", err)
	}
	if ev := waitFor(t, rec.closes, "close"); ev.Code != websocket.CloseAbnormalClosure || ev.Attempts != 0 {
		t.Errorf("close = %+v, want 1006 with no reconnect attempts allowed", ev)
	}
	if server.hits.Load() != 0 {
		t.Errorf("dials = %d, want 0 with expired token", server.hits.Load())
	}
}

func TestManager_SendMessageOnlyWhenOpen(t *testing.T) {
	received := make(chan string, 4)
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	})

	m := NewManager(testManagerConfig(server.endpoint()), nil)
	defer m.DisconnectAll()

	if m.SendMessage("5", Frame{Type: FrameGetLocations}) {
		t.Error("SendMessage before Connect should drop")
	}

	rec := newRecorder()
	if _, err := m.Connect("5", rec.handlers()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, rec.opens, "open")

	if !m.SendMessage("5", Frame{Type: FrameGetLocations}) {
		t.Fatal("SendMessage while open should succeed")
	}
	if got := waitFor(t, received, "get_locations"); got != `{"type":"get_locations"}` {
		t.Errorf("server received %s", got)
	}

	m.Disconnect("5")
	if m.SendMessage("5", Frame{Type: FrameGetLocations}) {
		t.Error("SendMessage after Disconnect should drop")
	}
}

func TestManager_ParseErrorKeepsChannel(t *testing.T) {
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		drain(conn)
	})

	m := NewManager(testManagerConfig(server.endpoint()), nil)
	defer m.DisconnectAll()

	rec := newRecorder()
	if _, err := m.Connect("3", rec.handlers()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	err := waitFor(t, rec.errs, "parse error")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T, want *ParseError", err)
	}
	if string(pe.Data) != "not json" {
		t.Errorf("ParseError.Data = %q", pe.Data)
	}

	if f := waitFor(t, rec.frames, "pong"); f.Type != FramePong {
		t.Errorf("frame type = %s, want pong", f.Type)
	}
	if !m.IsConnected("3") {
		t.Error("channel should stay open after a parse error")
	}
}

func TestManager_Keepalive(t *testing.T) {
	pings := make(chan string, 8)
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			pings <- string(data)
		}
	})

	cfg := testManagerConfig(server.endpoint())
	cfg.PingInterval = 20 * time.Millisecond

	m := NewManager(cfg, nil)
	defer m.DisconnectAll()

	if _, err := m.Connect("8", Handlers{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if got := waitFor(t, pings, "ping"); got != `{"type":"ping"}` {
			t.Errorf("keepalive frame = %s, want {\"type\":\"ping\"}", got)
		}
	}
}

func TestManager_ReconnectAfterAbnormalClose(t *testing.T) {
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			closeWith(conn, websocket.CloseInternalServerErr, "restart")
			return
		}
		drain(conn)
	})

	m := NewManager(testManagerConfig(server.endpoint()), nil)
	defer m.DisconnectAll()

	rec := newRecorder()
	h, err := m.Connect("21", rec.handlers())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, rec.opens, "first open")

	if delay := waitFor(t, rec.reconnects, "reconnect"); delay != 10*time.Millisecond {
		t.Errorf("first reconnect delay = %v, want 10ms", delay)
	}
	if attempt := <-rec.connecting; attempt != 0 {
		t.Errorf("initial attempt = %d", attempt)
	}
	if attempt := waitFor(t, rec.connecting, "reconnecting"); attempt != 1 {
		t.Errorf("reconnect attempt = %d, want 1", attempt)
	}

	waitFor(t, rec.opens, "second open")

	if h.State() != StateOpen {
		t.Errorf("State() = %s, want open", h.State())
	}
	if stats := m.Stats(); stats.Open != 1 || stats.Reconnecting != 0 {
		t.Errorf("Stats() = %+v, want one open channel", stats)
	}
	if got := m.Channels()[0].Attempt; got != 0 {
		t.Errorf("attempt after reopen = %d, want 0", got)
	}
	if len(rec.closes) != 0 {
		t.Errorf("OnClose fired %d times for a retried drop, want 0", len(rec.closes))
	}
}

func TestManager_NormalCloseNoReconnect(t *testing.T) {
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) {
		closeWith(conn, websocket.CloseNormalClosure, "delivered")
	})

	m := NewManager(testManagerConfig(server.endpoint()), nil)

	rec := newRecorder()
	h, err := m.Connect("4", rec.handlers())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ev := waitFor(t, rec.closes, "close")
	if !ev.Normal() || ev.Reason != "delivered" {
		t.Errorf("close = %+v, want normal closure", ev)
	}
	waitFor(t, h.Done(), "done")

	time.Sleep(50 * time.Millisecond)
	if hits := server.hits.Load(); hits != 1 {
		t.Errorf("dials = %d, want 1", hits)
	}
	if _, ok := m.State("4"); ok {
		t.Error("expected bookkeeping removed after normal close")
	}
	if len(rec.reconnects) != 0 {
		t.Error("unexpected reconnect after normal close")
	}
}

func TestManager_ReconnectExhausted(t *testing.T) {
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) { drain(conn) })
	server.reject.Store(true)

	m := NewManager(testManagerConfig(server.endpoint()), nil)

	rec := newRecorder()
	h, err := m.Connect("99", rec.handlers())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, h.Done(), "done")
	time.Sleep(100 * time.Millisecond)

	if hits := server.hits.Load(); hits != 6 {
		t.Errorf("dials = %d, want 6 (initial + 5 reconnects)", hits)
	}

	if n := len(rec.closes); n != 1 {
		t.Fatalf("OnClose calls = %d, want exactly 1", n)
	}
	if ev := <-rec.closes; ev.Code != websocket.CloseAbnormalClosure || ev.Attempts != 5 {
		t.Errorf("close = %+v, want code 1006 after 5 attempts", ev)
	}

	var delays []time.Duration
	for len(rec.reconnects) > 0 {
		delays = append(delays, <-rec.reconnects)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("reconnect delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}

	var te *TransportError
	if err := <-rec.errs; !errors.As(err, &te) || te.Op != "dial" {
		t.Errorf("error = %v, want dial TransportError", err)
	}

	if m.IsConnected("99") {
		t.Error("expected not connected after giving up")
	}
	if _, ok := m.State("99"); ok {
		t.Error("expected bookkeeping removed after giving up")
	}
}

func TestManager_DisconnectDuringBackoff(t *testing.T) {
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) {
		closeWith(conn, websocket.CloseInternalServerErr, "")
	})

	cfg := testManagerConfig(server.endpoint())
	cfg.BaseDelay = 200 * time.Millisecond

	m := NewManager(cfg, nil)

	rec := newRecorder()
	h, err := m.Connect("12", rec.handlers())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, rec.reconnects, "reconnect")
	if state, ok := m.State("12"); !ok || state != StateClosed {
		t.Errorf("State during backoff = (%s, %v), want (closed, true)", state, ok)
	}
	if stats := m.Stats(); stats.Reconnecting != 1 {
		t.Errorf("Stats().Reconnecting = %d, want 1", stats.Reconnecting)
	}

	m.Disconnect("12")
	before := rec.count()

	waitFor(t, h.Done(), "done")
	time.Sleep(400 * time.Millisecond)

	if hits := server.hits.Load(); hits != 1 {
		t.Errorf("dials = %d, want 1 (no dial after disconnect)", hits)
	}
	if after := rec.count(); after != before {
		t.Errorf("callbacks after Disconnect = %d, want 0", after-before)
	}

	// Idempotent
	m.Disconnect("12")
	m.Disconnect("never-connected")
}

func TestManager_DoubleConnect(t *testing.T) {
	closes := make(chan int, 4)
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"location_update","data":{"id":1}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closes <- ce.Code
				}
				return
			}
		}
	})

	m := NewManager(testManagerConfig(server.endpoint()), nil)
	defer m.DisconnectAll()

	first := newRecorder()
	h1, err := m.Connect("7", first.handlers())
	if err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	waitFor(t, first.frames, "first frame")

	second := newRecorder()
	h2, err := m.Connect("7", second.handlers())
	if err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	waitFor(t, second.frames, "second frame")
	waitFor(t, h1.Done(), "old channel done")

	if code := waitFor(t, closes, "old close"); code != websocket.CloseNormalClosure {
		t.Errorf("old channel close code = %d, want 1000", code)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(first.frames); n != 0 {
		t.Errorf("old handlers received %d extra frames", n)
	}
	if len(first.closes) != 0 || len(first.errs) != 0 {
		t.Error("old handlers received callbacks after being replaced")
	}
	if stats := m.Stats(); stats.Channels != 1 {
		t.Errorf("Stats().Channels = %d, want 1", stats.Channels)
	}
	if h1.ID() == h2.ID() {
		t.Error("expected a new channel id for the replacement")
	}
}

func TestManager_NoCallbacksAfterDone(t *testing.T) {
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) {
		for {
			err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"location_update","data":{"id":1}}`))
			if err != nil {
				return
			}
		}
	})

	m := NewManager(testManagerConfig(server.endpoint()), nil)
	defer m.DisconnectAll()

	var frames, others atomic.Int64
	h, err := m.Connect("31", Handlers{
		OnMessage: func(Frame) { frames.Add(1) },
		OnError:   func(error) { others.Add(1) },
		OnClose:   func(CloseEvent) { others.Add(1) },
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for frames.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for frames")
		}
		time.Sleep(time.Millisecond)
	}

	m.Disconnect("31")
	waitFor(t, h.Done(), "done")

	seen := frames.Load()
	time.Sleep(50 * time.Millisecond)
	if got := frames.Load(); got != seen {
		t.Errorf("frames delivered after Done = %d, want 0", got-seen)
	}
	if n := others.Load(); n != 0 {
		t.Errorf("error/close callbacks after Disconnect = %d, want 0", n)
	}
}

func TestManager_DisconnectAll(t *testing.T) {
	server := newTrackingServer(t, func(n int, conn *websocket.Conn) { drain(conn) })

	m := NewManager(testManagerConfig(server.endpoint()), nil)

	var handles []*Handle
	for _, id := range []string{"1", "2", "3"} {
		rec := newRecorder()
		h, err := m.Connect(id, rec.handlers())
		if err != nil {
			t.Fatalf("Connect(%s) failed: %v", id, err)
		}
		waitFor(t, rec.opens, "open "+id)
		handles = append(handles, h)
	}

	channels := m.Channels()
	if len(channels) != 3 || channels[0].OrderID != "1" || channels[2].OrderID != "3" {
		t.Fatalf("Channels() = %+v, want 3 sorted channels", channels)
	}
	data, err := json.Marshal(channels[0])
	if err != nil {
		t.Fatalf("marshal channel stat: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal channel stat: %v", err)
	}
	if decoded["state"] != "open" {
		t.Errorf("channel stat state = %v, want open", decoded["state"])
	}

	m.DisconnectAll()

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Errorf("channel %s still running after DisconnectAll", h.OrderID())
		}
	}
	if stats := m.Stats(); stats.Channels != 0 {
		t.Errorf("Stats().Channels = %d, want 0", stats.Channels)
	}
}
