package connection

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loadline/tracking/internal/metrics"
	"github.com/loadline/tracking/internal/version"
)

const orderIDPlaceholder = "{order_id}"

// Manager owns one tracking channel per order id.
type Manager interface {
	// Connect opens the channel for orderID, replacing any existing one.
	Connect(orderID string, h Handlers) (*Handle, error)

	// Disconnect tears down the channel for orderID. Idempotent. It does not
	// wait: a callback already in progress may finish after it returns. Wait
	// on the Handle's Done to be sure none is running.
	Disconnect(orderID string)

	// DisconnectAll tears down every channel and waits for them to finish.
	DisconnectAll()

	// SendMessage writes msg if the channel is open and reports whether it
	// was handed to the transport. Frames are never queued.
	SendMessage(orderID string, msg any) bool

	// IsConnected reports whether the channel for orderID is open.
	IsConnected(orderID string) bool

	// State returns the transport state of the channel for orderID.
	State(orderID string) (State, bool)

	// Stats returns current connection statistics.
	Stats() ManagerStats

	// Channels describes every tracked channel, sorted by order id.
	Channels() []ChannelStat
}

// Handle is a caller's view of one channel lifetime.
type Handle struct {
	ch *channel
}

// OrderID returns the order the channel tracks.
func (h *Handle) OrderID() string { return h.ch.orderID }

// ID returns the id assigned to this channel lifetime.
func (h *Handle) ID() uuid.UUID { return h.ch.id }

// State returns the current transport state.
func (h *Handle) State() State { return h.ch.getState() }

// Opened is closed the first time the transport opens.
func (h *Handle) Opened() <-chan struct{} { return h.ch.opened }

// Done is closed when the channel goroutine has exited. No handler callback
// runs after Done is closed.
func (h *Handle) Done() <-chan struct{} { return h.ch.done }

// channel holds the state for a single order's connection.
type channel struct {
	orderID  string
	id       uuid.UUID
	handlers Handlers
	logger   *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	mu       sync.RWMutex
	state    State
	attempt  int
	client   Client
	openedAt time.Time

	openOnce sync.Once
	opened   chan struct{}
	done     chan struct{}
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultManagerConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	return &manager{
		cfg:      cfg,
		logger:   logger,
		channels: make(map[string]*channel),
	}
}

// Connect opens the channel for orderID.
func (m *manager) Connect(orderID string, h Handlers) (*Handle, error) {
	if orderID == "" {
		return nil, ErrEmptyOrderID
	}

	ch := m.newChannel(orderID, h)

	m.mu.Lock()
	old := m.channels[orderID]
	m.channels[orderID] = ch
	m.mu.Unlock()

	if old != nil {
		old.stop()
		m.logger.Info("replaced tracking channel",
			"order_id", orderID,
			"old_channel_id", old.id,
			"channel_id", ch.id,
		)
	}

	go m.run(ch)

	return &Handle{ch: ch}, nil
}

// Disconnect tears down the channel for orderID.
func (m *manager) Disconnect(orderID string) {
	m.mu.Lock()
	ch := m.channels[orderID]
	delete(m.channels, orderID)
	m.mu.Unlock()

	if ch == nil {
		return
	}

	ch.stop()
	ch.logger.Info("tracking channel disconnected")
}

// DisconnectAll tears down every channel concurrently.
func (m *manager) DisconnectAll() {
	m.mu.Lock()
	channels := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	clear(m.channels)
	m.mu.Unlock()

	var g errgroup.Group
	for _, ch := range channels {
		g.Go(func() error {
			ch.stop()
			<-ch.done
			return nil
		})
	}
	g.Wait()

	m.logger.Info("all tracking channels disconnected", "count", len(channels))
}

// SendMessage writes msg to the channel for orderID if it is open.
func (m *manager) SendMessage(orderID string, msg any) bool {
	ch := m.lookup(orderID)
	if ch == nil {
		metrics.RecordFrameDropped("not_open")
		m.logger.Debug("dropping frame for untracked order", "order_id", orderID)
		return false
	}
	return m.send(ch, msg)
}

// IsConnected reports whether the channel for orderID is open.
func (m *manager) IsConnected(orderID string) bool {
	state, ok := m.State(orderID)
	return ok && state == StateOpen
}

// State returns the transport state of the channel for orderID.
func (m *manager) State(orderID string) (State, bool) {
	ch := m.lookup(orderID)
	if ch == nil {
		return StateClosed, false
	}
	return ch.getState(), true
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	var stats ManagerStats
	for _, s := range m.Channels() {
		stats.Channels++
		switch {
		case s.State == StateOpen.String():
			stats.Open++
		case s.Attempt > 0:
			stats.Reconnecting++
		}
	}
	return stats
}

// Channels describes every tracked channel.
func (m *manager) Channels() []ChannelStat {
	m.mu.Lock()
	channels := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	out := make([]ChannelStat, 0, len(channels))
	for _, ch := range channels {
		ch.mu.RLock()
		out = append(out, ChannelStat{
			OrderID:   ch.orderID,
			ChannelID: ch.id.String(),
			State:     ch.state.String(),
			Attempt:   ch.attempt,
			OpenedAt:  ch.openedAt,
		})
		ch.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b ChannelStat) int {
		return strings.Compare(a.OrderID, b.OrderID)
	})
	return out
}

func (m *manager) lookup(orderID string) *channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[orderID]
}

// remove drops the bookkeeping for ch unless a newer channel replaced it.
func (m *manager) remove(ch *channel) {
	m.mu.Lock()
	if m.channels[ch.orderID] == ch {
		delete(m.channels, ch.orderID)
	}
	m.mu.Unlock()
}

func (m *manager) newChannel(orderID string, h Handlers) *channel {
	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	return &channel{
		orderID:  orderID,
		id:       id,
		handlers: h,
		logger:   m.logger.With("order_id", orderID, "channel_id", id),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// endpoint returns the channel URL for orderID.
func (m *manager) endpoint(orderID string) string {
	return strings.ReplaceAll(m.cfg.Endpoint, orderIDPlaceholder, url.PathEscape(orderID))
}

// run drives one channel for its whole lifetime: dial, read, and the
// reconnect wait. Every handler callback for the channel happens here.
func (m *manager) run(ch *channel) {
	defer close(ch.done)

	for {
		code, reason := m.serve(ch)
		if ch.stopped.Load() {
			return
		}

		attempt := ch.getAttempt()
		metrics.RecordClose(code)

		// Only the close that ends the channel reaches OnClose. Dropped
		// transports that will be redialed surface through OnReconnect.
		if code == closeNormal || attempt >= m.cfg.MaxAttempts {
			m.remove(ch)
			ch.setState(StateClosed)

			if code == closeNormal {
				ch.logger.Info("tracking channel closed by server", "reason", reason)
			} else {
				ch.logger.Warn("giving up on tracking channel",
					"code", code,
					"reason", reason,
					"attempts", attempt,
				)
			}
			ch.onClose(CloseEvent{Code: code, Reason: reason, Attempts: attempt})
			return
		}

		attempt = ch.nextAttempt()
		delay := m.cfg.BaseDelay * time.Duration(attempt)
		metrics.RecordReconnectScheduled()

		ch.logger.Info("scheduling reconnect",
			"code", code,
			"attempt", attempt,
			"max_attempts", m.cfg.MaxAttempts,
			"delay", delay,
		)
		ch.onReconnect(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ch.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve dials once and reads until the transport closes. It returns the
// close code and reason.
func (m *manager) serve(ch *channel) (int, string) {
	ch.setState(StateConnecting)
	ch.onConnecting(ch.getAttempt())

	header := http.Header{}
	if m.cfg.Credentials != nil {
		h, err := m.cfg.Credentials.Header()
		if err != nil {
			ch.setState(StateClosed)
			ch.onError(&TransportError{OrderID: ch.orderID, Op: "auth", Err: err})
			metrics.RecordError("transport")
			return closeAbnormal, err.Error()
		}
		header = h
	}
	header.Set("User-Agent", version.UserAgent())

	client := NewClient(ClientConfig{
		URL:              m.endpoint(ch.orderID),
		Header:           header,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.BufferSize,
	}, ch.logger)

	err := client.Connect(ch.ctx)
	metrics.RecordDial(err)
	if err != nil {
		ch.setState(StateClosed)
		if ch.ctx.Err() != nil {
			return closeNormal, ""
		}
		ch.logger.Warn("tracking channel dial failed", "error", err)
		ch.onError(&TransportError{OrderID: ch.orderID, Op: "dial", Err: err})
		metrics.RecordError("transport")
		return closeAbnormal, err.Error()
	}

	if !ch.attach(client) {
		client.Close()
		return closeNormal, ""
	}

	metrics.ChannelOpened()
	defer metrics.ChannelClosed()

	ch.logger.Info("tracking channel open")
	ch.onOpen()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ch.ctx.Done():
			return closeNormal, ""

		case <-ticker.C:
			m.send(ch, Frame{Type: FramePing})

		case msg, ok := <-client.Messages():
			if !ok {
				ch.detach(client)
				readErr := client.Err()
				client.Close()
				code, reason := closeStatus(readErr)
				if code == closeAbnormal && !ch.stopped.Load() {
					ch.onError(&TransportError{OrderID: ch.orderID, Op: "read", Err: readErr})
					metrics.RecordError("transport")
				}
				return code, reason
			}
			m.deliver(ch, msg)
		}
	}
}

// deliver decodes one inbound message and hands it to OnMessage.
func (m *manager) deliver(ch *channel, msg TimestampedMessage) {
	var frame Frame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		ch.logger.Warn("dropping malformed frame", "error", err, "size", len(msg.Data))
		metrics.RecordError("parse")
		ch.onError(&ParseError{OrderID: ch.orderID, Data: msg.Data, Err: err})
		return
	}
	frame.ReceivedAt = msg.ReceivedAt

	metrics.RecordFrameReceived(frameLabel(frame.Type))
	ch.onMessage(frame)
}

// send serializes msg and writes it if the channel is open.
func (m *manager) send(ch *channel, msg any) bool {
	client := ch.openClient()
	if client == nil {
		metrics.RecordFrameDropped("not_open")
		ch.logger.Debug("dropping frame, channel not open")
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		metrics.RecordFrameDropped("encode")
		ch.logger.Warn("failed to encode frame", "error", err)
		return false
	}

	if err := client.Send(data); err != nil {
		metrics.RecordFrameDropped("write")
		ch.logger.Debug("failed to write frame", "error", err)
		return false
	}

	metrics.RecordFrameSent(frameLabel(outboundType(msg)))
	return true
}

// outboundType extracts the frame type from an outbound message.
func outboundType(msg any) string {
	switch v := msg.(type) {
	case Frame:
		return v.Type
	case *Frame:
		return v.Type
	case map[string]any:
		s, _ := v["type"].(string)
		return s
	case map[string]string:
		return v["type"]
	}
	return ""
}

// frameLabel bounds metric label cardinality to the known frame types.
func frameLabel(t string) string {
	switch t {
	case FrameInitialData, FrameLocationUpdate, FrameLocationUpdateAck,
		FrameOrderStatusUpdate, FrameLocations, FrameError, FramePong,
		FramePing, FrameGetLocations:
		return t
	}
	return "other"
}

// stop cancels the channel and closes its transport with a normal closure.
// A callback that passed its stopped check before stop may still complete;
// none runs once done is closed.
func (c *channel) stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	c.cancel()

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.state = StateClosing
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}

	c.setState(StateClosed)
}

// attach records an open transport. It fails if the channel was stopped.
func (c *channel) attach(client Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() {
		return false
	}
	c.client = client
	c.state = StateOpen
	c.attempt = 0
	c.openedAt = time.Now()
	c.openOnce.Do(func() { close(c.opened) })
	return true
}

func (c *channel) detach(client Client) {
	c.mu.Lock()
	if c.client == client {
		c.client = nil
	}
	c.state = StateClosed
	c.mu.Unlock()
}

func (c *channel) openClient() Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateOpen {
		return nil
	}
	return c.client
}

func (c *channel) getState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *channel) getAttempt() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempt
}

func (c *channel) nextAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt++
	return c.attempt
}

// Callbacks. Each is skipped once the channel has been stopped.

func (c *channel) onConnecting(attempt int) {
	if !c.stopped.Load() && c.handlers.OnConnecting != nil {
		c.handlers.OnConnecting(attempt)
	}
}

func (c *channel) onOpen() {
	if !c.stopped.Load() && c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}
}

func (c *channel) onMessage(f Frame) {
	if !c.stopped.Load() && c.handlers.OnMessage != nil {
		c.handlers.OnMessage(f)
	}
}

func (c *channel) onError(err error) {
	if !c.stopped.Load() && c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *channel) onReconnect(attempt int, delay time.Duration) {
	if !c.stopped.Load() && c.handlers.OnReconnect != nil {
		c.handlers.OnReconnect(attempt, delay)
	}
}

func (c *channel) onClose(e CloseEvent) {
	if !c.stopped.Load() && c.handlers.OnClose != nil {
		c.handlers.OnClose(e)
	}
}
