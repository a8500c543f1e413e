package tracking

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loadline/tracking/internal/connection"
	"github.com/loadline/tracking/internal/model"
)

// Connector is the part of the Connection Manager a Session uses.
type Connector interface {
	Connect(orderID string, h connection.Handlers) (*connection.Handle, error)
	Disconnect(orderID string)
	SendMessage(orderID string, msg any) bool
	IsConnected(orderID string) bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHistoryLimit caps the location history.
func WithHistoryLimit(limit int) Option {
	return func(s *Session) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

// Session tracks one order at a time.
type Session struct {
	conn   Connector
	logger *slog.Logger
	limit  int

	mu        sync.RWMutex
	orderID   string
	gen       uint64 // Bumped on every Connect/Disconnect; older callbacks are ignored
	status    Status
	loading   bool
	current   *model.LocationSample
	history   *History
	order     model.OrderSnapshot
	lastErr   string
	attempt   int
	updatedAt time.Time

	subsMu  sync.Mutex
	subs    map[int]chan State
	nextSub int
}

// NewSession creates an idle session.
func NewSession(conn Connector, opts ...Option) *Session {
	s := &Session{
		conn:   conn,
		logger: slog.Default(),
		limit:  DefaultHistoryLimit,
		status: StatusIdle,
		subs:   make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.history = NewHistory(s.limit)
	return s
}

// Connect binds the session to orderID and opens its channel. An empty id is
// a no-op. Binding a different id disconnects the previous one and clears
// its data.
func (s *Session) Connect(orderID string) error {
	if orderID == "" {
		return nil
	}

	s.mu.Lock()
	prev := s.orderID
	s.gen++
	gen := s.gen
	if prev != orderID {
		s.orderID = orderID
		s.current = nil
		s.order = nil
		s.history.Reset()
	}
	s.status = StatusConnecting
	s.loading = true
	s.lastErr = ""
	s.attempt = 0
	s.touchLocked()
	s.mu.Unlock()

	if prev != "" && prev != orderID {
		s.conn.Disconnect(prev)
		s.logger.Info("switched tracked order", "from", prev, "to", orderID)
	}

	if _, err := s.conn.Connect(orderID, s.handlers(gen)); err != nil {
		s.apply(gen, func() {
			s.status = StatusClosed
			s.loading = false
			s.lastErr = ErrMsgConnectFailed
		})
		s.logger.Error("failed to connect tracking channel", "order_id", orderID, "error", err)
		return fmt.Errorf("connect order %s: %w", orderID, err)
	}

	return nil
}

// Reconnect reopens the channel for the bound order.
func (s *Session) Reconnect() error {
	return s.Connect(s.OrderID())
}

// Disconnect closes the channel for the bound order. History and order data
// are kept. Safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	orderID := s.orderID
	s.gen++
	s.status = StatusClosed
	s.loading = false
	s.touchLocked()
	s.mu.Unlock()

	if orderID != "" {
		s.conn.Disconnect(orderID)
	}
}

// RequestLocations asks the server for the recent location list. It only
// sends while the session is live.
func (s *Session) RequestLocations() bool {
	s.mu.RLock()
	orderID, status := s.orderID, s.status
	s.mu.RUnlock()

	if status != StatusLive {
		return false
	}
	return s.conn.SendMessage(orderID, connection.Frame{Type: connection.FrameGetLocations})
}

// OrderID returns the bound order id.
func (s *Session) OrderID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderID
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest state. Slow
// readers skip intermediate states. The returned func unsubscribes and
// closes the channel.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.mu.RLock()
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshotLocked()
	s.subsMu.Unlock()
	s.mu.RUnlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// handlers returns the channel callbacks for one Connect call.
func (s *Session) handlers(gen uint64) connection.Handlers {
	return connection.Handlers{
		OnConnecting: func(attempt int) {
			s.apply(gen, func() {
				s.status = StatusConnecting
				s.attempt = attempt
			})
		},
		OnOpen: func() {
			s.apply(gen, func() {
				s.status = StatusLive
				s.lastErr = ""
				s.attempt = 0
			})
		},
		OnMessage: func(f connection.Frame) {
			s.handleFrame(gen, f)
		},
		OnError: func(err error) {
			s.logger.Warn("tracking channel error", "order_id", s.OrderID(), "error", err)
			s.apply(gen, func() {
				s.lastErr = ErrMsgConnection
			})
		},
		OnReconnect: func(attempt int, delay time.Duration) {
			s.apply(gen, func() {
				s.status = StatusReconnecting
				s.attempt = attempt
				s.lastErr = ErrMsgReconnecting
			})
		},
		OnClose: func(e connection.CloseEvent) {
			s.apply(gen, func() {
				s.status = StatusClosed
				s.loading = false
				if !e.Normal() {
					s.lastErr = ErrMsgConnectionLost
				}
			})
		},
	}
}

// handleFrame classifies an inbound frame and updates state.
func (s *Session) handleFrame(gen uint64, f connection.Frame) {
	logger := s.logger.With("order_id", s.OrderID(), "type", f.Type)

	switch f.Type {
	case connection.FrameInitialData:
		var data model.InitialData
		if err := f.Decode(&data); err != nil {
			s.rejectFrame(gen, logger, f, err)
			return
		}
		s.apply(gen, func() {
			s.order = data.Order.Clone()
			s.current = data.CurrentLocation
			s.history.Replace(data.RecentLocations)
			s.loading = false
		})
		logger.Info("received initial data", "samples", len(data.RecentLocations))

	case connection.FrameLocationUpdate:
		var sample model.LocationSample
		if err := f.Decode(&sample); err != nil {
			s.rejectFrame(gen, logger, f, err)
			return
		}
		s.apply(gen, func() {
			s.current = &sample
			s.history.Push(sample)
		})

	case connection.FrameOrderStatusUpdate:
		var patch model.OrderSnapshot
		if err := f.Decode(&patch); err != nil {
			s.rejectFrame(gen, logger, f, err)
			return
		}
		s.apply(gen, func() {
			s.order = s.order.Merge(patch)
		})
		logger.Info("order status updated", "status", patch.Status())

	case connection.FrameLocations:
		var samples []model.LocationSample
		if err := f.Decode(&samples); err != nil {
			s.rejectFrame(gen, logger, f, err)
			return
		}
		s.apply(gen, func() {
			s.history.Replace(samples)
		})

	case connection.FrameError:
		msg := f.Message
		if msg == "" {
			msg = ErrMsgServer
		}
		logger.Warn("server reported error", "message", f.Message)
		s.apply(gen, func() {
			s.lastErr = msg
		})

	case connection.FramePong:
		s.apply(gen, func() {})

	case connection.FrameLocationUpdateAck:
		logger.Debug("location update acknowledged")

	default:
		logger.Debug("ignoring unknown frame type")
	}
}

func (s *Session) rejectFrame(gen uint64, logger *slog.Logger, f connection.Frame, err error) {
	logger.Warn("malformed frame payload", "error", err)
	s.apply(gen, func() {
		s.lastErr = fmt.Sprintf("Malformed %s frame", f.Type)
	})
}

// apply runs mutate under the state lock unless gen is stale, then
// publishes the new state.
func (s *Session) apply(gen uint64, mutate func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	mutate()
	s.touchLocked()
}

// touchLocked stamps the state and publishes it. Callers hold s.mu.
func (s *Session) touchLocked() {
	s.updatedAt = time.Now()
	st := s.snapshotLocked()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Session) snapshotLocked() State {
	st := State{
		OrderID:   s.orderID,
		Status:    s.status,
		Loading:   s.loading,
		History:   s.history.Snapshot(),
		Order:     s.order.Clone(),
		LastError: s.lastErr,
		Attempt:   s.attempt,
		UpdatedAt: s.updatedAt,
	}
	if s.current != nil {
		current := *s.current
		st.CurrentLocation = &current
	}
	return st
}
