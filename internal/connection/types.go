package connection

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/loadline/tracking/internal/auth"
)

// Errors
var (
	ErrEmptyOrderID  = errors.New("order id is required")
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
	ErrNoPayload     = errors.New("frame has no data")
)

// TransportError reports a dial, read or write failure on a channel.
type TransportError struct {
	OrderID string
	Op      string // "dial", "auth", "read"
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("order %s: %s: %v", e.OrderID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError reports an inbound frame that could not be decoded.
type ParseError struct {
	OrderID string
	Data    []byte
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("order %s: parse frame: %v", e.OrderID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// State is the transport state of a channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseEvent describes the close that ended a channel: either the server
// closed normally or reconnection gave up. Closes that are retried are
// reported through OnReconnect instead.
type CloseEvent struct {
	Code     int
	Reason   string
	Attempts int // Reconnect attempts consumed when the close happened
}

// Normal reports whether the close carried the normal closure code.
func (e CloseEvent) Normal() bool {
	return e.Code == closeNormal
}

// Handlers receives channel events. Nil fields are skipped.
//
// All callbacks for one channel run on that channel's goroutine, in order.
// They must return quickly.
//
// After Disconnect or a replacing Connect, a callback already under way may
// still finish. None runs once the Handle's Done is closed.
type Handlers struct {
	OnConnecting func(attempt int)
	OnOpen       func()
	OnMessage    func(Frame)
	OnError      func(error)
	OnReconnect  func(attempt int, delay time.Duration)
	OnClose      func(CloseEvent)
}

// Frame types on the tracking channel.
const (
	FrameInitialData       = "initial_data"
	FrameLocationUpdate    = "location_update"
	FrameLocationUpdateAck = "location_update_ack"
	FrameOrderStatusUpdate = "order_status_update"
	FrameLocations         = "locations"
	FrameError             = "error"
	FramePong              = "pong"

	FramePing         = "ping"
	FrameGetLocations = "get_locations"
)

// Frame is the envelope of every message on the tracking channel.
type Frame struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Message    string          `json:"message,omitempty"`
	ReceivedAt time.Time       `json:"-"` // Local timestamp when the frame was read
}

// Decode unmarshals the frame's data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return ErrNoPayload
	}
	return json.Unmarshal(f.Data, v)
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// ClientConfig configures a single websocket transport.
type ClientConfig struct {
	URL              string
	Header           http.Header // Sent with the upgrade request
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int // Inbound message buffer
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Endpoint         string            // URL template containing {order_id}
	Credentials      *auth.Credentials // nil = anonymous handshake
	BaseDelay        time.Duration     // Reconnect delay is BaseDelay * attempt
	MaxAttempts      int               // Consecutive reconnects before giving up
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	client := DefaultClientConfig()
	return ManagerConfig{
		Endpoint:         "ws://localhost:8000/ws/tracking/{order_id}/",
		BaseDelay:        1 * time.Second,
		MaxAttempts:      5,
		PingInterval:     30 * time.Second,
		HandshakeTimeout: client.HandshakeTimeout,
		WriteTimeout:     client.WriteTimeout,
		BufferSize:       client.BufferSize,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	Channels     int
	Open         int
	Reconnecting int
}

// ChannelStat describes one tracked channel.
type ChannelStat struct {
	OrderID   string    `json:"order_id"`
	ChannelID string    `json:"channel_id"`
	State     string    `json:"state"`
	Attempt   int       `json:"attempt"`
	OpenedAt  time.Time `json:"opened_at"`
}
