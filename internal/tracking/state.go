package tracking

import (
	"time"

	"github.com/loadline/tracking/internal/model"
)

// Status is the lifecycle status of a Session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusLive         Status = "live"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// Messages recorded in State.LastError.
const (
	ErrMsgConnectFailed  = "Failed to establish connection"
	ErrMsgConnectionLost = "Connection lost"
	ErrMsgReconnecting   = "Connection lost. Attempting to reconnect..."
	ErrMsgConnection     = "Connection error occurred"
	ErrMsgServer         = "Server reported an error"
)

// State is a point-in-time copy of a session's observable state.
type State struct {
	OrderID         string
	Status          Status
	Loading         bool
	CurrentLocation *model.LocationSample
	History         []model.LocationSample // Newest first
	Order           model.OrderSnapshot
	LastError       string
	Attempt         int // Current reconnect attempt, 0 while live
	UpdatedAt       time.Time
}

// Live reports whether frames are flowing.
func (s State) Live() bool {
	return s.Status == StatusLive
}
