package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Location Types
// -----------------------------------------------------------------------------

// LocationSample is a single position fix reported for an order.
// Samples are values; once received they are never modified.
type LocationSample struct {
	ID          int64               `json:"id,omitempty"`
	Order       int64               `json:"order,omitempty"`        // Order primary key
	OrderNumber string              `json:"order_number,omitempty"` // Human-facing order number
	Latitude    decimal.Decimal     `json:"latitude"`
	Longitude   decimal.Decimal     `json:"longitude"`
	Address     string              `json:"address,omitempty"`
	Speed       decimal.NullDecimal `json:"speed"`    // km/h
	Heading     decimal.NullDecimal `json:"heading"`  // degrees
	Altitude    decimal.NullDecimal `json:"altitude"` // meters
	Accuracy    decimal.NullDecimal `json:"accuracy"` // meters
	Timestamp   time.Time           `json:"timestamp"`
}

// Coordinates returns latitude and longitude as float64 for display.
func (s LocationSample) Coordinates() (lat, lng float64) {
	return s.Latitude.InexactFloat64(), s.Longitude.InexactFloat64()
}

// SpeedKMH returns the reported speed, or 0 and false when absent.
func (s LocationSample) SpeedKMH() (float64, bool) {
	if !s.Speed.Valid {
		return 0, false
	}
	return s.Speed.Decimal.InexactFloat64(), true
}

// -----------------------------------------------------------------------------
// Order Types
// -----------------------------------------------------------------------------

// Order status values as reported by the server.
const (
	OrderStatusPending         = "pending"
	OrderStatusConfirmed       = "confirmed"
	OrderStatusPickupScheduled = "pickup_scheduled"
	OrderStatusLoaded          = "loaded"
	OrderStatusOnTheWay        = "on_the_way"
	OrderStatusDelivered       = "delivered"
	OrderStatusCompleted       = "completed"
	OrderStatusCancelled       = "cancelled"
)

// OrderSnapshot is a partial order record. Status pushes carry only the
// fields that changed, so the record is kept open-ended rather than typed.
type OrderSnapshot map[string]any

// Merge returns a new snapshot with patch applied on top of o.
// Keys absent from patch keep their current value.
func (o OrderSnapshot) Merge(patch OrderSnapshot) OrderSnapshot {
	out := make(OrderSnapshot, len(o)+len(patch))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy. Nil stays nil.
func (o OrderSnapshot) Clone() OrderSnapshot {
	if o == nil {
		return nil
	}
	out := make(OrderSnapshot, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// ID returns the numeric order id, or 0 if absent.
func (o OrderSnapshot) ID() int64 {
	switch v := o["id"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func (o OrderSnapshot) OrderNumber() string       { return o.str("order_number") }
func (o OrderSnapshot) Status() string            { return o.str("status") }
func (o OrderSnapshot) StatusDisplay() string     { return o.str("status_display") }
func (o OrderSnapshot) DriverName() string        { return o.str("driver_name") }
func (o OrderSnapshot) TruckRegistration() string { return o.str("truck_registration") }

// Requirement returns the route summary embedded in the initial snapshot.
func (o OrderSnapshot) Requirement() RequirementSummary {
	m, _ := o["requirement"].(map[string]any)
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	return RequirementSummary{
		Title:        str("title"),
		FromLocation: str("from_location"),
		ToLocation:   str("to_location"),
	}
}

func (o OrderSnapshot) str(key string) string {
	s, _ := o[key].(string)
	return s
}

// RequirementSummary is the load requirement an order fulfils.
type RequirementSummary struct {
	Title        string
	FromLocation string
	ToLocation   string
}

// -----------------------------------------------------------------------------
// Payloads
// -----------------------------------------------------------------------------

// InitialData is the full snapshot the server pushes once a channel opens.
type InitialData struct {
	Order           OrderSnapshot    `json:"order"`
	CurrentLocation *LocationSample  `json:"current_location"`
	RecentLocations []LocationSample `json:"recent_locations"` // newest first
}
