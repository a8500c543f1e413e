package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/loadline/tracking/internal/model"
)

// ErrInvalidStatus is returned for a status the server would reject.
var ErrInvalidStatus = errors.New("invalid order status")

// ValidStatuses lists the order statuses the server accepts.
var ValidStatuses = []string{
	model.OrderStatusPending,
	model.OrderStatusConfirmed,
	model.OrderStatusPickupScheduled,
	model.OrderStatusLoaded,
	model.OrderStatusOnTheWay,
	model.OrderStatusDelivered,
	model.OrderStatusCompleted,
	model.OrderStatusCancelled,
}

// SimulatedLocation from POST /orders/{id}/simulate-location/
type SimulatedLocation struct {
	Message     string               `json:"message"`
	Location    model.LocationSample `json:"location"`
	Source      string               `json:"source"`
	Destination string               `json:"destination"`
	Progress    string               `json:"progress"` // e.g. "42.5%"
}

// StatusUpdate from POST /orders/{id}/update-status/
type StatusUpdate struct {
	Message string              `json:"message"`
	Order   model.OrderSnapshot `json:"order"`
}

type statusRequest struct {
	Status string `json:"status"`
}

// SimulateLocation asks the server to generate a location sample for the
// order and broadcast it on the order's tracking channel.
func (c *Client) SimulateLocation(ctx context.Context, orderID string) (*SimulatedLocation, error) {
	if orderID == "" {
		return nil, errors.New("order id is required")
	}

	var resp SimulatedLocation
	if err := c.post(ctx, orderPath(orderID, "simulate-location"), nil, &resp, false); err != nil {
		return nil, fmt.Errorf("simulate location for %s: %w", orderID, err)
	}
	return &resp, nil
}

// UpdateStatus sets the order status and broadcasts it on the order's
// tracking channel.
func (c *Client) UpdateStatus(ctx context.Context, orderID, status string) (*StatusUpdate, error) {
	if orderID == "" {
		return nil, errors.New("order id is required")
	}
	if !slices.Contains(ValidStatuses, status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var resp StatusUpdate
	if err := c.post(ctx, orderPath(orderID, "update-status"), statusRequest{Status: status}, &resp, true); err != nil {
		return nil, fmt.Errorf("update status for %s: %w", orderID, err)
	}
	return &resp, nil
}

func orderPath(orderID, action string) string {
	return "/orders/" + url.PathEscape(orderID) + "/" + action + "/"
}
