// Package api provides a REST client for the tracking server's test hooks.
//
// Endpoints (relative to the configured rest_url):
//   - POST /orders/{id}/simulate-location/  push a synthetic location sample
//   - POST /orders/{id}/update-status/      change the order status
//
// Both hooks also broadcast the change on the order's tracking channel, so
// they exercise the live path end to end.
package api
