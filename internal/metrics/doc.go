// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Tracking channel state and dial outcomes
//   - Reconnect scheduling and closes by code
//   - Inbound/outbound frame rates by type
//   - Dropped sends and transport/parse errors
package metrics
