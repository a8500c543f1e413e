// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Keeps at most one websocket channel per tracked order id
//   - Replaces the channel when an order is connected again
//   - Reconnects abnormal closes with linear backoff, giving up after
//     MaxAttempts consecutive failures
//   - Sends a keepalive ping frame while a channel is open
//   - Decodes inbound frames and delivers them, in order, to the
//     channel's Handlers
package connection
