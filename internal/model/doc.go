// Package model defines the data types exchanged over a tracking channel.
//
// All types mirror the payloads pushed by the tracking endpoint.
//
// Conventions:
//   - Coordinates, speed, heading, altitude, accuracy: decimal (sent as JSON strings)
//   - Timestamps: RFC 3339 with fractional seconds, UTC
//   - Orders: open key/value records, merged field by field on status updates
package model
