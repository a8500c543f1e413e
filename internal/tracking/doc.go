// Package tracking implements the Tracking Session component.
//
// A Session binds to one order id at a time, drives its channel through the
// Connection Manager, classifies inbound frames, and keeps the observable
// state for that order: status, order snapshot, current location and a
// bounded newest-first location history. Readers get deep copies through
// State or a latest-wins Subscribe channel.
package tracking
