// Package contracts provides the core message types that flow through the
// communication subsystem.
//
// The package defines:
//   - Header: the immutable (channel, message type, action type) route identity
//   - Message: routing header plus mutable delivery metadata and an opaque body
//   - Payload: the unit of work wrapping exactly one Message and its release callback
//   - MessageFilter: a partial header used to describe supported message types
//   - Envelope: the JSON wire form used by the bundled transports
//
// A Payload's release callback fires exactly once, whichever of Signal,
// SignalSuccess or SignalFail is reached first.
package contracts
