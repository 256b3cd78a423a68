package transport

import "errors"

var (
	// ErrMalformedFrame marks a received frame that cannot belong to a valid
	// transfer. Such frames are dropped and counted, never surfaced.
	ErrMalformedFrame = errors.New("transport: malformed frame")

	// ErrInvalidArgument marks a precondition violated by the local
	// application, e.g. an out-of-range priority or node ID.
	ErrInvalidArgument = errors.New("transport: invalid argument")

	// ErrPayloadTooLarge is returned when an outbound payload exceeds the
	// configured maximum transfer size.
	ErrPayloadTooLarge = errors.New("transport: payload too large")

	// ErrQueueFull is returned when the transmit queue cannot accept all
	// frames of a transfer. Existing queue contents are unaffected.
	ErrQueueFull = errors.New("transport: transmit queue full")

	// ErrFlowLimit is returned when the transfer ID map has no room for a
	// new (kind, data type, destination) flow.
	ErrFlowLimit = errors.New("transport: transfer ID map full")

	// ErrSessionLimit marks an inbound transfer that could not be tracked
	// because the receive session pool is exhausted.
	ErrSessionLimit = errors.New("transport: receive session pool full")
)
