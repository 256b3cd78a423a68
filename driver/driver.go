// Package driver defines the capability interfaces the transport core
// consumes from a platform CAN driver, plus an in-memory loopback
// implementation for tests and simulations.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/aerolink/uavcan/transport"
)

// ErrClosed indicates the bus or endpoint has been closed.
var ErrClosed = errors.New("driver: closed")

// RxFrame is a received frame tagged with its hardware timestamp and the
// index of the interface it arrived on. Redundant interfaces are independent
// streams; reassembly must stick to one interface index per peer.
type RxFrame struct {
	Frame     transport.Frame
	Timestamp time.Time
	Interface int
}

// Driver is the platform CAN driver as seen by the transport core.
// Implementations should be safe for concurrent use.
type Driver interface {
	// Send enqueues a frame for transmission. The deadline bounds how long
	// the frame may wait for bus access before the driver drops it.
	// Context cancellation aborts the operation with the context error.
	Send(ctx context.Context, frame transport.Frame, deadline time.Time) error

	// Receive blocks until the next frame is available or the context is
	// done.
	Receive(ctx context.Context) (RxFrame, error)

	// Close releases resources. Further Send/Receive return an error.
	Close() error
}

// TxTimestamper is implemented by drivers that can report the precise
// transmission time of injected frames. Time synchronization masters need it
// to publish previous-transmission timestamps.
type TxTimestamper interface {
	// SetTransmitCallback registers a callback invoked once per transmitted
	// frame with the interface index and the hardware send timestamp.
	SetTransmitCallback(func(frame transport.Frame, iface int, txTime time.Time))
}
