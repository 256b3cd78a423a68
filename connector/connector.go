// Package connector provides bounded queues moving frames between the
// primary spin loop and sub-node contexts of a compound node.
package connector

import "errors"

// ErrClosed is returned by operations on a closed connector.
var ErrClosed = errors.New("connector: closed")

// ErrFull is returned by non-blocking writes when no slot is available.
var ErrFull = errors.New("connector: full")

// Connector is a bounded FIFO of items of type T.
type Connector[T any] interface {
	// Write blocks until the item is accepted or the connector is closed.
	Write(item T) error
	// TryWrite accepts the item only if a slot is immediately available.
	TryWrite(item T) error
	// Read blocks until an item is available or the connector is closed.
	Read() (T, error)
	// TryRead returns an item only if one is immediately available.
	TryRead() (T, bool)
	// Close marks the connector closed and wakes blocked readers/writers.
	Close()
}
