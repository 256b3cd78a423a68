package connector

import "sync/atomic"

// Channel implements a [Connector] backed by a buffered channel. It is the
// simple choice when the extra throughput of [RingBuffer] is not needed.
type Channel[T any] struct {
	buffer chan T
	closed atomic.Bool
	done   chan struct{}
}

// NewChannel creates a new [Channel] with the given capacity.
func NewChannel[T any](size int) *Channel[T] {
	return &Channel[T]{
		buffer: make(chan T, size),
		done:   make(chan struct{}),
	}
}

func (c *Channel[T]) Write(item T) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.buffer <- item:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Channel[T]) TryWrite(item T) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.buffer <- item:
		return nil
	default:
		return ErrFull
	}
}

func (c *Channel[T]) Read() (T, error) {
	select {
	case item := <-c.buffer:
		return item, nil
	case <-c.done:
		// Drain items written before the close.
		select {
		case item := <-c.buffer:
			return item, nil
		default:
		}
		var zero T
		return zero, ErrClosed
	}
}

func (c *Channel[T]) TryRead() (T, bool) {
	select {
	case item := <-c.buffer:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Close closes the [Channel] connector.
func (c *Channel[T]) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
}
