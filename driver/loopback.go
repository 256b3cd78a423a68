package driver

import (
	"context"
	"sync"
	"time"

	"github.com/aerolink/uavcan/transport"
)

// LoopbackBus is an in-memory CAN bus. Endpoints opened from the same bus
// exchange frames with receive timestamps taken from the bus clock, which
// makes it usable for time synchronization tests as well as plain transport
// tests.
type LoopbackBus struct {
	mu        sync.RWMutex
	clock     Clock
	closed    bool
	endpoints map[*loopEndpoint]struct{}
}

// NewLoopbackBus creates a loopback bus. Receive and transmit timestamps are
// taken from clock.
func NewLoopbackBus(clock Clock) *LoopbackBus {
	return &LoopbackBus{
		clock:     clock,
		endpoints: make(map[*loopEndpoint]struct{}),
	}
}

// Open attaches a new endpoint to the bus. The returned driver reports
// interface index 0 for every frame and timestamps with the bus clock.
func (b *LoopbackBus) Open() Driver {
	return b.OpenWithClock(b.clock)
}

// OpenWithClock attaches an endpoint that timestamps frames with its own
// clock, the way a real adapter stamps in the node's local timescale. Time
// synchronization between loopback nodes only works through this.
func (b *LoopbackBus) OpenWithClock(clock Clock) Driver {
	ep := &loopEndpoint{
		bus:    b,
		clock:  clock,
		ch:     make(chan RxFrame, 256),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ep.closed)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

// Close detaches all endpoints.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.closeLocked()
	}
	b.endpoints = nil
	return nil
}

type loopEndpoint struct {
	bus   *LoopbackBus
	clock Clock

	ch     chan RxFrame
	closed chan struct{}

	mu   sync.Mutex
	dead bool
	txCb func(transport.Frame, int, time.Time)
}

func (e *loopEndpoint) Send(ctx context.Context, frame transport.Frame, deadline time.Time) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return ErrClosed
	}
	txCb := e.txCb
	e.mu.Unlock()

	now := e.clock.Now()
	if !deadline.IsZero() && now.After(deadline) {
		// Stale by the time the bus was available; the driver drops it.
		return nil
	}

	// Snapshot peers so delivery happens without the bus lock held.
	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*loopEndpoint, 0, len(e.bus.endpoints))
	for ep := range e.bus.endpoints {
		if ep != e {
			targets = append(targets, ep)
		}
	}
	e.bus.mu.RUnlock()

	for _, t := range targets {
		// Each receiver stamps the arrival in its own timescale.
		rx := RxFrame{Frame: frame, Timestamp: t.clock.Now(), Interface: 0}
		select {
		case t.ch <- rx:
		case <-t.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if txCb != nil {
		txCb(frame, 0, now)
	}
	return nil
}

func (e *loopEndpoint) Receive(ctx context.Context) (RxFrame, error) {
	select {
	case f, ok := <-e.ch:
		if !ok {
			return RxFrame{}, ErrClosed
		}
		return f, nil
	case <-e.closed:
		// Drain frames that were already delivered before the close.
		select {
		case f, ok := <-e.ch:
			if ok {
				return f, nil
			}
		default:
		}
		return RxFrame{}, ErrClosed
	case <-ctx.Done():
		return RxFrame{}, ctx.Err()
	}
}

func (e *loopEndpoint) SetTransmitCallback(cb func(transport.Frame, int, time.Time)) {
	e.mu.Lock()
	e.txCb = cb
	e.mu.Unlock()
}

func (e *loopEndpoint) Close() error {
	e.bus.mu.Lock()
	e.closeLocked()
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
	e.bus.mu.Unlock()
	return nil
}

func (e *loopEndpoint) closeLocked() {
	e.mu.Lock()
	if !e.dead {
		e.dead = true
		close(e.closed)
	}
	e.mu.Unlock()
}
