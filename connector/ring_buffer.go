package connector

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// RingBuffer implements a [Connector] as a bounded MPMC ring. Each slot
// carries a sequence number: a slot is writable when its sequence equals the
// head position and readable when it equals tail+1. Producers and consumers
// therefore never contend on the same cache line for distinct slots.
//
// Capacity is rounded up to a power of two.
type RingBuffer[T any] struct {
	head atomic.Uint64
	_    cpu.CacheLinePad

	tail atomic.Uint64
	_    cpu.CacheLinePad

	closed atomic.Bool
	_      cpu.CacheLinePad

	mask  uint64
	slots []ringSlot[T]

	// mux guards the conditions used only when spinning gives up.
	mux      sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
}

type ringSlot[T any] struct {
	seq  atomic.Uint64
	item T
}

// NewRingBuffer creates a new [RingBuffer] with at least the given capacity.
func NewRingBuffer[T any](capacity uint32) *RingBuffer[T] {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}

	rb := &RingBuffer[T]{
		mask:  size - 1,
		slots: make([]ringSlot[T], size),
	}
	for i := range rb.slots {
		rb.slots[i].seq.Store(uint64(i))
	}
	rb.notEmpty = sync.NewCond(&rb.mux)
	rb.notFull = sync.NewCond(&rb.mux)
	return rb
}

func (rb *RingBuffer[T]) push(item T) bool {
	pos := rb.head.Load()
	for {
		slot := &rb.slots[pos&rb.mask]
		seq := slot.seq.Load()
		switch {
		case seq == pos:
			// Slot free; claim it by advancing head.
			if rb.head.CompareAndSwap(pos, pos+1) {
				slot.item = item
				slot.seq.Store(pos + 1)
				return true
			}
			pos = rb.head.Load()
		case seq < pos:
			// The slot still holds an unconsumed item: buffer full.
			return false
		default:
			// Another producer claimed this position.
			pos = rb.head.Load()
		}
	}
}

func (rb *RingBuffer[T]) pop() (T, bool) {
	pos := rb.tail.Load()
	for {
		slot := &rb.slots[pos&rb.mask]
		seq := slot.seq.Load()
		switch {
		case seq == pos+1:
			// Slot readable; claim it by advancing tail.
			if rb.tail.CompareAndSwap(pos, pos+1) {
				item := slot.item
				var zero T
				slot.item = zero
				slot.seq.Store(pos + rb.mask + 1)
				return item, true
			}
			pos = rb.tail.Load()
		case seq <= pos:
			// Slot not written yet: buffer empty.
			var zero T
			return zero, false
		default:
			// Another consumer claimed this position.
			pos = rb.tail.Load()
		}
	}
}

// Write adds an item, blocking while the buffer is full.
// Returns [ErrClosed] if the [RingBuffer] is closed.
func (rb *RingBuffer[T]) Write(item T) error {
	for spin := 0; ; spin++ {
		if rb.closed.Load() {
			return ErrClosed
		}
		if rb.push(item) {
			rb.wake(rb.notEmpty)
			return nil
		}
		if spin < 64 {
			runtime.Gosched()
			continue
		}
		rb.mux.Lock()
		if rb.closed.Load() {
			rb.mux.Unlock()
			return ErrClosed
		}
		// Recheck under the lock so a concurrent pop cannot slip its wakeup
		// between the failed push and the wait.
		if rb.push(item) {
			rb.notEmpty.Broadcast()
			rb.mux.Unlock()
			return nil
		}
		rb.notFull.Wait()
		rb.mux.Unlock()
	}
}

// TryWrite adds an item only if a slot is immediately available.
func (rb *RingBuffer[T]) TryWrite(item T) error {
	if rb.closed.Load() {
		return ErrClosed
	}
	if !rb.push(item) {
		return ErrFull
	}
	rb.wake(rb.notEmpty)
	return nil
}

// Read retrieves an item, blocking while the buffer is empty.
// Returns [ErrClosed] if the [RingBuffer] is closed and drained.
func (rb *RingBuffer[T]) Read() (T, error) {
	for spin := 0; ; spin++ {
		if item, ok := rb.pop(); ok {
			rb.wake(rb.notFull)
			return item, nil
		}
		if rb.closed.Load() {
			var zero T
			return zero, ErrClosed
		}
		if spin < 64 {
			runtime.Gosched()
			continue
		}
		rb.mux.Lock()
		if rb.closed.Load() {
			rb.mux.Unlock()
			var zero T
			return zero, ErrClosed
		}
		if item, ok := rb.pop(); ok {
			rb.notFull.Broadcast()
			rb.mux.Unlock()
			return item, nil
		}
		rb.notEmpty.Wait()
		rb.mux.Unlock()
	}
}

// TryRead retrieves an item only if one is immediately available.
func (rb *RingBuffer[T]) TryRead() (T, bool) {
	item, ok := rb.pop()
	if ok {
		rb.wake(rb.notFull)
	}
	return item, ok
}

func (rb *RingBuffer[T]) wake(cond *sync.Cond) {
	rb.mux.Lock()
	cond.Broadcast()
	rb.mux.Unlock()
}

// Close marks the [RingBuffer] as closed. Pending items remain readable.
func (rb *RingBuffer[T]) Close() {
	if !rb.closed.CompareAndSwap(false, true) {
		return
	}
	rb.mux.Lock()
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
	rb.mux.Unlock()
}
