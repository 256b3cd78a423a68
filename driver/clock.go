package driver

import (
	"sync"
	"time"
)

// Clock is the time source consumed by the transport core. Two scales are
// exposed: a monotonic one that never jumps, used for timeouts and phase
// measurement, and an adjustable wall clock that time synchronization slews
// to match the network time.
type Clock interface {
	// Monotonic returns the time elapsed since an unspecified fixed moment.
	Monotonic() time.Duration

	// Now returns the current wall-clock time including accumulated
	// adjustments.
	Now() time.Time

	// AdjustWallClock applies a phase correction to the wall clock.
	AdjustWallClock(delta time.Duration)
}

// SystemClock is a [Clock] backed by the Go runtime clocks. Adjustments are
// accumulated locally instead of touching the operating system clock.
type SystemClock struct {
	mu     sync.Mutex
	start  time.Time
	offset time.Duration
}

// NewSystemClock creates a system clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Monotonic() time.Duration {
	return time.Since(c.start)
}

func (c *SystemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *SystemClock) AdjustWallClock(delta time.Duration) {
	c.mu.Lock()
	c.offset += delta
	c.mu.Unlock()
}

// ManualClock is a [Clock] driven explicitly by tests and simulations.
type ManualClock struct {
	mu   sync.Mutex
	mono time.Duration
	wall time.Time
}

// NewManualClock creates a manual clock starting at the given wall time.
func NewManualClock(wall time.Time) *ManualClock {
	return &ManualClock{wall: wall}
}

// Advance moves both time scales forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.mono += d
	c.wall = c.wall.Add(d)
	c.mu.Unlock()
}

func (c *ManualClock) Monotonic() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

func (c *ManualClock) AdjustWallClock(delta time.Duration) {
	c.mu.Lock()
	c.wall = c.wall.Add(delta)
	c.mu.Unlock()
}
