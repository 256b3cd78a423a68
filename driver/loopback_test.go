package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aerolink/uavcan/transport"
)

func testFrame(data ...byte) transport.Frame {
	return transport.NewFrame(0x1234, data)
}

func Test_Loopback_Delivery(t *testing.T) {
	assert := assert.New(t)

	clock := NewManualClock(time.UnixMicro(1_700_000_000_000_000))
	bus := NewLoopbackBus(clock)
	defer bus.Close()

	a := bus.Open()
	b := bus.Open()

	ctx := context.Background()
	f := testFrame(1, 2, 3)
	assert.NoError(a.Send(ctx, f, time.Time{}))

	rxf, err := b.Receive(ctx)
	assert.NoError(err)
	assert.Equal(f, rxf.Frame)
	assert.Equal(clock.Now(), rxf.Timestamp)
	assert.Zero(rxf.Interface)

	// The sender must not hear its own frame.
	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = a.Receive(shortCtx)
	assert.ErrorIs(err, context.DeadlineExceeded)
}

func Test_Loopback_PerEndpointClocks(t *testing.T) {
	assert := assert.New(t)

	epoch := time.UnixMicro(1_700_000_000_000_000)
	busClock := NewManualClock(epoch)
	bus := NewLoopbackBus(busClock)
	defer bus.Close()

	skewed := NewManualClock(epoch.Add(40 * time.Millisecond))
	a := bus.Open()
	b := bus.OpenWithClock(skewed)

	assert.NoError(a.Send(context.Background(), testFrame(1), time.Time{}))
	rxf, err := b.Receive(context.Background())
	assert.NoError(err)

	// The arrival is stamped in the receiver's own timescale.
	assert.Equal(skewed.Now(), rxf.Timestamp)
}

func Test_Loopback_ExpiredDeadline(t *testing.T) {
	assert := assert.New(t)

	clock := NewManualClock(time.UnixMicro(1_700_000_000_000_000))
	bus := NewLoopbackBus(clock)
	defer bus.Close()

	a := bus.Open()
	b := bus.Open()

	// A frame whose deadline already passed is silently dropped.
	deadline := clock.Now().Add(-time.Second)
	assert.NoError(a.Send(context.Background(), testFrame(1), deadline))

	shortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Receive(shortCtx)
	assert.ErrorIs(err, context.DeadlineExceeded)
}

func Test_Loopback_InvalidFrame(t *testing.T) {
	assert := assert.New(t)

	bus := NewLoopbackBus(NewManualClock(time.Now()))
	defer bus.Close()
	a := bus.Open()

	bad := transport.Frame{ID: 1 << 30}
	assert.ErrorIs(a.Send(context.Background(), bad, time.Time{}), transport.ErrMalformedFrame)
}

func Test_Loopback_TransmitCallback(t *testing.T) {
	assert := assert.New(t)

	clock := NewManualClock(time.UnixMicro(1_700_000_000_000_000))
	bus := NewLoopbackBus(clock)
	defer bus.Close()

	a := bus.Open()
	bus.Open()

	ts, ok := a.(TxTimestamper)
	assert.True(ok)

	var gotFrame transport.Frame
	var gotTime time.Time
	ts.SetTransmitCallback(func(f transport.Frame, iface int, txTime time.Time) {
		gotFrame = f
		gotTime = txTime
	})

	f := testFrame(7)
	assert.NoError(a.Send(context.Background(), f, time.Time{}))
	assert.Equal(f, gotFrame)
	assert.Equal(clock.Now(), gotTime)
}

func Test_Loopback_Close(t *testing.T) {
	assert := assert.New(t)

	bus := NewLoopbackBus(NewManualClock(time.Now()))
	a := bus.Open()
	b := bus.Open()

	assert.NoError(a.Send(context.Background(), testFrame(1), time.Time{}))
	assert.NoError(b.Close())

	// Frames delivered before the close are still drained.
	rxf, err := b.Receive(context.Background())
	assert.NoError(err)
	assert.Equal(testFrame(1), rxf.Frame)

	_, err = b.Receive(context.Background())
	assert.ErrorIs(err, ErrClosed)
	assert.ErrorIs(b.Send(context.Background(), testFrame(2), time.Time{}), ErrClosed)

	assert.NoError(bus.Close())
	_, err = a.Receive(context.Background())
	assert.ErrorIs(err, ErrClosed)
}

func Test_ManualClock(t *testing.T) {
	assert := assert.New(t)

	epoch := time.UnixMicro(1_700_000_000_000_000)
	clock := NewManualClock(epoch)

	clock.Advance(time.Second)
	assert.Equal(time.Second, clock.Monotonic())
	assert.True(clock.Now().Equal(epoch.Add(time.Second)))

	// Wall adjustments never move the monotonic scale.
	clock.AdjustWallClock(-300 * time.Millisecond)
	assert.Equal(time.Second, clock.Monotonic())
	assert.True(clock.Now().Equal(epoch.Add(700 * time.Millisecond)))
}

func Test_SystemClock_Adjust(t *testing.T) {
	assert := assert.New(t)

	clock := NewSystemClock()
	before := clock.Now()
	clock.AdjustWallClock(time.Hour)
	assert.True(clock.Now().Sub(before) >= time.Hour)
}
