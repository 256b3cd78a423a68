package uavcan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aerolink/uavcan/driver"
)

// The master tick must publish exactly once per period, including on a clock
// whose monotonic scale starts at zero.
func Test_Node_SyncPublicationPeriod(t *testing.T) {
	assert := assert.New(t)

	clock := driver.NewManualClock(time.UnixMicro(1_700_000_000_000_000))
	bus := driver.NewLoopbackBus(clock)
	defer bus.Close()

	n, err := NewNode(NewDefaultConfig(1), bus.OpenWithClock(clock), clock)
	assert.NoError(err)
	assert.NoError(n.EnableTimeSyncMaster(time.Second))

	n.publishSyncIfDue(clock.Monotonic())
	assert.Equal(1, n.tx.QueueLen())

	// Repeated ticks within the period must not rebroadcast.
	n.publishSyncIfDue(clock.Monotonic())
	assert.Equal(1, n.tx.QueueLen())

	clock.Advance(500 * time.Millisecond)
	n.publishSyncIfDue(clock.Monotonic())
	assert.Equal(1, n.tx.QueueLen())

	clock.Advance(500 * time.Millisecond)
	n.publishSyncIfDue(clock.Monotonic())
	assert.Equal(2, n.tx.QueueLen())
}
