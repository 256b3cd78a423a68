package timesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aerolink/uavcan/driver"
	"github.com/aerolink/uavcan/transport"
)

// syncScenario simulates a master and a slave with independent clocks, with
// frames delivered instantly. The slave's wall clock starts skewed; the
// master's clock is the reference.
type syncScenario struct {
	masterClock *driver.ManualClock
	slaveClock  *driver.ManualClock
	slave       *Slave

	prevTx map[transport.NodeID]time.Time
}

func newSyncScenario(skew time.Duration) *syncScenario {
	epoch := time.UnixMicro(1_700_000_000_000_000)
	s := &syncScenario{
		masterClock: driver.NewManualClock(epoch),
		slaveClock:  driver.NewManualClock(epoch.Add(skew)),
		prevTx:      make(map[transport.NodeID]time.Time),
	}
	s.slave = NewSlave(s.slaveClock)
	return s
}

func (s *syncScenario) advance(d time.Duration) {
	s.masterClock.Advance(d)
	s.slaveClock.Advance(d)
}

// publish delivers one sync message from the given master node, carrying the
// transmission time of its previous message as the payload.
func (s *syncScenario) publish(src transport.NodeID, tid transport.TransferID) {
	prev := s.prevTx[src]
	s.prevTx[src] = s.masterClock.Now()
	s.slave.HandleSync(0, src, tid, prev, s.slaveClock.Monotonic(), s.slaveClock.Now())
}

func (s *syncScenario) skew() time.Duration {
	return s.slaveClock.Now().Sub(s.masterClock.Now())
}

func Test_Slave_Convergence(t *testing.T) {
	assert := assert.New(t)
	s := newSyncScenario(50 * time.Millisecond)

	s.publish(5, 0)
	assert.Equal(50*time.Millisecond, s.skew())
	assert.Zero(s.slave.Stats.Adjustments.Load())

	s.advance(time.Second)
	s.publish(5, 1)
	assert.Equal(uint64(1), s.slave.Stats.Adjustments.Load())
	assert.Zero(s.skew())

	// Further rounds measure a zero residual and must not oscillate.
	s.advance(time.Second)
	s.publish(5, 2)
	assert.Equal(uint64(2), s.slave.Stats.Adjustments.Load())
	assert.Zero(s.skew())
	assert.Zero(s.slave.Stats.Rejected.Load())
}

func Test_Slave_NegativeSkew(t *testing.T) {
	assert := assert.New(t)
	s := newSyncScenario(-20 * time.Millisecond)

	s.publish(5, 0)
	s.advance(time.Second)
	s.publish(5, 1)
	assert.Zero(s.skew())
}

func Test_Slave_MasterElection(t *testing.T) {
	assert := assert.New(t)
	s := newSyncScenario(0)

	s.publish(10, 0)
	assert.Equal(transport.NodeID(10), s.slave.MasterNodeID())

	// A lower node ID preempts immediately.
	s.advance(100 * time.Millisecond)
	s.publish(5, 0)
	assert.Equal(transport.NodeID(5), s.slave.MasterNodeID())
	assert.Equal(uint64(1), s.slave.Stats.MasterSwaps.Load())

	// A higher node ID is ignored while the active master lives.
	s.advance(100 * time.Millisecond)
	s.publish(12, 0)
	assert.Equal(transport.NodeID(5), s.slave.MasterNodeID())
	assert.Equal(uint64(1), s.slave.Stats.MasterSwaps.Load())
}

func Test_Slave_MasterTimeout(t *testing.T) {
	assert := assert.New(t)
	s := newSyncScenario(0)

	s.publish(5, 0)
	assert.True(s.slave.IsActive())

	s.advance(MasterTimeout + time.Millisecond)
	assert.False(s.slave.IsActive())
	assert.Zero(s.slave.MasterNodeID())

	// Any publishing node may take over once the master went silent.
	s.publish(12, 0)
	assert.Equal(transport.NodeID(12), s.slave.MasterNodeID())
	assert.Equal(uint64(1), s.slave.Stats.MasterSwaps.Load())
}

func Test_Slave_RejectsInvalidPairs(t *testing.T) {
	assert := assert.New(t)
	s := newSyncScenario(30 * time.Millisecond)

	s.publish(5, 0)

	// Transfer ID skip: a sync message was lost, the pair is unusable.
	s.advance(time.Second)
	s.publish(5, 2)
	assert.Equal(uint64(1), s.slave.Stats.Rejected.Load())
	assert.Equal(30*time.Millisecond, s.skew())

	// Publication gap beyond the maximum period.
	s.advance(MaxPublicationPeriod + time.Millisecond)
	s.publish(5, 3)
	assert.Equal(uint64(2), s.slave.Stats.Rejected.Load())
	assert.Equal(30*time.Millisecond, s.skew())

	// The next consistent pair adjusts.
	s.advance(time.Second)
	s.publish(5, 4)
	assert.Equal(uint64(1), s.slave.Stats.Adjustments.Load())
	assert.Zero(s.skew())
}

func Test_Slave_RejectsZeroPreviousTransmission(t *testing.T) {
	assert := assert.New(t)
	s := newSyncScenario(30 * time.Millisecond)

	s.publish(5, 0)
	s.advance(time.Second)

	// Master restarted: it publishes a zero payload again.
	s.prevTx[5] = time.Time{}
	s.publish(5, 1)
	assert.Equal(uint64(1), s.slave.Stats.Rejected.Load())
	assert.Equal(30*time.Millisecond, s.skew())
}

func Test_Slave_Suppressed(t *testing.T) {
	assert := assert.New(t)
	s := newSyncScenario(30 * time.Millisecond)
	s.slave.Suppress(true)

	s.publish(5, 0)
	s.advance(time.Second)
	s.publish(5, 1)

	// Tracking continues, the clock is never touched.
	assert.Equal(transport.NodeID(5), s.slave.MasterNodeID())
	assert.Equal(30*time.Millisecond, s.skew())
	assert.Zero(s.slave.Stats.Adjustments.Load())
}

func Test_Slave_IgnoresAnonymousSource(t *testing.T) {
	assert := assert.New(t)
	s := newSyncScenario(0)

	s.slave.HandleSync(0, 0, 0, time.Time{}, s.slaveClock.Monotonic(), s.slaveClock.Now())
	assert.False(s.slave.IsActive())
}
