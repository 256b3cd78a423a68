package timesync

import (
	"sync/atomic"
	"time"

	"github.com/aerolink/uavcan/driver"
	"github.com/aerolink/uavcan/transport"
)

type slaveState uint8

const (
	// stateUpdate waits for a sync message to record as the measurement
	// reference.
	stateUpdate slaveState = iota
	// stateAdjust waits for the follow-up message carrying the transmission
	// timestamp of the recorded one.
	stateAdjust
)

// SlaveStats counts the slave's diagnostic events.
type SlaveStats struct {
	Adjustments atomic.Uint64
	Rejected    atomic.Uint64
	MasterSwaps atomic.Uint64
}

// Slave tracks exactly one sync master at a time and slews the local wall
// clock from paired sync messages. It always follows the lowest node ID
// actively publishing; a lower ID master preempts the current one
// immediately and in-progress adjustment state is discarded.
//
// A suppressed slave keeps tracking masters (so that election still works
// for dual-role nodes) but never touches the clock.
type Slave struct {
	clock driver.Clock

	suppressed bool
	state      slaveState
	master     transport.NodeID
	iface      int
	prevTID    transport.TransferID
	prevRxMono time.Duration
	prevRxWall time.Time

	lastSeenMono   time.Duration
	lastAdjustMono time.Duration

	Stats SlaveStats
}

// NewSlave creates a sync slave using the given clock.
func NewSlave(clock driver.Clock) *Slave {
	return &Slave{clock: clock}
}

// Suppress enables or disables clock adjustments. Master tracking continues
// either way.
func (s *Slave) Suppress(suppressed bool) { s.suppressed = suppressed }

// IsActive reports whether the slave currently tracks a live master.
func (s *Slave) IsActive() bool {
	return s.master.IsUnicast() && s.clock.Monotonic()-s.lastSeenMono <= MasterTimeout
}

// MasterNodeID returns the tracked master, or zero when inactive.
func (s *Slave) MasterNodeID() transport.NodeID {
	if !s.IsActive() {
		return 0
	}
	return s.master
}

// LastAdjustment returns the monotonic time of the most recent clock
// correction.
func (s *Slave) LastAdjustment() time.Duration { return s.lastAdjustMono }

// HandleSync processes one received sync message.
//
// The slave alternates between two states per tracked master. In the update
// state the message is recorded as the measurement reference. In the adjust
// state the message must come from the same master and interface, carry a
// nonzero previous-transmission timestamp, continue the transfer ID sequence
// and arrive within the maximum publication period; only then is the phase
// error computed and applied. Any check failure falls back to recording
// without adjusting, so inconsistent data never moves the clock.
func (s *Slave) HandleSync(iface int, src transport.NodeID, tid transport.TransferID, prevTx time.Time, rxMono time.Duration, rxWall time.Time) {
	if !src.IsUnicast() {
		return
	}
	switch {
	case !s.IsActive() || src < s.master:
		if s.master != src {
			if s.master.IsUnicast() {
				s.Stats.MasterSwaps.Add(1)
			}
			s.master = src
			s.state = stateUpdate
		}
	case src != s.master:
		// A higher node ID master; the active one wins the election.
		return
	}
	s.lastSeenMono = rxMono

	if s.state == stateAdjust {
		if s.validPair(iface, tid, prevTx, rxMono) {
			// The receive timestamp of the current message was taken before
			// the correction; shift it so the next pairing measures only
			// the residual error.
			rxWall = rxWall.Add(s.adjust(prevTx))
		} else {
			s.Stats.Rejected.Add(1)
		}
	}

	// Record this message as the reference for the next pairing.
	s.iface = iface
	s.prevTID = tid
	s.prevRxMono = rxMono
	s.prevRxWall = rxWall
	s.state = stateAdjust
}

func (s *Slave) validPair(iface int, tid transport.TransferID, prevTx time.Time, rxMono time.Duration) bool {
	return iface == s.iface &&
		!prevTx.IsZero() &&
		tid == s.prevTID.Next() &&
		rxMono-s.prevRxMono <= MaxPublicationPeriod
}

// adjust applies the phase error between the locally recorded receive time
// of the previous sync message and the send time the master just reported
// for it. It returns the correction applied to the wall clock.
func (s *Slave) adjust(prevTx time.Time) time.Duration {
	phaseError := s.prevRxWall.Sub(prevTx)
	if s.suppressed {
		return 0
	}
	s.clock.AdjustWallClock(-phaseError)
	s.lastAdjustMono = s.clock.Monotonic()
	s.Stats.Adjustments.Add(1)
	return -phaseError
}
