package timesync

import (
	"sync"
	"time"

	"github.com/aerolink/uavcan/driver"
)

// Master produces sync broadcasts. Each publication carries the precise
// hardware-timestamped send time of the previous sync message on the same
// interface; the receiver pairs consecutive messages to compute the phase
// offset without the master ever knowing the receive timestamps.
//
// The master itself does not transmit; the owning node feeds the payload
// into its transmit pipeline and reports transmission timestamps back via
// [Master.OnTransmitted].
type Master struct {
	clock driver.Clock

	mu   sync.Mutex
	prev map[int]txRecord
}

type txRecord struct {
	wall time.Time
	mono time.Duration
}

// NewMaster creates a sync master using the given clock.
func NewMaster(clock driver.Clock) *Master {
	return &Master{
		clock: clock,
		prev:  make(map[int]txRecord),
	}
}

// Payload returns the 7-byte sync payload for the next broadcast on the
// given interface: the previous transmission timestamp, or zero when this is
// the first transmission or the previous one is older than the maximum
// publication period.
func (m *Master) Payload(iface int) []byte {
	m.mu.Lock()
	rec, ok := m.prev[iface]
	m.mu.Unlock()

	var prev time.Time
	if ok && m.clock.Monotonic()-rec.mono <= MaxPublicationPeriod {
		prev = rec.wall
	}
	return MarshalTimestamp(prev)
}

// OnTransmitted records the transmission timestamp of a sync frame reported
// by the driver. It must be called once per transmitted sync message.
func (m *Master) OnTransmitted(iface int, txTime time.Time) {
	m.mu.Lock()
	m.prev[iface] = txRecord{wall: txTime, mono: m.clock.Monotonic()}
	m.mu.Unlock()
}
