// Package timesync implements network-wide time synchronization: a master
// that broadcasts the timestamp of its previous transmission, and a slave
// that tracks the active master and slews the local wall clock.
//
// The active master is the lowest node ID seen publishing sync messages
// within the timeout window. A master candidate that observes a lower node
// ID master must suppress its own broadcasts and behave as a slave.
package timesync

import (
	"encoding/binary"
	"time"

	"github.com/aerolink/uavcan/transport"
)

// The sync message is the standard GlobalTimeSync broadcast: a 7-byte
// little-endian count of microseconds since the UNIX epoch, holding the
// precise transmission time of the previous sync message on the same
// interface, or zero when no valid previous transmission exists.
const (
	DataTypeID        transport.DataTypeID = 4
	DataTypeSignature uint64               = 0x20271116a793c2db
	PayloadSize                            = 7
)

// Timing constants. The protocol documentation names these without fixing
// values; the defaults below follow the reference implementation.
const (
	// MaxPublicationPeriod is the longest interval between two sync
	// broadcasts for the pair to remain usable for phase measurement.
	MaxPublicationPeriod = 1100 * time.Millisecond

	// MinPublicationPeriod is the shortest allowed broadcast interval.
	MinPublicationPeriod = 40 * time.Millisecond

	// RecommendedPublicationPeriod is the nominal broadcast interval.
	RecommendedPublicationPeriod = time.Second

	// MasterTimeout is the window after which a silent master is dropped
	// and the next lowest node ID takes over.
	MasterTimeout = 2200 * time.Millisecond
)

const usecMask = 1<<56 - 1

// MarshalTimestamp encodes a wall-clock timestamp into the 7-byte sync
// payload. The zero time encodes as all zeros.
func MarshalTimestamp(t time.Time) []byte {
	var usec uint64
	if !t.IsZero() {
		usec = uint64(t.UnixMicro()) & usecMask
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], usec)
	return buf[:PayloadSize]
}

// UnmarshalTimestamp decodes the sync payload. A zero value decodes as the
// zero time, meaning "no previous transmission".
func UnmarshalTimestamp(payload []byte) (time.Time, bool) {
	if len(payload) < PayloadSize {
		return time.Time{}, false
	}
	var buf [8]byte
	copy(buf[:], payload[:PayloadSize])
	usec := binary.LittleEndian.Uint64(buf[:]) & usecMask
	if usec == 0 {
		return time.Time{}, true
	}
	return time.UnixMicro(int64(usec)), true
}
