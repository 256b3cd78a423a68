package uavcan

import (
	"encoding/binary"
	"time"

	"github.com/aerolink/uavcan/transport"
)

// Standard NodeStatus broadcast, published periodically by every node so
// the bus can be monitored for dead or degraded participants.
const (
	NodeStatusDataTypeID transport.DataTypeID = 341
	NodeStatusSignature  uint64               = 0x0f0868d0c1a7c6f1
	nodeStatusPayloadLen                      = 7
)

// Health levels of the NodeStatus message.
type Health uint8

const (
	HealthOK Health = iota
	HealthWarning
	HealthError
	HealthCritical
)

// Operating modes of the NodeStatus message.
type Mode uint8

const (
	ModeOperational    Mode = 0
	ModeInitialization Mode = 1
	ModeMaintenance    Mode = 2
	ModeSoftwareUpdate Mode = 3
	ModeOffline        Mode = 7
)

// PublishNodeStatus broadcasts the node's uptime, health and mode together
// with a vendor-specific status code.
func (n *Node) PublishNodeStatus(health Health, mode Mode, vendorStatusCode uint16) error {
	var payload [nodeStatusPayloadLen]byte

	uptimeSec := uint32(n.clock.Monotonic().Seconds())
	binary.LittleEndian.PutUint32(payload[0:4], uptimeSec)
	payload[4] = uint8(health)<<6 | uint8(mode)<<3
	binary.LittleEndian.PutUint16(payload[5:7], vendorStatusCode)

	return n.Broadcast(transport.PriorityLow, NodeStatusDataTypeID, NodeStatusSignature, payload[:], n.clock.Now().Add(statusDeadline))
}

// statusDeadline bounds how long a status frame may wait in the queue; a
// stale status is worse than a missing one.
const statusDeadline = time.Second
