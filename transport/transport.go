// Package transport implements the UAVCAN/CAN transport layer: the 29-bit
// identifier codec, the tail byte, multi-frame transfer decomposition and
// reassembly, and the transfer CRC.
package transport

// Parameter ranges are inclusive; the lower bound is zero for all.
const (
	NodeIDMax            = 127
	PriorityMax          = 31
	TransferIDBitLength  = 5
	TransferIDMax        = (1 << TransferIDBitLength) - 1
	MessageDataTypeIDMax = 0xFFFF
	ServiceDataTypeIDMax = 0xFF
)

// Frame geometry. The tail byte always occupies the last data byte of a
// non-empty frame, so at most 7 transfer bytes fit in a single frame.
const (
	FrameDataCap    = 8
	framePayloadCap = FrameDataCap - 1
	transferCRCSize = 2
)

// NodeID identifies a node on the bus. Valid unicast IDs are 1..127.
// Zero is reserved: as a source it marks an anonymous frame, as a
// destination it is never used.
type NodeID uint8

// IsUnicast reports whether the ID is a valid unicast node ID.
func (n NodeID) IsUnicast() bool { return n >= 1 && n <= NodeIDMax }

// IsAnonymous reports whether the ID is the reserved anonymous value.
func (n NodeID) IsAnonymous() bool { return n == 0 }

// DataTypeID identifies a data type. Message transfers use the full 16 bits,
// service transfers are limited to 8 bits by the identifier layout.
type DataTypeID uint16

// TransferID is the 5-bit sequence number of a transfer. It wraps modulo 32.
type TransferID uint8

// Next returns the transfer ID that follows t, with wraparound.
func (t TransferID) Next() TransferID { return (t + 1) & TransferIDMax }

// Priority is the 5-bit transfer priority. Lower values win bus arbitration
// and are transmitted first.
type Priority uint8

// Priority mnemonics as used by the reference implementation.
const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 8
	PriorityMedium  Priority = 16
	PriorityLow     Priority = 24
	PriorityLowest  Priority = 31
)

// Kind discriminates the three transfer kinds sharing the bus.
type Kind uint8

const (
	KindMessage Kind = iota
	KindRequest
	KindResponse
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	}
	return "invalid"
}

// IsService reports whether the kind is addressed point-to-point.
func (k Kind) IsService() bool { return k == KindRequest || k == KindResponse }
