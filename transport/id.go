package transport

// 29-bit identifier layout. Two incompatible layouts exist historically; this
// implementation uses the revised scheme where the priority occupies the most
// significant bits so that it dominates CAN bus arbitration:
//
//	message:  priority[24:29] | dataTypeID[8:24]                           | 0<<7 | source[0:7]
//	service:  priority[24:29] | dataTypeID[16:24] | request<<15 | dst[8:15] | 1<<7 | source[0:7]
const (
	offsetPriority         = 24
	offsetMessageTypeID    = 8
	offsetServiceTypeID    = 16
	offsetDestination      = 8
	flagServiceNotMessage  = 1 << 7
	flagRequestNotResponse = 1 << 15
)

// IdentifierFields is the decoded view of a frame's 29-bit identifier.
type IdentifierFields struct {
	Priority    Priority
	Kind        Kind
	DataType    DataTypeID
	Source      NodeID
	Destination NodeID // services only, zero otherwise
}

// Identifier packs the fields into a 29-bit extended CAN identifier.
func (f IdentifierFields) Identifier() (uint32, error) {
	if f.Priority > PriorityMax {
		return 0, ErrInvalidArgument
	}
	if f.Source > NodeIDMax {
		return 0, ErrInvalidArgument
	}
	id := uint32(f.Priority)<<offsetPriority | uint32(f.Source)

	switch f.Kind {
	case KindMessage:
		if f.Destination != 0 {
			return 0, ErrInvalidArgument
		}
		id |= uint32(f.DataType) << offsetMessageTypeID

	case KindRequest, KindResponse:
		if f.DataType > ServiceDataTypeIDMax {
			return 0, ErrInvalidArgument
		}
		if !f.Source.IsUnicast() || !f.Destination.IsUnicast() || f.Source == f.Destination {
			return 0, ErrInvalidArgument
		}
		id |= flagServiceNotMessage
		id |= uint32(f.DataType) << offsetServiceTypeID
		id |= uint32(f.Destination) << offsetDestination
		if f.Kind == KindRequest {
			id |= flagRequestNotResponse
		}

	default:
		return 0, ErrInvalidArgument
	}
	return id, nil
}

// DecodeIdentifier unpacks a 29-bit extended CAN identifier.
func DecodeIdentifier(id uint32) (IdentifierFields, error) {
	if id > extendedIDMask {
		return IdentifierFields{}, ErrMalformedFrame
	}
	f := IdentifierFields{
		Priority: Priority(id>>offsetPriority) & PriorityMax,
		Source:   NodeID(id & NodeIDMax),
	}
	if id&flagServiceNotMessage == 0 {
		f.Kind = KindMessage
		f.DataType = DataTypeID(id >> offsetMessageTypeID & MessageDataTypeIDMax)
		return f, nil
	}
	if id&flagRequestNotResponse != 0 {
		f.Kind = KindRequest
	} else {
		f.Kind = KindResponse
	}
	f.DataType = DataTypeID(id >> offsetServiceTypeID & ServiceDataTypeIDMax)
	f.Destination = NodeID(id >> offsetDestination & NodeIDMax)
	// A service frame cannot be anonymous on either end, and a node never
	// addresses itself.
	if !f.Source.IsUnicast() || !f.Destination.IsUnicast() || f.Source == f.Destination {
		return IdentifierFields{}, ErrMalformedFrame
	}
	return f, nil
}

// ParseFrame decodes the identifier and tail byte of a received frame and
// returns the transfer payload slice (tail byte stripped).
//
// It rejects frames that cannot belong to a valid transfer: empty frames
// (no tail byte), a start-of-transfer frame with a nonzero toggle, anonymous
// multi-frame transfers, and non-final frames that do not fill the MTU.
func ParseFrame(f *Frame) (IdentifierFields, Tail, []byte, error) {
	if f.Len == 0 || f.Len > FrameDataCap {
		return IdentifierFields{}, 0, nil, ErrMalformedFrame
	}
	fields, err := DecodeIdentifier(f.ID)
	if err != nil {
		return IdentifierFields{}, 0, nil, err
	}
	tail := f.Tail()
	payload := f.Payload()

	valid := !tail.IsStart() || !tail.Toggle()
	valid = valid && (!fields.Source.IsAnonymous() || tail.IsSingleFrame())
	valid = valid && (tail.IsEnd() || len(payload) == framePayloadCap)
	if !valid {
		return IdentifierFields{}, 0, nil, ErrMalformedFrame
	}
	return fields, tail, payload, nil
}
