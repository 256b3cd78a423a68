package transport

// Frame is a single classical CAN 2.0B data frame with a 29-bit extended
// identifier. It is the raw wire unit exchanged with the driver; everything
// above it deals in transfers.
type Frame struct {
	ID   uint32 // 29-bit extended identifier
	Len  uint8  // 0..8
	Data [8]byte
}

const extendedIDMask = 0x1FFFFFFF

// NewFrame builds a frame from an identifier and data bytes.
// It panics if data exceeds the CAN payload capacity; callers own that
// precondition.
func NewFrame(id uint32, data []byte) Frame {
	if len(data) > FrameDataCap {
		panic("transport: frame data exceeds 8 bytes")
	}
	f := Frame{ID: id & extendedIDMask, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

// Validate returns an error if the frame cannot appear on the wire.
func (f Frame) Validate() error {
	if f.ID > extendedIDMask {
		return ErrMalformedFrame
	}
	if f.Len > FrameDataCap {
		return ErrMalformedFrame
	}
	return nil
}

// Payload returns the data bytes excluding the tail byte.
// The frame must be non-empty.
func (f *Frame) Payload() []byte { return f.Data[:f.Len-1] }

// Tail returns the tail byte of a non-empty frame.
func (f *Frame) Tail() Tail { return Tail(f.Data[f.Len-1]) }
