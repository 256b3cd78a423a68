package transport

// Tail is the last data byte of every non-empty frame. It carries the
// transfer control flow: start/end of transfer flags, the toggle bit and the
// 5-bit transfer ID.
//
// The toggle bit of the first frame of a transfer is always zero and strictly
// alternates across consecutive frames of the same transfer.
type Tail byte

const (
	tailStartOfTransfer = 1 << 7
	tailEndOfTransfer   = 1 << 6
	tailToggle          = 1 << 5
)

func (t Tail) IsStart() bool          { return t&tailStartOfTransfer != 0 }
func (t Tail) IsEnd() bool            { return t&tailEndOfTransfer != 0 }
func (t Tail) Toggle() bool           { return t&tailToggle != 0 }
func (t Tail) TransferID() TransferID { return TransferID(t & TransferIDMax) }
func (t Tail) IsSingleFrame() bool    { return t.IsStart() && t.IsEnd() }

// MakeTail packs the tail byte for one frame of a transfer.
func MakeTail(start, end, toggle bool, tid TransferID) Tail {
	t := Tail(tid & TransferIDMax)
	if toggle {
		t |= tailToggle
	}
	if end {
		t |= tailEndOfTransfer
	}
	if start {
		t |= tailStartOfTransfer
	}
	return t
}