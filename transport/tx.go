package transport

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// TxConfig bounds the resources of a [Transmitter]. All capacities are fixed
// at construction; exceeding them yields a capacity error, never a silent
// reallocation.
type TxConfig struct {
	// QueueCap is the maximum number of frames the transmit queue may hold.
	QueueCap int
	// FlowCap is the maximum number of distinct (kind, data type,
	// destination) flows tracked by the transfer ID map.
	FlowCap int
	// MaxPayload is the largest transfer payload accepted for transmission.
	MaxPayload int
}

// NewDefaultTxConfig returns the transmitter defaults.
func NewDefaultTxConfig() TxConfig {
	return TxConfig{
		QueueCap:   512,
		FlowCap:    128,
		MaxPayload: 1024,
	}
}

// TxFrame is a frame scheduled for transmission together with the deadline
// after which injecting it into the bus is pointless.
type TxFrame struct {
	Frame    Frame
	Deadline time.Time

	seq uint64
}

// flowKey identifies one transfer ID counter. Sequential transfer IDs are
// tracked per flow for the lifetime of the node; restarting a counter causes
// receivers to silently drop transfers as duplicates.
type flowKey struct {
	kind        Kind
	dataType    DataTypeID
	destination NodeID
}

// TxRequest describes one outbound transfer.
type TxRequest struct {
	Priority    Priority
	Kind        Kind
	DataType    DataTypeID
	Destination NodeID // services only
	Payload     []byte
	Signature   uint64 // data type signature, multi-frame CRC seed
	Deadline    time.Time
}

// TxStats holds the transmitter diagnostic counters.
type TxStats struct {
	Transfers atomic.Uint64
	Frames    atomic.Uint64
	Rejected  atomic.Uint64
	Expired   atomic.Uint64
}

// Transmitter splits outbound transfers into frames, assigns sequential
// transfer IDs per flow and keeps the frames in a priority-ordered queue.
// Lower numeric identifiers are popped first, matching CAN arbitration;
// frames with equal identifiers keep insertion order.
//
// The transmitter never retries: a failed injection is reported to the
// caller as a transient condition and retry policy stays with the
// application.
type Transmitter struct {
	local NodeID
	cfg   TxConfig

	tids  map[flowKey]TransferID
	queue txQueue
	seq   uint64

	Stats TxStats
}

// NewTransmitter creates a transmitter for the given local node ID.
func NewTransmitter(local NodeID, cfg TxConfig) *Transmitter {
	return &Transmitter{
		local: local,
		cfg:   cfg,
		tids:  make(map[flowKey]TransferID, cfg.FlowCap),
	}
}

// Push enqueues a transfer, allocating the next transfer ID of its flow.
// It returns the assigned transfer ID so that callers may match responses.
func (t *Transmitter) Push(req TxRequest) (TransferID, error) {
	tid, err := t.nextTransferID(req.Kind, req.DataType, req.Destination)
	if err != nil {
		t.Stats.Rejected.Add(1)
		return 0, err
	}
	if err := t.push(req, tid); err != nil {
		return 0, err
	}
	return tid, nil
}

// PushWithTransferID enqueues a transfer under a caller-provided transfer ID.
// Service responses must echo the transfer ID of the request instead of
// drawing from the flow counter.
func (t *Transmitter) PushWithTransferID(req TxRequest, tid TransferID) error {
	return t.push(req, tid&TransferIDMax)
}

func (t *Transmitter) push(req TxRequest, tid TransferID) error {
	if len(req.Payload) > t.cfg.MaxPayload {
		t.Stats.Rejected.Add(1)
		return ErrPayloadTooLarge
	}
	fields := IdentifierFields{
		Priority:    req.Priority,
		Kind:        req.Kind,
		DataType:    req.DataType,
		Source:      t.local,
		Destination: req.Destination,
	}
	id, err := fields.Identifier()
	if err != nil {
		t.Stats.Rejected.Add(1)
		return err
	}

	frames := frameCount(len(req.Payload))
	if t.queue.Len()+frames > t.cfg.QueueCap {
		t.Stats.Rejected.Add(1)
		return ErrQueueFull
	}

	if frames == 1 {
		t.enqueueSingleFrame(id, tid, req)
	} else {
		t.enqueueMultiFrame(id, tid, frames, req)
	}
	t.Stats.Transfers.Add(1)
	t.Stats.Frames.Add(uint64(frames))
	return nil
}

// frameCount returns the number of frames needed for a payload. Multi-frame
// transfers carry the two CRC bytes in-band, at the head of the first frame.
func frameCount(payloadLen int) int {
	if payloadLen <= framePayloadCap {
		return 1
	}
	total := payloadLen + transferCRCSize
	return (total + framePayloadCap - 1) / framePayloadCap
}

func (t *Transmitter) enqueueSingleFrame(id uint32, tid TransferID, req TxRequest) {
	var data [FrameDataCap]byte
	n := copy(data[:], req.Payload)
	data[n] = byte(MakeTail(true, true, false, tid))
	t.enqueue(Frame{ID: id, Len: uint8(n + 1), Data: data}, req.Deadline)
}

func (t *Transmitter) enqueueMultiFrame(id uint32, tid TransferID, frames int, req TxRequest) {
	crc := NewCRC(req.Signature).Add(req.Payload)

	// The byte stream on the wire is CRC (little-endian) followed by the
	// payload, chopped into 7-byte chunks.
	stream := make([]byte, 0, transferCRCSize+len(req.Payload))
	stream = append(stream, byte(crc), byte(crc>>8))
	stream = append(stream, req.Payload...)

	toggle := false
	for i := 0; i < frames; i++ {
		chunk := stream
		if len(chunk) > framePayloadCap {
			chunk = chunk[:framePayloadCap]
		}
		stream = stream[len(chunk):]

		var data [FrameDataCap]byte
		n := copy(data[:], chunk)
		data[n] = byte(MakeTail(i == 0, i == frames-1, toggle, tid))
		t.enqueue(Frame{ID: id, Len: uint8(n + 1), Data: data}, req.Deadline)
		toggle = !toggle
	}
}

func (t *Transmitter) enqueue(f Frame, deadline time.Time) {
	t.seq++
	heap.Push(&t.queue, &TxFrame{Frame: f, Deadline: deadline, seq: t.seq})
}

func (t *Transmitter) nextTransferID(kind Kind, dataType DataTypeID, dst NodeID) (TransferID, error) {
	key := flowKey{kind: kind, dataType: dataType, destination: dst}
	tid, ok := t.tids[key]
	if !ok {
		if len(t.tids) >= t.cfg.FlowCap {
			return 0, ErrFlowLimit
		}
		t.tids[key] = 1
		return 0, nil
	}
	t.tids[key] = tid.Next()
	return tid, nil
}

// InjectFrame enqueues an already-encoded frame, bypassing transfer
// splitting and ID assignment. This is the acceptance point for frames
// bridged from sub-node transmit queues in a compound node.
func (t *Transmitter) InjectFrame(frame Frame, deadline time.Time) error {
	if err := frame.Validate(); err != nil {
		t.Stats.Rejected.Add(1)
		return err
	}
	if t.queue.Len() >= t.cfg.QueueCap {
		t.Stats.Rejected.Add(1)
		return ErrQueueFull
	}
	t.enqueue(frame, deadline)
	t.Stats.Frames.Add(1)
	return nil
}

// Peek returns the next frame to transmit without removing it, or nil if the
// queue is empty.
func (t *Transmitter) Peek() *TxFrame {
	if t.queue.Len() == 0 {
		return nil
	}
	return t.queue.items[0]
}

// Pop removes and returns the next frame to transmit, or nil.
func (t *Transmitter) Pop() *TxFrame {
	if t.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&t.queue).(*TxFrame)
}

// DropExpired removes queued frames whose deadline has passed and returns
// the number dropped.
func (t *Transmitter) DropExpired(now time.Time) int {
	dropped := 0
	for i := 0; i < t.queue.Len(); {
		item := t.queue.items[i]
		if !item.Deadline.IsZero() && now.After(item.Deadline) {
			heap.Remove(&t.queue, i)
			dropped++
			continue
		}
		i++
	}
	if dropped > 0 {
		t.Stats.Expired.Add(uint64(dropped))
	}
	return dropped
}

// QueueLen returns the number of frames waiting for transmission.
func (t *Transmitter) QueueLen() int { return t.queue.Len() }

// txQueue is a min-heap over (identifier, insertion order). The priority
// field occupies the most significant identifier bits, so ordering by the
// whole identifier makes priority dominate, exactly like bus arbitration.
type txQueue struct {
	items []*TxFrame
}

func (q *txQueue) Len() int { return len(q.items) }

func (q *txQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Frame.ID != b.Frame.ID {
		return a.Frame.ID < b.Frame.ID
	}
	return a.seq < b.seq
}

func (q *txQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *txQueue) Push(x any) { q.items = append(q.items, x.(*TxFrame)) }

func (q *txQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}
