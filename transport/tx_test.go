package transport

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTransmitter() *Transmitter {
	return NewTransmitter(10, NewDefaultTxConfig())
}

func popAll(tx *Transmitter) []*TxFrame {
	var frames []*TxFrame
	for {
		item := tx.Pop()
		if item == nil {
			return frames
		}
		frames = append(frames, item)
	}
}

func Test_Transmitter_SingleFrame(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	tid, err := tx.Push(TxRequest{
		Priority: PriorityMedium,
		Kind:     KindMessage,
		DataType: 100,
		Payload:  []byte{1, 2, 3},
	})
	assert.NoError(err)
	assert.Equal(TransferID(0), tid)
	assert.Equal(1, tx.QueueLen())

	item := tx.Pop()
	assert.NotNil(item)
	assert.Equal(uint8(4), item.Frame.Len)
	assert.Equal([]byte{1, 2, 3}, item.Frame.Payload())

	tail := item.Frame.Tail()
	assert.True(tail.IsSingleFrame())
	assert.False(tail.Toggle())
	assert.Equal(TransferID(0), tail.TransferID())

	fields, err := DecodeIdentifier(item.Frame.ID)
	assert.NoError(err)
	assert.Equal(NodeID(10), fields.Source)
	assert.Equal(DataTypeID(100), fields.DataType)
	assert.Equal(PriorityMedium, fields.Priority)
}

func Test_Transmitter_SevenBytePayloadIsSingleFrame(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	_, err := tx.Push(TxRequest{Kind: KindMessage, DataType: 1, Payload: make([]byte, 7)})
	assert.NoError(err)
	assert.Equal(1, tx.QueueLen())
}

func Test_Transmitter_MultiFrame(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	const signature uint64 = 0xdeadbeef12345678
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}

	_, err := tx.Push(TxRequest{
		Kind:      KindMessage,
		DataType:  200,
		Payload:   payload,
		Signature: signature,
	})
	assert.NoError(err)

	// 20 payload bytes plus the 2 in-band CRC bytes need 4 frames.
	frames := popAll(tx)
	assert.Len(frames, 4)

	first := frames[0].Frame
	assert.Equal(uint8(8), first.Len)
	wantCRC := NewCRC(signature).Add(payload)
	assert.Equal(uint16(wantCRC), binary.LittleEndian.Uint16(first.Data[0:2]))
	assert.Equal(payload[0:5], first.Data[2:7])

	// Tail flags: start on the first, end on the last, toggle alternating
	// from zero.
	for i, item := range frames {
		tail := item.Frame.Tail()
		assert.Equal(i == 0, tail.IsStart())
		assert.Equal(i == len(frames)-1, tail.IsEnd())
		assert.Equal(i%2 == 1, tail.Toggle())
		assert.Equal(TransferID(0), tail.TransferID())
	}

	// Middle frames fill the MTU; the last one carries the remainder.
	assert.Equal(uint8(8), frames[1].Frame.Len)
	assert.Equal(uint8(8), frames[2].Frame.Len)
	assert.Equal(uint8(2), frames[3].Frame.Len)
	assert.Equal(payload[19], frames[3].Frame.Data[0])
}

func Test_Transmitter_TransferIDSequence(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	for i := 0; i < 40; i++ {
		tid, err := tx.Push(TxRequest{Kind: KindMessage, DataType: 7, Payload: []byte{0}})
		assert.NoError(err)
		assert.Equal(TransferID(i%32), tid)
		tx.Pop()
	}
}

func Test_Transmitter_IndependentFlows(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	tidA, err := tx.Push(TxRequest{Kind: KindMessage, DataType: 1, Payload: []byte{0}})
	assert.NoError(err)
	tidB, err := tx.Push(TxRequest{Kind: KindMessage, DataType: 2, Payload: []byte{0}})
	assert.NoError(err)
	tidA2, err := tx.Push(TxRequest{Kind: KindMessage, DataType: 1, Payload: []byte{0}})
	assert.NoError(err)

	assert.Equal(TransferID(0), tidA)
	assert.Equal(TransferID(0), tidB)
	assert.Equal(TransferID(1), tidA2)
}

func Test_Transmitter_PriorityOrder(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	_, err := tx.Push(TxRequest{Priority: PriorityLow, Kind: KindMessage, DataType: 1, Payload: []byte{1}})
	assert.NoError(err)
	_, err = tx.Push(TxRequest{Priority: PriorityHighest, Kind: KindMessage, DataType: 1, Payload: []byte{2}})
	assert.NoError(err)
	_, err = tx.Push(TxRequest{Priority: PriorityMedium, Kind: KindMessage, DataType: 1, Payload: []byte{3}})
	assert.NoError(err)

	var order []byte
	for _, item := range popAll(tx) {
		order = append(order, item.Frame.Data[0])
	}
	assert.Equal([]byte{2, 3, 1}, order)
}

func Test_Transmitter_FIFOWithinIdentifier(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	for i := byte(0); i < 5; i++ {
		_, err := tx.Push(TxRequest{Kind: KindMessage, DataType: 1, Payload: []byte{i}})
		assert.NoError(err)
	}

	for i, item := range popAll(tx) {
		assert.Equal(byte(i), item.Frame.Data[0])
	}
}

func Test_Transmitter_PushWithTransferID(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	err := tx.PushWithTransferID(TxRequest{
		Kind:        KindResponse,
		DataType:    12,
		Destination: 3,
		Payload:     []byte{9},
	}, 17)
	assert.NoError(err)

	item := tx.Pop()
	assert.NotNil(item)
	assert.Equal(TransferID(17), item.Frame.Tail().TransferID())
}

func Test_Transmitter_CapacityErrors(t *testing.T) {
	assert := assert.New(t)

	tx := NewTransmitter(10, TxConfig{QueueCap: 2, FlowCap: 1, MaxPayload: 16})

	_, err := tx.Push(TxRequest{Kind: KindMessage, DataType: 1, Payload: make([]byte, 17)})
	assert.ErrorIs(err, ErrPayloadTooLarge)

	// 14 payload bytes plus CRC need 3 frames, more than the queue holds.
	_, err = tx.Push(TxRequest{Kind: KindMessage, DataType: 1, Payload: make([]byte, 14)})
	assert.ErrorIs(err, ErrQueueFull)

	_, err = tx.Push(TxRequest{Kind: KindMessage, DataType: 1, Payload: []byte{0}})
	assert.NoError(err)
	_, err = tx.Push(TxRequest{Kind: KindMessage, DataType: 2, Payload: []byte{0}})
	assert.ErrorIs(err, ErrFlowLimit)

	assert.Equal(uint64(3), tx.Stats.Rejected.Load())
}

func Test_Transmitter_InvalidRequest(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	// A broadcast cannot carry a destination.
	_, err := tx.Push(TxRequest{Kind: KindMessage, DataType: 1, Destination: 5, Payload: []byte{0}})
	assert.ErrorIs(err, ErrInvalidArgument)
}

func Test_Transmitter_DropExpired(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	now := time.Now()
	_, err := tx.Push(TxRequest{Kind: KindMessage, DataType: 1, Payload: []byte{0}, Deadline: now.Add(-time.Second)})
	assert.NoError(err)
	_, err = tx.Push(TxRequest{Kind: KindMessage, DataType: 2, Payload: []byte{0}, Deadline: now.Add(time.Hour)})
	assert.NoError(err)
	_, err = tx.Push(TxRequest{Kind: KindMessage, DataType: 3, Payload: []byte{0}})
	assert.NoError(err)

	assert.Equal(1, tx.DropExpired(now))
	assert.Equal(2, tx.QueueLen())
	assert.Equal(uint64(1), tx.Stats.Expired.Load())
}

func Test_Transmitter_InjectFrame(t *testing.T) {
	assert := assert.New(t)
	tx := newTestTransmitter()

	id, err := IdentifierFields{Kind: KindMessage, DataType: 5, Source: 10}.Identifier()
	assert.NoError(err)
	f := NewFrame(id, []byte{1, byte(MakeTail(true, true, false, 0))})

	assert.NoError(tx.InjectFrame(f, time.Time{}))
	assert.Equal(1, tx.QueueLen())

	bad := Frame{ID: 1 << 30}
	assert.ErrorIs(tx.InjectFrame(bad, time.Time{}), ErrMalformedFrame)
}
