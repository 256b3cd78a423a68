// Package capture records timestamped bus traffic and serializes it to CBOR
// for offline analysis or deterministic replay in tests.
package capture

import (
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/aerolink/uavcan/driver"
	"github.com/aerolink/uavcan/transport"
)

// encMode keeps microsecond timestamp precision; the default CBOR time
// encoding truncates to whole seconds.
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeUnixMicro}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Record is one captured frame.
type Record struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Interface int       `cbor:"2,keyasint"`
	ID        uint32    `cbor:"3,keyasint"`
	Data      []byte    `cbor:"4,keyasint"`
}

// Frame converts the record back into a receive event.
func (r Record) Frame() driver.RxFrame {
	return driver.RxFrame{
		Frame:     transport.NewFrame(r.ID, r.Data),
		Timestamp: r.Timestamp,
		Interface: r.Interface,
	}
}

// Recorder collects frames up to a fixed capacity. Once full it stops
// recording and counts the overflow instead of growing.
type Recorder struct {
	mu       sync.Mutex
	records  []Record
	capacity int
	dropped  uint64
}

// NewRecorder creates a recorder holding at most capacity frames.
func NewRecorder(capacity int) *Recorder {
	return &Recorder{
		records:  make([]Record, 0, capacity),
		capacity: capacity,
	}
}

// Record captures one receive event.
func (r *Recorder) Record(rxf driver.RxFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) >= r.capacity {
		r.dropped++
		return
	}
	r.records = append(r.records, Record{
		Timestamp: rxf.Timestamp,
		Interface: rxf.Interface,
		ID:        rxf.Frame.ID,
		Data:      append([]byte(nil), rxf.Frame.Data[:rxf.Frame.Len]...),
	})
}

// Records returns a snapshot of the captured frames.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Dropped returns the number of frames lost to the capacity limit.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// WriteTo serializes the capture as a CBOR array.
func (r *Recorder) WriteTo(w io.Writer) error {
	return encMode.NewEncoder(w).Encode(r.Records())
}

// Read deserializes a capture written by [Recorder.WriteTo].
func Read(r io.Reader) ([]Record, error) {
	var records []Record
	if err := cbor.NewDecoder(r).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

// Replay feeds the captured frames, in order, to the given sink. The sink
// is typically a reassembler's Accept wrapped in a closure.
func Replay(records []Record, sink func(driver.RxFrame)) {
	for _, rec := range records {
		sink(rec.Frame())
	}
}
