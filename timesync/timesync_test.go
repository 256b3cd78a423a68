package timesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aerolink/uavcan/driver"
)

func Test_Timestamp_RoundTrip(t *testing.T) {
	assert := assert.New(t)

	ts := time.UnixMicro(1_700_000_000_123_456)
	payload := MarshalTimestamp(ts)
	assert.Len(payload, PayloadSize)

	got, ok := UnmarshalTimestamp(payload)
	assert.True(ok)
	assert.True(got.Equal(ts))
}

func Test_Timestamp_Zero(t *testing.T) {
	assert := assert.New(t)

	payload := MarshalTimestamp(time.Time{})
	assert.Equal(make([]byte, PayloadSize), payload)

	got, ok := UnmarshalTimestamp(payload)
	assert.True(ok)
	assert.True(got.IsZero())
}

func Test_Timestamp_ShortPayload(t *testing.T) {
	_, ok := UnmarshalTimestamp([]byte{1, 2, 3})
	assert.False(t, ok)
}

func Test_Master_FirstPayloadIsZero(t *testing.T) {
	assert := assert.New(t)

	clock := driver.NewManualClock(time.UnixMicro(1_700_000_000_000_000))
	m := NewMaster(clock)

	got, ok := UnmarshalTimestamp(m.Payload(0))
	assert.True(ok)
	assert.True(got.IsZero())
}

func Test_Master_CarriesPreviousTransmission(t *testing.T) {
	assert := assert.New(t)

	clock := driver.NewManualClock(time.UnixMicro(1_700_000_000_000_000))
	m := NewMaster(clock)

	txTime := clock.Now()
	m.OnTransmitted(0, txTime)
	clock.Advance(time.Second)

	got, ok := UnmarshalTimestamp(m.Payload(0))
	assert.True(ok)
	assert.True(got.Equal(txTime))

	// A different interface has no previous transmission.
	got, ok = UnmarshalTimestamp(m.Payload(1))
	assert.True(ok)
	assert.True(got.IsZero())
}

func Test_Master_StalePreviousTransmission(t *testing.T) {
	assert := assert.New(t)

	clock := driver.NewManualClock(time.UnixMicro(1_700_000_000_000_000))
	m := NewMaster(clock)

	m.OnTransmitted(0, clock.Now())
	clock.Advance(MaxPublicationPeriod + time.Millisecond)

	got, ok := UnmarshalTimestamp(m.Payload(0))
	assert.True(ok)
	assert.True(got.IsZero())
}
