package transport

// CRC is the CRC-16-CCITT-FALSE accumulator used for multi-frame transfer
// integrity (poly 0x1021, init 0xFFFF, no reflection). For multi-frame
// transfers the CRC is seeded with the 64-bit data type signature and then
// updated with the full transfer payload; the result travels in the first
// two payload bytes of the first frame, least significant byte first.
type CRC uint16

const crcInitial CRC = 0xFFFF

// NewCRC returns an accumulator seeded with the given data type signature.
func NewCRC(signature uint64) CRC {
	c := crcInitial
	for i := 0; i < 8; i++ {
		c = c.AddByte(byte(signature >> (8 * i)))
	}
	return c
}

// AddByte folds one byte into the accumulator.
func (c CRC) AddByte(b byte) CRC {
	c ^= CRC(b) << 8
	for i := 0; i < 8; i++ {
		if c&0x8000 != 0 {
			c = c<<1 ^ 0x1021
		} else {
			c <<= 1
		}
	}
	return c
}

// Add folds a byte slice into the accumulator.
func (c CRC) Add(data []byte) CRC {
	for _, b := range data {
		c = c.AddByte(b)
	}
	return c
}
