package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC16(t *testing.T) {
	var testCases = []struct {
		name   string
		when   []byte
		expect uint16
	}{
		{
			name:   "ok, read holding registers request",
			when:   []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01},
			expect: 0x0A84, // 0x84 0x0A on the wire
		},
		{
			name:   "ok, read input registers response",
			when:   []byte{0x01, 0x04, 0x02, 0xFF, 0xFF},
			expect: 0x80B8, // 0xB8 0x80 on the wire
		},
		{
			name:   "ok, write single register request",
			when:   []byte{0x01, 0x06, 0x00, 0x6B, 0x00, 0x01},
			expect: 0xD639,
		},
		{
			name:   "ok, empty data",
			when:   []byte{},
			expect: 0xFFFF,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, CRC16(tc.when))
		})
	}
}

func TestCRC16_appendedCRCYieldsZero(t *testing.T) {
	// for any byte string, appending its CRC little-endian first and
	// re-running CRC over the lengthened string yields 0x0000
	var testCases = [][]byte{
		{0x01},
		{0x01, 0x03, 0x00, 0x6B, 0x00, 0x03},
		{0x10, 0x05, 0x00, 0xAC, 0xFF, 0x00},
		{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{0xFF, 0xFF, 0xFF, 0xFF},
	}

	for _, data := range testCases {
		crc := CRC16(data)
		lengthened := append(append([]byte{}, data...), uint8(crc), uint8(crc>>8))
		assert.Equal(t, uint16(0x0000), CRC16(lengthened))
	}
}

func TestCRC16Update(t *testing.T) {
	data := []byte{0x01, 0x03, 0x00, 0x6B, 0x00, 0x03}

	crc := CRC16Update(0xFFFF, data[:2])
	crc = CRC16Update(crc, data[2:])

	assert.Equal(t, CRC16(data), crc)
}

func TestBitmapSetAndGet(t *testing.T) {
	var testCases = []struct {
		name      string
		whenIndex int
		expect    []byte
	}{
		{
			name:      "ok, bit 0 is lsb of first byte",
			whenIndex: 0,
			expect:    []byte{0b00000001, 0x0},
		},
		{
			name:      "ok, bit 7 is msb of first byte",
			whenIndex: 7,
			expect:    []byte{0b10000000, 0x0},
		},
		{
			name:      "ok, bit 8 is lsb of second byte",
			whenIndex: 8,
			expect:    []byte{0x0, 0b00000001},
		},
		{
			name:      "ok, bit 10",
			whenIndex: 10,
			expect:    []byte{0x0, 0b00000100},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bitmap := make([]byte, 2)
			BitmapSet(bitmap, tc.whenIndex, true)
			assert.Equal(t, tc.expect, bitmap)
			assert.True(t, BitmapGet(bitmap, tc.whenIndex))

			BitmapSet(bitmap, tc.whenIndex, false)
			assert.Equal(t, []byte{0x0, 0x0}, bitmap)
			assert.False(t, BitmapGet(bitmap, tc.whenIndex))
		})
	}
}
