package packet

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

// Registers is a convenience view over the raw payload of a register read
// response. It addresses values by register address instead of byte offset
// and decodes the big-endian wire format into Go types.
//
// The view references the payload without copying; it is valid only until
// the buffer that produced it is reused.
type Registers struct {
	startAddress uint16
	endAddress   uint16 // end address is not addressable. endAddress-1 is last addressable register (2 bytes)
	data         []byte
}

// NewRegisters creates new instance of Registers. startAddress is the
// address the read request started from.
func NewRegisters(data []byte, startAddress uint16) (*Registers, error) {
	dataLen := len(data)
	if dataLen < 2 {
		return nil, errors.New("data length at least 2 bytes as 1 register is 2 bytes")
	}
	if dataLen%2 != 0 {
		return nil, errors.New("data length must be even number of bytes as 1 register is 2 bytes")
	}
	return &Registers{
		startAddress: startAddress,
		endAddress:   startAddress + uint16(dataLen/2),
		data:         data,
	}, nil
}

func (r Registers) register(address uint16) ([]byte, error) {
	if address < r.startAddress {
		return nil, errors.New("address under startAddress bounds")
	}
	if address >= r.endAddress {
		return nil, errors.New("address over startAddress+quantity bounds")
	}
	startIndex := (address - r.startAddress) * 2
	return r.data[startIndex : startIndex+2], nil
}

func (r Registers) doubleRegister(address uint16) ([]byte, error) {
	if address < r.startAddress {
		return nil, errors.New("address under startAddress bounds")
	}
	if r.endAddress < 2 || address > (r.endAddress-2) {
		return nil, errors.New("address over startAddress+quantity bounds")
	}
	startIndex := (address - r.startAddress) * 2
	return r.data[startIndex : startIndex+4], nil
}

// Bit checks if N-th bit is set in register. NB: Bits are counted from 0 and right to left.
func (r Registers) Bit(address uint16, bit uint8) (bool, error) {
	if bit > 15 {
		return false, errors.New("bit value more than register (16bit) contains")
	}
	register, err := r.register(address)
	if err != nil {
		return false, err
	}
	nThByte := 1 // low byte of register
	if bit > 7 {
		bit -= 8
		nThByte = 0 // high byte of register
	}
	return register[nThByte]&(1<<bit) != 0, nil
}

// Uint8 returns register data as uint8 from given address high/low byte. High byte is sent first on the wire.
func (r Registers) Uint8(address uint16, fromHighByte bool) (uint8, error) {
	b, err := r.register(address)
	if err != nil {
		return 0, err
	}
	if fromHighByte {
		return b[0], nil
	}
	return b[1], nil
}

// Uint16 returns register data as uint16 from given address. NB: Uint16 size is 1 register (16bits, 2 bytes).
func (r Registers) Uint16(address uint16) (uint16, error) {
	b, err := r.register(address)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Int16 returns register data as int16 from given address. NB: Int16 size is 1 register (16bits, 2 bytes).
func (r Registers) Int16(address uint16) (int16, error) {
	b, err := r.register(address)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

// Uint32 returns register data as uint32 from given address. NB: Uint32 size is 2 registers (32bits, 4 bytes).
func (r Registers) Uint32(address uint16) (uint32, error) {
	b, err := r.doubleRegister(address)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Int32 returns register data as int32 from given address. NB: Int32 size is 2 registers (32bits, 4 bytes).
func (r Registers) Int32(address uint16) (int32, error) {
	b, err := r.doubleRegister(address)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// Float32 returns register data as float32 from given address. NB: Float32 size is 2 registers (32bits, 4 bytes).
func (r Registers) Float32(address uint16) (float32, error) {
	b, err := r.doubleRegister(address)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

// String returns register data as ASCII string starting from given address
// up to given length in bytes. The string ends at the first null byte.
// Characters of a register are swapped back from the big-endian wire order.
func (r Registers) String(address uint16, length uint16) (string, error) {
	if address < r.startAddress {
		return "", errors.New("address under startAddress bounds")
	}
	startIndex := (address - r.startAddress) * 2
	endIndex := startIndex + length
	// data is sent in whole registers, an odd length still occupies the
	// full last register
	if length%2 != 0 {
		endIndex++
	}
	if int(endIndex) > len(r.data) {
		return "", errors.New("address over data bounds")
	}

	builder := new(strings.Builder)
	builder.Grow(int(length))
	raw := r.data[startIndex:endIndex]
	for i := 0; i < int(length); i++ {
		b := raw[i^1] // swap each byte pair back to character order
		if b == 0 { // strings are terminated by first null
			break
		}
		builder.WriteByte(b)
	}
	return builder.String(), nil
}
