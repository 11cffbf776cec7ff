package packet

import (
	"encoding/binary"
	"errors"
)

const (
	// RTUFrameMaxLen is maximum length in bytes that valid Modbus RTU frame can be
	//
	// Quote from MODBUS Application Protocol Specification V1.1b3:
	//   The size of the MODBUS PDU is limited by the size constraint inherited from the first
	//   MODBUS implementation on Serial Line network (max. RS485 ADU = 256 bytes).
	RTUFrameMaxLen = 1 + PDUSizeMax + 2 // unit id + PDU + CRC

	rtuFrameMinLen = 1 + PDUSizeMin + 2
)

// ErrInvalidCRC is error returned when frame data does not match its CRC value
var ErrInvalidCRC = errors.New("packet cyclic redundancy check does not match Modbus RTU packet bytes")

// RTUFrame is a Modbus RTU application data unit: server address, PDU and
// a trailing CRC16 transmitted least significant byte first.
//
// Example frame: 0x01 0x03 0x00 0x6B 0x00 0x03 0x74 0x17
// 0x01 - unit id (0)
// 0x03 0x00 0x6B 0x00 0x03 - PDU (1,...)
// 0x74 0x17 - CRC16 (n-2,n-1)
type RTUFrame struct {
	UnitID uint8
	PDU    PDU
}

// Encode writes the frame into dst and returns the number of bytes written.
// The CRC is computed over the unit id and the PDU.
func (f RTUFrame) Encode(dst []byte) (int, error) {
	if len(dst) < rtuFrameMinLen {
		return 0, errors.New("destination buffer is too short for RTU frame")
	}
	dst[0] = f.UnitID
	n, err := f.PDU.Encode(dst[1:])
	if err != nil {
		return 0, err
	}
	if len(dst) < 1+n+2 {
		return 0, errors.New("destination buffer is too short for RTU frame")
	}
	binary.LittleEndian.PutUint16(dst[1+n:1+n+2], CRC16(dst[:1+n]))
	return 1 + n + 2, nil
}

// ParseRTUFrame checks frame CRC and decodes the contained PDU.
//
// When the error is ErrUnknownFunction the returned frame still carries the
// unit id and the offending function code so that a server can answer with
// an Illegal Function exception. All other errors mean the frame is
// malformed and should be dropped.
func ParseRTUFrame(data []byte, kind Kind) (RTUFrame, error) {
	dataLen := len(data)
	if dataLen < rtuFrameMinLen {
		return RTUFrame{}, errors.New("data is too short to be a Modbus RTU frame")
	}
	packetCRC := binary.LittleEndian.Uint16(data[dataLen-2:])
	actualCRC := CRC16(data[:dataLen-2])
	if packetCRC != actualCRC {
		return RTUFrame{}, ErrInvalidCRC
	}
	pdu, n, err := Parse(data[1:dataLen-2], kind)
	frame := RTUFrame{UnitID: data[0], PDU: pdu}
	if err != nil {
		return frame, err
	}
	if n != dataLen-3 {
		return RTUFrame{}, errors.New("frame length does not match PDU length")
	}
	return frame, nil
}
