package packet

import (
	"encoding/binary"
	"errors"
)

const (
	// TCPHeaderLen is length of the MBAP header in bytes
	TCPHeaderLen = 7
	// TCPFrameMaxLen is maximum length in bytes that valid Modbus TCP frame can be
	//
	// Quote from MODBUS Application Protocol Specification V1.1b3:
	//   TCP MODBUS ADU = 253 bytes + MBAP (7 bytes) = 260 bytes.
	TCPFrameMaxLen = TCPHeaderLen + PDUSizeMax

	tcpFrameMinLen = TCPHeaderLen + PDUSizeMin
)

// MBAPHeader (Modbus Application Protocol header) is the 7 byte envelope of
// a Modbus TCP frame. Length counts the unit id byte plus the PDU bytes, so
// it always equals PDU length + 1; Encode computes it, ParseTCPFrame keeps
// the value read from the wire so callers can verify it.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        uint8
}

// TCPFrame is a Modbus TCP application data unit: MBAP header followed by
// the PDU.
//
// Example frame: 0x00 0x01 0x00 0x00 0x00 0x06 0x01 0x03 0x00 0x00 0x00 0x02
// 0x00 0x01 - transaction id (0,1)
// 0x00 0x00 - protocol id (2,3)
// 0x00 0x06 - number of bytes to follow, unit id + PDU (4,5)
// 0x01 - unit id (6)
// 0x03 0x00 0x00 0x00 0x02 - PDU (7,...)
type TCPFrame struct {
	MBAPHeader
	PDU PDU
}

// Encode writes the frame into dst and returns the number of bytes written.
// The header Length field is computed from the encoded PDU.
func (f TCPFrame) Encode(dst []byte) (int, error) {
	if len(dst) < tcpFrameMinLen {
		return 0, errors.New("destination buffer is too short for TCP frame")
	}
	n, err := f.PDU.Encode(dst[TCPHeaderLen:])
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(dst[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(dst[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(dst[4:6], uint16(n+1))
	dst[6] = f.UnitID
	return TCPHeaderLen + n, nil
}

// ParseTCPFrame decodes the MBAP header and the contained PDU. The second
// return value is the decoded PDU length in bytes.
//
// Protocol id validation and transaction/unit id matching are policy of the
// caller: the master enforces them against the request it sent, the server
// enforces them against its own identity.
//
// When the error is ErrUnknownFunction the returned frame still carries the
// full header and the offending function code so that a server can answer
// with an Illegal Function exception.
func ParseTCPFrame(data []byte, kind Kind) (TCPFrame, int, error) {
	if len(data) < tcpFrameMinLen {
		return TCPFrame{}, 0, errors.New("data is too short to be a Modbus TCP frame")
	}
	header := MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
	}
	pdu, n, err := Parse(data[TCPHeaderLen:], kind)
	frame := TCPFrame{MBAPHeader: header, PDU: pdu}
	if err != nil {
		return frame, 0, err
	}
	return frame, n, nil
}
