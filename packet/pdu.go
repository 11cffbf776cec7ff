package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PDUSizeMin is shortest possible PDU (exception response: function code + exception code)
	PDUSizeMin = 2
	// PDUSizeMax is longest possible PDU (256 byte serial ADU - server address - CRC)
	PDUSizeMax = 253
)

// Kind selects between the request and the response layout of a PDU. Several
// function codes (fc01-fc04, fc15, fc16, fc23) have different bodies in the
// two directions and the function code alone does not tell them apart.
type Kind uint8

const (
	// KindRequest parses/encodes the PDU as a master request
	KindRequest Kind = iota
	// KindResponse parses/encodes the PDU as a server response
	KindResponse
)

// ErrUnknownFunction is returned by Parse when the leading byte is not a
// function code this library knows. It is distinct from frame format errors
// so that a server can answer with an Illegal Function exception while
// malformed frames are dropped.
var ErrUnknownFunction = errors.New("unknown function code")

// Body is the function code specific part of a PDU. Bodies are shared
// between function codes of identical wire layout (fc01-fc04 requests all
// use ReadRequest, fc23 response reuses ReadResponse and so on).
type Body interface {
	size() int
	encode(dst []byte)
}

// PDU is a protocol data unit: function code plus its body. It is the
// protocol agnostic middle of both RTU and TCP frames.
type PDU struct {
	Function uint8
	Body     Body
}

// Encode writes PDU into dst and returns the number of bytes written.
// Quantities and payload lengths are validated against the limits the
// Modbus specification sets for each function code.
func (p PDU) Encode(dst []byte) (int, error) {
	if p.Body == nil {
		return 0, errors.New("pdu has no body")
	}
	if err := p.validate(); err != nil {
		return 0, err
	}
	size := 1 + p.Body.size()
	if size > PDUSizeMax {
		return 0, fmt.Errorf("pdu size exceeds maximum: %v", size)
	}
	if len(dst) < size {
		return 0, errors.New("destination buffer is too short for pdu")
	}
	fc := p.Function
	if _, ok := p.Body.(Exception); ok {
		fc |= ExceptionBitmask
	}
	dst[0] = fc
	p.Body.encode(dst[1:])
	return size, nil
}

func (p PDU) validate() error {
	switch b := p.Body.(type) {
	case ReadRequest:
		return validReadQuantity(p.Function, b.Quantity)
	case ReadResponse:
		if len(b.Data) == 0 || len(b.Data) > 250 {
			return fmt.Errorf("read response data length is out of range (1-250): %v", len(b.Data))
		}
	case WriteSingle:
		if p.Function == FunctionWriteSingleCoil && b.Value != 0x0000 && b.Value != 0xFF00 {
			return fmt.Errorf("single coil value must be 0xFF00 or 0x0000: %v", b.Value)
		}
	case WriteMultipleRequest:
		if err := validWriteQuantity(p.Function, b.Quantity); err != nil {
			return err
		}
		if len(b.Data) != writeDataLength(p.Function, b.Quantity) {
			return fmt.Errorf("write data length does not match quantity: %v", len(b.Data))
		}
	case WriteMultipleResponse:
		return validWriteQuantity(p.Function, b.Quantity)
	case MaskWrite:
	case ReadWriteRequest:
		if b.ReadQuantity == 0 || b.ReadQuantity > MaxReadRegisters {
			return fmt.Errorf("read quantity is out of range (1-125): %v", b.ReadQuantity)
		}
		if b.WriteQuantity == 0 || b.WriteQuantity > MaxReadWriteWriteRegisters {
			return fmt.Errorf("write quantity is out of range (1-121): %v", b.WriteQuantity)
		}
		if len(b.Data) != 2*int(b.WriteQuantity) {
			return fmt.Errorf("write data length does not match write quantity: %v", len(b.Data))
		}
	case Exception:
		if b.Code == 0 {
			return errors.New("exception code can not be 0")
		}
	case Raw:
		if len(b.Data) > PDUSizeMax-1 {
			return fmt.Errorf("raw data length is out of range: %v", len(b.Data))
		}
	}
	return nil
}

func validReadQuantity(function uint8, quantity uint16) error {
	switch function {
	case FunctionReadCoils, FunctionReadDiscreteInputs:
		if quantity == 0 || quantity > MaxReadCoils {
			return fmt.Errorf("quantity is out of range (1-2000): %v", quantity)
		}
	default:
		if quantity == 0 || quantity > MaxReadRegisters {
			return fmt.Errorf("quantity is out of range (1-125): %v", quantity)
		}
	}
	return nil
}

func validWriteQuantity(function uint8, quantity uint16) error {
	if function == FunctionWriteMultipleCoils {
		if quantity == 0 || quantity > MaxWriteCoils {
			return fmt.Errorf("quantity is out of range (1-1968): %v", quantity)
		}
		return nil
	}
	if quantity == 0 || quantity > MaxWriteRegisters {
		return fmt.Errorf("quantity is out of range (1-123): %v", quantity)
	}
	return nil
}

func writeDataLength(function uint8, quantity uint16) int {
	if function == FunctionWriteMultipleCoils {
		return (int(quantity) + 7) / 8
	}
	return 2 * int(quantity)
}

// Parse decodes one PDU from the start of data and returns the number of
// bytes it consumed. Payload carrying bodies reference data without copying;
// the caller must consume or copy them before the buffer is reused.
//
// Quantity or byte count violations are reported as plain format errors;
// an unrecognised function code is reported as ErrUnknownFunction with the
// function code preserved in the returned PDU.
func Parse(data []byte, kind Kind) (PDU, int, error) {
	if len(data) < PDUSizeMin {
		return PDU{}, 0, errors.New("data is too short to be a PDU")
	}
	fc := data[0]
	if fc&ExceptionBitmask != 0 {
		return PDU{Function: fc, Body: Exception{Code: data[1]}}, 2, nil
	}

	body := data[1:]
	switch fc {
	case FunctionReadCoils, FunctionReadDiscreteInputs, FunctionReadHoldingRegisters, FunctionReadInputRegisters:
		if kind == KindRequest {
			if len(body) < 4 {
				return PDU{}, 0, errors.New("data is too short for read request")
			}
			b := ReadRequest{
				StartAddress: binary.BigEndian.Uint16(body[0:2]),
				Quantity:     binary.BigEndian.Uint16(body[2:4]),
			}
			if err := validReadQuantity(fc, b.Quantity); err != nil {
				return PDU{}, 0, err
			}
			return PDU{Function: fc, Body: b}, 5, nil
		}
		return parseReadResponse(fc, body)

	case FunctionWriteSingleCoil, FunctionWriteSingleRegister:
		if len(body) < 4 {
			return PDU{}, 0, errors.New("data is too short for write single")
		}
		b := WriteSingle{
			Address: binary.BigEndian.Uint16(body[0:2]),
			Value:   binary.BigEndian.Uint16(body[2:4]),
		}
		return PDU{Function: fc, Body: b}, 5, nil

	case FunctionWriteMultipleCoils, FunctionWriteMultipleRegisters:
		if kind == KindResponse {
			if len(body) < 4 {
				return PDU{}, 0, errors.New("data is too short for write multiple response")
			}
			b := WriteMultipleResponse{
				StartAddress: binary.BigEndian.Uint16(body[0:2]),
				Quantity:     binary.BigEndian.Uint16(body[2:4]),
			}
			if err := validWriteQuantity(fc, b.Quantity); err != nil {
				return PDU{}, 0, err
			}
			return PDU{Function: fc, Body: b}, 5, nil
		}
		if len(body) < 5 {
			return PDU{}, 0, errors.New("data is too short for write multiple request")
		}
		b := WriteMultipleRequest{
			StartAddress: binary.BigEndian.Uint16(body[0:2]),
			Quantity:     binary.BigEndian.Uint16(body[2:4]),
		}
		if err := validWriteQuantity(fc, b.Quantity); err != nil {
			return PDU{}, 0, err
		}
		byteCount := int(body[4])
		if byteCount != writeDataLength(fc, b.Quantity) {
			return PDU{}, 0, errors.New("write multiple byte count does not match quantity")
		}
		if len(body) < 5+byteCount {
			return PDU{}, 0, errors.New("data is too short for write multiple payload")
		}
		b.Data = body[5 : 5+byteCount]
		return PDU{Function: fc, Body: b}, 6 + byteCount, nil

	case FunctionMaskWriteRegister:
		if len(body) < 6 {
			return PDU{}, 0, errors.New("data is too short for mask write")
		}
		b := MaskWrite{
			Address: binary.BigEndian.Uint16(body[0:2]),
			AndMask: binary.BigEndian.Uint16(body[2:4]),
			OrMask:  binary.BigEndian.Uint16(body[4:6]),
		}
		return PDU{Function: fc, Body: b}, 7, nil

	case FunctionReadWriteMultipleRegisters:
		if kind == KindResponse {
			return parseReadResponse(fc, body)
		}
		if len(body) < 9 {
			return PDU{}, 0, errors.New("data is too short for read/write request")
		}
		b := ReadWriteRequest{
			ReadAddress:   binary.BigEndian.Uint16(body[0:2]),
			ReadQuantity:  binary.BigEndian.Uint16(body[2:4]),
			WriteAddress:  binary.BigEndian.Uint16(body[4:6]),
			WriteQuantity: binary.BigEndian.Uint16(body[6:8]),
		}
		if b.ReadQuantity == 0 || b.ReadQuantity > MaxReadRegisters {
			return PDU{}, 0, errors.New("read/write read quantity is out of range")
		}
		if b.WriteQuantity == 0 || b.WriteQuantity > MaxReadWriteWriteRegisters {
			return PDU{}, 0, errors.New("read/write write quantity is out of range")
		}
		byteCount := int(body[8])
		if byteCount != 2*int(b.WriteQuantity) {
			return PDU{}, 0, errors.New("read/write byte count does not match write quantity")
		}
		if len(body) < 9+byteCount {
			return PDU{}, 0, errors.New("data is too short for read/write payload")
		}
		b.Data = body[9 : 9+byteCount]
		return PDU{Function: fc, Body: b}, 10 + byteCount, nil

	case FunctionReadExceptionStatus, FunctionReadServerID:
		return PDU{Function: fc, Body: Raw{Data: body}}, len(data), nil

	default:
		return PDU{Function: fc}, 0, ErrUnknownFunction
	}
}

func parseReadResponse(fc uint8, body []byte) (PDU, int, error) {
	if len(body) < 1 {
		return PDU{}, 0, errors.New("data is too short for read response")
	}
	byteCount := int(body[0])
	if byteCount == 0 || byteCount > 250 {
		return PDU{}, 0, errors.New("read response byte count is out of range")
	}
	if len(body) < 1+byteCount {
		return PDU{}, 0, errors.New("data is too short for read response payload")
	}
	return PDU{Function: fc, Body: ReadResponse{Data: body[1 : 1+byteCount]}}, 2 + byteCount, nil
}

// ReadRequest is the body of fc01-fc04 requests
type ReadRequest struct {
	StartAddress uint16
	Quantity     uint16
}

func (b ReadRequest) size() int { return 4 }

func (b ReadRequest) encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], b.StartAddress)
	binary.BigEndian.PutUint16(dst[2:4], b.Quantity)
}

// ReadResponse is the body of fc01-fc04 responses and the fc23 response.
// Data is a bitmap for bit function codes and big-endian registers for
// register function codes.
type ReadResponse struct {
	Data []byte
}

func (b ReadResponse) size() int { return 1 + len(b.Data) }

func (b ReadResponse) encode(dst []byte) {
	dst[0] = uint8(len(b.Data))
	copy(dst[1:], b.Data)
}

// WriteSingle is the body of fc05/fc06, identical in both directions.
// For fc05 Value is 0xFF00 (on) or 0x0000 (off).
type WriteSingle struct {
	Address uint16
	Value   uint16
}

func (b WriteSingle) size() int { return 4 }

func (b WriteSingle) encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], b.Address)
	binary.BigEndian.PutUint16(dst[2:4], b.Value)
}

// WriteMultipleRequest is the body of fc15/fc16 requests. Data is a bitmap
// for fc15 and big-endian registers for fc16.
type WriteMultipleRequest struct {
	StartAddress uint16
	Quantity     uint16
	Data         []byte
}

func (b WriteMultipleRequest) size() int { return 5 + len(b.Data) }

func (b WriteMultipleRequest) encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], b.StartAddress)
	binary.BigEndian.PutUint16(dst[2:4], b.Quantity)
	dst[4] = uint8(len(b.Data))
	copy(dst[5:], b.Data)
}

// WriteMultipleResponse is the body of fc15/fc16 responses
type WriteMultipleResponse struct {
	StartAddress uint16
	Quantity     uint16
}

func (b WriteMultipleResponse) size() int { return 4 }

func (b WriteMultipleResponse) encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], b.StartAddress)
	binary.BigEndian.PutUint16(dst[2:4], b.Quantity)
}

// MaskWrite is the body of fc22, identical in both directions. The server
// stores (current AND AndMask) OR (OrMask AND NOT AndMask).
type MaskWrite struct {
	Address uint16
	AndMask uint16
	OrMask  uint16
}

func (b MaskWrite) size() int { return 6 }

func (b MaskWrite) encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], b.Address)
	binary.BigEndian.PutUint16(dst[2:4], b.AndMask)
	binary.BigEndian.PutUint16(dst[4:6], b.OrMask)
}

// ReadWriteRequest is the body of fc23 requests. Data carries the registers
// to write in big-endian order. The server performs all writes before reads.
type ReadWriteRequest struct {
	ReadAddress   uint16
	ReadQuantity  uint16
	WriteAddress  uint16
	WriteQuantity uint16
	Data          []byte
}

func (b ReadWriteRequest) size() int { return 9 + len(b.Data) }

func (b ReadWriteRequest) encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], b.ReadAddress)
	binary.BigEndian.PutUint16(dst[2:4], b.ReadQuantity)
	binary.BigEndian.PutUint16(dst[4:6], b.WriteAddress)
	binary.BigEndian.PutUint16(dst[6:8], b.WriteQuantity)
	dst[8] = uint8(len(b.Data))
	copy(dst[9:], b.Data)
}

// Exception is the body of an exception response. On the wire the function
// code carries the exception bit; PDU.Function keeps the raw wire value.
type Exception struct {
	Code uint8
}

func (b Exception) size() int { return 1 }

func (b Exception) encode(dst []byte) {
	dst[0] = b.Code
}

// Raw is the body of function codes the decoder accepts but does not model
// (fc07, fc17). It keeps the remaining PDU bytes as-is.
type Raw struct {
	Data []byte
}

func (b Raw) size() int { return len(b.Data) }

func (b Raw) encode(dst []byte) {
	copy(dst, b.Data)
}
