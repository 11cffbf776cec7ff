package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/young-nights/go-modbus/packet"
	"github.com/young-nights/go-modbus/transport"
)

// Master is a Modbus client: it issues requests to a server and parses the
// replies. An instance is single-request-at-a-time; it owns its backend and
// reuses one frame buffer and one data buffer across operations, so results
// must be copied out before the next call. It performs no locking of its
// own and must be driven by one goroutine.
//
// Every operation returns the count of items delivered or written together
// with a nil error on success. On failure the count is 0 and the error is
// either *CommError (timeout, CRC, malformed or mismatching response) or
// *packet.ExceptionError (the server answered with a Modbus exception).
// Arguments rejected before a request is built (a slice shorter than the
// quantity needs, a register write count outside its limit) yield a plain
// error of neither type.
type Master struct {
	backend  *transport.Backend
	protocol ProtocolType
	unitID   uint8

	// transactionID is incremented before each TCP request and compared
	// against the response. It exists to catch a stale late reply after
	// a previous timeout, not to interleave requests.
	transactionID uint16

	flushBeforeSend bool
	checkUnitID     bool
	checkMBAP       bool
	logger          *slog.Logger

	buf  [packet.TCPFrameMaxLen]byte
	data [256]byte
}

// MasterConfig is configuration for Master
type MasterConfig struct {
	// Protocol selects RTU or TCP framing. Defaults to ProtocolTCP.
	Protocol ProtocolType
	// UnitID is the server address requests are sent to (1..247).
	// Defaults to 1.
	UnitID uint8
	// FlushBeforeSend discards stale inbound bytes before each request
	FlushBeforeSend bool
	// DisableUnitIDCheck stops the master from rejecting responses whose
	// unit address differs from the request
	DisableUnitIDCheck bool
	// DisableMBAPCheck stops the master from rejecting TCP responses
	// whose transaction id, protocol id or length field do not match
	DisableMBAPCheck bool
	// Logger receives debug details of communication failures that the
	// public result collapses into *CommError. Nil disables.
	Logger *slog.Logger
}

// NewMaster creates a master instance over given backend
func NewMaster(backend *transport.Backend, conf MasterConfig) *Master {
	protocol := conf.Protocol
	if protocol == 0 {
		protocol = ProtocolTCP
	}
	unitID := conf.UnitID
	if unitID == 0 {
		unitID = 1
	}
	return &Master{
		backend:         backend,
		protocol:        protocol,
		unitID:          unitID,
		flushBeforeSend: conf.FlushBeforeSend,
		checkUnitID:     !conf.DisableUnitIDCheck,
		checkMBAP:       !conf.DisableMBAPCheck,
		logger:          conf.Logger,
	}
}

// Connect opens the backend channel. Connecting a connected master is a
// no-op.
func (m *Master) Connect() error {
	return m.backend.Open()
}

// Close closes the backend channel
func (m *Master) Close() error {
	return m.backend.Close()
}

// SetUnitID changes the server address subsequent requests are sent to
func (m *Master) SetUnitID(unitID uint8) {
	m.unitID = unitID
}

// SetProtocol changes the framing flavour of subsequent requests
func (m *Master) SetProtocol(protocol ProtocolType) {
	m.protocol = protocol
}

// SetTimeouts changes the acknowledgement and inter-byte timeouts of the
// backend. Takes effect on the next request.
func (m *Master) SetTimeouts(ack time.Duration, interByte time.Duration) {
	m.backend.SetTimeouts(ack, interByte)
}

// ReadBits reads quantity coils (fc01) starting from address. The result
// bitmap is copied into bits, least significant bit of the first byte
// first. Returns the number of bits read.
func (m *Master) ReadBits(address uint16, quantity uint16, bits []byte) (int, error) {
	return m.readBits(packet.FunctionReadCoils, address, quantity, bits)
}

// ReadInputBits reads quantity discrete inputs (fc02) starting from
// address. The result bitmap is copied into bits. Returns the number of
// bits read.
func (m *Master) ReadInputBits(address uint16, quantity uint16, bits []byte) (int, error) {
	return m.readBits(packet.FunctionReadDiscreteInputs, address, quantity, bits)
}

func (m *Master) readBits(function uint8, address uint16, quantity uint16, bits []byte) (int, error) {
	byteLen := (int(quantity) + 7) / 8
	if len(bits) < byteLen {
		return 0, errors.New("bits slice is too short for quantity")
	}
	data, err := m.read(function, address, quantity)
	if err != nil {
		return 0, err
	}
	if len(data) != byteLen {
		return 0, m.failf("response byte count does not match quantity: %v", len(data))
	}
	copy(bits, data)
	return int(quantity), nil
}

// ReadRegs reads quantity holding registers (fc03) starting from address
// into dst. Returns the number of registers read.
func (m *Master) ReadRegs(address uint16, quantity uint16, dst []uint16) (int, error) {
	return m.readRegs(packet.FunctionReadHoldingRegisters, address, quantity, dst)
}

// ReadInputRegs reads quantity input registers (fc04) starting from address
// into dst. Returns the number of registers read.
func (m *Master) ReadInputRegs(address uint16, quantity uint16, dst []uint16) (int, error) {
	return m.readRegs(packet.FunctionReadInputRegisters, address, quantity, dst)
}

func (m *Master) readRegs(function uint8, address uint16, quantity uint16, dst []uint16) (int, error) {
	if len(dst) < int(quantity) {
		return 0, errors.New("destination slice is too short for quantity")
	}
	data, err := m.read(function, address, quantity)
	if err != nil {
		return 0, err
	}
	if len(data) != 2*int(quantity) {
		return 0, m.failf("response byte count does not match quantity: %v", len(data))
	}
	for i := 0; i < int(quantity); i++ {
		dst[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return int(quantity), nil
}

// ReadRegsView reads quantity holding registers (fc03) starting from
// address and returns them as a packet.Registers view for typed value
// extraction. The view is backed by the instance data buffer and is valid
// only until the next operation on this master.
func (m *Master) ReadRegsView(address uint16, quantity uint16) (*packet.Registers, error) {
	data, err := m.read(packet.FunctionReadHoldingRegisters, address, quantity)
	if err != nil {
		return nil, err
	}
	if len(data) != 2*int(quantity) {
		return nil, m.failf("response byte count does not match quantity: %v", len(data))
	}
	copy(m.data[:], data)
	return packet.NewRegisters(m.data[:len(data)], address)
}

func (m *Master) read(function uint8, address uint16, quantity uint16) ([]byte, error) {
	response, err := m.exchange(packet.PDU{
		Function: function,
		Body:     packet.ReadRequest{StartAddress: address, Quantity: quantity},
	})
	if err != nil {
		return nil, err
	}
	body, ok := response.Body.(packet.ReadResponse)
	if !ok || response.Function != function {
		return nil, m.failf("unexpected response function code: %v", response.Function)
	}
	return body.Data, nil
}

// WriteBit writes a single coil (fc05) at address. Returns 1 on success.
func (m *Master) WriteBit(address uint16, value bool) (int, error) {
	val := uint16(0x0000)
	if value {
		val = 0xFF00
	}
	return m.writeSingle(packet.FunctionWriteSingleCoil, address, val)
}

// WriteReg writes a single holding register (fc06) at address. Returns 1
// on success.
func (m *Master) WriteReg(address uint16, value uint16) (int, error) {
	return m.writeSingle(packet.FunctionWriteSingleRegister, address, value)
}

func (m *Master) writeSingle(function uint8, address uint16, value uint16) (int, error) {
	response, err := m.exchange(packet.PDU{
		Function: function,
		Body:     packet.WriteSingle{Address: address, Value: value},
	})
	if err != nil {
		return 0, err
	}
	if _, ok := response.Body.(packet.WriteSingle); !ok || response.Function != function {
		return 0, m.failf("unexpected response function code: %v", response.Function)
	}
	return 1, nil
}

// WriteBits writes quantity coils (fc15) starting from address from the
// bits bitmap, least significant bit of the first byte first. Returns the
// number of coils the server confirmed written.
func (m *Master) WriteBits(address uint16, quantity uint16, bits []byte) (int, error) {
	byteLen := (int(quantity) + 7) / 8
	if len(bits) < byteLen {
		return 0, errors.New("bits slice is too short for quantity")
	}
	return m.writeMultiple(packet.FunctionWriteMultipleCoils, address, quantity, bits[:byteLen])
}

// WriteRegs writes values to consecutive holding registers (fc16) starting
// from address. Returns the number of registers the server confirmed
// written.
func (m *Master) WriteRegs(address uint16, values []uint16) (int, error) {
	if len(values) == 0 || len(values) > int(packet.MaxWriteRegisters) {
		return 0, fmt.Errorf("quantity is out of range (1-123): %v", len(values))
	}
	data := m.data[:2*len(values)]
	for i, value := range values {
		binary.BigEndian.PutUint16(data[2*i:], value)
	}
	return m.writeMultiple(packet.FunctionWriteMultipleRegisters, address, uint16(len(values)), data)
}

func (m *Master) writeMultiple(function uint8, address uint16, quantity uint16, data []byte) (int, error) {
	response, err := m.exchange(packet.PDU{
		Function: function,
		Body:     packet.WriteMultipleRequest{StartAddress: address, Quantity: quantity, Data: data},
	})
	if err != nil {
		return 0, err
	}
	body, ok := response.Body.(packet.WriteMultipleResponse)
	if !ok || response.Function != function {
		return 0, m.failf("unexpected response function code: %v", response.Function)
	}
	return int(body.Quantity), nil
}

// MaskWriteReg modifies bits of a holding register (fc22) at address: the
// server stores (current AND andMask) OR (orMask AND NOT andMask). Returns
// 1 on success.
func (m *Master) MaskWriteReg(address uint16, andMask uint16, orMask uint16) (int, error) {
	response, err := m.exchange(packet.PDU{
		Function: packet.FunctionMaskWriteRegister,
		Body:     packet.MaskWrite{Address: address, AndMask: andMask, OrMask: orMask},
	})
	if err != nil {
		return 0, err
	}
	if _, ok := response.Body.(packet.MaskWrite); !ok || response.Function != packet.FunctionMaskWriteRegister {
		return 0, m.failf("unexpected response function code: %v", response.Function)
	}
	return 1, nil
}

// WriteAndReadRegs writes writeValues starting from writeAddress and reads
// readQuantity registers starting from readAddress in one transaction
// (fc23). The server performs all writes before reads. Read results are
// decoded into dst; returns the number of registers read.
func (m *Master) WriteAndReadRegs(writeAddress uint16, writeValues []uint16, readAddress uint16, readQuantity uint16, dst []uint16) (int, error) {
	if len(writeValues) == 0 || len(writeValues) > int(packet.MaxReadWriteWriteRegisters) {
		return 0, fmt.Errorf("write quantity is out of range (1-121): %v", len(writeValues))
	}
	if len(dst) < int(readQuantity) {
		return 0, errors.New("destination slice is too short for read quantity")
	}
	data := m.data[:2*len(writeValues)]
	for i, value := range writeValues {
		binary.BigEndian.PutUint16(data[2*i:], value)
	}
	response, err := m.exchange(packet.PDU{
		Function: packet.FunctionReadWriteMultipleRegisters,
		Body: packet.ReadWriteRequest{
			ReadAddress:   readAddress,
			ReadQuantity:  readQuantity,
			WriteAddress:  writeAddress,
			WriteQuantity: uint16(len(writeValues)),
			Data:          data,
		},
	})
	if err != nil {
		return 0, err
	}
	body, ok := response.Body.(packet.ReadResponse)
	if !ok || response.Function != packet.FunctionReadWriteMultipleRegisters {
		return 0, m.failf("unexpected response function code: %v", response.Function)
	}
	if len(body.Data) != 2*int(readQuantity) {
		return 0, m.failf("response byte count does not match read quantity: %v", len(body.Data))
	}
	for i := 0; i < int(readQuantity); i++ {
		dst[i] = binary.BigEndian.Uint16(body.Data[2*i:])
	}
	return int(readQuantity), nil
}

// exchange performs one request/response cycle: frame the PDU, send it,
// collect one inbound frame, verify it belongs to this request and unwrap
// the response PDU or the server exception.
func (m *Master) exchange(request packet.PDU) (packet.PDU, error) {
	switch m.protocol {
	case ProtocolRTU:
		return m.exchangeRTU(request)
	case ProtocolTCP:
		return m.exchangeTCP(request)
	}
	return packet.PDU{}, m.failf("unknown protocol type: %v", m.protocol)
}

func (m *Master) exchangeRTU(request packet.PDU) (packet.PDU, error) {
	frame := packet.RTUFrame{UnitID: m.unitID, PDU: request}
	n, err := frame.Encode(m.buf[:])
	if err != nil {
		return packet.PDU{}, &CommError{Err: err}
	}
	if err := m.send(m.buf[:n]); err != nil {
		return packet.PDU{}, err
	}

	rlen, err := m.readFrame(m.buf[:packet.RTUFrameMaxLen])
	if err != nil {
		return packet.PDU{}, err
	}
	response, err := packet.ParseRTUFrame(m.buf[:rlen], packet.KindResponse)
	if err != nil {
		return packet.PDU{}, m.fail("invalid response frame", err)
	}
	if m.checkUnitID && response.UnitID != m.unitID {
		return packet.PDU{}, m.failf("response unit id does not match request: %v", response.UnitID)
	}
	return unwrapException(response.PDU)
}

func (m *Master) exchangeTCP(request packet.PDU) (packet.PDU, error) {
	m.transactionID++
	tid := m.transactionID
	frame := packet.TCPFrame{
		MBAPHeader: packet.MBAPHeader{TransactionID: tid, ProtocolID: 0x0000, UnitID: m.unitID},
		PDU:        request,
	}
	n, err := frame.Encode(m.buf[:])
	if err != nil {
		return packet.PDU{}, &CommError{Err: err}
	}
	if err := m.send(m.buf[:n]); err != nil {
		return packet.PDU{}, err
	}

	rlen, err := m.readFrame(m.buf[:])
	if err != nil {
		return packet.PDU{}, err
	}
	response, pduLen, err := packet.ParseTCPFrame(m.buf[:rlen], packet.KindResponse)
	if err != nil {
		return packet.PDU{}, m.fail("invalid response frame", err)
	}
	if m.checkUnitID && response.UnitID != m.unitID {
		return packet.PDU{}, m.failf("response unit id does not match request: %v", response.UnitID)
	}
	if m.checkMBAP {
		if response.TransactionID != tid {
			return packet.PDU{}, m.failf("response transaction id does not match request: %v", response.TransactionID)
		}
		if response.ProtocolID != 0x0000 {
			return packet.PDU{}, m.failf("response protocol id is not 0: %v", response.ProtocolID)
		}
		if int(response.Length) != pduLen+1 {
			return packet.PDU{}, m.failf("response length field does not match PDU: %v", response.Length)
		}
	}
	return unwrapException(response.PDU)
}

func (m *Master) send(frame []byte) error {
	if m.flushBeforeSend {
		_ = m.backend.Flush()
	}
	if err := m.backend.WriteFrame(frame); err != nil {
		return m.fail("sending request failed", err)
	}
	return nil
}

func (m *Master) readFrame(buf []byte) (int, error) {
	rlen, err := m.backend.ReadFrame(buf)
	if err != nil {
		return 0, m.fail("receiving response failed", err)
	}
	if rlen == 0 {
		return 0, m.fail("receiving response failed", ErrNoResponse)
	}
	return rlen, nil
}

func unwrapException(response packet.PDU) (packet.PDU, error) {
	if exception, ok := response.Body.(packet.Exception); ok {
		return response, packet.NewExceptionError(response.Function, exception.Code)
	}
	return response, nil
}

func (m *Master) fail(msg string, err error) *CommError {
	if m.logger != nil {
		m.logger.Debug(msg, "err", err)
	}
	return &CommError{Err: err}
}

func (m *Master) failf(format string, args ...any) *CommError {
	return m.fail("communication failure", fmt.Errorf(format, args...))
}
