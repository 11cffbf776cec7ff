package modbus

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/young-nights/go-modbus/packet"
	"github.com/young-nights/go-modbus/transport"
)

// Callbacks is the data access table of a slave. Every entry is optional;
// a request whose handler needs a missing callback is answered with a
// Server Failure exception.
//
// A callback signals a Modbus exception by returning *packet.ExceptionError
// with the code to raise (usually ErrIllegalDataAddress or
// ErrIllegalDataValue). Any other error is reported as Server Failure.
type Callbacks struct {
	// ReadDiscreteInput returns the state of a read-only 1 bit input (fc02)
	ReadDiscreteInput func(address uint16) (bool, error)
	// ReadCoil returns the state of a 1 bit output (fc01)
	ReadCoil func(address uint16) (bool, error)
	// WriteCoil sets a 1 bit output (fc05, fc15)
	WriteCoil func(address uint16, value bool) error
	// ReadInputRegister returns a read-only 16 bit register (fc04)
	ReadInputRegister func(address uint16) (uint16, error)
	// ReadHoldingRegister returns a 16 bit register (fc03, fc22, fc23)
	ReadHoldingRegister func(address uint16) (uint16, error)
	// WriteHoldingRegister sets a 16 bit register (fc06, fc16, fc22, fc23)
	WriteHoldingRegister func(address uint16, value uint16) error
}

// Slave is a Modbus server engine over an already connected byte stream:
// it decodes one inbound frame at a time, dispatches by function code to
// the callback table and sends back a normal or an exception response.
// No request state outlives a transaction.
//
// Malformed frames and frames addressed to another unit are dropped
// without an answer, so a flood of garbage can not be amplified into a
// flood of exceptions.
type Slave struct {
	backend  *transport.Backend
	protocol ProtocolType
	unitID   uint8
	cb       Callbacks
	logger   *slog.Logger

	buf  [packet.TCPFrameMaxLen]byte
	data [256]byte
}

// SlaveConfig is configuration for Slave
type SlaveConfig struct {
	// Protocol selects RTU or TCP framing. Defaults to ProtocolTCP.
	Protocol ProtocolType
	// UnitID is the address this slave answers to (1..247). A TCP slave
	// additionally answers requests addressed to UnitIDBroadcast (0xFF).
	// Defaults to 1.
	UnitID uint8
	// Callbacks back the four data address spaces
	Callbacks Callbacks
	// Logger receives debug details of dropped frames. Nil disables.
	Logger *slog.Logger
}

// NewSlave creates a slave instance over given backend
func NewSlave(backend *transport.Backend, conf SlaveConfig) *Slave {
	protocol := conf.Protocol
	if protocol == 0 {
		protocol = ProtocolTCP
	}
	unitID := conf.UnitID
	if unitID == 0 {
		unitID = 1
	}
	return &Slave{
		backend:  backend,
		protocol: protocol,
		unitID:   unitID,
		cb:       conf.Callbacks,
		logger:   conf.Logger,
	}
}

// SetCallbacks replaces the data access table
func (s *Slave) SetCallbacks(cb Callbacks) {
	s.cb = cb
}

// SetUnitID changes the address this slave answers to
func (s *Slave) SetUnitID(unitID uint8) {
	s.unitID = unitID
}

// SetProtocol changes the framing flavour this slave expects
func (s *Slave) SetProtocol(protocol ProtocolType) {
	s.protocol = protocol
}

// SetTimeouts changes the acknowledgement and inter-byte timeouts of the
// backend. Takes effect on the next Poll.
func (s *Slave) SetTimeouts(ack time.Duration, interByte time.Duration) {
	s.backend.SetTimeouts(ack, interByte)
}

// Connect opens the backend channel. Connecting a connected slave is a
// no-op.
func (s *Slave) Connect() error {
	return s.backend.Open()
}

// Close closes the backend channel
func (s *Slave) Close() error {
	return s.backend.Close()
}

// Poll runs one receive/dispatch/respond transaction. Call it in a loop
// from the goroutine that owns this slave. It returns nil both after a
// served transaction and when nothing arrived before the acknowledgement
// timeout; an error means the transport failed or the backend is not open.
// Poll does not open the backend: call Connect first, and again to reopen
// after a transport failure.
func (s *Slave) Poll() error {
	frameMax := packet.RTUFrameMaxLen
	if s.protocol == ProtocolTCP {
		frameMax = packet.TCPFrameMaxLen
	}
	n, err := s.backend.ReadFrame(s.buf[:frameMax])
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	response := s.handle(s.buf[:n])
	if response == nil {
		return nil
	}
	return s.backend.WriteFrame(response)
}

// handle processes one inbound frame and returns the encoded response, or
// nil when the frame is to be dropped silently.
func (s *Slave) handle(frame []byte) []byte {
	switch s.protocol {
	case ProtocolRTU:
		return s.handleRTU(frame)
	case ProtocolTCP:
		return s.handleTCP(frame)
	}
	return nil
}

func (s *Slave) handleRTU(data []byte) []byte {
	frame, err := packet.ParseRTUFrame(data, packet.KindRequest)
	if err != nil && !errors.Is(err, packet.ErrUnknownFunction) {
		s.drop("malformed frame", err)
		return nil
	}
	if frame.UnitID != s.unitID {
		return nil
	}

	var response packet.PDU
	if err != nil {
		response = packet.PDU{Function: frame.PDU.Function, Body: packet.Exception{Code: packet.ErrIllegalFunction}}
	} else {
		response = s.dispatch(frame.PDU)
	}

	out := packet.RTUFrame{UnitID: frame.UnitID, PDU: response}
	n, err := out.Encode(s.buf[:])
	if err != nil {
		s.drop("encoding response failed", err)
		return nil
	}
	return s.buf[:n]
}

func (s *Slave) handleTCP(data []byte) []byte {
	frame, _, err := packet.ParseTCPFrame(data, packet.KindRequest)
	if err != nil && !errors.Is(err, packet.ErrUnknownFunction) {
		s.drop("malformed frame", err)
		return nil
	}
	if frame.UnitID != UnitIDBroadcast && frame.UnitID != s.unitID {
		return nil
	}
	if frame.ProtocolID != 0x0000 {
		s.drop("unexpected protocol id", nil)
		return nil
	}

	var response packet.PDU
	if err != nil {
		response = packet.PDU{Function: frame.PDU.Function, Body: packet.Exception{Code: packet.ErrIllegalFunction}}
	} else {
		response = s.dispatch(frame.PDU)
	}

	// response reuses the transaction id, protocol id and unit id of the
	// request; the length field is recomputed by Encode
	out := packet.TCPFrame{
		MBAPHeader: packet.MBAPHeader{
			TransactionID: frame.TransactionID,
			ProtocolID:    frame.ProtocolID,
			UnitID:        frame.UnitID,
		},
		PDU: response,
	}
	n, err := out.Encode(s.buf[:])
	if err != nil {
		s.drop("encoding response failed", err)
		return nil
	}
	return s.buf[:n]
}

// dispatch routes a request PDU to its handler and shapes the outcome into
// a normal or an exception response PDU.
func (s *Slave) dispatch(request packet.PDU) packet.PDU {
	var body packet.Body
	var exception uint8
	switch request.Function {
	case packet.FunctionReadCoils:
		body, exception = s.readBits(request, s.cb.ReadCoil)
	case packet.FunctionReadDiscreteInputs:
		body, exception = s.readBits(request, s.cb.ReadDiscreteInput)
	case packet.FunctionReadHoldingRegisters:
		body, exception = s.readRegisters(request, s.cb.ReadHoldingRegister)
	case packet.FunctionReadInputRegisters:
		body, exception = s.readRegisters(request, s.cb.ReadInputRegister)
	case packet.FunctionWriteSingleCoil:
		body, exception = s.writeCoil(request)
	case packet.FunctionWriteSingleRegister:
		body, exception = s.writeRegister(request)
	case packet.FunctionWriteMultipleCoils:
		body, exception = s.writeCoils(request)
	case packet.FunctionWriteMultipleRegisters:
		body, exception = s.writeRegisters(request)
	case packet.FunctionMaskWriteRegister:
		body, exception = s.maskWrite(request)
	case packet.FunctionReadWriteMultipleRegisters:
		body, exception = s.writeAndRead(request)
	default:
		// fc07 and fc17 parse but are not served by this engine
		body, exception = nil, packet.ErrIllegalFunction
	}
	if exception != 0 {
		return packet.PDU{Function: request.Function, Body: packet.Exception{Code: exception}}
	}
	return packet.PDU{Function: request.Function, Body: body}
}

func (s *Slave) readBits(request packet.PDU, read func(uint16) (bool, error)) (packet.Body, uint8) {
	if read == nil {
		return nil, packet.ErrServerFailure
	}
	req, ok := request.Body.(packet.ReadRequest)
	if !ok {
		return nil, packet.ErrIllegalDataValue
	}
	count := int(req.Quantity)
	byteLen := (count + 7) / 8
	for i := 0; i < byteLen; i++ {
		s.data[i] = 0
	}
	for i := 0; i < count; i++ {
		bit, err := read(req.StartAddress + uint16(i))
		if err != nil {
			return nil, exceptionCode(err)
		}
		packet.BitmapSet(s.data[:], i, bit)
	}
	return packet.ReadResponse{Data: s.data[:byteLen]}, 0
}

func (s *Slave) readRegisters(request packet.PDU, read func(uint16) (uint16, error)) (packet.Body, uint8) {
	if read == nil {
		return nil, packet.ErrServerFailure
	}
	req, ok := request.Body.(packet.ReadRequest)
	if !ok {
		return nil, packet.ErrIllegalDataValue
	}
	count := int(req.Quantity)
	for i := 0; i < count; i++ {
		value, err := read(req.StartAddress + uint16(i))
		if err != nil {
			return nil, exceptionCode(err)
		}
		binary.BigEndian.PutUint16(s.data[2*i:], value)
	}
	return packet.ReadResponse{Data: s.data[:2*count]}, 0
}

func (s *Slave) writeCoil(request packet.PDU) (packet.Body, uint8) {
	if s.cb.WriteCoil == nil {
		return nil, packet.ErrServerFailure
	}
	req, ok := request.Body.(packet.WriteSingle)
	if !ok {
		return nil, packet.ErrIllegalDataValue
	}
	if req.Value != 0xFF00 && req.Value != 0x0000 {
		return nil, packet.ErrIllegalDataValue
	}
	if err := s.cb.WriteCoil(req.Address, req.Value == 0xFF00); err != nil {
		return nil, exceptionCode(err)
	}
	return req, 0 // response echoes the request
}

func (s *Slave) writeRegister(request packet.PDU) (packet.Body, uint8) {
	if s.cb.WriteHoldingRegister == nil {
		return nil, packet.ErrServerFailure
	}
	req, ok := request.Body.(packet.WriteSingle)
	if !ok {
		return nil, packet.ErrIllegalDataValue
	}
	if err := s.cb.WriteHoldingRegister(req.Address, req.Value); err != nil {
		return nil, exceptionCode(err)
	}
	return req, 0 // response echoes the request
}

func (s *Slave) writeCoils(request packet.PDU) (packet.Body, uint8) {
	if s.cb.WriteCoil == nil {
		return nil, packet.ErrServerFailure
	}
	req, ok := request.Body.(packet.WriteMultipleRequest)
	if !ok {
		return nil, packet.ErrIllegalDataValue
	}
	for i := 0; i < int(req.Quantity); i++ {
		bit := packet.BitmapGet(req.Data, i)
		if err := s.cb.WriteCoil(req.StartAddress+uint16(i), bit); err != nil {
			return nil, exceptionCode(err)
		}
	}
	return packet.WriteMultipleResponse{StartAddress: req.StartAddress, Quantity: req.Quantity}, 0
}

func (s *Slave) writeRegisters(request packet.PDU) (packet.Body, uint8) {
	if s.cb.WriteHoldingRegister == nil {
		return nil, packet.ErrServerFailure
	}
	req, ok := request.Body.(packet.WriteMultipleRequest)
	if !ok {
		return nil, packet.ErrIllegalDataValue
	}
	for i := 0; i < int(req.Quantity); i++ {
		value := binary.BigEndian.Uint16(req.Data[2*i:])
		if err := s.cb.WriteHoldingRegister(req.StartAddress+uint16(i), value); err != nil {
			return nil, exceptionCode(err)
		}
	}
	return packet.WriteMultipleResponse{StartAddress: req.StartAddress, Quantity: req.Quantity}, 0
}

func (s *Slave) maskWrite(request packet.PDU) (packet.Body, uint8) {
	if s.cb.ReadHoldingRegister == nil || s.cb.WriteHoldingRegister == nil {
		return nil, packet.ErrServerFailure
	}
	req, ok := request.Body.(packet.MaskWrite)
	if !ok {
		return nil, packet.ErrIllegalDataValue
	}
	current, err := s.cb.ReadHoldingRegister(req.Address)
	if err != nil {
		return nil, exceptionCode(err)
	}
	value := (current & req.AndMask) | (req.OrMask &^ req.AndMask)
	if err := s.cb.WriteHoldingRegister(req.Address, value); err != nil {
		return nil, exceptionCode(err)
	}
	return req, 0 // response echoes the request
}

func (s *Slave) writeAndRead(request packet.PDU) (packet.Body, uint8) {
	if s.cb.ReadHoldingRegister == nil || s.cb.WriteHoldingRegister == nil {
		return nil, packet.ErrServerFailure
	}
	req, ok := request.Body.(packet.ReadWriteRequest)
	if !ok {
		return nil, packet.ErrIllegalDataValue
	}
	// all writes happen before any read; a failing write aborts the
	// transaction before reads begin
	for i := 0; i < int(req.WriteQuantity); i++ {
		value := binary.BigEndian.Uint16(req.Data[2*i:])
		if err := s.cb.WriteHoldingRegister(req.WriteAddress+uint16(i), value); err != nil {
			return nil, exceptionCode(err)
		}
	}
	count := int(req.ReadQuantity)
	for i := 0; i < count; i++ {
		value, err := s.cb.ReadHoldingRegister(req.ReadAddress + uint16(i))
		if err != nil {
			return nil, exceptionCode(err)
		}
		binary.BigEndian.PutUint16(s.data[2*i:], value)
	}
	return packet.ReadResponse{Data: s.data[:2*count]}, 0
}

// exceptionCode maps a callback error to the exception code sent back to
// the master
func exceptionCode(err error) uint8 {
	var exception *packet.ExceptionError
	if errors.As(err, &exception) && exception.Code != 0 {
		return exception.Code
	}
	return packet.ErrServerFailure
}

func (s *Slave) drop(msg string, err error) {
	if s.logger != nil {
		s.logger.Debug(msg, "err", err)
	}
}
