package modbus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/young-nights/go-modbus/modbustest"
	"github.com/young-nights/go-modbus/packet"
	"github.com/young-nights/go-modbus/transport"
)

// registerBank is a simple callback set backed by maps, the shape a real
// application would wire into a slave
type registerBank struct {
	coils    map[uint16]bool
	discrete map[uint16]bool
	holding  map[uint16]uint16
	input    map[uint16]uint16

	writeOrder []string // records callback invocation order for fc23
}

func newRegisterBank() *registerBank {
	return &registerBank{
		coils:    map[uint16]bool{},
		discrete: map[uint16]bool{},
		holding:  map[uint16]uint16{},
		input:    map[uint16]uint16{},
	}
}

func (b *registerBank) callbacks() Callbacks {
	return Callbacks{
		ReadDiscreteInput: func(address uint16) (bool, error) {
			value, ok := b.discrete[address]
			if !ok {
				return false, packet.NewExceptionError(0, packet.ErrIllegalDataAddress)
			}
			return value, nil
		},
		ReadCoil: func(address uint16) (bool, error) {
			value, ok := b.coils[address]
			if !ok {
				return false, packet.NewExceptionError(0, packet.ErrIllegalDataAddress)
			}
			return value, nil
		},
		WriteCoil: func(address uint16, value bool) error {
			b.coils[address] = value
			return nil
		},
		ReadInputRegister: func(address uint16) (uint16, error) {
			value, ok := b.input[address]
			if !ok {
				return 0, packet.NewExceptionError(0, packet.ErrIllegalDataAddress)
			}
			return value, nil
		},
		ReadHoldingRegister: func(address uint16) (uint16, error) {
			value, ok := b.holding[address]
			if !ok {
				return 0, packet.NewExceptionError(0, packet.ErrIllegalDataAddress)
			}
			b.writeOrder = append(b.writeOrder, "read")
			return value, nil
		},
		WriteHoldingRegister: func(address uint16, value uint16) error {
			b.holding[address] = value
			b.writeOrder = append(b.writeOrder, "write")
			return nil
		},
	}
}

func newTestSlave(t *testing.T, protocol ProtocolType, cb Callbacks) (*Slave, *modbustest.ScriptPort) {
	t.Helper()

	port := modbustest.NewScriptPort()
	slave := NewSlave(transport.NewBackend(port), SlaveConfig{
		Protocol:  protocol,
		UnitID:    1,
		Callbacks: cb,
	})
	slave.SetTimeouts(20*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, slave.Connect())
	return slave, port
}

func serveOne(t *testing.T, slave *Slave, port *modbustest.ScriptPort, request []byte) [][]byte {
	t.Helper()

	port.Feed(request)
	require.NoError(t, slave.Poll())
	return port.Writes
}

func TestSlave_readCoils_rtu(t *testing.T) {
	bank := newRegisterBank()
	bank.coils[2] = true
	bank.coils[3] = false
	bank.coils[4] = true
	slave, port := newTestSlave(t, ProtocolRTU, bank.callbacks())

	writes := serveOne(t, slave, port, []byte{0x01, 0x01, 0x00, 0x02, 0x00, 0x03, 0xDD, 0xCB})

	assert.Equal(t, [][]byte{{0x01, 0x01, 0x01, 0x05, 0x91, 0x8B}}, writes)
}

func TestSlave_writeSingleCoilIllegalValue_rtu(t *testing.T) {
	// value 0x0001 is neither 0x0000 nor 0xFF00 so the slave answers
	// with an Illegal Data Value exception
	slave, port := newTestSlave(t, ProtocolRTU, newRegisterBank().callbacks())

	writes := serveOne(t, slave, port, []byte{0x01, 0x05, 0x00, 0xAC, 0x00, 0x01, 0xCC, 0x2B})

	assert.Equal(t, [][]byte{{0x01, 0x85, 0x03, 0x02, 0x91}}, writes)
}

func TestSlave_maskWriteRegister_rtu(t *testing.T) {
	bank := newRegisterBank()
	bank.holding[4] = 0x12
	slave, port := newTestSlave(t, ProtocolRTU, bank.callbacks())

	writes := serveOne(t, slave, port, []byte{0x01, 0x16, 0x00, 0x04, 0x00, 0xF2, 0x00, 0x25, 0x67, 0xEE})

	// (0x12 & 0xF2) | (0x25 & ^0xF2) = 0x17, reply echoes the request
	assert.Equal(t, uint16(0x17), bank.holding[4])
	assert.Equal(t, [][]byte{{0x01, 0x16, 0x00, 0x04, 0x00, 0xF2, 0x00, 0x25, 0x67, 0xEE}}, writes)
}

func TestSlave_writeSingleRegister_rtu(t *testing.T) {
	bank := newRegisterBank()
	slave, port := newTestSlave(t, ProtocolRTU, bank.callbacks())

	writes := serveOne(t, slave, port, []byte{0x01, 0x06, 0x00, 0x6B, 0x00, 0x01, 0x39, 0xD6})

	assert.Equal(t, uint16(1), bank.holding[0x6B])
	assert.Equal(t, [][]byte{{0x01, 0x06, 0x00, 0x6B, 0x00, 0x01, 0x39, 0xD6}}, writes)
}

func TestSlave_writeMultipleRegisters_rtu(t *testing.T) {
	bank := newRegisterBank()
	slave, port := newTestSlave(t, ProtocolRTU, bank.callbacks())

	writes := serveOne(t, slave, port,
		[]byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02, 0x92, 0x30},
	)

	assert.Equal(t, uint16(0x000A), bank.holding[1])
	assert.Equal(t, uint16(0x0102), bank.holding[2])
	assert.Equal(t, [][]byte{{0x01, 0x10, 0x00, 0x01, 0x00, 0x02, 0x10, 0x08}}, writes)
}

func TestSlave_writeMultipleCoils_rtu(t *testing.T) {
	bank := newRegisterBank()
	slave, port := newTestSlave(t, ProtocolRTU, bank.callbacks())

	writes := serveOne(t, slave, port,
		[]byte{0x01, 0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01, 0x72, 0xCB},
	)

	// bitmap 0xCD 0x01 lsb first: on off on on off off on on | on off
	assert.Equal(t, true, bank.coils[0x13])
	assert.Equal(t, false, bank.coils[0x14])
	assert.Equal(t, true, bank.coils[0x16])
	assert.Equal(t, true, bank.coils[0x1B])
	assert.Equal(t, false, bank.coils[0x1C])
	assert.Equal(t, [][]byte{{0x01, 0x0F, 0x00, 0x13, 0x00, 0x0A, 0x24, 0x09}}, writes)
}

func TestSlave_writeAndReadRegs_writesObservedBeforeReads(t *testing.T) {
	bank := newRegisterBank()
	bank.holding[0] = 0xFFFF
	bank.holding[1] = 0xFFFF
	slave, port := newTestSlave(t, ProtocolRTU, bank.callbacks())

	// write registers 0..1 with 10, 20 and read the same addresses in
	// one transaction; the read part must observe the written values
	writes := serveOne(t, slave, port,
		[]byte{0x01, 0x17, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x00, 0x14, 0xE7, 0x4D},
	)

	assert.Equal(t, [][]byte{{0x01, 0x17, 0x04, 0x00, 0x0A, 0x00, 0x14, 0xD9, 0x2A}}, writes)
	assert.Equal(t, []string{"write", "write", "read", "read"}, bank.writeOrder)
}

func TestSlave_writeAndReadRegs_failingWriteAbortsBeforeReads(t *testing.T) {
	order := make([]string, 0)
	cb := Callbacks{
		ReadHoldingRegister: func(address uint16) (uint16, error) {
			order = append(order, "read")
			return 0, nil
		},
		WriteHoldingRegister: func(address uint16, value uint16) error {
			order = append(order, "write")
			return packet.NewExceptionError(0, packet.ErrIllegalDataAddress)
		},
	}
	slave, port := newTestSlave(t, ProtocolRTU, cb)

	writes := serveOne(t, slave, port,
		[]byte{0x01, 0x17, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x00, 0x14, 0xE7, 0x4D},
	)

	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x01, 0x97, 0x02}, writes[0][:3])
	assert.Equal(t, []string{"write"}, order)
}

func TestSlave_malformedFrameIsDroppedSilently(t *testing.T) {
	slave, port := newTestSlave(t, ProtocolRTU, newRegisterBank().callbacks())

	writes := serveOne(t, slave, port, []byte{0x01, 0x03, 0x00, 0x6B, 0x00, 0x03, 0xFF, 0xFF})

	assert.Empty(t, writes)
}

func TestSlave_foreignUnitIsDroppedSilently(t *testing.T) {
	slave, port := newTestSlave(t, ProtocolRTU, newRegisterBank().callbacks())

	writes := serveOne(t, slave, port, []byte{0x02, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x74, 0x24})

	assert.Empty(t, writes)
}

func TestSlave_unsupportedFunctionCode_rtu(t *testing.T) {
	slave, port := newTestSlave(t, ProtocolRTU, newRegisterBank().callbacks())

	writes := serveOne(t, slave, port, []byte{0x01, 0x2B, 0x00, 0x3E, 0xF0})

	assert.Equal(t, [][]byte{{0x01, 0xAB, 0x01, 0x9E, 0xF0}}, writes)
}

func TestSlave_missingCallbackIsServerFailure(t *testing.T) {
	// no ReadInputRegister callback registered
	slave, port := newTestSlave(t, ProtocolRTU, Callbacks{})

	writes := serveOne(t, slave, port, []byte{0x01, 0x04, 0x00, 0x08, 0x00, 0x01, 0xB0, 0x08})

	assert.Equal(t, [][]byte{{0x01, 0x84, 0x04, 0x42, 0xC3}}, writes)
}

func TestSlave_callbackExceptionCodeIsSentBack(t *testing.T) {
	// register bank holds nothing so the read callback reports an
	// illegal data address
	slave, port := newTestSlave(t, ProtocolRTU, newRegisterBank().callbacks())

	writes := serveOne(t, slave, port, []byte{0x01, 0x03, 0x00, 0x63, 0x00, 0x01, 0x74, 0x14})

	assert.Equal(t, [][]byte{{0x01, 0x83, 0x02, 0xC0, 0xF1}}, writes)
}

func TestSlave_plainCallbackErrorIsServerFailure(t *testing.T) {
	cb := Callbacks{
		ReadInputRegister: func(address uint16) (uint16, error) {
			return 0, errors.New("sensor is offline")
		},
	}
	slave, port := newTestSlave(t, ProtocolRTU, cb)

	writes := serveOne(t, slave, port, []byte{0x01, 0x04, 0x00, 0x08, 0x00, 0x01, 0xB0, 0x08})

	assert.Equal(t, [][]byte{{0x01, 0x84, 0x04, 0x42, 0xC3}}, writes)
}

func TestSlave_readInputRegisters_rtu(t *testing.T) {
	bank := newRegisterBank()
	bank.input[8] = 42
	slave, port := newTestSlave(t, ProtocolRTU, bank.callbacks())

	writes := serveOne(t, slave, port, []byte{0x01, 0x04, 0x00, 0x08, 0x00, 0x01, 0xB0, 0x08})

	assert.Equal(t, [][]byte{{0x01, 0x04, 0x02, 0x00, 0x2A, 0x38, 0xEF}}, writes)
}

func TestSlave_readHoldingRegisters_tcp(t *testing.T) {
	bank := newRegisterBank()
	bank.holding[0] = 10
	bank.holding[1] = 20
	slave, port := newTestSlave(t, ProtocolTCP, bank.callbacks())

	writes := serveOne(t, slave, port,
		[]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02},
	)

	// response reuses the request transaction id and unit id
	assert.Equal(t, [][]byte{{0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x00, 0x0A, 0x00, 0x14}}, writes)
}

func TestSlave_tcpBroadcastUnitIsServed(t *testing.T) {
	bank := newRegisterBank()
	bank.holding[0] = 10
	bank.holding[1] = 20
	slave, port := newTestSlave(t, ProtocolTCP, bank.callbacks())

	writes := serveOne(t, slave, port,
		[]byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0xFF, 0x03, 0x00, 0x00, 0x00, 0x02},
	)

	assert.Equal(t, [][]byte{{0x00, 0x02, 0x00, 0x00, 0x00, 0x07, 0xFF, 0x03, 0x04, 0x00, 0x0A, 0x00, 0x14}}, writes)
}

func TestSlave_tcpForeignUnitIsDropped(t *testing.T) {
	slave, port := newTestSlave(t, ProtocolTCP, newRegisterBank().callbacks())

	writes := serveOne(t, slave, port,
		[]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x05, 0x03, 0x00, 0x00, 0x00, 0x02},
	)

	assert.Empty(t, writes)
}

func TestSlave_tcpNonZeroProtocolIDIsDropped(t *testing.T) {
	slave, port := newTestSlave(t, ProtocolTCP, newRegisterBank().callbacks())

	writes := serveOne(t, slave, port,
		[]byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02},
	)

	assert.Empty(t, writes)
}

func TestSlave_tcpExceptionResponse(t *testing.T) {
	// empty bank: reading address 99 reports illegal data address
	slave, port := newTestSlave(t, ProtocolTCP, newRegisterBank().callbacks())

	writes := serveOne(t, slave, port,
		[]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x63, 0x00, 0x01},
	)

	assert.Equal(t, [][]byte{{0x00, 0x01, 0x00, 0x00, 0x00, 0x03, 0x01, 0x83, 0x02}}, writes)
}

func TestSlave_pollWithoutTrafficIsQuiet(t *testing.T) {
	slave, port := newTestSlave(t, ProtocolRTU, newRegisterBank().callbacks())

	require.NoError(t, slave.Poll())

	assert.Empty(t, port.Writes)
}
