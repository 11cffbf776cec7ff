package transport

import (
	"time"

	"github.com/goburrow/serial"
)

// Parity values for SerialConfig
const (
	ParityNone = "N"
	ParityEven = "E"
	ParityOdd  = "O"
)

const defaultSerialPoll = 5 * time.Millisecond

// SerialConfig is configuration for a serial (RTU) port
type SerialConfig struct {
	// Device is the serial device name, e.g. "/dev/ttyUSB0"
	Device string
	// BaudRate defaults to 19200
	BaudRate int
	// DataBits defaults to 8
	DataBits int
	// StopBits defaults to 1
	StopBits int
	// Parity is ParityNone, ParityEven or ParityOdd. Defaults to ParityNone.
	Parity string
	// RS485 enables driver-enable direction control around writes on
	// half-duplex RS-485 links. Direction switching happens in the
	// driver; the core never sees it.
	RS485 serial.RS485Config
	// PollInterval bounds how long a single Read may block waiting for
	// bytes. Defaults to 5ms. The frame timers live above this in
	// Backend.ReadFrame.
	PollInterval time.Duration
}

// SerialPort is a Port over a serial device
type SerialPort struct {
	config serial.Config
	port   serial.Port
}

// NewSerialPort creates a serial Port for given configuration. The device
// is not touched until Open is called.
func NewSerialPort(conf SerialConfig) *SerialPort {
	baudRate := conf.BaudRate
	if baudRate == 0 {
		baudRate = 19200
	}
	dataBits := conf.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	stopBits := conf.StopBits
	if stopBits == 0 {
		stopBits = 1
	}
	parity := conf.Parity
	if parity == "" {
		parity = ParityNone
	}
	poll := conf.PollInterval
	if poll <= 0 {
		poll = defaultSerialPoll
	}
	return &SerialPort{
		config: serial.Config{
			Address:  conf.Device,
			BaudRate: baudRate,
			DataBits: dataBits,
			StopBits: stopBits,
			Parity:   parity,
			Timeout:  poll,
			RS485:    conf.RS485,
		},
	}
}

// Open opens the serial device. Opening an open port is a no-op.
func (p *SerialPort) Open() error {
	if p.port != nil {
		return nil
	}
	port, err := serial.Open(&p.config)
	if err != nil {
		return err
	}
	p.port = port
	return nil
}

// Close closes the serial device. Closing a closed port is a no-op.
func (p *SerialPort) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// Read reads available bytes. A poll interval timeout is not an error, it
// is reported as "nothing right now".
func (p *SerialPort) Read(buf []byte) (int, error) {
	if p.port == nil {
		return 0, ErrNotOpen
	}
	n, err := p.port.Read(buf)
	if err == serial.ErrTimeout {
		return n, nil
	}
	return n, err
}

// Write writes buf to the serial device
func (p *SerialPort) Write(buf []byte) (int, error) {
	if p.port == nil {
		return 0, ErrNotOpen
	}
	return p.port.Write(buf)
}

// Flush drains bytes already received so the next frame starts clean
func (p *SerialPort) Flush() error {
	if p.port == nil {
		return ErrNotOpen
	}
	var scratch [64]byte
	for {
		n, err := p.port.Read(scratch[:])
		if err == serial.ErrTimeout || (err == nil && n == 0) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
