// Package transport provides the byte transport abstraction the Modbus core
// runs on: a five operation Port contract plus a Backend that layers the
// Modbus acknowledgement and inter-byte timers over it to collect whole
// frames from a stream that carries no record boundaries.
package transport

import (
	"errors"
	"io"
	"time"
)

const (
	// DefaultAckTimeout is how long a master waits for the first byte of a response
	DefaultAckTimeout = 300 * time.Millisecond
	// DefaultInterByteTimeout is the longest quiet period inside a frame.
	// End of quiet signals end of frame. This is the RTU-standard "3.5
	// character times" generalised to a tunable duration and is reused
	// as-is for TCP where the read usually completes in one go anyway.
	DefaultInterByteTimeout = 32 * time.Millisecond

	// readQuantum is how long the read loop sleeps between empty reads
	readQuantum = 2 * time.Millisecond
)

// ErrNotOpen is returned when an operation is attempted on a backend whose
// channel is not open. After a hard transport error the backend returns to
// this state; reopening is an explicit caller action.
var ErrNotOpen = errors.New("modbus: backend is not open")

// Port is the contract a concrete byte transport (serial device, connected
// socket) fulfils for the Modbus core.
//
// Read must be non-blocking in the Modbus sense: it returns (0, nil) when
// nothing is available right now and may block only for a short poll
// interval. Write may block until all bytes are out.
type Port interface {
	// Open establishes the channel. Ports that are created around an
	// already live handle treat Open as a no-op.
	Open() error
	// Close releases the channel. Closing a closed port is a no-op.
	Close() error
	// Read reads available bytes into p. It returns (0, nil) when there
	// is nothing to read right now and an error only on hard failure.
	Read(p []byte) (int, error)
	// Write writes p and returns the number of bytes written.
	Write(p []byte) (int, error)
	// Flush discards all bytes currently available to read. It is used
	// to resynchronise after errors and before requests.
	Flush() error
}

// Backend couples a Port with the two Modbus timers and the open/closed
// state. A backend belongs to exactly one master or slave instance and is
// not safe for concurrent use.
type Backend struct {
	port   Port
	isOpen bool

	ackTimeout       time.Duration
	interByteTimeout time.Duration

	timeNow func() time.Time
	sleep   func(d time.Duration)
}

// NewBackend creates a backend over given port with default timeouts
func NewBackend(port Port) *Backend {
	return &Backend{
		port:             port,
		ackTimeout:       DefaultAckTimeout,
		interByteTimeout: DefaultInterByteTimeout,
		timeNow:          time.Now,
		sleep:            time.Sleep,
	}
}

// Open opens the underlying port. Opening an open backend is a no-op.
func (b *Backend) Open() error {
	if b.isOpen {
		return nil
	}
	if err := b.port.Open(); err != nil {
		return err
	}
	b.isOpen = true
	return nil
}

// Close closes the underlying port. Closing a closed backend is a no-op.
func (b *Backend) Close() error {
	if !b.isOpen {
		return nil
	}
	b.isOpen = false
	return b.port.Close()
}

// IsOpen reports whether the backend channel is currently open
func (b *Backend) IsOpen() bool {
	return b.isOpen
}

// SetTimeouts changes the acknowledgement and inter-byte timeouts. Values
// take effect on the next ReadFrame call. Zero or negative values keep the
// current setting.
func (b *Backend) SetTimeouts(ack time.Duration, interByte time.Duration) {
	if ack > 0 {
		b.ackTimeout = ack
	}
	if interByte > 0 {
		b.interByteTimeout = interByte
	}
}

// Timeouts returns the current acknowledgement and inter-byte timeouts
func (b *Backend) Timeouts() (ack time.Duration, interByte time.Duration) {
	return b.ackTimeout, b.interByteTimeout
}

// ReadFrame collects one inbound frame into buf and returns its length.
// The loop does not know Modbus framing; it infers "frame complete" from
// silence on the line:
//
//   - while nothing has arrived, the acknowledgement timeout runs; when it
//     expires ReadFrame returns (0, nil) meaning "no response"
//   - once bytes have arrived, every successful read restarts the
//     inter-byte timer; when the line stays quiet longer than the
//     inter-byte timeout the accumulated bytes are the frame
//
// A hard port error closes the backend and is returned as-is.
func (b *Backend) ReadFrame(buf []byte) (int, error) {
	if !b.isOpen {
		return 0, ErrNotOpen
	}
	pos := 0
	last := b.timeNow()
	for pos < len(buf) {
		n, err := b.port.Read(buf[pos:])
		if err != nil {
			b.fail()
			return 0, err
		}
		if n > 0 {
			last = b.timeNow()
			pos += n
			continue
		}
		quiet := b.timeNow().Sub(last)
		if pos > 0 {
			if quiet > b.interByteTimeout {
				break
			}
		} else if quiet > b.ackTimeout {
			break
		}
		b.sleep(readQuantum)
	}
	return pos, nil
}

// WriteFrame writes one outbound frame as a single unit. A short write is a
// transport error.
func (b *Backend) WriteFrame(data []byte) error {
	if !b.isOpen {
		return ErrNotOpen
	}
	n, err := b.port.Write(data)
	if err != nil {
		b.fail()
		return err
	}
	if n != len(data) {
		b.fail()
		return io.ErrShortWrite
	}
	return nil
}

// Flush discards inbound bytes the port has buffered
func (b *Backend) Flush() error {
	if !b.isOpen {
		return ErrNotOpen
	}
	return b.port.Flush()
}

// fail marks the backend not open after a hard transport error. The port is
// closed so the handle is not left dangling; reopen is up to the caller.
func (b *Backend) fail() {
	b.isOpen = false
	_ = b.port.Close()
}
