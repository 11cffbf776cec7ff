// Package modbustest provides low level helpers for exercising the Modbus
// core against scripted byte transports, without real serial devices or
// sockets.
package modbustest

import (
	"errors"
)

// ErrPortClosed is returned by ScriptPort operations after Close
var ErrPortClosed = errors.New("modbustest: port is closed")

// ScriptPort is a transport.Port fed from a script. Every write arms the
// next scripted response; reads deliver the armed bytes chunk by chunk and
// report "nothing right now" once the script is drained, which lets the
// frame read loop terminate on its inter-byte timer exactly like a real
// line going quiet.
//
// The zero value is unusable; create instances with NewScriptPort.
type ScriptPort struct {
	// Writes records every frame written to the port
	Writes [][]byte
	// ReadErr, when set, is returned by the next Read (hard transport error)
	ReadErr error
	// WriteErr, when set, is returned by the next Write
	WriteErr error
	// ShortWriteBy makes writes report that many bytes fewer than given
	ShortWriteBy int

	responses [][][]byte
	pending   [][]byte
	opened    bool
	closed    bool
}

// NewScriptPort creates a port that answers consecutive writes with given
// responses, one response frame per write, delivered as a single chunk.
func NewScriptPort(responses ...[]byte) *ScriptPort {
	p := &ScriptPort{}
	for _, r := range responses {
		p.responses = append(p.responses, [][]byte{r})
	}
	return p
}

// NewChunkedScriptPort creates a port that answers consecutive writes with
// given responses, each delivered over multiple reads in the given chunks.
func NewChunkedScriptPort(responses ...[][]byte) *ScriptPort {
	return &ScriptPort{responses: responses}
}

// Open marks the port open. Opening an open port is a no-op.
func (p *ScriptPort) Open() error {
	if p.closed {
		return ErrPortClosed
	}
	p.opened = true
	return nil
}

// Close marks the port closed
func (p *ScriptPort) Close() error {
	p.closed = true
	return nil
}

// IsClosed reports whether Close has been called
func (p *ScriptPort) IsClosed() bool {
	return p.closed
}

// Read delivers the next pending chunk, or (0, nil) when the line is quiet
func (p *ScriptPort) Read(buf []byte) (int, error) {
	if p.closed {
		return 0, ErrPortClosed
	}
	if p.ReadErr != nil {
		err := p.ReadErr
		p.ReadErr = nil
		return 0, err
	}
	if len(p.pending) == 0 {
		return 0, nil
	}
	chunk := p.pending[0]
	n := copy(buf, chunk)
	if n < len(chunk) {
		p.pending[0] = chunk[n:]
	} else {
		p.pending = p.pending[1:]
	}
	return n, nil
}

// Write records the frame and arms the next scripted response
func (p *ScriptPort) Write(data []byte) (int, error) {
	if p.closed {
		return 0, ErrPortClosed
	}
	if p.WriteErr != nil {
		err := p.WriteErr
		p.WriteErr = nil
		return 0, err
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	p.Writes = append(p.Writes, frame)
	if p.ShortWriteBy > 0 {
		return len(data) - p.ShortWriteBy, nil
	}
	if len(p.responses) > 0 {
		p.pending = append(p.pending, p.responses[0]...)
		p.responses = p.responses[1:]
	}
	return len(data), nil
}

// Flush discards pending inbound bytes
func (p *ScriptPort) Flush() error {
	if p.closed {
		return ErrPortClosed
	}
	p.pending = nil
	return nil
}

// Feed queues bytes for reading without a preceding write. Useful for
// driving a slave, which receives requests unprompted.
func (p *ScriptPort) Feed(data []byte) {
	frame := make([]byte, len(data))
	copy(frame, data)
	p.pending = append(p.pending, frame)
}
