// Package modbus implements the Modbus application protocol for use as a
// master (client) or a slave (server), carried over RTU framed serial links
// or MBAP framed TCP streams.
//
// The wire codec lives in the packet subpackage, the byte transport
// abstraction and frame timing in the transport subpackage. This package
// ties them into the master request cycle and the slave dispatch engine.
package modbus

import (
	"errors"
)

// ProtocolType is the framing flavour an instance speaks
type ProtocolType uint8

const (
	// ProtocolRTU frames PDUs with a unit address and a trailing CRC16
	ProtocolRTU ProtocolType = iota + 1
	// ProtocolTCP frames PDUs with the 7 byte MBAP header
	ProtocolTCP
)

// UnitIDBroadcast is the TCP "any unit" address a slave always answers to
const UnitIDBroadcast = uint8(0xFF)

// ErrNoResponse is the communication failure cause when the server did not
// send a single byte before the acknowledgement timeout.
var ErrNoResponse = errors.New("no response from server")

// CommError is the communication failure result channel of master
// operations. It covers timeouts, short writes, malformed frames, CRC
// mismatches and response fields not matching the request. The subcases
// are not distinguished by the result, only by the wrapped cause and the
// optional debug logger.
type CommError struct {
	Err error
}

// Error returns contained error message
func (e *CommError) Error() string { return e.Err.Error() }

// Unwrap allows unwrapping errors with errors.Is and errors.As
func (e *CommError) Unwrap() error { return e.Err }
