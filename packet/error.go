package packet

import (
	"fmt"
)

const (
	// ErrIllegalFunction is The function code received in the query is not an allowable action for the server.
	// This may be because the function code is only applicable to newer devices, and was not implemented in the
	// unit selected. It could also indicate that the server is in the wrong state to process a request of this
	// type, for example because it is not configured and is being asked to return register values.
	// Quote from: `MODBUS Application Protocol Specification V1.1b3`, page 48
	ErrIllegalFunction = uint8(1)
	// ErrIllegalDataAddress is The data address received in the query is not an allowable address for the server.
	// More specifically, the combination of reference number and transfer length is invalid. For a controller with 100
	// registers, the PDU addresses the first register as 0, and the last one as 99. If a request is submitted with a
	// starting register address of 96 and a quantity of registers of 5, then this request will fail with Exception
	// Code 0x02 “Illegal Data Address” since it attempts to operate on registers 96, 97, 98, 99 and 100, and
	// there is no register with address 100.
	// Quote from: `MODBUS Application Protocol Specification V1.1b3`, page 48
	ErrIllegalDataAddress = uint8(2)
	// ErrIllegalDataValue is A value contained in the query data field is not an allowable value for server.
	// This indicates a fault in the structure of the remainder of a complex request, such as that the implied length
	// is incorrect. It specifically does NOT mean that a data item submitted for storage in a register has a value
	// outside the expectation of the application program, since the MODBUS protocol is unaware of the significance of
	// any particular value of any particular register.
	// Quote from: `MODBUS Application Protocol Specification V1.1b3`, page 48
	ErrIllegalDataValue = uint8(3)
	// ErrServerFailure is An unrecoverable error occurred while the server was attempting to perform the requested action.
	// Quote from: `MODBUS Application Protocol Specification V1.1b3`, page 48
	ErrServerFailure = uint8(4)
	// ErrAcknowledge is Specialized use in conjunction with programming commands. The server has accepted the request
	// and is processing it, but a long duration of time will be required to do so. This response is returned to prevent
	// a timeout error from occurring in the client.
	// Quote from: `MODBUS Application Protocol Specification V1.1b3`, page 48
	ErrAcknowledge = uint8(5)
	// ErrServerBusy is Specialized use in conjunction with programming commands. The server is engaged in processing a
	// long duration program command. The client should retransmit the message later when the server is free.
	// Quote from: `MODBUS Application Protocol Specification V1.1b3`, page 48
	ErrServerBusy = uint8(6)
	// ErrMemoryParityError is Specialized use in conjunction with function codes 20 and 21 and reference type 6, to
	// indicate that the extended file area failed to pass a consistency check.
	// Quote from: `MODBUS Application Protocol Specification V1.1b3`, page 48
	ErrMemoryParityError = uint8(8)
	// ErrGatewayPathUnavailable is Specialized use in conjunction with gateways, indicates that the gateway was unable
	// to allocate an internal communication path from the input port to the output port for processing the request.
	// Usually means that the gateway is misconfigured or overloaded.
	// Quote from: `MODBUS Application Protocol Specification V1.1b3`, page 49
	ErrGatewayPathUnavailable = uint8(10)
	// ErrGatewayTargetedDeviceResponse is Specialized use in conjunction with gateways, indicates that no response was
	// obtained from the target device. Usually means that the device is not present on the network.
	// Quote from: `MODBUS Application Protocol Specification V1.1b3`, page 49
	ErrGatewayTargetedDeviceResponse = uint8(11)
)

func errorText(code uint8) string {
	switch code {
	case ErrIllegalFunction:
		return "Illegal function"
	case ErrIllegalDataAddress:
		return "Illegal data address"
	case ErrIllegalDataValue:
		return "Illegal data value"
	case ErrServerFailure:
		return "Server failure"
	case ErrAcknowledge:
		return "Acknowledge"
	case ErrServerBusy:
		return "Server busy"
	case ErrMemoryParityError:
		return "Memory parity error"
	case ErrGatewayPathUnavailable:
		return "Gateway path unavailable"
	case ErrGatewayTargetedDeviceResponse:
		return "Gateway targeted device failed to respond"
	default:
		return fmt.Sprintf("Unknown error code: %v", code)
	}
}

// ExceptionError is an exception response received from (or to be sent by) a
// Modbus server. Function is the function code of the request that failed,
// without the exception bit.
type ExceptionError struct {
	Function uint8
	Code     uint8
}

// NewExceptionError creates ExceptionError for given request function code and exception code
func NewExceptionError(function uint8, code uint8) *ExceptionError {
	return &ExceptionError{Function: function &^ ExceptionBitmask, Code: code}
}

// Error translates exception code to error message.
func (e *ExceptionError) Error() string {
	return errorText(e.Code)
}

// ExceptionCode returns the Modbus exception code carried by the response
func (e *ExceptionError) ExceptionCode() uint8 {
	return e.Code
}
