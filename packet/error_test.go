package packet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExceptionError_Error(t *testing.T) {
	var testCases = []struct {
		name     string
		whenCode uint8
		expect   string
	}{
		{name: "ok, illegal function", whenCode: ErrIllegalFunction, expect: "Illegal function"},
		{name: "ok, illegal data address", whenCode: ErrIllegalDataAddress, expect: "Illegal data address"},
		{name: "ok, illegal data value", whenCode: ErrIllegalDataValue, expect: "Illegal data value"},
		{name: "ok, server failure", whenCode: ErrServerFailure, expect: "Server failure"},
		{name: "ok, acknowledge", whenCode: ErrAcknowledge, expect: "Acknowledge"},
		{name: "ok, server busy", whenCode: ErrServerBusy, expect: "Server busy"},
		{name: "ok, memory parity error", whenCode: ErrMemoryParityError, expect: "Memory parity error"},
		{name: "ok, gateway path unavailable", whenCode: ErrGatewayPathUnavailable, expect: "Gateway path unavailable"},
		{name: "ok, gateway target failed", whenCode: ErrGatewayTargetedDeviceResponse, expect: "Gateway targeted device failed to respond"},
		{name: "ok, unknown code", whenCode: 77, expect: "Unknown error code: 77"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewExceptionError(FunctionReadCoils, tc.whenCode)
			assert.EqualError(t, err, tc.expect)
			assert.Equal(t, tc.whenCode, err.ExceptionCode())
		})
	}
}

func TestNewExceptionError_stripsExceptionBit(t *testing.T) {
	err := NewExceptionError(0x83, ErrIllegalDataAddress)

	assert.Equal(t, uint8(FunctionReadHoldingRegisters), err.Function)
}

func TestExceptionError_errorsAs(t *testing.T) {
	var err error = NewExceptionError(FunctionReadHoldingRegisters, ErrIllegalDataAddress)
	wrapped := errors.Join(errors.New("request failed"), err)

	var target *ExceptionError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, ErrIllegalDataAddress, target.Code)
}
