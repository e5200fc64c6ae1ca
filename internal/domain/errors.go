// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for retry decisions and HTTP mapping.
type Kind string

const (
	// KindValidation is bad input: range, enum, missing field.
	KindValidation Kind = "ValidationError"

	// KindNotFound is an unknown device or polling target id.
	KindNotFound Kind = "NotFound"

	// KindConflict is a duplicate device_id.
	KindConflict Kind = "Conflict"

	// KindDevice is a Modbus protocol exception returned by the device
	// (illegal address, illegal value, ...). Never retried.
	KindDevice Kind = "DeviceError"

	// KindTransport is a timeout or connection failure after retries
	// have been exhausted.
	KindTransport Kind = "TransportError"

	// KindCircuitOpen means the gateway breaker is open and the call was
	// rejected without touching the wire.
	KindCircuitOpen Kind = "CircuitOpen"

	// KindDependency is a DB or MQTT failure where one was required.
	KindDependency Kind = "DependencyError"
)

// Error is the tagged error returned across layer boundaries.
// The gateway raises transport/protocol errors, the manager classifies
// them, and the API layer maps Kind to a status code.
type Error struct {
	Kind   Kind
	Detail string

	// ExceptionCode carries the Modbus exception code for KindDevice.
	ExceptionCode byte

	// Timeout distinguishes 504 from 502 for KindTransport.
	Timeout bool

	// RetryAfter is the remaining open time for KindCircuitOpen.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches domain errors by Kind so callers can use errors.Is with a
// bare kind sentinel, e.g. errors.Is(err, domain.ErrNotFound).
func (e *Error) Is(target error) bool {
	var de *Error
	if errors.As(target, &de) {
		return e.Kind == de.Kind
	}
	return false
}

// HTTPStatus maps the error kind to a response status per the API contract.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDevice:
		return http.StatusBadGateway
	case KindTransport:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindCircuitOpen, KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Kind sentinels for errors.Is matching.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrDevice      = &Error{Kind: KindDevice}
	ErrTransport   = &Error{Kind: KindTransport}
	ErrCircuitOpen = &Error{Kind: KindCircuitOpen}
	ErrDependency  = &Error{Kind: KindDependency}
)

// Validationf builds a KindValidation error.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Detail: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf(format, args...)}
}

// Conflictf builds a KindConflict error.
func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Detail: fmt.Sprintf(format, args...)}
}

// DeviceError wraps a Modbus exception reported by the slave.
func DeviceError(code byte, cause error) *Error {
	return &Error{
		Kind:          KindDevice,
		Detail:        ModbusExceptionText(code),
		ExceptionCode: code,
		cause:         cause,
	}
}

// TransportError wraps a connection-level failure.
func TransportError(timeout bool, detail string, cause error) *Error {
	return &Error{Kind: KindTransport, Detail: detail, Timeout: timeout, cause: cause}
}

// CircuitOpenError reports a rejected call with the remaining open time.
func CircuitOpenError(gateway string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindCircuitOpen,
		Detail:     fmt.Sprintf("circuit breaker open for gateway %s", gateway),
		RetryAfter: retryAfter,
	}
}

// DependencyError wraps a DB/MQTT failure.
func DependencyError(detail string, cause error) *Error {
	return &Error{Kind: KindDependency, Detail: detail, cause: cause}
}

// ModbusExceptionText returns the standard name for a Modbus exception code.
func ModbusExceptionText(code byte) string {
	switch code {
	case 0x01:
		return "modbus: illegal function"
	case 0x02:
		return "modbus: illegal data address"
	case 0x03:
		return "modbus: illegal data value"
	case 0x04:
		return "modbus: slave device failure"
	case 0x05:
		return "modbus: acknowledge - long operation in progress"
	case 0x06:
		return "modbus: slave device busy"
	case 0x08:
		return "modbus: memory parity error"
	case 0x0A:
		return "modbus: gateway path unavailable"
	case 0x0B:
		return "modbus: gateway target device failed to respond"
	default:
		return fmt.Sprintf("modbus: exception code %d", code)
	}
}
