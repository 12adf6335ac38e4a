package efio

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Error kinds surfaced to API callers
type ErrorKind string

const (
	ErrKindValidation   ErrorKind = "ValidationError"
	ErrKindNotFound     ErrorKind = "NotFound"
	ErrKindUnauthorized ErrorKind = "Unauthorized"
	ErrKindConflict     ErrorKind = "Conflict"
	ErrKindTransport    ErrorKind = "TransportError"
	ErrKindBreakerOpen  ErrorKind = "BreakerOpen"
	ErrKindTimeout      ErrorKind = "Timeout"
	ErrKindInternal     ErrorKind = "Internal"
)

// Transport error sub-kinds
type TransportKind string

const (
	TransportNoResponse      TransportKind = "NoResponse"
	TransportInvalidResponse TransportKind = "InvalidResponse"
	TransportSerial          TransportKind = "SerialError"
	TransportSPI             TransportKind = "SPIError"
	TransportMQTT            TransportKind = "MQTTError"
)

// Error carries the kind surfaced to callers plus an optional wrapped cause.
// Transport is only set when Kind is ErrKindTransport.
type Error struct {
	Kind      ErrorKind
	Transport TransportKind
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newValidationError(format string, args ...any) *Error {
	return &Error{Kind: ErrKindValidation, Message: fmt.Sprintf(format, args...)}
}

func newNotFoundError(format string, args ...any) *Error {
	return &Error{Kind: ErrKindNotFound, Message: fmt.Sprintf(format, args...)}
}

func newConflictError(format string, args ...any) *Error {
	return &Error{Kind: ErrKindConflict, Message: fmt.Sprintf(format, args...)}
}

func newTransportError(sub TransportKind, message string, cause error) *Error {
	return &Error{Kind: ErrKindTransport, Transport: sub, Message: message, Err: cause}
}

func newTimeoutError(format string, args ...any) *Error {
	return &Error{Kind: ErrKindTimeout, Message: fmt.Sprintf(format, args...)}
}

func newInternalError(message string, cause error) *Error {
	return &Error{Kind: ErrKindInternal, Message: message, Err: cause}
}

// KindOf extracts the error kind, defaulting to Internal for plain errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrBreakerOpen) {
		return ErrKindBreakerOpen
	}
	return ErrKindInternal
}

// TransportKindOf extracts the transport sub-kind, empty for non-transport errors.
func TransportKindOf(err error) TransportKind {
	var e *Error
	if errors.As(err, &e) && e.Kind == ErrKindTransport {
		return e.Transport
	}
	return ""
}

// classifySerialError maps raw goburrow/serial failures to transport sub-kinds.
// Timeouts on a silent slave surface as NoResponse, protocol level garbage as
// InvalidResponse, anything touching the port itself as SerialError.
func classifySerialError(err error) TransportKind {
	if err == nil {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransportNoResponse
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return TransportNoResponse
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "no response"):
		return TransportNoResponse
	case strings.Contains(msg, "crc"), strings.Contains(msg, "exception"),
		strings.Contains(msg, "modbus: response"):
		return TransportInvalidResponse
	default:
		return TransportSerial
	}
}

// asModbusTransportError wraps a raw session error once, preserving an
// existing classification if err already went through here.
func asModbusTransportError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newTransportError(classifySerialError(err), "modbus transaction failed", err)
}
