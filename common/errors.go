// Package common holds low-level wire-format sentinel errors plus the
// component-boundary error taxonomy (Kind) shared across the gateway core.
//
// Every error the core raises across a component boundary (transport ->
// session, session -> poller, poller -> registry) is classified as one of
// the Kinds below. Callers branch on Kind, never on formatted message text
// — matching strings against error text is forbidden, replacing the
// source's substring checks against things like "ECONNREFUSED".
package common

import (
	"errors"
	"fmt"
)

// Wire-format level sentinels, surfaced by the frame codec.
var (
	ErrInvalidPacket             = errors.New("invalid packet")
	ErrInvalidChecksum           = errors.New("invalid checksum")
	ErrWrittenLengthDoesNotMatch = errors.New("written length does not match")
	ErrUnknownFunctionCode       = errors.New("unknown function code")
	ErrShortWrite                = errors.New("short write")
	ErrTimeout                   = errors.New("timeout")
	ErrIgnorePacket              = errors.New("ignore packet")
	ErrNotOurAddress             = errors.New("not our address")
	ErrUnsupportedFunctionCode   = errors.New("unsupported function code")
	ErrInvalidFunctionCode       = errors.New("invalid function code")
	ErrInvalidData               = errors.New("invalid data")
	ErrInvalidAddress            = errors.New("invalid address")
	ErrInvalidCount              = errors.New("invalid count")
	ErrInvalidValue              = errors.New("invalid value")
	ErrResponseValueMismatch     = errors.New("response value mismatch")
	ErrResponseOffsetMismatch    = errors.New("response offset mismatch")
)

// Kind classifies an Error so callers can decide retry vs. abort without
// inspecting message text. Values mirror the transport driver's public
// error-classification contract.
type Kind string

const (
	KindConnRefused       Kind = "ConnRefused"
	KindTimeout           Kind = "Timeout"
	KindPortBusy          Kind = "PortBusy"
	KindPortMissing       Kind = "PortMissing"
	KindProtocolError     Kind = "ProtocolError"
	KindModbusException   Kind = "ModbusException"
	KindClosedByPeer      Kind = "ClosedByPeer"
	KindIOError           Kind = "IOError"
	KindDeviceDisabled    Kind = "DeviceDisabled"
	KindDeviceNotFound    Kind = "DeviceNotFound"
	KindInvalidDefinition Kind = "InvalidDefinition"
	KindInvalidParameter  Kind = "InvalidParameter"
	KindCancelled         Kind = "Cancelled"
	KindServerError       Kind = "ServerError"
	KindTooManyPollers    Kind = "TooManyPollers"

	// Decoder-local failure kinds. These attach to a single Reading and
	// never abort a tick.
	KindOutOfRange        Kind = "OutOfRange"
	KindInsufficientWords Kind = "InsufficientWords"
	KindNonFinite         Kind = "NonFinite"
	KindEquationError     Kind = "EquationError"
	KindRangeReadError    Kind = "RangeReadError"
)

// Error is the core's component-boundary error type. ExceptionCode is only
// meaningful when Kind == KindModbusException.
type Error struct {
	Kind          Kind
	ExceptionCode byte
	Err           error
}

func (e *Error) Error() string {
	if e.Kind == KindModbusException {
		return fmt.Sprintf("modbus exception 0x%02x: %v", e.ExceptionCode, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under kind. err may be nil.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds an Error with a formatted message and no wrapped cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NewException builds a KindModbusException error for the given Modbus
// exception code.
func NewException(code byte) *Error {
	return &Error{Kind: KindModbusException, ExceptionCode: code, Err: errors.New(exceptionName(code))}
}

func exceptionName(code byte) string {
	switch code {
	case 0x01:
		return "IllegalFunction"
	case 0x02:
		return "IllegalDataAddress"
	case 0x03:
		return "IllegalDataValue"
	case 0x04:
		return "ServerDeviceFailure"
	case 0x05:
		return "Acknowledge"
	case 0x06:
		return "ServerDeviceBusy"
	case 0x08:
		return "MemoryParityError"
	case 0x0A:
		return "GatewayPathUnavailable"
	case 0x0B:
		return "GatewayTargetDeviceFailedToRespond"
	default:
		return "UnknownException"
	}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error with the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether a tick should retry an exchange that failed
// with this Kind, per the transport driver's documented caller policy.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindProtocolError:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned by a repository port when a device id is not
// known to the backing store.
var ErrNotFound = New(KindDeviceNotFound, errors.New("device not found"))
