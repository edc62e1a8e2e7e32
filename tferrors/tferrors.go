// Package tferrors defines the error taxonomy surfaced by the bus client:
// transport failures, response correlation failures, wire error codes, and
// the façade-level response-expected policy errors.
package tferrors

import (
	"fmt"

	"tinkerlink/packet"
)

// Kind identifies one of the error taxonomy's categories.
type Kind int

const (
	// KindIO wraps an underlying transport failure.
	KindIO Kind = iota
	// KindNoResponseReceived means the timeout elapsed, or the broadcast
	// channel closed, before a correlating response arrived.
	KindNoResponseReceived
	// KindInvalidParameter maps wire error_code 1.
	KindInvalidParameter
	// KindFunctionNotSupported maps wire error_code 2.
	KindFunctionNotSupported
	// KindUnknown maps wire error_code 3.
	KindUnknown
	// KindMalformedPacket means a response payload was shorter than the
	// declared response struct size.
	KindMalformedPacket
	// KindNotConnected means the connection's reader task has terminated.
	KindNotConnected
	// KindUidParse means base-58 decoding failed at device construction.
	KindUidParse
	// KindGetResponseExpected means GetResponseExpected was called with
	// an unknown function id.
	KindGetResponseExpected
	// KindSetResponseExpected means SetResponseExpected was called with
	// an unknown function id, or one that always responds.
	KindSetResponseExpected
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io error"
	case KindNoResponseReceived:
		return "no response received"
	case KindInvalidParameter:
		return "invalid parameter"
	case KindFunctionNotSupported:
		return "function not supported"
	case KindUnknown:
		return "unknown error"
	case KindMalformedPacket:
		return "malformed packet"
	case KindNotConnected:
		return "not connected"
	case KindUidParse:
		return "uid parse error"
	case KindGetResponseExpected:
		return "get response expected error"
	case KindSetResponseExpected:
		return "set response expected error"
	default:
		return "unknown kind"
	}
}

// Error is the concrete error type returned by the bus client. Kind is
// always set; Msg and the wrapped error (if any) add detail.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, tferrors.NoResponseReceived) style sentinel
// comparison against Kind rather than pointer identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newErr(kind Kind, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: wrapped}
}

// IO wraps an underlying transport failure.
func IO(msg string, err error) error { return newErr(KindIO, msg, err) }

// NoResponseReceived is the sentinel for a correlator timeout or channel
// closure. Use errors.Is(err, tferrors.NoResponseReceived) to test for it.
var NoResponseReceived = &Error{Kind: KindNoResponseReceived}

// NotConnected is the sentinel for operations on a dead connection.
var NotConnected = &Error{Kind: KindNotConnected}

// FromWireErrorCode translates a packet.ErrorCode into the corresponding
// taxonomy error, or nil for packet.ErrorOK.
func FromWireErrorCode(ec packet.ErrorCode) error {
	switch ec {
	case packet.ErrorOK:
		return nil
	case packet.ErrorInvalidParameter:
		return &Error{Kind: KindInvalidParameter}
	case packet.ErrorFunctionNotSupported:
		return &Error{Kind: KindFunctionNotSupported}
	default:
		return &Error{Kind: KindUnknown}
	}
}

// MalformedPacket reports a response payload shorter than expected.
func MalformedPacket(functionID uint8, got, want int) error {
	return newErr(KindMalformedPacket, fmt.Sprintf("function %d: got %d bytes, want at least %d", functionID, got, want), nil)
}

// UidParse wraps a uid.Decode failure at device construction.
func UidParse(raw string, err error) error {
	return newErr(KindUidParse, fmt.Sprintf("uid %q", raw), err)
}

// GetResponseExpected reports an unknown function id queried via
// Device.GetResponseExpected.
func GetResponseExpected(functionID uint8) error {
	return newErr(KindGetResponseExpected, fmt.Sprintf("invalid function id %d", functionID), nil)
}

// SetResponseExpectedInvalidFunction reports an unknown function id passed
// to Device.SetResponseExpected.
func SetResponseExpectedInvalidFunction(functionID uint8) error {
	return newErr(KindSetResponseExpected, fmt.Sprintf("invalid function id %d", functionID), nil)
}

// SetResponseExpectedAlwaysTrue reports an attempt to downgrade a function
// whose response carries data and must always be awaited.
func SetResponseExpectedAlwaysTrue(functionID uint8) error {
	return newErr(KindSetResponseExpected, fmt.Sprintf("function %d always responds", functionID), nil)
}
