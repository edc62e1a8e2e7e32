// Package device implements the per-device façade over a shared
// connection: response-expected policy, typed get/set, and filtered
// callback streams that end cleanly on disconnect.
package device

import (
	"time"

	"tinkerlink/ipconn"
	"tinkerlink/packet"
	"tinkerlink/tferrors"
	"tinkerlink/uid"
)

// ResponseExpectedFlag classifies how a function id behaves when set via
// Device.Set.
type ResponseExpectedFlag int

const (
	// InvalidFunctionId means generated code never registered this
	// function id on this device.
	InvalidFunctionId ResponseExpectedFlag = iota
	// False means the function's Set calls fire-and-forget by default.
	False
	// True means the function's Set calls await a response by default,
	// but a caller may still downgrade it with SetResponseExpected.
	True
	// AlwaysTrue means the function always returns data and can never be
	// downgraded to fire-and-forget (e.g. every Get-style function id).
	AlwaysTrue
)

// Device is a typed handle for one physical brick or bricklet: a decoded
// UID, a shared connection, and a per-function response-expected policy
// table that generated bindings populate at construction.
type Device struct {
	uidVal uint32
	uidStr string
	conn   *ipconn.Connection

	responseExpected [256]ResponseExpectedFlag
}

// New decodes uidStr and returns a Device bound to conn, with every
// function id defaulted to InvalidFunctionId. Generated per-device code
// fills the table via RegisterFunction for every function id it
// implements; SetResponseExpected rejects ids that were never registered.
func New(uidStr string, conn *ipconn.Connection) (*Device, error) {
	uidVal, err := uid.Decode(uidStr)
	if err != nil {
		return nil, tferrors.UidParse(uidStr, err)
	}
	return &Device{uidVal: uidVal, uidStr: uidStr, conn: conn}, nil
}

// UID returns the device's base-58 UID string.
func (d *Device) UID() string { return d.uidStr }

// UIDNumeric returns the device's 32-bit wire UID.
func (d *Device) UIDNumeric() uint32 { return d.uidVal }

// RegisterFunction sets a function id's response-expected policy at
// construction time. Generated bindings call this once per known
// function id; it is not meant for runtime use by application code.
func (d *Device) RegisterFunction(functionID uint8, flag ResponseExpectedFlag) {
	d.responseExpected[functionID] = flag
}

// GetResponseExpected reports whether fid currently awaits a response
// when set via Set. Returns tferrors.GetResponseExpected if fid was
// never registered.
func (d *Device) GetResponseExpected(functionID uint8) (bool, error) {
	switch d.responseExpected[functionID] {
	case InvalidFunctionId:
		return false, tferrors.GetResponseExpected(functionID)
	case False:
		return false, nil
	case True, AlwaysTrue:
		return true, nil
	default:
		return false, tferrors.GetResponseExpected(functionID)
	}
}

// SetResponseExpected changes whether fid awaits a response when set via
// Set. Errors if fid is unregistered or AlwaysTrue (a function whose
// response carries data can never be downgraded to fire-and-forget).
func (d *Device) SetResponseExpected(functionID uint8, expected bool) error {
	switch d.responseExpected[functionID] {
	case InvalidFunctionId:
		return tferrors.SetResponseExpectedInvalidFunction(functionID)
	case AlwaysTrue:
		return tferrors.SetResponseExpectedAlwaysTrue(functionID)
	case True, False:
		if expected {
			d.responseExpected[functionID] = True
		} else {
			d.responseExpected[functionID] = False
		}
		return nil
	default:
		return tferrors.SetResponseExpectedInvalidFunction(functionID)
	}
}

// SetResponseExpectedAll bulk-changes every currently True/False entry to
// expected, leaving AlwaysTrue and InvalidFunctionId entries untouched.
func (d *Device) SetResponseExpectedAll(expected bool) {
	for fid, flag := range d.responseExpected {
		if flag == True || flag == False {
			if expected {
				d.responseExpected[fid] = True
			} else {
				d.responseExpected[fid] = False
			}
		}
	}
}

// Set sends a function-id request, consulting the response-expected
// table to decide whether to await a reply (DefaultTimeout) or return
// immediately. Only an explicit False entry fires and forgets; every
// other flag value, including functions the table has never seen,
// awaits a response.
func (d *Device) Set(functionID uint8, payload []byte) (*packet.Data, error) {
	if d.responseExpected[functionID] == False {
		return d.conn.Set(d.uidVal, functionID, payload, nil)
	}
	t := ipconn.DefaultTimeout
	return d.conn.Set(d.uidVal, functionID, payload, &t)
}

// SetWithTimeout is Set with an explicit correlator timeout, for
// functions whose acknowledgement reflects device-side work (flash
// writes, calibration) and needs longer than DefaultTimeout. The
// response-expected table still decides whether a reply is awaited at
// all, with the same only-explicit-False-skips rule as Set.
func (d *Device) SetWithTimeout(functionID uint8, payload []byte, timeout time.Duration) (*packet.Data, error) {
	if d.responseExpected[functionID] == False {
		return d.conn.Set(d.uidVal, functionID, payload, nil)
	}
	return d.conn.Set(d.uidVal, functionID, payload, &timeout)
}

// Get sends a function-id request that always awaits a response, using
// DefaultTimeout.
func (d *Device) Get(functionID uint8, payload []byte) (packet.Data, error) {
	return d.conn.Get(d.uidVal, functionID, payload, ipconn.DefaultTimeout)
}

// CallbackStream returns a filtered stream of every frame this device
// emits for functionID, ending cleanly when the device reports itself
// disconnected.
func (d *Device) CallbackStream(functionID uint8) *ipconn.CallbackStream {
	return d.conn.CallbackStream(d.uidVal, functionID)
}

// DecodeCallback reads every frame from a CallbackStream through decode,
// mirroring the original client's ConvertingReceiver: generated bindings
// supply decode to turn a raw packet.Data body into a typed event, and
// this loop hides the filtering/EOF plumbing from generated code. It
// returns once the stream ends (device disconnected or connection
// closed).
func DecodeCallback[T any](stream *ipconn.CallbackStream, decode func(body []byte) (T, error)) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			p, ok := stream.Next()
			if !ok {
				return
			}
			v, err := decode(p.Body)
			if err != nil {
				continue
			}
			out <- v
		}
	}()
	return out
}
