package ipconn

import (
	"tinkerlink/packet"
	"tinkerlink/tflog"
	"tinkerlink/uid"
)

// EnumerationType classifies why an EnumerateResponse was emitted.
type EnumerationType int

const (
	// Available means the device reported itself in response to a
	// user-triggered Enumerate call. Can recur for the same device.
	Available EnumerationType = iota
	// Connected means the device was newly connected.
	Connected
	// Disconnected means the device (or connection) went away.
	Disconnected
	// Unknown means the daemon reported a type this binding doesn't
	// recognise.
	Unknown
)

func enumerationTypeFromByte(b byte) EnumerationType {
	switch b {
	case 0:
		return Available
	case 1:
		return Connected
	case 2:
		return Disconnected
	default:
		return Unknown
	}
}

// EnumerateResponseSize is the fixed wire size of an EnumerateResponse
// payload.
const EnumerateResponseSize = 26

// EnumerateResponse is the decoded payload of a function-id-253 frame:
// spontaneous or solicited enumeration of a device.
type EnumerateResponse struct {
	UID              string
	ConnectedUID     string
	Position         byte
	HardwareVersion  [3]uint8
	FirmwareVersion  [3]uint8
	DeviceIdentifier uint16
	EnumerationType  EnumerationType
}

func decodeEnumerateResponse(body []byte) EnumerateResponse {
	stripNUL := func(b []byte) string {
		for i, c := range b {
			if c == 0 {
				return string(b[:i])
			}
		}
		return string(b)
	}
	return EnumerateResponse{
		UID:              stripNUL(body[0:8]),
		ConnectedUID:     stripNUL(body[8:16]),
		Position:         body[16],
		HardwareVersion:  [3]uint8{body[17], body[18], body[19]},
		FirmwareVersion:  [3]uint8{body[20], body[21], body[22]},
		DeviceIdentifier: uint16(body[23]) | uint16(body[24])<<8,
		EnumerationType:  enumerationTypeFromByte(body[25]),
	}
}

// UIDNumeric decodes the base-58 UID string into its 32-bit wire form.
func (e EnumerateResponse) UIDNumeric() (uint32, error) {
	return uid.Decode(e.UID)
}

const (
	functionIDEnumerateRequest  = 254
	functionIDEnumerateResponse = 253
)

// Enumerate sends the broadcast discovery request (uid=0, fid=254) and
// returns a long-lived stream of every function-id-253 frame, decoded as
// EnumerateResponse. The stream outlives the initial request: spontaneous
// connect/disconnect enumerations also appear on it, and it has no
// default timeout since enumeration is intentionally open-ended.
func (c *Connection) Enumerate() (*EnumerateStream, error) {
	sub := c.subscribe()
	if _, err := c.writeFrame(0, functionIDEnumerateRequest, nil, true); err != nil {
		c.hub.unsubscribe(sub)
		return nil, err
	}
	return &EnumerateStream{sub: sub, hub: c.hub}, nil
}

// EnumerateStream is a filtered view over the broadcast hub yielding only
// decoded EnumerateResponse frames.
type EnumerateStream struct {
	sub *subscription
	hub *broadcastHub
}

// Next blocks until the next EnumerateResponse arrives or the connection
// closes (ok == false).
func (s *EnumerateStream) Next() (EnumerateResponse, bool) {
	for p := range s.sub.ch {
		if p.Header.FunctionID != functionIDEnumerateResponse {
			continue
		}
		if len(p.Body) < EnumerateResponseSize {
			tflog.Warnf("enumerate", "short enumerate body: %d bytes", len(p.Body))
			continue
		}
		return decodeEnumerateResponse(p.Body), true
	}
	return EnumerateResponse{}, false
}

// Close unsubscribes this stream from the broadcast hub.
func (s *EnumerateStream) Close() {
	s.hub.unsubscribe(s.sub)
}

// CallbackStream is the generic, filtered subscription underlying a
// device's typed callback stream: it yields every frame
// addressed to (uidVal, functionID) and ends exactly when an enumerate
// frame reports that uid as Disconnected.
type CallbackStream struct {
	sub        *subscription
	hub        *broadcastHub
	uidVal     uint32
	functionID uint8
}

// CallbackStream subscribes to the broadcast hub and filters for frames
// matching (uidVal, functionID), terminating cleanly on that device's
// disconnect enumeration.
func (c *Connection) CallbackStream(uidVal uint32, functionID uint8) *CallbackStream {
	return &CallbackStream{sub: c.subscribe(), hub: c.hub, uidVal: uidVal, functionID: functionID}
}

// Next blocks until the next matching frame arrives, the device
// disconnects (ok == false, clean end of stream), or the connection
// closes (ok == false).
func (s *CallbackStream) Next() (packet.Data, bool) {
	for p := range s.sub.ch {
		h := p.Header
		if h.UID == s.uidVal && h.FunctionID == s.functionID {
			return p, true
		}
		if h.FunctionID == functionIDEnumerateResponse && len(p.Body) >= EnumerateResponseSize {
			er := decodeEnumerateResponse(p.Body)
			if er.EnumerationType == Disconnected {
				if numeric, err := er.UIDNumeric(); err == nil && numeric == s.uidVal {
					return packet.Data{}, false
				}
			}
		}
	}
	return packet.Data{}, false
}

// Close unsubscribes this stream from the broadcast hub.
func (s *CallbackStream) Close() {
	s.hub.unsubscribe(s.sub)
}
