// Package examplebrick is a hand-written stand-in for a generated device
// binding: it shows the exact shape a code generator emits for every real
// brick or bricklet, without carrying the full device catalogue.
package examplebrick

import (
	"tinkerlink/codec"
	"tinkerlink/device"
	"tinkerlink/ipconn"
	"tinkerlink/tferrors"
)

// DeviceIdentifier is the value this device reports in its
// EnumerateResponse.
const DeviceIdentifier uint16 = 2100

const (
	functionSetPosition     uint8 = 1
	functionGetPosition     uint8 = 2
	functionSetSpeed        uint8 = 3
	functionGetSpeed        uint8 = 4
	functionCalibrate       uint8 = 5
	callbackPositionChanged uint8 = 8
)

// Speed is the recognised set of this device's named speed presets. Raw
// wire values outside this set still round-trip via ParsedOrRaw.
type Speed uint8

const (
	SpeedSlow   Speed = 0
	SpeedMedium Speed = 1
	SpeedFast   Speed = 2
)

var speedByRaw = map[uint8]Speed{
	uint8(SpeedSlow):   SpeedSlow,
	uint8(SpeedMedium): SpeedMedium,
	uint8(SpeedFast):   SpeedFast,
}

// ParseSpeed wraps a raw wire byte as a ParsedOrRaw Speed, falling back to
// the raw value for firmware revisions that report a preset this binding
// predates.
func ParseSpeed(raw uint8) codec.ParsedOrRaw[Speed, uint8] {
	return codec.Parse(raw, speedByRaw)
}

// Brick is a typed handle for one example device instance.
type Brick struct {
	dev *device.Device
}

// New decodes uidStr and registers this device's response-expected policy
// for every function id it implements.
func New(uidStr string, conn *ipconn.Connection) (*Brick, error) {
	dev, err := device.New(uidStr, conn)
	if err != nil {
		return nil, err
	}
	dev.RegisterFunction(functionSetPosition, device.True)
	dev.RegisterFunction(functionGetPosition, device.AlwaysTrue)
	dev.RegisterFunction(functionSetSpeed, device.True)
	dev.RegisterFunction(functionGetSpeed, device.AlwaysTrue)
	dev.RegisterFunction(functionCalibrate, device.AlwaysTrue)
	return &Brick{dev: dev}, nil
}

// UID returns the underlying device's base-58 UID.
func (b *Brick) UID() string { return b.dev.UID() }

// Position is the decoded response body of GetPosition and the payload of
// PositionChanged callbacks.
type Position struct {
	X int32
	Y int32
}

const positionSize = 8

func encodePosition(p Position) []byte {
	buf := make([]byte, positionSize)
	codec.PutI32(buf[0:4], p.X)
	codec.PutI32(buf[4:8], p.Y)
	return buf
}

func decodePosition(functionID uint8, body []byte) (Position, error) {
	if len(body) < positionSize {
		return Position{}, tferrors.MalformedPacket(functionID, len(body), positionSize)
	}
	return Position{X: codec.I32(body[0:4]), Y: codec.I32(body[4:8])}, nil
}

// SetPosition moves the device to (x, y). Awaits acknowledgement, since
// New registers this function as True. Brick does not expose its
// underlying device, so callers cannot change that policy.
func (b *Brick) SetPosition(x, y int32) error {
	_, err := b.dev.Set(functionSetPosition, encodePosition(Position{X: x, Y: y}))
	return err
}

// GetPosition reads the device's current position.
func (b *Brick) GetPosition() (Position, error) {
	p, err := b.dev.Get(functionGetPosition, nil)
	if err != nil {
		return Position{}, err
	}
	return decodePosition(functionGetPosition, p.Body)
}

// SetSpeed selects a named speed preset.
func (b *Brick) SetSpeed(speed Speed) error {
	buf := []byte{uint8(speed)}
	_, err := b.dev.Set(functionSetSpeed, buf)
	return err
}

// GetSpeed reads back the device's current speed, tolerating raw values a
// newer firmware might report that this binding doesn't recognise by
// name.
func (b *Brick) GetSpeed() (codec.ParsedOrRaw[Speed, uint8], error) {
	p, err := b.dev.Get(functionGetSpeed, nil)
	if err != nil {
		return codec.ParsedOrRaw[Speed, uint8]{}, err
	}
	if len(p.Body) < 1 {
		return codec.ParsedOrRaw[Speed, uint8]{}, tferrors.MalformedPacket(functionGetSpeed, len(p.Body), 1)
	}
	return ParseSpeed(p.Body[0]), nil
}

// Calibrate re-zeroes the device's position sensor and returns the
// applied offset. The device recalculates its calibration table before
// acknowledging, so this uses the longer work-bearing set timeout.
func (b *Brick) Calibrate() (Position, error) {
	p, err := b.dev.SetWithTimeout(functionCalibrate, nil, ipconn.SetDataTimeout)
	if err != nil {
		return Position{}, err
	}
	if p == nil {
		return Position{}, tferrors.MalformedPacket(functionCalibrate, 0, positionSize)
	}
	return decodePosition(functionCalibrate, p.Body)
}

// PositionChanged returns a channel of decoded Position events, closing
// when the device reports itself disconnected or the connection closes.
func (b *Brick) PositionChanged() <-chan Position {
	stream := b.dev.CallbackStream(callbackPositionChanged)
	return device.DecodeCallback(stream, func(body []byte) (Position, error) {
		return decodePosition(callbackPositionChanged, body)
	})
}
