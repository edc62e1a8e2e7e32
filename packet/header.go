// Package packet implements the 8-byte wire header used by every frame on
// the automation bus, plus the opaque packet body it frames.
package packet

import "encoding/binary"

// HeaderSize is the fixed size of a packet header in bytes.
const HeaderSize = 8

// MaxFrameSize is the largest total frame (header + payload) the wire
// format allows.
const MaxFrameSize = 72

// MaxPayloadSize is the largest payload a single frame can carry.
const MaxPayloadSize = MaxFrameSize - HeaderSize

// ErrorCode is the 2-bit error field carried in byte 7 of the header.
type ErrorCode uint8

const (
	ErrorOK                   ErrorCode = 0
	ErrorInvalidParameter     ErrorCode = 1
	ErrorFunctionNotSupported ErrorCode = 2
	ErrorUnknown              ErrorCode = 3
)

// Header is the 8-byte fixed header preceding every frame's payload.
type Header struct {
	UID              uint32
	Length           uint8 // total frame length: HeaderSize + len(payload)
	FunctionID       uint8
	SequenceNumber   uint8 // 0 for unsolicited callbacks, 1..15 otherwise
	ResponseExpected bool
	ErrorCode        ErrorCode
}

// Pack writes h into dst (len(dst) must be HeaderSize).
func Pack(h Header, dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.UID)
	dst[4] = h.Length
	dst[5] = h.FunctionID
	var b6 byte = h.SequenceNumber << 4
	if h.ResponseExpected {
		b6 |= 0x08
	}
	dst[6] = b6
	dst[7] = byte(h.ErrorCode) << 6
}

// Unpack reads a Header out of src (len(src) must be at least HeaderSize).
func Unpack(src []byte) Header {
	return Header{
		UID:              binary.LittleEndian.Uint32(src[0:4]),
		Length:           src[4],
		FunctionID:       src[5],
		SequenceNumber:   (src[6] & 0xf0) >> 4,
		ResponseExpected: src[6]&0x08 != 0,
		ErrorCode:        ErrorCode((src[7] & 0xc0) >> 6),
	}
}

// Data is a parsed frame: its header plus the opaque payload bytes that
// followed it on the wire.
type Data struct {
	Header Header
	Body   []byte
}

// NewHeader builds a request header with length computed from the
// payload, enforcing the wire format's maximum frame size.
func NewHeader(uidVal uint32, functionID uint8, sequenceNumber uint8, responseExpected bool, payloadLen int) (Header, error) {
	total := HeaderSize + payloadLen
	if total > MaxFrameSize {
		return Header{}, ErrFrameTooLarge
	}
	return Header{
		UID:              uidVal,
		Length:           uint8(total),
		FunctionID:       functionID,
		SequenceNumber:   sequenceNumber,
		ResponseExpected: responseExpected,
		ErrorCode:        ErrorOK,
	}, nil
}
