package packet

import "errors"

// ErrFrameTooLarge is returned when a request's header+payload would
// exceed MaxFrameSize (72 bytes).
var ErrFrameTooLarge = errors.New("packet: frame exceeds 72-byte maximum")

// ErrShortHeader is recorded when a header declares a total length
// shorter than HeaderSize; such a grossly malformed header from the
// daemon is a protocol violation and is fatal for the reader task.
var ErrShortHeader = errors.New("packet: short header")
