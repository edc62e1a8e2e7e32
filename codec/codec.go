// Package codec implements the little-endian byte (de)serialization contract
// shared by every generated device binding: fixed-size primitives, fixed
// arrays, packed-boolean arrays, fixed-width ASCII strings, and the
// ParsedOrRaw forward-compatibility wrapper.
//
// The codec is total: given a slice of exactly the width a type declares,
// decoding never errors. Short slices are a programmer error.
package codec

import (
	"encoding/binary"
	"math"
)

// Sizes in bytes of the primitive wire types.
const (
	SizeBool = 1
	SizeU8   = 1
	SizeI8   = 1
	SizeChar = 1
	SizeU16  = 2
	SizeI16  = 2
	SizeU32  = 4
	SizeI32  = 4
	SizeF32  = 4
	SizeU64  = 8
	SizeI64  = 8
	SizeF64  = 8
)

// PackedBoolBytes returns the number of bytes a packed [N]bool array
// occupies on the wire: ceil(n/8), bit i living at (byte i/8, bit i%8).
func PackedBoolBytes(n int) int {
	return (n + 7) / 8
}

// PutBool writes a single bool as one byte (0 or 1).
func PutBool(dst []byte, v bool) {
	if v {
		dst[0] = 1
	} else {
		dst[0] = 0
	}
}

// Bool decodes a single bool from one byte (non-zero is true).
func Bool(src []byte) bool {
	return src[0] != 0
}

func PutU8(dst []byte, v uint8)  { dst[0] = v }
func U8(src []byte) uint8        { return src[0] }
func PutI8(dst []byte, v int8)   { dst[0] = byte(v) }
func I8(src []byte) int8         { return int8(src[0]) }
func PutChar(dst []byte, v byte) { dst[0] = v }
func Char(src []byte) byte       { return src[0] }

func PutU16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }
func U16(src []byte) uint16       { return binary.LittleEndian.Uint16(src) }
func PutI16(dst []byte, v int16)  { binary.LittleEndian.PutUint16(dst, uint16(v)) }
func I16(src []byte) int16        { return int16(binary.LittleEndian.Uint16(src)) }

func PutU32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func U32(src []byte) uint32       { return binary.LittleEndian.Uint32(src) }
func PutI32(dst []byte, v int32)  { binary.LittleEndian.PutUint32(dst, uint32(v)) }
func I32(src []byte) int32        { return int32(binary.LittleEndian.Uint32(src)) }
func PutF32(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}
func F32(src []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src))
}

func PutU64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func U64(src []byte) uint64       { return binary.LittleEndian.Uint64(src) }
func PutI64(dst []byte, v int64)  { binary.LittleEndian.PutUint64(dst, uint64(v)) }
func I64(src []byte) int64        { return int64(binary.LittleEndian.Uint64(src)) }
func PutF64(dst []byte, v float64) {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
}
func F64(src []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(src))
}

// PutBoolArray packs n booleans into dst (len(dst) == PackedBoolBytes(n)),
// bit i of byte i/8 holding element i.
func PutBoolArray(dst []byte, vs []bool) {
	for i := range dst {
		dst[i] = 0
	}
	for i, v := range vs {
		if v {
			dst[i/8] |= 1 << uint(i%8)
		}
	}
}

// BoolArray unpacks n booleans from src (len(src) == PackedBoolBytes(n)).
func BoolArray(src []byte, n int) []bool {
	ret := make([]bool, n)
	for i := range ret {
		ret[i] = src[i/8]&(1<<uint(i%8)) != 0
	}
	return ret
}

// PutString writes s as fixed-width ASCII into dst (len(dst) == n),
// zero-padding anything shorter than n.
func PutString(dst []byte, s string, n int) {
	for i := 0; i < n; i++ {
		if i < len(s) {
			dst[i] = s[i]
		} else {
			dst[i] = 0
		}
	}
}

// String decodes a fixed-width ASCII string, truncating at the first NUL
// the way C string fields do.
func String(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}

// U16Array decodes n little-endian uint16 elements from src.
func U16Array(src []byte, n int) []uint16 {
	ret := make([]uint16, n)
	for i := 0; i < n; i++ {
		ret[i] = U16(src[i*SizeU16:])
	}
	return ret
}

// PutU16Array writes n little-endian uint16 elements into dst.
func PutU16Array(dst []byte, vs []uint16) {
	for i, v := range vs {
		PutU16(dst[i*SizeU16:], v)
	}
}

// U8Array decodes n raw bytes from src as a copy (fixed [N]u8 array).
func U8Array(src []byte, n int) []uint8 {
	ret := make([]uint8, n)
	copy(ret, src[:n])
	return ret
}

// PutU8Array writes raw bytes into dst.
func PutU8Array(dst []byte, vs []uint8) {
	copy(dst, vs)
}

// I32Array decodes n little-endian int32 elements from src.
func I32Array(src []byte, n int) []int32 {
	ret := make([]int32, n)
	for i := 0; i < n; i++ {
		ret[i] = I32(src[i*SizeI32:])
	}
	return ret
}

// PutI32Array writes n little-endian int32 elements into dst.
func PutI32Array(dst []byte, vs []int32) {
	for i, v := range vs {
		PutI32(dst[i*SizeI32:], v)
	}
}
