package codec

// ParsedOrRaw wraps an underlying raw integer R that may or may not map to
// a recognised enum value P. It always encodes as the raw value; decoding
// tries R -> P and falls back to Raw on failure, so forward-compatible
// firmware that reports a not-yet-known enum value never fails to decode.
type ParsedOrRaw[P any, R comparable] struct {
	parsed  P
	raw     R
	isKnown bool
}

// Parse builds a ParsedOrRaw from a raw value and the table of known
// raw->parsed mappings for this enum. Unknown raw values are kept as Raw.
func Parse[P any, R comparable](raw R, known map[R]P) ParsedOrRaw[P, R] {
	if p, ok := known[raw]; ok {
		return ParsedOrRaw[P, R]{parsed: p, raw: raw, isKnown: true}
	}
	return ParsedOrRaw[P, R]{raw: raw}
}

// FromParsed builds a ParsedOrRaw directly from a known enum value and its
// wire representation.
func FromParsed[P any, R comparable](parsed P, raw R) ParsedOrRaw[P, R] {
	return ParsedOrRaw[P, R]{parsed: parsed, raw: raw, isKnown: true}
}

// Parsed returns the recognised enum value and whether one was found.
func (v ParsedOrRaw[P, R]) Parsed() (P, bool) {
	return v.parsed, v.isKnown
}

// Raw returns the underlying wire value regardless of whether it was
// recognised. This is always what gets written back to the wire.
func (v ParsedOrRaw[P, R]) Raw() R {
	return v.raw
}
