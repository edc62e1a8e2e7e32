package packet

import (
	"bytes"
	"testing"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	for seq := uint8(0); seq <= 15; seq++ {
		for ec := ErrorCode(0); ec <= 3; ec++ {
			h := Header{
				UID:              0xDEADBEEF,
				Length:           8,
				FunctionID:       42,
				SequenceNumber:   seq,
				ResponseExpected: seq%2 == 0,
				ErrorCode:        ec,
			}
			buf := make([]byte, HeaderSize)
			Pack(h, buf)
			got := Unpack(buf)
			if got != h {
				t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
			}
		}
	}
}

func TestEnumerateRequestFrame(t *testing.T) {
	// Enumerate request on a fresh connection with seq=2, uid=0, fid=254,
	// response_expected=true.
	h, err := NewHeader(0, 254, 2, true, 0)
	if err != nil {
		t.Fatalf("NewHeader: %v", err)
	}
	buf := make([]byte, HeaderSize)
	Pack(h, buf)

	want := []byte{0x00, 0x00, 0x00, 0x00, 0x08, 0xFE, 0x28, 0x00}
	if !bytes.Equal(buf, want) {
		t.Errorf("packed header = % x, want % x", buf, want)
	}
}

func TestNewHeaderRejectsOversizedFrame(t *testing.T) {
	if _, err := NewHeader(1, 1, 1, true, MaxPayloadSize); err != nil {
		t.Fatalf("payload of exactly MaxPayloadSize should be accepted: %v", err)
	}
	if _, err := NewHeader(1, 1, 1, true, MaxPayloadSize+1); err == nil {
		t.Fatalf("expected error for payload exceeding MaxPayloadSize")
	}
}

func TestLengthInvariant(t *testing.T) {
	h, err := NewHeader(1, 2, 1, true, 10)
	if err != nil {
		t.Fatalf("NewHeader: %v", err)
	}
	if int(h.Length) != HeaderSize+10 {
		t.Errorf("Length = %d, want %d", h.Length, HeaderSize+10)
	}
}
