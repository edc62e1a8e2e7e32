package device

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"tinkerlink/ipconn"
	"tinkerlink/packet"
	"tinkerlink/tferrors"
)

// fakeDaemon mirrors ipconn's test helper: a bare TCP listener that
// records every frame written to it and can push arbitrary frames back.
type fakeDaemon struct {
	ln       net.Listener
	conn     net.Conn
	received chan packet.Data
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeDaemon{ln: ln, received: make(chan packet.Data, 16)}
}

func (d *fakeDaemon) addr() string { return d.ln.Addr().String() }

func (d *fakeDaemon) accept(t *testing.T) {
	conn, err := d.ln.Accept()
	if err != nil {
		return
	}
	d.conn = conn
	go func() {
		header := make([]byte, packet.HeaderSize)
		for {
			if _, err := readFullTest(conn, header); err != nil {
				return
			}
			h := packet.Unpack(header)
			body := make([]byte, int(h.Length)-packet.HeaderSize)
			if len(body) > 0 {
				if _, err := readFullTest(conn, body); err != nil {
					return
				}
			}
			d.received <- packet.Data{Header: h, Body: body}
		}
	}()
}

func readFullTest(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (d *fakeDaemon) sendResponse(h packet.Header, body []byte) {
	h.Length = uint8(packet.HeaderSize + len(body))
	frame := make([]byte, h.Length)
	packet.Pack(h, frame)
	copy(frame[packet.HeaderSize:], body)
	d.conn.Write(frame)
}

func (d *fakeDaemon) close() {
	if d.conn != nil {
		d.conn.Close()
	}
	d.ln.Close()
}

func newTestDevice(t *testing.T) (*Device, *fakeDaemon) {
	t.Helper()
	d := newFakeDaemon(t)
	go d.accept(t)

	conn, err := ipconn.Connect(d.addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	deadline := time.After(time.Second)
	for d.conn == nil {
		select {
		case <-deadline:
			t.Fatalf("daemon never accepted connection")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	dev, err := New("EHc", conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return dev, d
}

func TestResponseExpectedTableDefaultsToInvalid(t *testing.T) {
	dev, d := newTestDevice(t)
	defer d.close()

	if _, err := dev.GetResponseExpected(1); err == nil {
		t.Fatalf("expected error for unregistered function id")
	}
	if err := dev.SetResponseExpected(1, true); err == nil {
		t.Fatalf("expected error setting unregistered function id")
	}
}

func TestSetResponseExpectedRejectsAlwaysTrue(t *testing.T) {
	dev, d := newTestDevice(t)
	defer d.close()

	dev.RegisterFunction(1, AlwaysTrue)
	if err := dev.SetResponseExpected(1, false); err == nil {
		t.Fatalf("expected error downgrading an AlwaysTrue function")
	}
}

func TestSetResponseExpectedAllLeavesAlwaysTrueAndInvalidUntouched(t *testing.T) {
	dev, d := newTestDevice(t)
	defer d.close()

	dev.RegisterFunction(1, False)
	dev.RegisterFunction(2, AlwaysTrue)
	// function id 3 stays InvalidFunctionId (never registered)

	dev.SetResponseExpectedAll(true)

	got, err := dev.GetResponseExpected(1)
	if err != nil || !got {
		t.Errorf("function 1: got (%v, %v), want (true, nil)", got, err)
	}
	got, err = dev.GetResponseExpected(2)
	if err != nil || !got {
		t.Errorf("function 2 (AlwaysTrue): got (%v, %v), want (true, nil)", got, err)
	}
	if _, err := dev.GetResponseExpected(3); err == nil {
		t.Errorf("function 3: expected still-invalid error")
	}
}

func TestSetHonoursResponseExpectedPolicy(t *testing.T) {
	dev, d := newTestDevice(t)
	defer d.close()

	dev.RegisterFunction(5, False)
	p, err := dev.Set(5, []byte{1})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil response for a False policy set")
	}
	req := <-d.received
	if req.Header.ResponseExpected {
		t.Errorf("expected response_expected=false on wire")
	}

	dev.RegisterFunction(6, True)
	resultCh := make(chan *packet.Data, 1)
	go func() {
		p, _ := dev.Set(6, []byte{2})
		resultCh <- p
	}()
	req = <-d.received
	if !req.Header.ResponseExpected {
		t.Fatalf("expected response_expected=true on wire")
	}
	d.sendResponse(packet.Header{UID: dev.UIDNumeric(), FunctionID: 6, SequenceNumber: req.Header.SequenceNumber}, nil)
	if got := <-resultCh; got == nil {
		t.Errorf("expected a non-nil response for a True policy set")
	}
}

func TestSetOnUnregisteredFunctionAwaitsResponse(t *testing.T) {
	dev, d := newTestDevice(t)
	defer d.close()

	// Function id 99 was never registered; only an explicit False entry
	// skips the wait, so this must go out with response_expected=true
	// and block for the acknowledgement.
	resultCh := make(chan *packet.Data, 1)
	go func() {
		p, _ := dev.Set(99, []byte{1})
		resultCh <- p
	}()
	req := <-d.received
	if !req.Header.ResponseExpected {
		t.Fatalf("expected response_expected=true for an unregistered function")
	}
	d.sendResponse(packet.Header{UID: dev.UIDNumeric(), FunctionID: 99, SequenceNumber: req.Header.SequenceNumber}, nil)
	if got := <-resultCh; got == nil {
		t.Errorf("expected a non-nil response")
	}
}

func TestGetAlwaysAwaitsResponse(t *testing.T) {
	dev, d := newTestDevice(t)
	defer d.close()

	resultCh := make(chan packet.Data, 1)
	go func() {
		p, _ := dev.Get(10, nil)
		resultCh <- p
	}()
	req := <-d.received
	if !req.Header.ResponseExpected {
		t.Fatalf("Get must always set response_expected=true")
	}
	d.sendResponse(packet.Header{UID: dev.UIDNumeric(), FunctionID: 10, SequenceNumber: req.Header.SequenceNumber}, []byte{7})
	got := <-resultCh
	if got.Body[0] != 7 {
		t.Errorf("got body %v, want [7]", got.Body)
	}
}

func TestGetWireErrorTranslatesToTaxonomy(t *testing.T) {
	dev, d := newTestDevice(t)
	defer d.close()

	errCh := make(chan error, 1)
	go func() {
		_, err := dev.Get(11, nil)
		errCh <- err
	}()
	req := <-d.received
	d.sendResponse(packet.Header{UID: dev.UIDNumeric(), FunctionID: 11, SequenceNumber: req.Header.SequenceNumber, ErrorCode: packet.ErrorInvalidParameter}, nil)
	err := <-errCh
	if !errors.Is(err, &tferrors.Error{Kind: tferrors.KindInvalidParameter}) {
		t.Errorf("expected KindInvalidParameter, got %v", err)
	}
}

func TestCallbackStreamEndsOnDeviceDisconnect(t *testing.T) {
	dev, d := newTestDevice(t)
	defer d.close()

	stream := dev.CallbackStream(20)
	defer stream.Close()

	d.sendResponse(packet.Header{UID: dev.UIDNumeric(), FunctionID: 20}, []byte{9})
	p, ok := stream.Next()
	if !ok || p.Body[0] != 9 {
		t.Fatalf("expected a callback frame, got ok=%v p=%+v", ok, p)
	}

	body := make([]byte, ipconn.EnumerateResponseSize)
	copy(body[0:8], "EHc\x00\x00\x00\x00\x00")
	body[25] = 2 // Disconnected
	d.sendResponse(packet.Header{UID: 0, FunctionID: 253}, body)

	if _, ok := stream.Next(); ok {
		t.Fatalf("expected stream to end after device disconnect")
	}
}

func TestDecodeCallbackSkipsUndecodableFrames(t *testing.T) {
	dev, d := newTestDevice(t)
	defer d.close()

	stream := dev.CallbackStream(30)
	defer stream.Close()

	out := DecodeCallback(stream, func(body []byte) (uint32, error) {
		if len(body) < 4 {
			return 0, tferrors.MalformedPacket(30, len(body), 4)
		}
		return binary.LittleEndian.Uint32(body), nil
	})

	d.sendResponse(packet.Header{UID: dev.UIDNumeric(), FunctionID: 30}, []byte{1}) // too short, skipped
	d.sendResponse(packet.Header{UID: dev.UIDNumeric(), FunctionID: 30}, []byte{42, 0, 0, 0})

	select {
	case v := <-out:
		if v != 42 {
			t.Errorf("got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for decoded callback value")
	}
}
