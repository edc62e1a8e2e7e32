package examplebrick

import (
	"net"
	"testing"
	"time"

	"tinkerlink/codec"
	"tinkerlink/ipconn"
	"tinkerlink/packet"
)

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

func (d *fakeDaemon) accept() {
	conn, err := d.ln.Accept()
	if err != nil {
		return
	}
	d.conn = conn
	go func() {
		header := make([]byte, packet.HeaderSize)
		for {
			if _, err := readFull(conn, header); err != nil {
				return
			}
			h := packet.Unpack(header)
			body := make([]byte, int(h.Length)-packet.HeaderSize)
			if len(body) > 0 {
				if _, err := readFull(conn, body); err != nil {
					return
				}
			}
			d.received <- packet.Data{Header: h, Body: body}
		}
	}()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

func newTestBrick(t *testing.T) (*Brick, *fakeDaemon) {
	t.Helper()
	d := newFakeDaemon(t)
	go d.accept()

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

	b, err := New("EHc", conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, d
}

func TestSetPositionAwaitsAcknowledgement(t *testing.T) {
	b, d := newTestBrick(t)
	defer d.close()

	errCh := make(chan error, 1)
	go func() { errCh <- b.SetPosition(10, -20) }()

	req := <-d.received
	if !req.Header.ResponseExpected {
		t.Fatalf("expected response_expected=true for SetPosition")
	}
	if got := codec.I32(req.Body[0:4]); got != 10 {
		t.Errorf("encoded x = %d, want 10", got)
	}
	if got := codec.I32(req.Body[4:8]); got != -20 {
		t.Errorf("encoded y = %d, want -20", got)
	}

	d.sendResponse(packet.Header{UID: 130221, FunctionID: functionSetPosition, SequenceNumber: req.Header.SequenceNumber}, nil)
	if err := <-errCh; err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
}

func TestGetPositionDecodesResponse(t *testing.T) {
	b, d := newTestBrick(t)
	defer d.close()

	resultCh := make(chan Position, 1)
	errCh := make(chan error, 1)
	go func() {
		p, err := b.GetPosition()
		resultCh <- p
		errCh <- err
	}()

	req := <-d.received
	d.sendResponse(packet.Header{UID: 130221, FunctionID: functionGetPosition, SequenceNumber: req.Header.SequenceNumber}, encodePosition(Position{X: 3, Y: 4}))

	got := <-resultCh
	if err := <-errCh; err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.X != 3 || got.Y != 4 {
		t.Errorf("got %+v, want {3 4}", got)
	}
}

func TestGetSpeedFallsBackToRawForUnknownPreset(t *testing.T) {
	b, d := newTestBrick(t)
	defer d.close()

	resultCh := make(chan codec.ParsedOrRaw[Speed, uint8], 1)
	go func() {
		v, _ := b.GetSpeed()
		resultCh <- v
	}()
	req := <-d.received
	d.sendResponse(packet.Header{UID: 130221, FunctionID: functionGetSpeed, SequenceNumber: req.Header.SequenceNumber}, []byte{99})

	got := <-resultCh
	if _, ok := got.Parsed(); ok {
		t.Errorf("expected unknown raw speed 99 to not parse")
	}
	if got.Raw() != 99 {
		t.Errorf("raw = %d, want 99", got.Raw())
	}
}

func TestGetSpeedParsesKnownPreset(t *testing.T) {
	b, d := newTestBrick(t)
	defer d.close()

	resultCh := make(chan codec.ParsedOrRaw[Speed, uint8], 1)
	go func() {
		v, _ := b.GetSpeed()
		resultCh <- v
	}()
	req := <-d.received
	d.sendResponse(packet.Header{UID: 130221, FunctionID: functionGetSpeed, SequenceNumber: req.Header.SequenceNumber}, []byte{uint8(SpeedFast)})

	got := <-resultCh
	parsed, ok := got.Parsed()
	if !ok || parsed != SpeedFast {
		t.Errorf("got (%v, %v), want (SpeedFast, true)", parsed, ok)
	}
}

func TestCalibrateReturnsAppliedOffset(t *testing.T) {
	b, d := newTestBrick(t)
	defer d.close()

	resultCh := make(chan Position, 1)
	errCh := make(chan error, 1)
	go func() {
		p, err := b.Calibrate()
		resultCh <- p
		errCh <- err
	}()

	req := <-d.received
	if !req.Header.ResponseExpected {
		t.Fatalf("expected response_expected=true for Calibrate")
	}
	d.sendResponse(packet.Header{UID: 130221, FunctionID: functionCalibrate, SequenceNumber: req.Header.SequenceNumber}, encodePosition(Position{X: -1, Y: 1}))

	got := <-resultCh
	if err := <-errCh; err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if got.X != -1 || got.Y != 1 {
		t.Errorf("got %+v, want {-1 1}", got)
	}
}

func TestPositionChangedStreamsDecodedEvents(t *testing.T) {
	b, d := newTestBrick(t)
	defer d.close()

	events := b.PositionChanged()
	d.sendResponse(packet.Header{UID: 130221, FunctionID: callbackPositionChanged}, encodePosition(Position{X: 1, Y: 2}))

	select {
	case p := <-events:
		if p.X != 1 || p.Y != 2 {
			t.Errorf("got %+v, want {1 2}", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for callback event")
	}
}
