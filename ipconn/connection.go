// Package ipconn implements the connection multiplexer: one TCP socket
// shared by many logical devices, with a reader task demultiplexing
// frames into a broadcast fan-out, a writer serializing outgoing frames
// under an exclusive lock, and sequence-number allocation.
package ipconn

import (
	"context"
	"net"
	"sync"
	"time"

	"tinkerlink/packet"
	"tinkerlink/tferrors"
	"tinkerlink/tflog"
)

// DefaultTimeout is the default correlator timeout for get/set calls.
const DefaultTimeout = 5 * time.Second

// SetDataTimeout is the longer timeout for set calls whose response
// reflects device-side work (flash writes, calibration) rather than a
// plain acknowledgement.
const SetDataTimeout = 20 * time.Second

// BroadcastBufferSize is the default bounded capacity of the broadcast
// channel each subscriber receives.
const BroadcastBufferSize = 16

// AuthenticateFunc is a hook point the wire format does not preclude: if
// set, Connect invokes it after the TCP handshake and before the reader
// task starts. The core never implements the handshake itself.
type AuthenticateFunc func(conn net.Conn) error

// Connection owns one TCP socket split into a reader task and a
// mutex-guarded writer, and fans incoming frames out to every observer
// through a broadcast hub.
type Connection struct {
	conn net.Conn

	writeMu sync.Mutex
	seqNum  uint8 // last sequence number handed out (0 before the first); nextSeq wraps 1..15

	hub *broadcastHub

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	closeMu   sync.Mutex
}

// Option configures Connect.
type Option func(*connectOptions)

type connectOptions struct {
	authenticate AuthenticateFunc
	bufferSize   int
}

// WithAuthenticate installs an AuthenticateFunc run right after dialing.
func WithAuthenticate(fn AuthenticateFunc) Option {
	return func(o *connectOptions) { o.authenticate = fn }
}

// WithBroadcastBufferSize overrides BroadcastBufferSize.
func WithBroadcastBufferSize(n int) Option {
	return func(o *connectOptions) { o.bufferSize = n }
}

// Connect dials addr over TCP (disabling Nagle's algorithm), spawns the
// background reader task, and returns a ready-to-use Connection. This is
// a single-shot connect: persistent reconnection is a caller concern.
func Connect(addr string, opts ...Option) (*Connection, error) {
	return ConnectContext(context.Background(), addr, opts...)
}

// ConnectContext is Connect with a context bounding the dial itself (not
// the connection's subsequent lifetime).
func ConnectContext(ctx context.Context, addr string, opts ...Option) (*Connection, error) {
	cfg := connectOptions{bufferSize: BroadcastBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	tflog.Log("conn", "dialing %s", addr)
	tcpConn, err := dialContext(ctx, "tcp", addr)
	if err != nil {
		tflog.Log("conn", "dial %s failed: %v", addr, err)
		return nil, tferrors.IO("connect", err)
	}
	if tc, ok := tcpConn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	if cfg.authenticate != nil {
		if err := cfg.authenticate(tcpConn); err != nil {
			tcpConn.Close()
			return nil, tferrors.IO("authenticate", err)
		}
	}

	c := &Connection{
		conn:   tcpConn,
		seqNum: 0,
		hub:    newBroadcastHub(cfg.bufferSize),
		closed: make(chan struct{}),
	}

	go c.readLoop()

	tflog.Log("conn", "connected to %s", addr)
	return c, nil
}

// Close closes the underlying socket. The reader task observes EOF/error
// on its next read and terminates, which closes the broadcast hub and
// wakes every pending subscriber with channel closure.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// Done returns a channel closed once the connection's reader task has
// terminated (socket error, EOF, or explicit Close).
func (c *Connection) Done() <-chan struct{} {
	return c.hub.done
}

// Err returns the error that caused the reader task to terminate, if any.
func (c *Connection) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

func (c *Connection) setErr(err error) {
	c.closeMu.Lock()
	c.closeErr = err
	c.closeMu.Unlock()
}

// readLoop is the reader task: it runs until the socket errors or hits
// EOF, demultiplexing frames into the broadcast hub. A grossly malformed
// header (declared length shorter than the header itself) is treated as
// a protocol violation by the daemon and is fatal for the connection.
func (c *Connection) readLoop() {
	defer c.hub.closeAll()

	header := make([]byte, packet.HeaderSize)
	for {
		if _, err := readFull(c.conn, header); err != nil {
			tflog.Log("conn", "reader task terminating: %v", err)
			c.setErr(err)
			return
		}
		h := packet.Unpack(header)
		if int(h.Length) < packet.HeaderSize {
			tflog.Log("conn", "reader task terminating: malformed header length %d", h.Length)
			c.setErr(packet.ErrShortHeader)
			return
		}
		bodySize := int(h.Length) - packet.HeaderSize
		var body []byte
		if bodySize > 0 {
			body = make([]byte, bodySize)
			if _, err := readFull(c.conn, body); err != nil {
				tflog.Log("conn", "reader task terminating: %v", err)
				c.setErr(err)
				return
			}
		}
		c.hub.publish(packet.Data{Header: h, Body: body})
	}
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

// nextSeq allocates the next sequence number, monotonic modulo 15,
// wrapping to 1 when exceeding 15, and never emitting 0 (reserved for
// unsolicited callbacks). Must be called with writeMu held.
func (c *Connection) nextSeq() uint8 {
	c.seqNum++
	if c.seqNum > 15 {
		c.seqNum = 1
	}
	return c.seqNum
}

// writeFrame serializes header+payload as one contiguous write, under
// the connection's exclusive write lock. Sequence allocation happens
// inside the same critical section so written bytes and the assigned
// sequence number are atomic with respect to other writers.
func (c *Connection) writeFrame(uidVal uint32, functionID uint8, payload []byte, responseExpected bool) (uint8, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.hub.done:
		return 0, tferrors.NotConnected
	default:
	}

	seq := c.nextSeq()
	h, err := packet.NewHeader(uidVal, functionID, seq, responseExpected, len(payload))
	if err != nil {
		return 0, err
	}

	frame := make([]byte, h.Length)
	packet.Pack(h, frame)
	copy(frame[packet.HeaderSize:], payload)

	if _, err := c.conn.Write(frame); err != nil {
		tflog.Log("conn", "write failed: %v", err)
		return 0, tferrors.IO("write", err)
	}
	return seq, nil
}

// subscribe returns a fresh broadcast subscription. Subscribing is cheap
// (it only registers a channel); it must happen before sending a request
// whose response the caller intends to correlate, or the response may
// arrive and be dropped before the subscription exists.
func (c *Connection) subscribe() *subscription {
	return c.hub.subscribe()
}

// Context-aware helper kept for callers that want to bound a blocking
// Connect with a context (e.g. a CLI's --connect-timeout flag).
func dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}
