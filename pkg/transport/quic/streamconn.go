package quic

import (
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

// StreamConn adapts a *quic.Stream to the net.Conn interface, allowing QUIC
// streams to be used seamlessly with code that expects net.Conn.
type StreamConn struct {
	stream *quic.Stream
	laddr  net.Addr
	raddr  net.Addr
}

// NewStreamConn creates a new StreamConn wrapping the given QUIC stream.
func NewStreamConn(stream *quic.Stream, laddr, raddr net.Addr) *StreamConn {
	return &StreamConn{
		stream: stream,
		laddr:  laddr,
		raddr:  raddr,
	}
}

// Read reads data from the stream.
func (c *StreamConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

// Write writes data to the stream.
func (c *StreamConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

// Close ends the send side with a FIN and stops reading. The QUIC
// connection stays up for other streams.
func (c *StreamConn) Close() error {
	c.stream.CancelRead(errorCodeNoError)
	return c.stream.Close()
}

// SetLinger with sec == 0 resets the send side so the peer sees an abort
// instead of a FIN. Other values are ignored.
func (c *StreamConn) SetLinger(sec int) error {
	if sec == 0 {
		c.stream.CancelWrite(errorCodeAborted)
	}
	return nil
}

// LocalAddr returns the local network address.
func (c *StreamConn) LocalAddr() net.Addr {
	return c.laddr
}

// RemoteAddr returns the remote network address.
func (c *StreamConn) RemoteAddr() net.Addr {
	return c.raddr
}

// SetDeadline sets both read and write deadlines.
func (c *StreamConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *StreamConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *StreamConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}
