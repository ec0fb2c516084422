package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"dominicbreuker/conntransport/pkg/duplex"
)

// NetConn exposes the pipe view of conn as a net.Conn for libraries that
// need one, such as crypto/tls. Closing the returned conn interrupts a
// pending Read but leaves conn open; the owner closes conn. Deadlines are
// accepted and ignored.
func NetConn(conn Connection) (net.Conn, error) {
	p, err := conn.Pipe()
	if err != nil {
		return nil, err
	}
	return &pipeNetConn{conn: conn, in: p.Input(), out: p.Output()}, nil
}

type pipeNetConn struct {
	conn   Connection
	in     duplex.PipeReader
	out    duplex.PipeWriter
	closed atomic.Bool
}

func (c *pipeNetConn) Read(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	n, err := c.in.Read(b)
	if errors.Is(err, duplex.ErrReadCanceled) && c.closed.Load() {
		return n, net.ErrClosed
	}
	return n, err
}

func (c *pipeNetConn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	n, err := c.out.Write(b)
	if err != nil {
		return n, err
	}
	return n, c.out.Flush(context.Background())
}

func (c *pipeNetConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.in.CancelPendingRead()
	}
	return nil
}

func (c *pipeNetConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *pipeNetConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *pipeNetConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeNetConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeNetConn) SetWriteDeadline(t time.Time) error { return nil }
