package quic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	quic "github.com/quic-go/quic-go"

	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

// Conn implements transport.MultiplexedConnection over a QUIC connection.
type Conn struct {
	qc    *quic.Conn
	id    string
	props *props.Collection
	opts  transport.ConnOptions

	closeOnce sync.Once
}

func newConn(qc *quic.Conn, opts transport.ConnOptions) *Conn {
	c := &Conn{
		qc:   qc,
		id:   transport.NewConnectionID(),
		opts: opts,
	}
	hs := transport.NewTLSHandshake(qc.ConnectionState().TLS)
	c.props = props.New(
		props.Builtin[transport.ConnectionIDFeature](c),
		props.Builtin(hs),
	)
	return c
}

func (c *Conn) ID() string                    { return c.id }
func (c *Conn) ConnectionID() string          { return c.id }
func (c *Conn) LocalAddr() net.Addr           { return c.qc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr          { return c.qc.RemoteAddr() }
func (c *Conn) Properties() *props.Collection { return c.props }
func (c *Conn) Closed() <-chan struct{}       { return c.qc.Context().Done() }

// AcceptStream implements transport.MultiplexedConnection.
func (c *Conn) AcceptStream(ctx context.Context) (transport.Connection, error) {
	s, err := c.qc.AcceptStream(ctx)
	if err != nil {
		if c.qc.Context().Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("AcceptStream(): %w", err)
	}
	return c.wrap(s), nil
}

// OpenStream implements transport.MultiplexedConnection.
func (c *Conn) OpenStream(ctx context.Context) (transport.Connection, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		if c.qc.Context().Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("OpenStreamSync(): %w", err)
	}
	return c.wrap(s), nil
}

func (c *Conn) wrap(s *quic.Stream) transport.Connection {
	opts := c.opts
	hs, _ := props.Get[*transport.TLSHandshake](c.props)
	opts.Properties = append(append([]props.Option(nil), opts.Properties...),
		props.Builtin(hs),
		props.Builtin[transport.MultiplexedConnection](c),
	)
	return transport.NewStreamConnection(NewStreamConn(s, c.qc.LocalAddr(), c.qc.RemoteAddr()), opts)
}

// Close implements transport.MultiplexedConnection. Both methods close every
// stream; they differ in the error code sent to the peer.
func (c *Conn) Close(ctx context.Context, method transport.CloseMethod) error {
	var err error
	c.closeOnce.Do(func() {
		if method == transport.CloseAbort || ctx.Err() != nil {
			err = c.qc.CloseWithError(connCodeAborted, "aborted")
			return
		}
		err = c.qc.CloseWithError(connCodeNoError, "")
	})
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return nil
	}
	return err
}
