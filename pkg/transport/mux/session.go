// Package mux multiplexes stream connections with yamux. A Session turns one
// transport.Connection into a transport.MultiplexedConnection, and Factory
// decorates a ListenerFactory so its listeners yield sessions.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

// CloseTimeout bounds the graceful close of the carrier connection when a
// session shuts down on its own.
var CloseTimeout = 5 * time.Second

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()

	//cfg.StreamOpenTimeout = 5 * time.Second // default=75s, yamux timeout will close the entire session

	cfg.LogOutput = nil
	cfg.Logger = log.New(ioutil.Discard, "", log.LstdFlags) // discard all console logging in yamux

	return cfg
}

// Session implements transport.MultiplexedConnection over a yamux session
// carried by one connection.
type Session struct {
	mux     *yamux.Session
	carrier transport.Connection
	id      string
	props   *props.Collection
	opts    transport.ConnOptions

	closeOnce sync.Once
	closeErr  error
}

// Server starts the accepting side of a session over conn.
func Server(conn transport.Connection, opts transport.ConnOptions) (*Session, error) {
	return newSession(conn, opts, yamux.Server)
}

// Client starts the opening side of a session over conn.
func Client(conn transport.Connection, opts transport.ConnOptions) (*Session, error) {
	return newSession(conn, opts, yamux.Client)
}

func newSession(conn transport.Connection, opts transport.ConnOptions, start func(io.ReadWriteCloser, *yamux.Config) (*yamux.Session, error)) (*Session, error) {
	stream, err := conn.Stream()
	if err != nil {
		return nil, fmt.Errorf("conn.Stream(): %w", err)
	}

	sess, err := start(&carrierStream{ReadWriteCloser: stream, conn: conn}, yamuxConfig())
	if err != nil {
		return nil, fmt.Errorf("yamux session: %w", err)
	}

	s := &Session{
		mux:     sess,
		carrier: conn,
		id:      transport.NewConnectionID(),
		opts:    opts,
	}
	// carrier features such as a TLS handshake stay visible on the session
	s.props = props.New(
		props.Builtin[transport.ConnectionIDFeature](s),
		props.WithFallback(conn.Properties().TryGet),
	)
	return s, nil
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) ConnectionID() string          { return s.id }
func (s *Session) LocalAddr() net.Addr           { return s.carrier.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr          { return s.carrier.RemoteAddr() }
func (s *Session) Properties() *props.Collection { return s.props }
func (s *Session) Closed() <-chan struct{}       { return s.mux.CloseChan() }

// NumStreams returns the number of open streams.
func (s *Session) NumStreams() int { return s.mux.NumStreams() }

// AcceptStream implements transport.MultiplexedConnection.
func (s *Session) AcceptStream(ctx context.Context) (transport.Connection, error) {
	st, err := s.mux.AcceptStreamWithContext(ctx)
	if err != nil {
		if s.mux.IsClosed() || errors.Is(err, yamux.ErrSessionShutdown) {
			return nil, nil
		}
		return nil, fmt.Errorf("AcceptStreamWithContext(): %w", err)
	}
	return s.wrap(st), nil
}

// OpenStream implements transport.MultiplexedConnection.
func (s *Session) OpenStream(ctx context.Context) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st, err := s.mux.OpenStream()
	if err != nil {
		if s.mux.IsClosed() || errors.Is(err, yamux.ErrSessionShutdown) {
			return nil, nil
		}
		return nil, fmt.Errorf("OpenStream(): %w", err)
	}
	return s.wrap(st), nil
}

func (s *Session) wrap(st *yamux.Stream) transport.Connection {
	opts := s.opts
	opts.Properties = append(append([]props.Option(nil), opts.Properties...),
		props.Builtin[transport.MultiplexedConnection](s),
		props.WithFallback(s.props.TryGet),
	)
	return transport.NewStreamConnection(st, opts)
}

// Close implements transport.MultiplexedConnection. A graceful close sends
// GoAway first and closes the carrier gracefully.
func (s *Session) Close(ctx context.Context, method transport.CloseMethod) error {
	s.closeOnce.Do(func() {
		if method == transport.CloseAbort || ctx.Err() != nil {
			s.carrier.Abort(transport.ErrConnectionAborted)
			s.closeErr = s.mux.Close()
			return
		}

		_ = s.mux.GoAway()
		err := s.mux.Close()
		if cerr := s.carrier.Close(ctx, method); cerr != nil {
			err = errors.Join(err, cerr)
		}
		s.closeErr = err
	})
	return s.closeErr
}

// carrierStream closes the carrier connection when yamux closes the stream.
type carrierStream struct {
	io.ReadWriteCloser
	conn transport.Connection
}

func (c *carrierStream) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
	defer cancel()

	c.ReadWriteCloser.Close()
	return c.conn.Close(ctx, transport.CloseGraceful)
}
