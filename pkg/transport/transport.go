// Package transport defines the connection abstractions shared by every
// transport implementation:
//
// Connection:
//   - A bidirectional byte stream with local and remote addresses
//   - Exposed either as a duplex.Pipe or as a classic io.ReadWriteCloser, never both
//   - Carries a props.Collection for capability negotiation
//   - Closed gracefully (drain, then abort on deadline) or abortively
//
// Listener:
//   - Bound to one endpoint by a ListenerFactory
//   - Accept returns (nil, nil) once the listener has been unbound
//
// Multiplexed variants carry several logical streams over one transport
// connection (QUIC, yamux).
//
// Concrete transports live in subpackages (tcp, unix, namedpipe, memory,
// udp, ws, quic, mux). Most of them wrap a net.Conn with NewStreamConnection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/props"
)

var (
	// ErrAddressInUse is returned by Bind when the endpoint is already bound.
	ErrAddressInUse = errors.New("address already in use")

	// ErrUnsupportedEndpoint is returned by Bind when a factory cannot serve an endpoint.
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint")

	// ErrViewConflict is returned when the stream view of a connection is
	// requested after the pipe view was materialized, or vice versa.
	ErrViewConflict = errors.New("connection view already materialized")

	// ErrConnectionClosed is returned by I/O on a connection that is closing.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectionAborted is observed by readers of an aborted connection.
	ErrConnectionAborted = errors.New("connection aborted")
)

// CloseMethod selects how a connection is closed.
type CloseMethod int

const (
	// CloseGraceful flushes pending output, waits for in-flight I/O and only
	// aborts when the close context expires.
	CloseGraceful CloseMethod = iota

	// CloseAbort tears the connection down immediately.
	CloseAbort
)

func (m CloseMethod) String() string {
	switch m {
	case CloseGraceful:
		return "graceful"
	case CloseAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Connection is one accepted or dialed transport connection.
type Connection interface {
	// ID is unique per process.
	ID() string

	// LocalAddr and RemoteAddr may return nil when the transport has no addresses.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Properties holds the connection's negotiable capabilities.
	Properties() *props.Collection

	// Pipe returns the duplex view. It fails with ErrViewConflict once Stream was called.
	Pipe() (duplex.Pipe, error)

	// Stream returns the classic stream view. It fails with ErrViewConflict once Pipe was called.
	// Closing the stream does not close the connection.
	Stream() (io.ReadWriteCloser, error)

	// SetPipe replaces the underlying transport pipe, for middleware that
	// adapts the byte stream. The next Pipe call returns the replacement.
	SetPipe(p duplex.Pipe) error

	// Closed is closed exactly once, when the peer ends the connection or it is closed locally.
	Closed() <-chan struct{}

	// Close ends the connection. Repeated calls are no-ops.
	Close(ctx context.Context, method CloseMethod) error

	// Abort is Close with CloseAbort, recording reason.
	Abort(reason error)

	// Aborted reports whether the connection ended abortively.
	Aborted() bool
}

// MultiplexedConnection carries several logical stream connections.
type MultiplexedConnection interface {
	ID() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Properties() *props.Collection

	// AcceptStream returns the next inbound stream, or (nil, nil) once the
	// connection is closed.
	AcceptStream(ctx context.Context) (Connection, error)

	// OpenStream opens an outbound stream.
	OpenStream(ctx context.Context) (Connection, error)

	Closed() <-chan struct{}
	Close(ctx context.Context, method CloseMethod) error
}

// Listener accepts connections on one bound endpoint.
type Listener interface {
	// Addr returns the bound address, with port 0 resolved.
	Addr() net.Addr

	Properties() *props.Collection

	// Accept blocks for the next connection. It returns (nil, nil) after
	// Unbind and ctx.Err() when ctx is cancelled.
	Accept(ctx context.Context) (Connection, error)

	// Unbind stops accepting new connections. It is idempotent.
	Unbind(ctx context.Context) error

	// Close unbinds and releases the endpoint.
	Close() error
}

// MultiplexedListener accepts multiplexed connections on one bound endpoint.
type MultiplexedListener interface {
	Addr() net.Addr
	Properties() *props.Collection
	Accept(ctx context.Context) (MultiplexedConnection, error)
	Unbind(ctx context.Context) error
	Close() error
}

// ListenerFactory binds endpoints. Bind never retries; errors are returned
// synchronously and wrap ErrAddressInUse or ErrUnsupportedEndpoint where
// applicable.
type ListenerFactory interface {
	CanBind(ep config.Endpoint) bool
	Bind(ctx context.Context, ep config.Endpoint) (Listener, error)
}

// MultiplexedListenerFactory binds endpoints for multiplexed transports.
type MultiplexedListenerFactory interface {
	CanBind(ep config.Endpoint) bool
	Bind(ctx context.Context, ep config.Endpoint) (MultiplexedListener, error)
}

// FactoryFunc adapts a bind function to ListenerFactory.
type FactoryFunc struct {
	Protocols []config.Protocol
	BindFunc  func(ctx context.Context, ep config.Endpoint) (Listener, error)
}

// CanBind reports whether ep uses one of the factory's protocols.
func (f FactoryFunc) CanBind(ep config.Endpoint) bool {
	for _, p := range f.Protocols {
		if ep.Protocol == p {
			return true
		}
	}
	return false
}

// Bind calls BindFunc.
func (f FactoryFunc) Bind(ctx context.Context, ep config.Endpoint) (Listener, error) {
	if !f.CanBind(ep) {
		return nil, UnsupportedEndpoint(ep)
	}
	return f.BindFunc(ctx, ep)
}

// UnsupportedEndpoint returns an error wrapping ErrUnsupportedEndpoint.
func UnsupportedEndpoint(ep config.Endpoint) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedEndpoint, ep)
}
