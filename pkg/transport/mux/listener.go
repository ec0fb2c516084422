package mux

import (
	"context"
	"net"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

// Factory binds endpoints with an inner stream factory and multiplexes every
// accepted connection.
type Factory struct {
	inner  transport.ListenerFactory
	opts   transport.ConnOptions
	logger *log.Logger
}

// NewFactory decorates inner. opts is the template for stream connections.
func NewFactory(inner transport.ListenerFactory, opts transport.ConnOptions, logger *log.Logger) *Factory {
	return &Factory{inner: inner, opts: opts, logger: logger}
}

// CanBind implements transport.MultiplexedListenerFactory.
func (f *Factory) CanBind(ep config.Endpoint) bool {
	return f.inner.CanBind(ep)
}

// Bind implements transport.MultiplexedListenerFactory.
func (f *Factory) Bind(ctx context.Context, ep config.Endpoint) (transport.MultiplexedListener, error) {
	inner, err := f.inner.Bind(ctx, ep)
	if err != nil {
		return nil, err
	}
	return &Listener{inner: inner, opts: f.opts, logger: f.logger}, nil
}

// Listener yields a Session per connection of the inner listener.
type Listener struct {
	inner  transport.Listener
	opts   transport.ConnOptions
	logger *log.Logger
}

// NewListener wraps an already bound listener.
func NewListener(inner transport.Listener, opts transport.ConnOptions, logger *log.Logger) *Listener {
	return &Listener{inner: inner, opts: opts, logger: logger}
}

func (l *Listener) Addr() net.Addr                { return l.inner.Addr() }
func (l *Listener) Properties() *props.Collection { return l.inner.Properties() }
func (l *Listener) Unbind(ctx context.Context) error {
	return l.inner.Unbind(ctx)
}
func (l *Listener) Close() error { return l.inner.Close() }

// Accept implements transport.MultiplexedListener. Connections whose session
// cannot start are aborted and skipped.
func (l *Listener) Accept(ctx context.Context) (transport.MultiplexedConnection, error) {
	for {
		conn, err := l.inner.Accept(ctx)
		if conn == nil || err != nil {
			return nil, err
		}

		sess, err := Server(conn, l.opts)
		if err != nil {
			l.logger.ErrorMsg("Starting yamux session with %s: %s", conn.RemoteAddr(), err)
			conn.Abort(err)
			continue
		}
		return sess, nil
	}
}
