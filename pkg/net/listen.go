package net

import (
	"context"
	"fmt"
	"time"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/transport"
	"dominicbreuker/conntransport/pkg/transport/memory"
	"dominicbreuker/conntransport/pkg/transport/mux"
	"dominicbreuker/conntransport/pkg/transport/namedpipe"
	"dominicbreuker/conntransport/pkg/transport/quic"
	"dominicbreuker/conntransport/pkg/transport/tcp"
	"dominicbreuker/conntransport/pkg/transport/tlsterm"
	"dominicbreuker/conntransport/pkg/transport/udp"
	"dominicbreuker/conntransport/pkg/transport/unix"
	"dominicbreuker/conntransport/pkg/transport/ws"
)

// ListenOptions configures the listener factories.
type ListenOptions struct {
	// SSL terminates TLS on every accepted connection. Key enables mutual authentication.
	SSL bool
	Key string

	// HandshakeTimeout bounds each TLS handshake.
	HandshakeTimeout time.Duration

	// OnHandshakeFailed observes failed TLS handshakes.
	OnHandshakeFailed func(conn transport.Connection, err error)

	// Memory is the network for memory:// endpoints. A private one is used when nil.
	Memory *memory.Network

	Deps   *config.Dependencies
	Pool   *mempool.Pool
	Logger *log.Logger
}

// ListenerFactory binds every stream protocol.
type ListenerFactory struct {
	factories []transport.ListenerFactory
	opts      ListenOptions
}

// NewListenerFactory creates a factory for tcp, unix, pipe, memory, udp, ws and wss endpoints.
func NewListenerFactory(opts ListenOptions) *ListenerFactory {
	if opts.Memory == nil {
		opts.Memory = memory.NewNetwork()
	}
	return &ListenerFactory{
		opts: opts,
		factories: []transport.ListenerFactory{
			tcp.NewFactory(opts.Deps, opts.Pool, opts.Logger),
			unix.NewFactory(opts.Deps, opts.Pool, opts.Logger),
			namedpipe.NewFactory(opts.Pool, opts.Logger),
			memory.NewFactory(opts.Memory, opts.Pool, opts.Logger),
			udp.NewFactory(opts.Deps, opts.Pool, opts.Logger),
			ws.NewFactory(opts.Deps, opts.Pool, opts.Logger),
		},
	}
}

// CanBind implements transport.ListenerFactory.
func (f *ListenerFactory) CanBind(ep config.Endpoint) bool {
	return f.find(ep) != nil
}

func (f *ListenerFactory) find(ep config.Endpoint) transport.ListenerFactory {
	for _, factory := range f.factories {
		if factory.CanBind(ep) {
			return factory
		}
	}
	return nil
}

// Bind implements transport.ListenerFactory. With SSL the listener is
// wrapped in a TLS terminating decorator.
func (f *ListenerFactory) Bind(ctx context.Context, ep config.Endpoint) (transport.Listener, error) {
	factory := f.find(ep)
	if factory == nil {
		return nil, transport.UnsupportedEndpoint(ep)
	}

	l, err := factory.Bind(ctx, ep)
	if err != nil || !f.opts.SSL {
		return l, err
	}

	tlsConf, err := ServerTLSConfig(f.opts.Key)
	if err != nil {
		l.Close()
		return nil, err
	}
	secured, err := tlsterm.New(l, tlsterm.Options{
		Config:            tlsConf,
		HandshakeTimeout:  f.opts.HandshakeTimeout,
		OnHandshakeFailed: f.opts.OnHandshakeFailed,
		Conn:              transport.ConnOptions{Pool: f.opts.Pool},
		Logger:            f.opts.Logger,
	})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("tlsterm.New(): %w", err)
	}
	return secured, nil
}

// MultiplexedFactory binds quic:// natively and every stream protocol as a
// yamux server over ListenerFactory.
type MultiplexedFactory struct {
	quic   *quic.Factory
	stream *mux.Factory
}

// NewMultiplexedFactory creates a multiplexed factory.
func NewMultiplexedFactory(opts ListenOptions) (*MultiplexedFactory, error) {
	q := quic.NewFactory(opts.Deps, opts.Pool, opts.Logger)
	if opts.SSL {
		tlsConf, err := ServerTLSConfig(opts.Key)
		if err != nil {
			return nil, err
		}
		q.TLSConfig = tlsConf
	}

	return &MultiplexedFactory{
		quic:   q,
		stream: mux.NewFactory(NewListenerFactory(opts), transport.ConnOptions{Pool: opts.Pool}, opts.Logger),
	}, nil
}

// CanBind implements transport.MultiplexedListenerFactory.
func (f *MultiplexedFactory) CanBind(ep config.Endpoint) bool {
	return f.quic.CanBind(ep) || f.stream.CanBind(ep)
}

// Bind implements transport.MultiplexedListenerFactory.
func (f *MultiplexedFactory) Bind(ctx context.Context, ep config.Endpoint) (transport.MultiplexedListener, error) {
	if f.quic.CanBind(ep) {
		return f.quic.Bind(ctx, ep)
	}
	return f.stream.Bind(ctx, ep)
}
