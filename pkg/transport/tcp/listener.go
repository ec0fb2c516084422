// Package tcp provides the TCP listener factory and dialer.
package tcp

import (
	"context"
	"fmt"
	"net"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/transport"
	"dominicbreuker/conntransport/pkg/transport/socket"
)

// Factory binds tcp:// endpoints.
type Factory struct {
	deps   *config.Dependencies
	pool   *mempool.Pool
	logger *log.Logger
}

// NewFactory creates a TCP listener factory. deps may be nil to use the standard library.
func NewFactory(deps *config.Dependencies, pool *mempool.Pool, logger *log.Logger) *Factory {
	return &Factory{deps: deps, pool: pool, logger: logger}
}

// CanBind implements transport.ListenerFactory.
func (f *Factory) CanBind(ep config.Endpoint) bool {
	return ep.Protocol == config.ProtoTCP
}

// Bind implements transport.ListenerFactory.
func (f *Factory) Bind(ctx context.Context, ep config.Endpoint) (transport.Listener, error) {
	if !f.CanBind(ep) {
		return nil, transport.UnsupportedEndpoint(ep)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := ep.Addr()
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", addr, err)
	}

	nl, err := config.GetTCPListenerFunc(f.deps)("tcp", tcpAddr)
	if err != nil {
		return nil, socket.BindError("tcp", addr, err)
	}
	f.logger.VerboseMsg("Listening on tcp://%s", nl.Addr())

	return socket.New(nl, socket.Options{
		Backlog: ep.Options.Backlog,
		Workers: ep.Options.IOQueueCount,
		Conn: transport.ConnOptions{
			Pool:              f.pool,
			MaxReadBufferSize: ep.Options.MaxReadBufferSize,
		},
		Configure: func(nc net.Conn) error {
			return Configure(nc, ep.Options)
		},
		Logger: f.logger,
	}), nil
}

// Configure applies socket options to a TCP connection. Other connection
// types are left alone.
func Configure(nc net.Conn, opts config.EndpointOptions) error {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil
	}

	if err := tc.SetNoDelay(opts.NoDelay); err != nil {
		return fmt.Errorf("SetNoDelay: %w", err)
	}
	if opts.KeepAlive > 0 {
		if err := tc.SetKeepAlive(true); err != nil {
			return fmt.Errorf("SetKeepAlive: %w", err)
		}
		if err := tc.SetKeepAlivePeriod(opts.KeepAlive); err != nil {
			return fmt.Errorf("SetKeepAlivePeriod: %w", err)
		}
	}
	if opts.ReadBufferSize > 0 {
		if err := tc.SetReadBuffer(opts.ReadBufferSize); err != nil {
			return fmt.Errorf("SetReadBuffer: %w", err)
		}
	}
	if opts.WriteBufferSize > 0 {
		if err := tc.SetWriteBuffer(opts.WriteBufferSize); err != nil {
			return fmt.Errorf("SetWriteBuffer: %w", err)
		}
	}
	return nil
}
