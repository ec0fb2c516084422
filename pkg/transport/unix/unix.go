// Package unix provides the Unix domain socket listener factory and dialer.
package unix

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

// Factory binds unix:// endpoints.
type Factory struct {
	deps   *config.Dependencies
	pool   *mempool.Pool
	logger *log.Logger
}

// NewFactory creates a Unix socket listener factory.
func NewFactory(deps *config.Dependencies, pool *mempool.Pool, logger *log.Logger) *Factory {
	return &Factory{deps: deps, pool: pool, logger: logger}
}

// CanBind implements transport.ListenerFactory.
func (f *Factory) CanBind(ep config.Endpoint) bool {
	return ep.Protocol == config.ProtoUnix
}

// Bind implements transport.ListenerFactory. An existing socket file is
// reported as ErrAddressInUse; the file is removed when the listener closes.
func (f *Factory) Bind(ctx context.Context, ep config.Endpoint) (transport.Listener, error) {
	if !f.CanBind(ep) {
		return nil, transport.UnsupportedEndpoint(ep)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return Listen(ep.Path, ep.Options, f.deps, f.pool, f.logger)
}

// Listen binds a Unix socket at path and wraps it as a transport.Listener.
func Listen(path string, opts config.EndpointOptions, deps *config.Dependencies, pool *mempool.Pool, logger *log.Logger, extra ...func(*socket.Options)) (*socket.Listener, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	nl, err := config.GetUnixListenerFunc(deps)("unix", addr)
	if err != nil {
		return nil, socket.BindError("unix", path, err)
	}
	logger.VerboseMsg("Listening on unix://%s", path)

	so := socket.Options{
		Backlog: opts.Backlog,
		Workers: opts.IOQueueCount,
		Conn: transport.ConnOptions{
			Pool:              pool,
			MaxReadBufferSize: opts.MaxReadBufferSize,
		},
		Logger: logger,
	}
	for _, fn := range extra {
		fn(&so)
	}
	return socket.New(nl, so), nil
}

// Dial connects to the Unix socket at path.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial(unix, %s): %w", path, err)
	}
	return conn, nil
}
