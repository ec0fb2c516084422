// Package namedpipe provides the named pipe listener factory and dialer.
//
// On Windows pipes are native named pipes served through go-winio. Elsewhere
// a pipe is a Unix domain socket in the temp directory named after the pipe.
// Binding takes a named lock keyed by the pipe name so a second bind of the
// same name fails with transport.ErrAddressInUse.
package namedpipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
	"dominicbreuker/conntransport/pkg/transport/socket"
)

// ErrRemotePipe is returned when binding a pipe on a server other than ".".
var ErrRemotePipe = errors.New("named pipes can only be bound on the local machine")

// ErrInvalidPipeName is returned for names that are empty, contain a path
// separator or a NUL byte, or are "." or "..".
var ErrInvalidPipeName = errors.New("invalid pipe name")

// LocalServer is the server name of the local machine.
const LocalServer = "."

// PipeName is a listener feature holding the bound pipe name.
type PipeName string

// Factory binds pipe:// endpoints.
type Factory struct {
	pool   *mempool.Pool
	logger *log.Logger
}

// NewFactory creates a named pipe listener factory.
func NewFactory(pool *mempool.Pool, logger *log.Logger) *Factory {
	return &Factory{pool: pool, logger: logger}
}

// CanBind implements transport.ListenerFactory.
func (f *Factory) CanBind(ep config.Endpoint) bool {
	return ep.Protocol == config.ProtoPipe
}

// Bind implements transport.ListenerFactory.
func (f *Factory) Bind(ctx context.Context, ep config.Endpoint) (transport.Listener, error) {
	if !f.CanBind(ep) {
		return nil, transport.UnsupportedEndpoint(ep)
	}
	if ep.Host != LocalServer {
		return nil, fmt.Errorf("bind %s: %w", ep, ErrRemotePipe)
	}
	if err := validateName(ep.Path); err != nil {
		return nil, fmt.Errorf("bind %s: %w", ep, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock, err := lock(ep.Path)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", ep, err)
	}

	nl, err := listen(ep.Path, ep.Options)
	if err != nil {
		unlock()
		return nil, socket.BindError("pipe", ep.Path, err)
	}
	f.logger.VerboseMsg("Listening on %s", ep)

	return socket.New(nl, socket.Options{
		Backlog: ep.Options.Backlog,
		Workers: ep.Options.IOQueueCount,
		Conn: transport.ConnOptions{
			Pool:              f.pool,
			MaxReadBufferSize: ep.Options.MaxReadBufferSize,
		},
		Properties: []props.Option{props.Builtin(PipeName(ep.Path))},
		OnClose: func() error {
			unlock()
			return nil
		},
		Logger: f.logger,
	}), nil
}

// Dial connects to the pipe named by ep. Clients may connect to remote
// servers on Windows; ep.Options.Impersonation selects the level granted
// to the server.
func Dial(ctx context.Context, ep config.Endpoint) (net.Conn, error) {
	if err := validateName(ep.Path); err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	conn, err := dial(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	return conn, nil
}

// validateName keeps a pipe name inside the directory pipes live in.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidPipeName, name)
	}
	return nil
}
