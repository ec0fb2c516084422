package udp

import (
	"context"
	"errors"
	"fmt"
	"net"

	kcp "github.com/xtaci/kcp-go/v5"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/transport"
	"dominicbreuker/conntransport/pkg/transport/socket"
)

// Factory binds udp:// endpoints as KCP listeners.
type Factory struct {
	deps   *config.Dependencies
	pool   *mempool.Pool
	logger *log.Logger
}

// NewFactory creates a KCP listener factory. deps may be nil to use the standard library.
func NewFactory(deps *config.Dependencies, pool *mempool.Pool, logger *log.Logger) *Factory {
	return &Factory{deps: deps, pool: pool, logger: logger}
}

// CanBind implements transport.ListenerFactory.
func (f *Factory) CanBind(ep config.Endpoint) bool {
	return ep.Protocol == config.ProtoUDP
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
	if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", addr, err)
	}

	pc, err := config.GetPacketListenerFunc(f.deps)("udp", addr)
	if err != nil {
		return nil, socket.BindError("udp", addr, err)
	}

	// Parameters: block cipher (nil for no encryption), dataShards (0), parityShards (0), conn
	kl, err := kcp.ServeConn(nil, 0, 0, pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("kcp.ServeConn(): %w", err)
	}
	f.logger.VerboseMsg("Listening on udp://%s (KCP)", kl.Addr())

	return socket.New(kl, socket.Options{
		Backlog: ep.Options.Backlog,
		Workers: ep.Options.IOQueueCount,
		Conn: transport.ConnOptions{
			Pool:              f.pool,
			MaxReadBufferSize: ep.Options.MaxReadBufferSize,
		},
		Configure: func(nc net.Conn) error {
			s, ok := nc.(*kcp.UDPSession)
			if !ok {
				return nil
			}
			configure(s)
			return nil
		},
		// ServeConn does not own the packet conn
		OnClose: func() error {
			if err := pc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("close packet conn: %w", err)
			}
			return nil
		},
		Logger: f.logger,
	}), nil
}

// configure sets the session parameters shared by both ends.
// SetNoDelay(nodelay, interval, resend, nc)
// nodelay: 0=disable, 1=enable
// interval: internal update interval in ms
// resend: 0=disable fast resend, 1=enable fast resend, 2=2 ACK crosses trigger fast resend
// nc: 0=normal congestion control, 1=disable congestion control
func configure(s *kcp.UDPSession) {
	s.SetNoDelay(1, 10, 2, 1)
	s.SetStreamMode(true)
	s.SetWindowSize(1024, 1024)
}
