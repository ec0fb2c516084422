// Package net dials endpoints and builds listener factories for every
// supported protocol, adding TLS when configured.
package net

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/transport"
	"dominicbreuker/conntransport/pkg/transport/mux"
	"dominicbreuker/conntransport/pkg/transport/namedpipe"
	"dominicbreuker/conntransport/pkg/transport/quic"
	"dominicbreuker/conntransport/pkg/transport/tcp"
	"dominicbreuker/conntransport/pkg/transport/udp"
	"dominicbreuker/conntransport/pkg/transport/unix"
	"dominicbreuker/conntransport/pkg/transport/ws"
)

// DialOptions configures Dial.
type DialOptions struct {
	// SSL upgrades the connection to TLS. Key enables mutual authentication.
	SSL bool
	Key string

	// Timeout bounds connecting and the TLS handshake; 0 means no limit.
	Timeout time.Duration

	Deps   *config.Dependencies
	Pool   *mempool.Pool
	Logger *log.Logger
}

// dialDependencies holds injectable dialers for testing.
type dialDependencies struct {
	dialTCP  func(ctx context.Context, ep config.Endpoint, deps *config.Dependencies) (net.Conn, error)
	dialUnix func(ctx context.Context, ep config.Endpoint) (net.Conn, error)
	dialPipe func(ctx context.Context, ep config.Endpoint) (net.Conn, error)
	dialUDP  func(ctx context.Context, ep config.Endpoint, deps *config.Dependencies) (net.Conn, error)
	dialWS   func(ctx context.Context, ep config.Endpoint) (net.Conn, error)
	dialQUIC func(ctx context.Context, ep config.Endpoint, tlsConf *tls.Config, pool *mempool.Pool) (transport.MultiplexedConnection, error)
}

func realDependencies() *dialDependencies {
	return &dialDependencies{
		dialTCP: func(ctx context.Context, ep config.Endpoint, deps *config.Dependencies) (net.Conn, error) {
			d, err := tcp.NewDialer(ep.Addr(), ep.Options, deps)
			if err != nil {
				return nil, err
			}
			return d.Dial(ctx)
		},
		dialUnix: func(ctx context.Context, ep config.Endpoint) (net.Conn, error) {
			return unix.Dial(ctx, ep.Path)
		},
		dialPipe: namedpipe.Dial,
		dialUDP: func(ctx context.Context, ep config.Endpoint, deps *config.Dependencies) (net.Conn, error) {
			d, err := udp.NewDialer(ep.Addr(), deps)
			if err != nil {
				return nil, err
			}
			return d.Dial(ctx)
		},
		dialWS: func(ctx context.Context, ep config.Endpoint) (net.Conn, error) {
			return ws.NewDialer(ep).Dial(ctx)
		},
		dialQUIC: quic.Dial,
	}
}

// Dial connects to a stream endpoint. QUIC endpoints are multiplexed and
// must use DialMultiplexed.
func Dial(ctx context.Context, ep config.Endpoint, opts DialOptions) (net.Conn, error) {
	return dial(ctx, ep, opts, realDependencies())
}

func dial(ctx context.Context, ep config.Endpoint, opts DialOptions, deps *dialDependencies) (net.Conn, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	opts.Logger.InfoMsg("Connecting to %s", ep)

	var conn net.Conn
	var err error
	switch ep.Protocol {
	case config.ProtoTCP:
		conn, err = deps.dialTCP(ctx, ep, opts.Deps)
	case config.ProtoUnix:
		conn, err = deps.dialUnix(ctx, ep)
	case config.ProtoPipe:
		conn, err = deps.dialPipe(ctx, ep)
	case config.ProtoUDP:
		conn, err = deps.dialUDP(ctx, ep, opts.Deps)
	case config.ProtoWS, config.ProtoWSS:
		conn, err = deps.dialWS(ctx, ep)
	default:
		return nil, fmt.Errorf("dial %s: %w", ep, transport.ErrUnsupportedEndpoint)
	}
	if err != nil {
		opts.Logger.VerboseMsg("Connection failed: %v", err)
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	opts.Logger.VerboseMsg("Connection established")

	if !opts.SSL {
		return conn, nil
	}

	opts.Logger.VerboseMsg("Upgrading connection to TLS")
	tlsConn, err := upgradeTLS(ctx, conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("upgrading to TLS: %w", err)
	}
	opts.Logger.VerboseMsg("TLS upgrade completed")
	return tlsConn, nil
}

// DialMultiplexed opens a multiplexed connection: a QUIC connection for
// quic:// endpoints, otherwise a yamux client session over Dial.
func DialMultiplexed(ctx context.Context, ep config.Endpoint, opts DialOptions) (transport.MultiplexedConnection, error) {
	return dialMultiplexed(ctx, ep, opts, realDependencies())
}

func dialMultiplexed(ctx context.Context, ep config.Endpoint, opts DialOptions, deps *dialDependencies) (transport.MultiplexedConnection, error) {
	if ep.Protocol == config.ProtoQUIC {
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
		var tlsConf *tls.Config
		if opts.SSL {
			var err error
			if tlsConf, err = ClientTLSConfig(opts.Key); err != nil {
				return nil, fmt.Errorf("building TLS config: %w", err)
			}
		}
		conn, err := deps.dialQUIC(ctx, ep, tlsConf, opts.Pool)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		return conn, nil
	}

	nc, err := dial(ctx, ep, opts, deps)
	if err != nil {
		return nil, err
	}
	conn := transport.NewStreamConnection(nc, transport.ConnOptions{Pool: opts.Pool})
	s, err := mux.Client(conn, transport.ConnOptions{Pool: opts.Pool})
	if err != nil {
		conn.Abort(err)
		return nil, fmt.Errorf("mux.Client(): %w", err)
	}
	return s, nil
}

func upgradeTLS(ctx context.Context, conn net.Conn, opts DialOptions) (net.Conn, error) {
	cfg, err := ClientTLSConfig(opts.Key)
	if err != nil {
		return nil, fmt.Errorf("building TLS config: %w", err)
	}

	tlsConn := tls.Client(conn, cfg)
	opts.Logger.VerboseMsg("Starting TLS client handshake")
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		opts.Logger.VerboseMsg("TLS client handshake failed: %v", err)
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return tlsConn, nil
}
