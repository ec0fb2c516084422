// Package tlsterm decorates a listener with TLS termination. Accept performs
// the server handshake on each inner connection and only returns secured
// connections; failed handshakes are logged and skipped.
//
// Handshakes run inside Accept, one at a time per listener. A client that
// stalls its handshake delays the connections queued behind it for up to
// HandshakeTimeout. Run several Accept callers to overlap handshakes.
//
// Unbind cancels a handshake in progress; Accept then returns (nil, nil).
package tlsterm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

// DefaultHandshakeTimeout applies when Options.HandshakeTimeout is zero.
const DefaultHandshakeTimeout = 10 * time.Second

// ClientHello is what the server knows about a client when it picks a configuration.
type ClientHello struct {
	ServerName      string
	SupportedProtos []string
	Conn            transport.Connection
}

// OnConnection selects the server configuration for one handshake.
type OnConnection func(ctx context.Context, hello ClientHello) (*tls.Config, error)

// Options configures a Listener. One of Config or OnConnection is required.
type Options struct {
	// Config is the static server configuration.
	Config *tls.Config

	// OnConnection, when set, is called per handshake after the ClientHello is read.
	OnConnection OnConnection

	// VerifyClient validates the client certificate chain after the handshake.
	VerifyClient func(certs []*x509.Certificate) error

	// HandshakeTimeout bounds each handshake attempt.
	HandshakeTimeout time.Duration

	// OnHandshakeFailed observes every failed handshake.
	OnHandshakeFailed func(conn transport.Connection, err error)

	// Conn is the template for the secured connections.
	Conn transport.ConnOptions

	Logger *log.Logger
}

// Listener terminates TLS on the connections of an inner listener.
type Listener struct {
	inner transport.Listener
	opts  Options

	// bound is canceled by Unbind and Close.
	bound  context.Context
	unbind context.CancelFunc
}

// New decorates inner.
func New(inner transport.Listener, opts Options) (*Listener, error) {
	if opts.Config == nil && opts.OnConnection == nil {
		return nil, errors.New("tlsterm: Config or OnConnection is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	l := &Listener{inner: inner, opts: opts}
	l.bound, l.unbind = context.WithCancel(context.Background())
	return l, nil
}

func (l *Listener) Addr() net.Addr                { return l.inner.Addr() }
func (l *Listener) Properties() *props.Collection { return l.inner.Properties() }

// Unbind implements transport.Listener.
func (l *Listener) Unbind(ctx context.Context) error {
	l.unbind()
	return l.inner.Unbind(ctx)
}

// Close implements transport.Listener.
func (l *Listener) Close() error {
	l.unbind()
	return l.inner.Close()
}

// Accept implements transport.Listener. It returns the next connection whose
// handshake succeeded. Connections that already carry a *transport.TLSHandshake
// feature are returned as they are.
func (l *Listener) Accept(ctx context.Context) (transport.Connection, error) {
	for {
		if l.bound.Err() != nil {
			return nil, nil
		}
		conn, err := l.inner.Accept(ctx)
		if conn == nil || err != nil {
			return nil, err
		}

		if _, ok := props.Get[*transport.TLSHandshake](conn.Properties()); ok {
			return conn, nil
		}

		secured, err := l.handshake(ctx, conn)
		if l.bound.Err() != nil {
			if secured != nil {
				secured.Abort(transport.ErrConnectionAborted)
			}
			conn.Abort(transport.ErrConnectionAborted)
			return nil, nil
		}
		if err == nil {
			return secured, nil
		}

		conn.Abort(err)
		if l.opts.OnHandshakeFailed != nil {
			l.opts.OnHandshakeFailed(conn, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.opts.Logger.WithConn(conn.ID()).ErrorMsg("TLS handshake with %s: %s", conn.RemoteAddr(), err)
	}
}

func (l *Listener) handshake(ctx context.Context, conn transport.Connection) (transport.Connection, error) {
	nc, err := transport.NetConn(conn)
	if err != nil {
		return nil, fmt.Errorf("transport.NetConn(): %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, l.opts.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(l.bound, cancel)
	defer stop()

	tlsConn := tls.Server(nc, l.serverConfig(hctx, conn))
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		if hctx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("handshake timeout after %v: %w", l.opts.HandshakeTimeout, err)
		}
		return nil, fmt.Errorf("tls.Conn.Handshake(): %w", err)
	}

	state := tlsConn.ConnectionState()
	if l.opts.VerifyClient != nil {
		if err := l.opts.VerifyClient(state.PeerCertificates); err != nil {
			tlsConn.Close()
			return nil, fmt.Errorf("verify client: %w", err)
		}
	}

	opts := l.opts.Conn
	opts.ID = conn.ID()
	opts.LocalAddr = conn.LocalAddr()
	opts.RemoteAddr = conn.RemoteAddr()
	opts.Properties = append(append([]props.Option(nil), opts.Properties...),
		props.Builtin(transport.NewTLSHandshake(state)),
		props.WithFallback(conn.Properties().TryGet),
	)
	extra := opts.Teardown
	opts.Teardown = func(ctx context.Context, abort bool) error {
		var err error
		if abort {
			conn.Abort(transport.ErrConnectionAborted)
		} else {
			err = conn.Close(ctx, transport.CloseGraceful)
		}
		if extra != nil {
			err = errors.Join(err, extra(ctx, abort))
		}
		return err
	}
	return transport.NewStreamConnection(tlsConn, opts), nil
}

func (l *Listener) serverConfig(ctx context.Context, conn transport.Connection) *tls.Config {
	if l.opts.OnConnection == nil {
		return l.opts.Config
	}

	base := &tls.Config{}
	if l.opts.Config != nil {
		base = l.opts.Config.Clone()
	}
	base.GetConfigForClient = func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
		return l.opts.OnConnection(ctx, ClientHello{
			ServerName:      chi.ServerName,
			SupportedProtos: chi.SupportedProtos,
			Conn:            conn,
		})
	}
	return base
}
