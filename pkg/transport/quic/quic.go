// Package quic provides the multiplexed QUIC listener factory and dialer.
// Every QUIC stream is exposed as a transport.Connection.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/crypto"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
	"dominicbreuker/conntransport/pkg/transport/socket"
)

// ALPN is the application protocol negotiated on every QUIC connection.
const ALPN = "conntransport"

const (
	errorCodeNoError quic.StreamErrorCode = 0
	errorCodeAborted quic.StreamErrorCode = 1

	connCodeNoError quic.ApplicationErrorCode = 0
	connCodeAborted quic.ApplicationErrorCode = 1
	connCodeRefused quic.ApplicationErrorCode = 2
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// Factory binds quic:// endpoints.
type Factory struct {
	deps   *config.Dependencies
	pool   *mempool.Pool
	logger *log.Logger

	// TLSConfig is used for every listener. An ephemeral certificate is
	// generated when nil.
	TLSConfig *tls.Config
}

// NewFactory creates a QUIC listener factory.
func NewFactory(deps *config.Dependencies, pool *mempool.Pool, logger *log.Logger) *Factory {
	return &Factory{deps: deps, pool: pool, logger: logger}
}

// CanBind implements transport.MultiplexedListenerFactory.
func (f *Factory) CanBind(ep config.Endpoint) bool {
	return ep.Protocol == config.ProtoQUIC
}

// Bind implements transport.MultiplexedListenerFactory.
func (f *Factory) Bind(ctx context.Context, ep config.Endpoint) (transport.MultiplexedListener, error) {
	if !f.CanBind(ep) {
		return nil, transport.UnsupportedEndpoint(ep)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tlsConf, err := f.serverTLS()
	if err != nil {
		return nil, err
	}

	addr := ep.Addr()
	pc, err := config.GetPacketListenerFunc(f.deps)("udp", addr)
	if err != nil {
		return nil, socket.BindError("udp", addr, err)
	}

	tr := &quic.Transport{Conn: pc}
	ln, err := tr.Listen(tlsConf, quicConfig())
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("quic.Transport.Listen(%s): %w", addr, err)
	}
	f.logger.VerboseMsg("Listening on quic://%s", ln.Addr())

	return &Listener{
		ln:      ln,
		tr:      tr,
		pc:      pc,
		props:   props.New(),
		opts:    transport.ConnOptions{Pool: f.pool, MaxReadBufferSize: ep.Options.MaxReadBufferSize},
		unbound: make(chan struct{}),
		logger:  f.logger,
	}, nil
}

func (f *Factory) serverTLS() (*tls.Config, error) {
	if f.TLSConfig != nil {
		conf := f.TLSConfig.Clone()
		if len(conf.NextProtos) == 0 {
			conf.NextProtos = []string{ALPN}
		}
		return conf, nil
	}

	key := rand.Text()
	_, cert, err := crypto.GenerateCertificates(key)
	if err != nil {
		return nil, fmt.Errorf("crypto.GenerateCertificates(%s): %w", key, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}, nil
}

// Listener implements transport.MultiplexedListener.
type Listener struct {
	ln     *quic.Listener
	tr     *quic.Transport
	pc     net.PacketConn
	props  *props.Collection
	opts   transport.ConnOptions
	logger *log.Logger

	unbound    chan struct{}
	unbindOnce sync.Once
	closeOnce  sync.Once
}

// Addr implements transport.MultiplexedListener.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Properties implements transport.MultiplexedListener.
func (l *Listener) Properties() *props.Collection { return l.props }

// Accept implements transport.MultiplexedListener.
func (l *Listener) Accept(ctx context.Context) (transport.MultiplexedConnection, error) {
	if l.isUnbound() {
		return nil, nil
	}

	qc, err := l.ln.Accept(ctx)
	if err != nil {
		if l.isUnbound() || errors.Is(err, quic.ErrServerClosed) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("quic.Listener.Accept(): %w", err)
	}

	// handshakes completed before the unbind are refused
	if l.isUnbound() {
		l.logger.VerboseMsg("Refusing QUIC connection from %s: listener unbound", qc.RemoteAddr())
		qc.CloseWithError(connCodeRefused, "listener unbound")
		return nil, nil
	}
	return newConn(qc, l.opts), nil
}

// Unbind implements transport.MultiplexedListener. Accepted connections stay up.
func (l *Listener) Unbind(ctx context.Context) error {
	var err error
	l.unbindOnce.Do(func() {
		close(l.unbound)
		err = l.ln.Close()
	})
	return err
}

// Close implements transport.MultiplexedListener. It closes every connection on the listener's socket.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.Unbind(context.Background())
		if cerr := l.tr.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		if cerr := l.pc.Close(); cerr != nil && !socket.IsClosedError(cerr) {
			err = errors.Join(err, cerr)
		}
	})
	return err
}

func (l *Listener) isUnbound() bool {
	select {
	case <-l.unbound:
		return true
	default:
		return false
	}
}

// Dial opens a QUIC connection to ep. With a nil tlsConf the server
// certificate is not verified.
func Dial(ctx context.Context, ep config.Endpoint, tlsConf *tls.Config, pool *mempool.Pool) (transport.MultiplexedConnection, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}

	qc, err := quic.DialAddr(ctx, ep.Addr(), tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic.DialAddr(%s): %w", ep.Addr(), err)
	}
	return newConn(qc, transport.ConnOptions{Pool: pool}), nil
}
