// Package ws provides the WebSocket (ws:// and wss://) listener factory and
// dialer. Each upgraded WebSocket carries one binary byte stream.
package ws

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/crypto"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/semaphore"
	"dominicbreuker/conntransport/pkg/transport"
	"dominicbreuker/conntransport/pkg/transport/socket"
)

// Subprotocol is negotiated by both ends.
const Subprotocol = "bin"

// MaxUpgrades caps connections that are upgraded but not yet closed;
// further upgrade requests receive HTTP 503.
const MaxUpgrades = 100

// Factory binds ws:// and wss:// endpoints.
type Factory struct {
	deps   *config.Dependencies
	pool   *mempool.Pool
	logger *log.Logger
}

// NewFactory creates a WebSocket listener factory.
func NewFactory(deps *config.Dependencies, pool *mempool.Pool, logger *log.Logger) *Factory {
	return &Factory{deps: deps, pool: pool, logger: logger}
}

// CanBind implements transport.ListenerFactory.
func (f *Factory) CanBind(ep config.Endpoint) bool {
	return ep.Protocol == config.ProtoWS || ep.Protocol == config.ProtoWSS
}

// Bind implements transport.ListenerFactory. wss:// endpoints terminate TLS
// with an ephemeral self-signed certificate.
func (f *Factory) Bind(ctx context.Context, ep config.Endpoint) (transport.Listener, error) {
	if !f.CanBind(ep) {
		return nil, transport.UnsupportedEndpoint(ep)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nl, err := createNetListener(ep, f.deps)
	if err != nil {
		return nil, err
	}
	f.logger.VerboseMsg("Listening on %s://%s", ep.Protocol, nl.Addr())

	backlog := ep.Options.Backlog
	if backlog < 0 {
		backlog = 0
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		nl:     nl,
		ctx:    lctx,
		cancel: cancel,
		conn: transport.ConnOptions{
			Pool:              f.pool,
			MaxReadBufferSize: ep.Options.MaxReadBufferSize,
		},
		props:   props.New(),
		queue:   make(chan transport.Connection, backlog),
		unbound: make(chan struct{}),
		sem:     semaphore.New(MaxUpgrades, 0),
		logger:  f.logger,
	}
	l.srv = createHTTPServer(l)

	l.served = make(chan struct{})
	go func() {
		defer close(l.served)
		if err := l.srv.Serve(nl); err != nil && !errors.Is(err, http.ErrServerClosed) && !socket.IsClosedError(err) {
			f.logger.ErrorMsg("http.Server.Serve(): %s", err)
		}
	}()

	return l, nil
}

// createNetListener creates a TCP listener with optional TLS.
func createNetListener(ep config.Endpoint, deps *config.Dependencies) (net.Listener, error) {
	addr := ep.Addr()
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", addr, err)
	}

	nl, err := config.GetTCPListenerFunc(deps)("tcp", tcpAddr)
	if err != nil {
		return nil, socket.BindError("tcp", addr, err)
	}

	if ep.Protocol == config.ProtoWSS {
		nl, err = wrapWithTLS(nl)
		if err != nil {
			return nil, fmt.Errorf("wrap with TLS: %w", err)
		}
	}

	return nl, nil
}

// wrapWithTLS wraps a listener with TLS using an ephemeral certificate.
func wrapWithTLS(nl net.Listener) (net.Listener, error) {
	key := rand.Text()
	_, cert, err := crypto.GenerateCertificates(key)
	if err != nil {
		nl.Close()
		return nil, fmt.Errorf("crypto.GenerateCertificates(%s): %w", key, err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	return tls.NewListener(nl, tlsCfg), nil
}

// Listener implements transport.Listener over an HTTP server that upgrades
// every request to a WebSocket.
type Listener struct {
	nl     net.Listener
	srv    *http.Server
	ctx    context.Context // closes live WebSockets on Close
	cancel context.CancelFunc
	served chan struct{}
	conn   transport.ConnOptions
	props  *props.Collection
	sem    *semaphore.ConnSemaphore
	logger *log.Logger

	queue      chan transport.Connection
	unbound    chan struct{}
	unbindOnce sync.Once
	closeOnce  sync.Once
}

func createHTTPServer(l *Listener) *http.Server {
	return &http.Server{
		Handler: http.HandlerFunc(l.handleUpgrade),

		// Timeouts for long-lived connections
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       0, // Unlimited after headers
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}
}

// handleUpgrade upgrades the request and hands the connection to Accept.
// It returns once the connection is closed.
func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.isUnbound() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	if !l.sem.TryAcquire() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer l.sem.Release()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		l.logger.ErrorMsg("websocket.Accept(): %s", err)
		return
	}

	nc := websocket.NetConn(l.ctx, c, websocket.MessageBinary)

	done := make(chan struct{})
	opts := l.conn
	opts.Teardown = func(context.Context, bool) error {
		close(done)
		return nil
	}
	conn := transport.NewStreamConnection(nc, opts)
	l.logger.VerboseMsg("New WS connection from %s", nc.RemoteAddr())

	select {
	case l.queue <- conn:
	case <-l.unbound:
		conn.Abort(nil)
		return
	}

	select {
	case <-done:
	case <-l.ctx.Done():
	}
}

// Addr implements transport.Listener.
func (l *Listener) Addr() net.Addr { return l.nl.Addr() }

// Properties implements transport.Listener.
func (l *Listener) Properties() *props.Collection { return l.props }

// Accept implements transport.Listener.
func (l *Listener) Accept(ctx context.Context) (transport.Connection, error) {
	if l.isUnbound() {
		return nil, nil
	}

	select {
	case c := <-l.queue:
		if l.isUnbound() {
			c.Abort(nil)
			return nil, nil
		}
		return c, nil
	case <-l.unbound:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unbind implements transport.Listener. Live WebSockets stay open.
func (l *Listener) Unbind(ctx context.Context) error {
	var err error
	l.unbindOnce.Do(func() {
		close(l.unbound)
		if cerr := l.nl.Close(); cerr != nil && !socket.IsClosedError(cerr) {
			err = fmt.Errorf("close listener %s: %w", l.nl.Addr(), cerr)
		}
	})

	select {
	case <-l.served:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case c := <-l.queue:
			c.Abort(nil)
		default:
			return err
		}
	}
}

// Close implements transport.Listener. It closes every WebSocket created by the listener.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.Unbind(context.Background())
		l.cancel()
		if cerr := l.srv.Close(); cerr != nil {
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
