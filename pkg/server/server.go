// Package server runs accept loops over bound listeners and dispatches every
// connection to a handler on its own goroutine.
//
// Lifecycle of one endpoint:
//   - Bind: the factory binds the endpoint, errors are returned to the caller
//   - Accepting: an accept loop hands each connection to a new execution unit
//   - Draining (Stop/StopEndpoints): unbind, wait for the loop, ask every
//     connection to close, abort whatever is left at the deadline
//   - Stopped: the listener is closed and forgotten
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/metrics"
	"dominicbreuker/conntransport/pkg/semaphore"
	"dominicbreuker/conntransport/pkg/transport"
)

// ErrStopped is returned by Bind after Stop.
var ErrStopped = errors.New("server stopped")

const (
	// DefaultHeartbeat is the interval of heartbeat callbacks.
	DefaultHeartbeat = time.Second

	// DefaultCloseTimeout bounds the graceful close after a handler returned.
	DefaultCloseTimeout = 5 * time.Second

	// DefaultAbortGrace is how long Stop waits for handlers after aborting
	// their connections. Stop returns at most this long after its ctx ends.
	DefaultAbortGrace = 100 * time.Millisecond
)

// Handler handles one connection. ctx is canceled when the server asks the
// connection to close. The connection is closed after Handler returns.
type Handler func(ctx context.Context, conn transport.Connection) error

// MultiplexedHandler handles one multiplexed connection.
type MultiplexedHandler func(ctx context.Context, conn transport.MultiplexedConnection) error

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Messages are dropped without one.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records connection statistics into s.
func WithMetrics(s *metrics.Sink) Option {
	return func(m *Manager) { m.metrics = s }
}

// WithMaxConnections limits concurrently handled connections across all
// endpoints. Connections over the limit are aborted. n <= 0 is unlimited.
func WithMaxConnections(n int) Option {
	return func(m *Manager) { m.sem = semaphore.New(n, 0) }
}

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(m *Manager) { m.heartbeat = d }
}

// WithCloseTimeout bounds the graceful close that follows a handler.
func WithCloseTimeout(d time.Duration) Option {
	return func(m *Manager) { m.closeTimeout = d }
}

// WithAbortGrace sets how long Stop waits for handlers whose connections it aborted.
func WithAbortGrace(d time.Duration) Option {
	return func(m *Manager) { m.abortGrace = d }
}

// Manager owns the bound endpoints and their connections.
type Manager struct {
	logger       *log.Logger
	metrics      *metrics.Sink
	sem          *semaphore.ConnSemaphore
	heartbeat    time.Duration
	closeTimeout time.Duration
	abortGrace   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	active  map[*activeTransport]struct{}
	stopped bool

	heartbeatOnce sync.Once
	stopOnce      sync.Once
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		heartbeat:    DefaultHeartbeat,
		closeTimeout: DefaultCloseTimeout,
		abortGrace:   DefaultAbortGrace,
		active:       make(map[*activeTransport]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// activeTransport is one bound endpoint.
type activeTransport struct {
	ep       config.Endpoint
	addr     net.Addr
	unbind   func(ctx context.Context) error
	close    func() error
	loopDone chan struct{}
	conns    *connectionManager
}

// Bind binds ep with factory and starts accepting. It returns the bound
// address, with port 0 resolved.
func (m *Manager) Bind(ctx context.Context, ep config.Endpoint, factory transport.ListenerFactory, handler Handler) (net.Addr, error) {
	l, err := factory.Bind(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", ep, err)
	}

	at, err := m.register(ep, l.Addr(), l.Unbind, l.Close)
	if err != nil {
		return nil, err
	}
	go acceptLoop[transport.Connection](m, at, l, handler)
	return at.addr, nil
}

// BindMultiplexed is Bind for multiplexed transports.
func (m *Manager) BindMultiplexed(ctx context.Context, ep config.Endpoint, factory transport.MultiplexedListenerFactory, handler MultiplexedHandler) (net.Addr, error) {
	l, err := factory.Bind(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", ep, err)
	}

	at, err := m.register(ep, l.Addr(), l.Unbind, l.Close)
	if err != nil {
		return nil, err
	}
	go acceptLoop[transport.MultiplexedConnection](m, at, l, handler)
	return at.addr, nil
}

func (m *Manager) register(ep config.Endpoint, addr net.Addr, unbind func(context.Context) error, closeFn func() error) (*activeTransport, error) {
	at := &activeTransport{
		ep:       ep,
		addr:     addr,
		unbind:   unbind,
		close:    closeFn,
		loopDone: make(chan struct{}),
		conns:    newConnectionManager(),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		closeFn()
		return nil, ErrStopped
	}
	m.active[at] = struct{}{}
	m.mu.Unlock()

	m.heartbeatOnce.Do(func() { go m.runHeartbeat() })
	m.logger.InfoMsg("Listening on %s://%s", ep.Protocol, addr)
	return at, nil
}

// Addrs returns the addresses of all bound endpoints.
func (m *Manager) Addrs() []net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	addrs := make([]net.Addr, 0, len(m.active))
	for at := range m.active {
		addrs = append(addrs, at.addr)
	}
	return addrs
}

// Connections returns the number of connections being handled.
func (m *Manager) Connections() int {
	n := 0
	for _, at := range m.transports(nil) {
		n += at.conns.len()
	}
	return n
}

// Stop drains every endpoint. ctx bounds the graceful phase; connections
// still open when it ends are aborted. Only the first call does any work.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()

		err = m.stop(ctx, m.transports(nil))
		m.cancel()
	})
	return err
}

// StopEndpoints drains the given endpoints and leaves the others running.
func (m *Manager) StopEndpoints(ctx context.Context, eps []config.Endpoint) error {
	return m.stop(ctx, m.transports(eps))
}

func (m *Manager) transports(eps []config.Endpoint) []*activeTransport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*activeTransport
	for at := range m.active {
		if eps == nil || containsEndpoint(eps, at.ep) {
			out = append(out, at)
		}
	}
	return out
}

func containsEndpoint(eps []config.Endpoint, ep config.Endpoint) bool {
	for _, e := range eps {
		if e == ep {
			return true
		}
	}
	return false
}

func (m *Manager) stop(ctx context.Context, ats []*activeTransport) error {
	var g errgroup.Group
	for _, at := range ats {
		at := at
		g.Go(func() error { return m.stopTransport(ctx, at) })
	}
	return g.Wait()
}

func (m *Manager) stopTransport(ctx context.Context, at *activeTransport) error {
	at.conns.drain()

	var errs []error
	if err := at.unbind(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unbind %s: %w", at.addr, err))
	}

	select {
	case <-at.loopDone:
	case <-ctx.Done():
		m.logger.ErrorMsg("accept loop on %s did not exit before the shutdown deadline", at.addr)
	}

	if !at.conns.closeAll(ctx) {
		m.logger.ErrorMsg("%s: not all connections closed gracefully, aborting %d", at.addr, at.conns.len())
		if !at.conns.abortAll(m.abortGrace) {
			m.logger.ErrorMsg("%s: %d handlers still running after abort", at.addr, at.conns.len())
		}
	}

	if err := at.close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", at.addr, err))
	}

	m.mu.Lock()
	delete(m.active, at)
	m.mu.Unlock()
	m.logger.VerboseMsg("Stopped listening on %s://%s", at.ep.Protocol, at.addr)

	return errors.Join(errs...)
}

func (m *Manager) runHeartbeat() {
	if m.heartbeat <= 0 {
		return
	}
	t := time.NewTicker(m.heartbeat)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			for _, at := range m.transports(nil) {
				at.conns.heartbeat()
			}
		case <-m.ctx.Done():
			return
		}
	}
}
