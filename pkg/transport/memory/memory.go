// Package memory provides an in-process transport for tests: listeners are
// registered by name on a Network and connections are pairs of buffer pipes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

// ErrConnectionRefused is returned by Dial when no listener is bound to the name.
var ErrConnectionRefused = errors.New("connection refused")

// Addr is the address of an in-memory endpoint.
type Addr struct {
	Name string
}

func (a Addr) Network() string { return "memory" }
func (a Addr) String() string  { return a.Name }

// Network is a namespace of in-memory listeners.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

func (n *Network) register(l *Listener) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.listeners[l.addr.Name]; exists {
		return fmt.Errorf("listen(memory, %s): %w", l.addr.Name, transport.ErrAddressInUse)
	}
	n.listeners[l.addr.Name] = l
	return nil
}

func (n *Network) unregister(l *Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listeners[l.addr.Name] == l {
		delete(n.listeners, l.addr.Name)
	}
}

// Dial connects to the listener bound to name. It blocks while the
// listener's backlog is full, bounded by ctx.
func (n *Network) Dial(ctx context.Context, name string, opts transport.ConnOptions) (transport.Connection, error) {
	n.mu.Lock()
	l, ok := n.listeners[name]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial(memory, %s): %w", name, ErrConnectionRefused)
	}

	client, server := newPair(l.addr, opts, l.conn)
	select {
	case l.queue <- server:
		return client, nil
	case <-l.unbound:
		client.Abort(nil)
		server.Abort(nil)
		return nil, fmt.Errorf("dial(memory, %s): %w", name, ErrConnectionRefused)
	case <-ctx.Done():
		client.Abort(nil)
		server.Abort(nil)
		return nil, ctx.Err()
	}
}

// Factory binds memory:// endpoints on a Network.
type Factory struct {
	network *Network
	pool    *mempool.Pool
	logger  *log.Logger
}

// NewFactory creates a factory binding on n.
func NewFactory(n *Network, pool *mempool.Pool, logger *log.Logger) *Factory {
	return &Factory{network: n, pool: pool, logger: logger}
}

// CanBind implements transport.ListenerFactory.
func (f *Factory) CanBind(ep config.Endpoint) bool {
	return ep.Protocol == config.ProtoMemory
}

// Bind implements transport.ListenerFactory.
func (f *Factory) Bind(ctx context.Context, ep config.Endpoint) (transport.Listener, error) {
	if !f.CanBind(ep) {
		return nil, transport.UnsupportedEndpoint(ep)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	backlog := ep.Options.Backlog
	if backlog < 0 {
		backlog = 0
	}
	l := &Listener{
		network: f.network,
		addr:    Addr{Name: ep.Path},
		conn: transport.ConnOptions{
			Pool:              f.pool,
			MaxReadBufferSize: ep.Options.MaxReadBufferSize,
		},
		props:   props.New(),
		queue:   make(chan *conn, backlog),
		unbound: make(chan struct{}),
	}
	if err := f.network.register(l); err != nil {
		return nil, err
	}
	f.logger.VerboseMsg("Listening on memory://%s", ep.Path)
	return l, nil
}

// Listener implements transport.Listener for a Network.
type Listener struct {
	network *Network
	addr    Addr
	conn    transport.ConnOptions
	props   *props.Collection

	queue      chan *conn
	unbound    chan struct{}
	unbindOnce sync.Once
}

// Addr implements transport.Listener.
func (l *Listener) Addr() net.Addr { return l.addr }

// Properties implements transport.Listener.
func (l *Listener) Properties() *props.Collection { return l.props }

// Accept implements transport.Listener.
func (l *Listener) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case <-l.unbound:
		return nil, nil
	default:
	}

	select {
	case c := <-l.queue:
		return c, nil
	case <-l.unbound:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unbind implements transport.Listener. Queued connections are aborted.
func (l *Listener) Unbind(ctx context.Context) error {
	l.unbindOnce.Do(func() {
		l.network.unregister(l)
		close(l.unbound)
		for {
			select {
			case c := <-l.queue:
				c.Abort(nil)
			default:
				return
			}
		}
	})
	return nil
}

// Close implements transport.Listener.
func (l *Listener) Close() error {
	return l.Unbind(context.Background())
}
