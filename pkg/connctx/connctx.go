// Package connctx holds the pipe based connection model: a ConnectionContext
// exposes its transport as a duplex.Pipe and its capabilities through a
// feature collection. Connection logic is written as a Delegate and composed
// with middleware through a Builder.
//
// New code uses transport.Connection; package adapter converts between the two.
package connctx

import (
	"context"
	"errors"
	"net"
	"sync"

	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

// ErrAborted is the default abort reason.
var ErrAborted = errors.New("connection context aborted")

// ConnectionContext is one connection in the pipe based model.
type ConnectionContext interface {
	ConnectionID() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Transport is the connection's byte pipe. Middleware may replace it.
	Transport() duplex.Pipe
	SetTransport(p duplex.Pipe)

	// Features is the capability collection. Values set here win over
	// the built-in ones.
	Features() *props.Collection

	Items() *transport.Items

	// Closed fires once the connection ended.
	Closed() <-chan struct{}

	Abort(reason error)

	// Dispose releases the connection. ctx bounds a graceful close.
	Dispose(ctx context.Context) error
}

// Delegate handles one connection.
type Delegate func(ctx context.Context, cc ConnectionContext) error

// Options configures a Context.
type Options struct {
	ID         string
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// Features are extra built-in capabilities.
	Features []props.Option

	// OnAbort runs once on the first Abort.
	OnAbort func(reason error)

	// OnDispose runs once on the first Dispose.
	OnDispose func(ctx context.Context) error
}

// Context is the stock ConnectionContext over a pipe.
type Context struct {
	id       string
	laddr    net.Addr
	raddr    net.Addr
	features *props.Collection
	items    transport.Items
	opts     Options

	mu        sync.Mutex
	transport duplex.Pipe
	reason    error

	closed      chan struct{}
	closeOnce   sync.Once
	abortOnce   sync.Once
	disposeOnce sync.Once
	disposeErr  error
}

// New creates a context over p.
func New(p duplex.Pipe, opts Options) *Context {
	if opts.ID == "" {
		opts.ID = transport.NewConnectionID()
	}

	c := &Context{
		id:        opts.ID,
		laddr:     opts.LocalAddr,
		raddr:     opts.RemoteAddr,
		opts:      opts,
		transport: p,
		closed:    make(chan struct{}),
	}
	builtins := []props.Option{
		props.Builtin[transport.ConnectionIDFeature](c),
		props.Builtin[transport.LifetimeFeature](c),
		props.Builtin(&c.items),
	}
	c.features = props.New(append(builtins, opts.Features...)...)
	return c
}

func (c *Context) ConnectionID() string        { return c.id }
func (c *Context) LocalAddr() net.Addr         { return c.laddr }
func (c *Context) RemoteAddr() net.Addr        { return c.raddr }
func (c *Context) Features() *props.Collection { return c.features }
func (c *Context) Items() *transport.Items     { return &c.items }
func (c *Context) Closed() <-chan struct{}     { return c.closed }

func (c *Context) Transport() duplex.Pipe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Context) SetTransport(p duplex.Pipe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = p
}

// Abort ends the connection. Readers of the transport observe reason.
func (c *Context) Abort(reason error) {
	if reason == nil {
		reason = ErrAborted
	}
	c.abortOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		p := c.transport
		c.mu.Unlock()

		p.Input().CloseWithError(reason)
		p.Output().CloseWithError(reason)
		if c.opts.OnAbort != nil {
			c.opts.OnAbort(reason)
		}
		c.markClosed()
	})
}

// AbortReason returns the reason of the first Abort, or nil.
func (c *Context) AbortReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Dispose completes the transport and runs OnDispose.
func (c *Context) Dispose(ctx context.Context) error {
	c.disposeOnce.Do(func() {
		p := c.Transport()
		if err := p.Output().Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.disposeErr = err
		}
		p.Output().Close()
		p.Input().Close()
		if c.opts.OnDispose != nil {
			c.disposeErr = errors.Join(c.disposeErr, c.opts.OnDispose(ctx))
		}
		c.markClosed()
	})
	return c.disposeErr
}

func (c *Context) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}
