package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/props"
)

// TeardownFunc releases transport resources once a connection is done.
// ctx bounds a graceful teardown; abort selects an abortive one.
type TeardownFunc func(ctx context.Context, abort bool) error

// ConnOptions configures connections created by this package.
type ConnOptions struct {
	// ID defaults to NewConnectionID().
	ID string

	// LocalAddr and RemoteAddr default to the net.Conn addresses where one exists.
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// Pool supplies pipe segments. A private pool is created when nil.
	Pool *mempool.Pool

	// MaxReadBufferSize is the input pause threshold, see duplex.Options.
	MaxReadBufferSize int

	// Properties are extra built-in features.
	Properties []props.Option

	// Teardown runs after the connection's own teardown.
	Teardown TeardownFunc
}

type viewKind int

const (
	viewNone viewKind = iota
	viewPipe
	viewStream
)

// BaseConnection implements Connection over a duplex.Pipe. Transports embed
// it and supply a TeardownFunc.
type BaseConnection struct {
	id       string
	laddr    net.Addr
	raddr    net.Addr
	props    *props.Collection
	items    Items
	teardown TeardownFunc

	mu         sync.Mutex
	transport  duplex.Pipe
	view       viewKind
	pipeView   duplex.Pipe
	streamView *duplex.Stream
	closing    bool
	inflight   int
	idle       chan struct{}
	reason     error

	closed     chan struct{}
	closedOnce sync.Once
	finishOnce sync.Once
	aborted    atomic.Bool
}

// NewBaseConnection creates a connection over p.
func NewBaseConnection(p duplex.Pipe, opts ConnOptions) *BaseConnection {
	if opts.ID == "" {
		opts.ID = NewConnectionID()
	}

	c := &BaseConnection{
		id:        opts.ID,
		laddr:     opts.LocalAddr,
		raddr:     opts.RemoteAddr,
		teardown:  opts.Teardown,
		transport: p,
		closed:    make(chan struct{}),
	}

	builtins := []props.Option{
		props.Builtin[ConnectionIDFeature](c),
		props.Builtin[LifetimeFeature](c),
		props.Builtin(&c.items),
	}
	c.props = props.New(append(builtins, opts.Properties...)...)

	return c
}

func (c *BaseConnection) ID() string                    { return c.id }
func (c *BaseConnection) ConnectionID() string          { return c.id }
func (c *BaseConnection) LocalAddr() net.Addr           { return c.laddr }
func (c *BaseConnection) RemoteAddr() net.Addr          { return c.raddr }
func (c *BaseConnection) Properties() *props.Collection { return c.props }
func (c *BaseConnection) Closed() <-chan struct{}       { return c.closed }
func (c *BaseConnection) Aborted() bool                 { return c.aborted.Load() }

// Items returns the connection's value bag.
func (c *BaseConnection) Items() *Items { return &c.items }

// Pipe implements Connection.
func (c *BaseConnection) Pipe() (duplex.Pipe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.view {
	case viewStream:
		return nil, ErrViewConflict
	case viewPipe:
		return c.pipeView, nil
	}

	c.pipeView = c.track(c.transport)
	c.view = viewPipe
	return c.pipeView, nil
}

// Stream implements Connection.
func (c *BaseConnection) Stream() (io.ReadWriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.view {
	case viewPipe:
		return nil, ErrViewConflict
	case viewStream:
		return c.streamView, nil
	}

	c.streamView = duplex.StreamOf(c.track(c.transport))
	c.view = viewStream
	return c.streamView, nil
}

// SetPipe implements Connection.
func (c *BaseConnection) SetPipe(p duplex.Pipe) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.view == viewStream {
		return ErrViewConflict
	}
	c.transport = p
	if c.view == viewPipe {
		c.pipeView = c.track(p)
	}
	return nil
}

// Close implements Connection.
func (c *BaseConnection) Close(ctx context.Context, method CloseMethod) error {
	if method == CloseGraceful && ctx.Err() == nil {
		c.beginClosing()
		if c.waitIdle(ctx) == nil {
			return c.finish(ctx, false, nil)
		}
	}
	return c.finish(ctx, true, ErrConnectionAborted)
}

// Abort implements Connection.
func (c *BaseConnection) Abort(reason error) {
	if reason == nil {
		reason = ErrConnectionAborted
	}
	_ = c.finish(context.Background(), true, reason)
}

// AbortReason returns the reason passed to Abort, if any.
func (c *BaseConnection) AbortReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// MarkRemoteClosed fires the closed signal without tearing the connection
// down. Transports call it when the peer ends the connection.
func (c *BaseConnection) MarkRemoteClosed() {
	c.closedOnce.Do(func() { close(c.closed) })
}

func (c *BaseConnection) beginClosing() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	in := c.transport.Input()
	busy := c.inflight > 0
	c.mu.Unlock()

	// wake readers parked on the input so they observe the close
	if busy {
		in.CancelPendingRead()
	}
}

func (c *BaseConnection) waitIdle(ctx context.Context) error {
	c.mu.Lock()
	if c.inflight == 0 {
		c.mu.Unlock()
		return nil
	}
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *BaseConnection) finish(ctx context.Context, abort bool, reason error) error {
	var err error
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.reason = reason
		c.mu.Unlock()
		c.aborted.Store(abort)

		if abort {
			c.MarkRemoteClosed()
		}
		if c.teardown != nil {
			err = c.teardown(ctx, abort)
		}
		c.MarkRemoteClosed()
	})
	return err
}

func (c *BaseConnection) enter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrConnectionClosed
	}
	c.inflight++
	return nil
}

func (c *BaseConnection) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.inflight == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
}

func (c *BaseConnection) track(p duplex.Pipe) duplex.Pipe {
	return duplex.New(&trackedReader{c: c, PipeReader: p.Input()}, &trackedWriter{c: c, PipeWriter: p.Output()})
}

type trackedReader struct {
	c *BaseConnection
	duplex.PipeReader
}

func (r *trackedReader) Read(b []byte) (int, error) {
	if err := r.c.enter(); err != nil {
		return 0, err
	}
	defer r.c.leave()
	return r.PipeReader.Read(b)
}

func (r *trackedReader) ReadContext(ctx context.Context, b []byte) (int, error) {
	if err := r.c.enter(); err != nil {
		return 0, err
	}
	defer r.c.leave()
	return r.PipeReader.ReadContext(ctx, b)
}

type trackedWriter struct {
	c *BaseConnection
	duplex.PipeWriter
}

func (w *trackedWriter) Write(b []byte) (int, error) {
	if err := w.c.enter(); err != nil {
		return 0, err
	}
	defer w.c.leave()
	return w.PipeWriter.Write(b)
}

func (w *trackedWriter) Flush(ctx context.Context) error {
	if err := w.c.enter(); err != nil {
		return err
	}
	defer w.c.leave()
	return w.PipeWriter.Flush(ctx)
}
