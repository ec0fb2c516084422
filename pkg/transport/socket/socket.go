// Package socket adapts a net.Listener to transport.Listener.
//
// Native Accept calls cannot be canceled, so accepting runs on background
// workers that feed a queue. Accept(ctx) only waits on that queue:
//   - a connection accepted while no caller waits stays queued for the next Accept
//   - a connection accepted after Unbind is aborted
//   - Accept returns (nil, nil) once the listener is unbound
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Options configures a Listener.
type Options struct {
	// Backlog is the capacity of the accepted connection queue.
	Backlog int

	// Workers is the number of concurrent native Accept calls. At least one runs.
	Workers int

	// Conn is the template for every connection's options.
	Conn transport.ConnOptions

	// Configure adjusts each accepted socket before it is wrapped.
	Configure func(net.Conn) error

	// Wrap turns an accepted socket into a connection. Defaults to transport.NewStreamConnection.
	Wrap func(nc net.Conn, opts transport.ConnOptions) transport.Connection

	// Properties are built-in listener features.
	Properties []props.Option

	// OnClose runs once after the native listener is closed.
	OnClose func() error

	Logger *log.Logger
}

// Listener implements transport.Listener over a net.Listener.
type Listener struct {
	nl    net.Listener
	opts  Options
	props *props.Collection

	queue   chan net.Conn
	unbound chan struct{}
	workers sync.WaitGroup

	unbindOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

// New starts accepting on nl.
func New(nl net.Listener, opts Options) *Listener {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Backlog < 0 {
		opts.Backlog = 0
	}
	if opts.Wrap == nil {
		opts.Wrap = func(nc net.Conn, o transport.ConnOptions) transport.Connection {
			return transport.NewStreamConnection(nc, o)
		}
	}

	l := &Listener{
		nl:      nl,
		opts:    opts,
		queue:   make(chan net.Conn, opts.Backlog),
		unbound: make(chan struct{}),
	}
	l.props = props.New(opts.Properties...)

	for i := 0; i < opts.Workers; i++ {
		l.workers.Add(1)
		go l.acceptWorker()
	}
	return l
}

// Addr implements transport.Listener.
func (l *Listener) Addr() net.Addr { return l.nl.Addr() }

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
	case nc := <-l.queue:
		select {
		case <-l.unbound:
			abort(nc)
			return nil, nil
		default:
		}
		return l.wrap(nc), nil
	case <-l.unbound:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) wrap(nc net.Conn) transport.Connection {
	if l.opts.Configure != nil {
		if err := l.opts.Configure(nc); err != nil {
			l.opts.Logger.VerboseMsg("configuring socket from %s: %s", nc.RemoteAddr(), err)
		}
	}
	return l.opts.Wrap(nc, l.opts.Conn)
}

// Unbind implements transport.Listener. It closes the native listener and
// waits for the accept workers, bounded by ctx.
func (l *Listener) Unbind(ctx context.Context) error {
	var err error
	l.unbindOnce.Do(func() {
		close(l.unbound)
		if cerr := l.nl.Close(); cerr != nil && !IsClosedError(cerr) {
			err = fmt.Errorf("close listener %s: %w", l.nl.Addr(), cerr)
		}
	})

	done := make(chan struct{})
	go func() {
		l.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.drain()
	return err
}

func (l *Listener) drain() {
	for {
		select {
		case nc := <-l.queue:
			abort(nc)
		default:
			return
		}
	}
}

// Close implements transport.Listener.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.Unbind(context.Background())
		if l.opts.OnClose != nil {
			if err := l.opts.OnClose(); err != nil {
				l.closeErr = errors.Join(l.closeErr, err)
			}
		}
	})
	return l.closeErr
}

func (l *Listener) acceptWorker() {
	defer l.workers.Done()

	var delay time.Duration
	for {
		nc, err := l.nl.Accept()
		if err != nil {
			if l.isUnbound() || IsClosedError(err) {
				return
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			l.opts.Logger.ErrorMsg("Accept() on %s: %s; retrying in %v\n", l.nl.Addr(), err, delay)

			select {
			case <-time.After(delay):
			case <-l.unbound:
				return
			}
			continue
		}
		delay = 0

		select {
		case l.queue <- nc:
		case <-l.unbound:
			abort(nc)
			return
		}
	}
}

func (l *Listener) isUnbound() bool {
	select {
	case <-l.unbound:
		return true
	default:
		return false
	}
}

// IsClosedError reports whether err means the listener or socket was closed.
func IsClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

func abort(nc net.Conn) {
	if tc, ok := nc.(interface{ SetLinger(int) error }); ok {
		_ = tc.SetLinger(0)
	}
	_ = nc.Close()
}

// BindError wraps a listen error, adding transport.ErrAddressInUse when the
// address is taken.
func BindError(network, addr string, err error) error {
	if errors.Is(err, syscall.EADDRINUSE) ||
		strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "Only one usage of each socket address") {
		return fmt.Errorf("listen(%s, %s): %w: %w", network, addr, transport.ErrAddressInUse, err)
	}
	return fmt.Errorf("listen(%s, %s): %w", network, addr, err)
}
