package server

import (
	"context"
	"errors"
	"net"
	"time"

	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// connection is what the accept loop needs from plain and multiplexed connections.
type connection interface {
	ID() string
	RemoteAddr() net.Addr
	Properties() *props.Collection
	Closed() <-chan struct{}
	Close(ctx context.Context, method transport.CloseMethod) error
}

// listener is what the accept loop needs from plain and multiplexed listeners.
type listener[C connection] interface {
	Addr() net.Addr
	Accept(ctx context.Context) (C, error)
}

// acceptLoop accepts until l reports that it was unbound. Every connection
// runs on its own goroutine.
func acceptLoop[C connection](m *Manager, at *activeTransport, l listener[C], handle func(ctx context.Context, conn C) error) {
	defer close(at.loopDone)

	var delay time.Duration
	for {
		conn, err := l.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
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
			m.logger.ErrorMsg("Accept() on %s: %s; retrying in %v", at.addr, err, delay)

			select {
			case <-time.After(delay):
			case <-m.ctx.Done():
				return
			}
			continue
		}
		if any(conn) == nil {
			return // unbound
		}
		delay = 0

		if !m.sem.TryAcquire() {
			m.logger.WithConn(conn.ID()).ErrorMsg("rejecting connection from %s: connection limit reached", conn.RemoteAddr())
			m.metrics.Rejected()
			conn.Close(context.Background(), transport.CloseAbort)
			continue
		}

		u := newUnit(conn, m.logger.WithConn(conn.ID()), m.closeTimeout)
		if !at.conns.add(u) {
			m.logger.WithConn(conn.ID()).VerboseMsg("aborting connection from %s: endpoint is draining", conn.RemoteAddr())
			m.metrics.Rejected()
			m.sem.Release()
			conn.Close(context.Background(), transport.CloseAbort)
			continue
		}
		go runUnit(m, at, u, conn, handle)
	}
}

func runUnit[C connection](m *Manager, at *activeTransport, u *unit, conn C, handle func(ctx context.Context, conn C) error) {
	defer close(u.done)
	defer m.sem.Release()
	defer at.conns.remove(u)

	start := m.metrics.Accepted()
	defer func() {
		aborted := u.forced.Load()
		if c, ok := any(conn).(interface{ Aborted() bool }); ok && c.Aborted() {
			aborted = true
		}
		m.metrics.Finished(start, aborted)
	}()

	u.logger.VerboseMsg("New connection from %s", conn.RemoteAddr())
	u.run(func(ctx context.Context) error { return handle(ctx, conn) })
	u.logger.VerboseMsg("Connection from %s done", conn.RemoteAddr())
}
