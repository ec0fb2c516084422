package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/props"
)

// NetConnFeature exposes the socket under a stream connection.
type NetConnFeature interface {
	NetConn() net.Conn
}

// StreamConnection is a Connection over a net.Conn. A receive pump copies
// socket bytes into the input pipe; the output pipe flushes into the socket.
type StreamConnection struct {
	*BaseConnection

	nc       net.Conn
	pool     *mempool.Pool
	input    *duplex.BufferPipe
	output   duplex.PipeWriter
	extra    TeardownFunc
	stopping atomic.Bool
	pumpDone chan struct{}
}

// NewStreamConnection wraps nc and starts its receive pump. The connection
// owns nc from now on.
func NewStreamConnection(nc net.Conn, opts ConnOptions) *StreamConnection {
	if opts.Pool == nil {
		opts.Pool = mempool.New(0)
	}
	if opts.LocalAddr == nil {
		opts.LocalAddr = nc.LocalAddr()
	}
	if opts.RemoteAddr == nil {
		opts.RemoteAddr = nc.RemoteAddr()
	}

	s := &StreamConnection{
		nc:       nc,
		pool:     opts.Pool,
		extra:    opts.Teardown,
		pumpDone: make(chan struct{}),
	}
	s.input = duplex.NewBufferPipe(duplex.Options{Pool: opts.Pool, PauseThreshold: opts.MaxReadBufferSize})
	s.output = duplex.FromStream(nc, duplex.StreamOptions{Pool: opts.Pool, LeaveOpen: true}).Output()

	opts.Teardown = s.teardown
	opts.Properties = append(opts.Properties, props.Builtin[NetConnFeature](s))
	s.BaseConnection = NewBaseConnection(duplex.New(s.input.Reader(), s.output), opts)

	go s.receive()
	return s
}

// NetConn returns the wrapped socket. Reading from it races the receive pump.
func (s *StreamConnection) NetConn() net.Conn { return s.nc }

func (s *StreamConnection) receive() {
	defer close(s.pumpDone)

	w := s.input.Writer()
	buf := s.pool.Rent()
	defer s.pool.Return(buf)

	for {
		n, err := s.nc.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return // input completed by the application
			}
			if werr := w.Flush(context.Background()); werr != nil {
				return
			}
		}
		if err != nil {
			switch {
			case s.stopping.Load():
				// teardown completes the input
			case errors.Is(err, io.EOF):
				_ = w.Close()
			default:
				_ = w.CloseWithError(fmt.Errorf("read: %w", err))
			}
			s.MarkRemoteClosed()
			return
		}
	}
}

func (s *StreamConnection) teardown(ctx context.Context, abort bool) error {
	s.stopping.Store(true)

	var errs []error
	if !abort {
		if err := s.output.Flush(ctx); err != nil {
			abort = true
			s.aborted.Store(true)
		} else if err := s.output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
	}

	if abort {
		if tc, ok := s.nc.(interface{ SetLinger(int) error }); ok {
			_ = tc.SetLinger(0)
		}
	}
	if err := s.nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if abort {
		_ = s.output.CloseWithError(ErrConnectionAborted)
		_ = s.input.Writer().CloseWithError(ErrConnectionAborted)
	} else {
		_ = s.input.Writer().CloseWithError(ErrConnectionClosed)
	}

	<-s.pumpDone

	if s.extra != nil {
		if err := s.extra(ctx, abort); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
