package duplex

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"dominicbreuker/conntransport/pkg/mempool"
)

// Stream is a classic stream view over a reader/writer pair.
// Closing the Stream leaves the pair open; the pair outlives the adapter.
type Stream struct {
	in  PipeReader
	out PipeWriter

	mu     sync.Mutex
	closed bool
}

// NewStream builds a stream over a pipe pair. Every Write is flushed.
func NewStream(in PipeReader, out PipeWriter) *Stream {
	return &Stream{in: in, out: out}
}

// StreamOf builds a stream over both sides of p.
func StreamOf(p Pipe) *Stream {
	return NewStream(p.Input(), p.Output())
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Read reads from the input side.
func (s *Stream) Read(b []byte) (int, error) {
	if s.isClosed() {
		return 0, io.ErrClosedPipe
	}
	return s.in.Read(b)
}

// ReadContext reads from the input side, bounded by ctx.
func (s *Stream) ReadContext(ctx context.Context, b []byte) (int, error) {
	if s.isClosed() {
		return 0, io.ErrClosedPipe
	}
	return s.in.ReadContext(ctx, b)
}

// Write writes to and flushes the output side.
func (s *Stream) Write(b []byte) (int, error) {
	return s.WriteContext(context.Background(), b)
}

// WriteContext writes to and flushes the output side, bounding the flush by ctx.
func (s *Stream) WriteContext(ctx context.Context, b []byte) (int, error) {
	if s.isClosed() {
		return 0, io.ErrClosedPipe
	}
	n, err := s.out.Write(b)
	if err != nil {
		return n, err
	}
	return n, s.out.Flush(ctx)
}

// Close detaches the stream from the pair without completing it.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// aLongTimeAgo is a deadline in the past used to interrupt blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// StreamOptions configures FromStream.
type StreamOptions struct {
	// Pool supplies the write buffer. A private pool is created when nil.
	Pool *mempool.Pool

	// LeaveOpen keeps the stream open after both pipe sides are closed.
	LeaveOpen bool
}

// FromStream builds a Pipe over a classic stream. Reads go straight to the
// stream; writes are buffered in a pooled block until Flush. Pending reads
// and flushes can only be interrupted when the stream supports deadlines.
func FromStream(rw io.ReadWriter, opts StreamOptions) Pipe {
	if opts.Pool == nil {
		opts.Pool = mempool.New(0)
	}

	sp := &streamPipe{rw: rw, leaveOpen: opts.LeaveOpen}
	sp.reader = &streamReader{sp: sp}
	sp.writer = &streamWriter{sp: sp, pool: opts.Pool}
	return New(sp.reader, sp.writer)
}

type streamPipe struct {
	rw        io.ReadWriter
	leaveOpen bool

	reader *streamReader
	writer *streamWriter

	mu   sync.Mutex
	done int
}

func (sp *streamPipe) sideClosed() error {
	sp.mu.Lock()
	sp.done++
	last := sp.done == 2
	sp.mu.Unlock()

	if last && !sp.leaveOpen {
		if c, ok := sp.rw.(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}

type streamReader struct {
	sp *streamPipe

	mu       sync.Mutex
	canceled bool
	closed   bool
	err      error
}

func (r *streamReader) Read(b []byte) (int, error) {
	return r.ReadContext(context.Background(), b)
}

func (r *streamReader) ReadContext(ctx context.Context, b []byte) (int, error) {
	d, hasDeadline := r.sp.rw.(deadliner)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if r.canceled {
		r.canceled = false
		r.mu.Unlock()
		if hasDeadline {
			_ = d.SetReadDeadline(time.Time{})
		}
		return 0, ErrReadCanceled
	}
	r.mu.Unlock()

	if hasDeadline && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			_ = d.SetReadDeadline(aLongTimeAgo)
		})
		defer func() {
			if !stop() {
				_ = d.SetReadDeadline(time.Time{})
			}
		}()
	}

	n, err := r.sp.rw.Read(b)
	if err != nil && hasDeadline && isTimeout(err) {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		r.mu.Lock()
		canceled := r.canceled
		r.canceled = false
		r.mu.Unlock()
		if canceled {
			_ = d.SetReadDeadline(time.Time{})
			return n, ErrReadCanceled
		}
	}
	return n, err
}

func (r *streamReader) CancelPendingRead() {
	r.mu.Lock()
	r.canceled = true
	r.mu.Unlock()

	if d, ok := r.sp.rw.(deadliner); ok {
		_ = d.SetReadDeadline(aLongTimeAgo)
	}
}

func (r *streamReader) Close() error { return r.CloseWithError(nil) }

func (r *streamReader) CloseWithError(err error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.err = err
	r.mu.Unlock()
	return r.sp.sideClosed()
}

type streamWriter struct {
	sp   *streamPipe
	pool *mempool.Pool

	canceled atomic.Bool

	mu     sync.Mutex
	buf    []byte
	closed bool
}

func (w *streamWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, io.ErrClosedPipe
	}

	n := 0
	for n < len(b) {
		if w.buf == nil {
			w.buf = w.pool.Rent()[:0]
		}
		if len(w.buf) == cap(w.buf) {
			if err := w.flushLocked(context.Background()); err != nil {
				return n, err
			}
		}
		c := copy(w.buf[len(w.buf):cap(w.buf)], b[n:])
		w.buf = w.buf[:len(w.buf)+c]
		n += c
	}
	return n, nil
}

func (w *streamWriter) flushLocked(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}

	d, hasDeadline := w.sp.rw.(deadliner)
	if w.canceled.Swap(false) {
		if hasDeadline {
			_ = d.SetWriteDeadline(time.Time{})
		}
		return ErrFlushCanceled
	}

	if hasDeadline && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			_ = d.SetWriteDeadline(aLongTimeAgo)
		})
		defer func() {
			if !stop() {
				_ = d.SetWriteDeadline(time.Time{})
			}
		}()
	}

	n, err := w.sp.rw.Write(w.buf)
	if err != nil {
		if hasDeadline && isTimeout(err) {
			if ctx.Err() != nil {
				err = ctx.Err()
			} else if w.canceled.Swap(false) {
				_ = d.SetWriteDeadline(time.Time{})
				err = ErrFlushCanceled
			}
		}
		// drop what was written, keep the rest for a retry
		w.buf = w.buf[:copy(w.buf, w.buf[n:])]
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

func (w *streamWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return io.ErrClosedPipe
	}
	return w.flushLocked(ctx)
}

func (w *streamWriter) CancelPendingFlush() {
	w.canceled.Store(true)
	if d, ok := w.sp.rw.(deadliner); ok {
		_ = d.SetWriteDeadline(aLongTimeAgo)
	}
}

func (w *streamWriter) Close() error { return w.CloseWithError(nil) }

func (w *streamWriter) CloseWithError(err error) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	var flushErr error
	if err == nil {
		flushErr = w.flushLocked(context.Background())
	}
	w.closed = true
	if w.buf != nil {
		w.pool.Return(w.buf)
		w.buf = nil
	}
	w.mu.Unlock()

	if cw, ok := w.sp.rw.(interface{ CloseWrite() error }); ok && err == nil {
		_ = cw.CloseWrite()
	}
	if closeErr := w.sp.sideClosed(); flushErr == nil {
		flushErr = closeErr
	}
	return flushErr
}
