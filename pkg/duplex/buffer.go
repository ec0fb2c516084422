package duplex

import (
	"context"
	"io"
	"sync"

	"dominicbreuker/conntransport/pkg/mempool"
)

const (
	defaultPauseThreshold  = 64 * 1024
	defaultResumeThreshold = 32 * 1024
)

// Options configures a BufferPipe.
type Options struct {
	// Pool supplies segment buffers. A private pool is created when nil.
	Pool *mempool.Pool

	// PauseThreshold is the number of unread bytes at which Flush blocks.
	// Zero selects 64KiB, a negative value disables back-pressure.
	PauseThreshold int

	// ResumeThreshold is the number of unread bytes below which a blocked Flush resumes.
	ResumeThreshold int
}

type segment struct {
	buf  []byte
	r, w int
}

// BufferPipe is an in-memory pipe. Written bytes become readable on Flush.
type BufferPipe struct {
	pool   *mempool.Pool
	pause  int
	resume int

	mu        sync.Mutex
	changed   chan struct{}
	unflushed []*segment
	readable  []*segment
	buffered  int // readable bytes

	readCanceled  bool
	flushCanceled bool

	readerDone bool
	readerErr  error
	writerDone bool
	writerErr  error
}

// NewBufferPipe creates an empty pipe.
func NewBufferPipe(opts Options) *BufferPipe {
	if opts.Pool == nil {
		opts.Pool = mempool.New(0)
	}
	if opts.PauseThreshold == 0 {
		opts.PauseThreshold = defaultPauseThreshold
		if opts.ResumeThreshold == 0 {
			opts.ResumeThreshold = defaultResumeThreshold
		}
	}
	if opts.ResumeThreshold > opts.PauseThreshold {
		opts.ResumeThreshold = opts.PauseThreshold
	}

	return &BufferPipe{
		pool:    opts.Pool,
		pause:   opts.PauseThreshold,
		resume:  opts.ResumeThreshold,
		changed: make(chan struct{}),
	}
}

// Reader returns the readable side.
func (p *BufferPipe) Reader() PipeReader { return (*bufferReader)(p) }

// Writer returns the writable side.
func (p *BufferPipe) Writer() PipeWriter { return (*bufferWriter)(p) }

// Buffered returns the number of flushed bytes not yet read.
func (p *BufferPipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

func (p *BufferPipe) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *BufferPipe) releaseLocked() {
	for _, s := range p.unflushed {
		p.pool.Return(s.buf)
	}
	for _, s := range p.readable {
		p.pool.Return(s.buf)
	}
	p.unflushed = nil
	p.readable = nil
	p.buffered = 0
}

func (p *BufferPipe) read(ctx context.Context, b []byte) (int, error) {
	p.mu.Lock()
	for {
		if p.readerDone {
			p.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if p.readCanceled {
			p.readCanceled = false
			p.mu.Unlock()
			return 0, ErrReadCanceled
		}
		if len(b) == 0 {
			p.mu.Unlock()
			return 0, nil
		}
		if p.buffered > 0 {
			break
		}
		if p.writerDone {
			err := p.writerErr
			p.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}

		ch := p.changed
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		p.mu.Lock()
	}

	n := 0
	for n < len(b) && len(p.readable) > 0 {
		s := p.readable[0]
		c := copy(b[n:], s.buf[s.r:s.w])
		s.r += c
		n += c
		if s.r == s.w {
			p.readable = p.readable[1:]
			p.pool.Return(s.buf)
		}
	}
	p.buffered -= n
	p.notifyLocked()
	p.mu.Unlock()
	return n, nil
}

func (p *BufferPipe) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writerDone {
		return 0, io.ErrClosedPipe
	}
	if p.readerDone {
		if p.readerErr != nil {
			return 0, p.readerErr
		}
		return 0, io.ErrClosedPipe
	}

	n := 0
	for n < len(b) {
		var tail *segment
		if k := len(p.unflushed); k > 0 && p.unflushed[k-1].w < len(p.unflushed[k-1].buf) {
			tail = p.unflushed[k-1]
		} else {
			tail = &segment{buf: p.pool.Rent()}
			p.unflushed = append(p.unflushed, tail)
		}
		c := copy(tail.buf[tail.w:], b[n:])
		tail.w += c
		n += c
	}
	return n, nil
}

func (p *BufferPipe) commitLocked() {
	for _, s := range p.unflushed {
		p.buffered += s.w - s.r
	}
	p.readable = append(p.readable, p.unflushed...)
	p.unflushed = nil
}

func (p *BufferPipe) flush(ctx context.Context) error {
	p.mu.Lock()
	if p.writerDone {
		p.mu.Unlock()
		return io.ErrClosedPipe
	}
	if len(p.unflushed) > 0 && !p.readerDone {
		p.commitLocked()
		p.notifyLocked()
	}

	if p.pause < 0 || p.buffered < p.pause {
		p.mu.Unlock()
		return nil
	}

	for {
		if p.readerDone {
			err := p.readerErr
			p.mu.Unlock()
			if err == nil {
				err = io.ErrClosedPipe
			}
			return err
		}
		if p.writerDone {
			p.mu.Unlock()
			return io.ErrClosedPipe
		}
		if p.flushCanceled {
			p.flushCanceled = false
			p.mu.Unlock()
			return ErrFlushCanceled
		}
		if p.buffered <= p.resume {
			p.mu.Unlock()
			return nil
		}

		ch := p.changed
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}
}

func (p *BufferPipe) closeReader(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readerDone {
		return nil
	}
	p.readerDone = true
	p.readerErr = err
	p.releaseLocked()
	p.notifyLocked()
	return nil
}

func (p *BufferPipe) closeWriter(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writerDone {
		return nil
	}
	if err == nil && !p.readerDone {
		p.commitLocked()
	} else {
		for _, s := range p.unflushed {
			p.pool.Return(s.buf)
		}
		p.unflushed = nil
	}
	p.writerDone = true
	p.writerErr = err
	p.notifyLocked()
	return nil
}

type bufferReader BufferPipe

func (r *bufferReader) Read(b []byte) (int, error) {
	return (*BufferPipe)(r).read(context.Background(), b)
}

func (r *bufferReader) ReadContext(ctx context.Context, b []byte) (int, error) {
	return (*BufferPipe)(r).read(ctx, b)
}

func (r *bufferReader) CancelPendingRead() {
	p := (*BufferPipe)(r)
	p.mu.Lock()
	p.readCanceled = true
	p.notifyLocked()
	p.mu.Unlock()
}

func (r *bufferReader) Close() error { return (*BufferPipe)(r).closeReader(nil) }

func (r *bufferReader) CloseWithError(err error) error { return (*BufferPipe)(r).closeReader(err) }

type bufferWriter BufferPipe

func (w *bufferWriter) Write(b []byte) (int, error) { return (*BufferPipe)(w).write(b) }

func (w *bufferWriter) Flush(ctx context.Context) error { return (*BufferPipe)(w).flush(ctx) }

func (w *bufferWriter) CancelPendingFlush() {
	p := (*BufferPipe)(w)
	p.mu.Lock()
	p.flushCanceled = true
	p.notifyLocked()
	p.mu.Unlock()
}

func (w *bufferWriter) Close() error { return (*BufferPipe)(w).closeWriter(nil) }

func (w *bufferWriter) CloseWithError(err error) error { return (*BufferPipe)(w).closeWriter(err) }
