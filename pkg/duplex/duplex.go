// Package duplex provides the bidirectional byte stream abstraction exposed
// by every connection: a Pipe made of an input side (PipeReader) and an
// output side (PipeWriter), plus adapters between pipes and classic
// io.ReadWriteCloser streams.
//
// Pipes follow a single-reader / single-writer discipline. Concurrent Reads
// from two goroutines on the same reader are undefined, and callers must
// serialize Writes; the pipe only guards its own buffer state.
package duplex

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrReadCanceled is returned by a Read interrupted with CancelPendingRead.
	ErrReadCanceled = errors.New("pending read canceled")

	// ErrFlushCanceled is returned by a Flush interrupted with CancelPendingFlush.
	ErrFlushCanceled = errors.New("pending flush canceled")
)

// PipeReader is the readable side of a pipe.
type PipeReader interface {
	io.Reader

	// ReadContext is Read bounded by ctx.
	ReadContext(ctx context.Context, p []byte) (int, error)

	// CancelPendingRead makes the current, or else the next, read return ErrReadCanceled.
	CancelPendingRead()

	// Close completes the reader. Writers observe io.ErrClosedPipe.
	Close() error

	// CloseWithError completes the reader with err, which writers observe.
	CloseWithError(err error) error
}

// PipeWriter is the writable side of a pipe.
type PipeWriter interface {
	io.Writer

	// Flush makes written bytes available to the other side. It may block on back-pressure.
	Flush(ctx context.Context) error

	// CancelPendingFlush makes the current, or else the next, flush return ErrFlushCanceled.
	CancelPendingFlush()

	// Close flushes and completes the writer. Readers observe io.EOF.
	Close() error

	// CloseWithError completes the writer with err, which readers observe.
	CloseWithError(err error) error
}

// Pipe is a duplex byte stream: bytes arrive on Input and leave through Output.
type Pipe interface {
	Input() PipeReader
	Output() PipeWriter
}

type pipe struct {
	in  PipeReader
	out PipeWriter
}

// New combines a reader and a writer into a Pipe.
func New(in PipeReader, out PipeWriter) Pipe {
	return &pipe{in: in, out: out}
}

func (p *pipe) Input() PipeReader  { return p.in }
func (p *pipe) Output() PipeWriter { return p.out }

// NewPair creates two cross-wired pipes: bytes written to one side's Output
// are read from the other side's Input. It backs in-memory connections.
func NewPair(opts Options) (Pipe, Pipe) {
	ab := NewBufferPipe(opts)
	ba := NewBufferPipe(opts)

	a := New(ba.Reader(), ab.Writer())
	b := New(ab.Reader(), ba.Writer())
	return a, b
}
