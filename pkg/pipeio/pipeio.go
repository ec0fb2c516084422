// Package pipeio copies data between two streams in both directions.
package pipeio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/muesli/cancelreader"
)

// Pipe copies rwc1 to rwc2 and rwc2 to rwc1 until either direction ends or
// ctx is canceled. Both streams are closed before Pipe returns; a copy
// blocked in an uninterruptible Read may outlive it. Copy errors other than
// the ones caused by closing are passed to logfunc.
func Pipe(ctx context.Context, rwc1, rwc2 io.ReadWriteCloser, logfunc func(error)) {
	var once sync.Once
	done := make(chan struct{})
	closeBoth := func() {
		once.Do(func() {
			rwc1.Close()
			rwc2.Close()
			close(done)
		})
	}

	copyFn := func(dst io.Writer, src io.Reader, name string) {
		defer closeBoth()
		if _, err := io.Copy(dst, src); err != nil && !isClosed(err) && logfunc != nil {
			logfunc(fmt.Errorf("io.Copy(%s): %w", name, err))
		}
	}
	go copyFn(rwc2, rwc1, "rwc2, rwc1")
	go copyFn(rwc1, rwc2, "rwc1, rwc2")

	select {
	case <-ctx.Done():
		closeBoth()
	case <-done:
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, cancelreader.ErrCanceled) ||
		errors.Is(err, syscall.ECONNRESET)
}
