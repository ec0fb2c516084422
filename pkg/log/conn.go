package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/transport"
)

// loggedConn wraps a connection and logs all data read from and written to
// either of its views.
type loggedConn struct {
	transport.Connection
	logFile io.WriteCloser

	mu     sync.Mutex // serializes log file writes and view creation
	pipe   duplex.Pipe
	stream io.ReadWriteCloser
}

// NewLoggedConn wraps a connection to log all data read from and written to it.
// The log file is created or appended to at the specified path and closed
// together with the connection.
func NewLoggedConn(conn transport.Connection, logFilePath string) (transport.Connection, error) {
	logFile, err := os.OpenFile(logFilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return WrapConn(conn, logFile), nil
}

// WrapConn tees the traffic of conn into w.
func WrapConn(conn transport.Connection, w io.WriteCloser) transport.Connection {
	return &loggedConn{Connection: conn, logFile: w}
}

func (lc *loggedConn) log(b []byte) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	_, err := lc.logFile.Write(b)
	return err
}

func (lc *loggedConn) Pipe() (duplex.Pipe, error) {
	p, err := lc.Connection.Pipe()
	if err != nil {
		return nil, err
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.pipe == nil {
		lc.pipe = duplex.New(&loggedReader{PipeReader: p.Input(), lc: lc}, &loggedWriter{PipeWriter: p.Output(), lc: lc})
	}
	return lc.pipe, nil
}

func (lc *loggedConn) Stream() (io.ReadWriteCloser, error) {
	s, err := lc.Connection.Stream()
	if err != nil {
		return nil, err
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.stream == nil {
		lc.stream = &loggedStream{ReadWriteCloser: s, lc: lc}
	}
	return lc.stream, nil
}

func (lc *loggedConn) Close(ctx context.Context, method transport.CloseMethod) error {
	err := lc.Connection.Close(ctx, method)
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if cerr := lc.logFile.Close(); cerr != nil && err == nil && !errors.Is(cerr, os.ErrClosed) {
		err = fmt.Errorf("closing log: %s", cerr)
	}
	return err
}

type loggedReader struct {
	duplex.PipeReader
	lc *loggedConn
}

func (r *loggedReader) Read(b []byte) (int, error) {
	return r.ReadContext(context.Background(), b)
}

func (r *loggedReader) ReadContext(ctx context.Context, b []byte) (int, error) {
	n, err := r.PipeReader.ReadContext(ctx, b)
	if n > 0 {
		if lerr := r.lc.log(b[:n]); lerr != nil {
			return 0, fmt.Errorf("reading: %s", lerr)
		}
	}
	return n, err
}

type loggedWriter struct {
	duplex.PipeWriter
	lc *loggedConn
}

func (w *loggedWriter) Write(b []byte) (int, error) {
	n, err := w.PipeWriter.Write(b)
	if n > 0 {
		if lerr := w.lc.log(b[:n]); lerr != nil {
			return 0, fmt.Errorf("writing: %s", lerr)
		}
	}
	return n, err
}

type loggedStream struct {
	io.ReadWriteCloser
	lc *loggedConn
}

func (s *loggedStream) Read(b []byte) (int, error) {
	n, err := s.ReadWriteCloser.Read(b)
	if n > 0 {
		if lerr := s.lc.log(b[:n]); lerr != nil {
			return 0, fmt.Errorf("reading: %s", lerr)
		}
	}
	return n, err
}

func (s *loggedStream) Write(b []byte) (int, error) {
	n, err := s.ReadWriteCloser.Write(b)
	if n > 0 {
		if lerr := s.lc.log(b[:n]); lerr != nil {
			return 0, fmt.Errorf("writing: %s", lerr)
		}
	}
	return n, err
}
