package pipeio

import (
	"io"
	"os"

	"github.com/muesli/cancelreader"
)

// Stdio provides a ReadWriteCloser over standard input and output.
// Reading from a file uses a cancelable reader where the platform supports
// it, so Close interrupts a pending Read.
type Stdio struct {
	stdin            io.Reader
	cancellableStdin cancelreader.CancelReader

	stdout io.Writer
}

// NewStdio creates a Stdio. Nil arguments select os.Stdin and os.Stdout.
func NewStdio(in io.Reader, out io.Writer) *Stdio {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	s := &Stdio{stdin: in, stdout: out}

	if f, ok := in.(*os.File); ok {
		if cr, err := cancelreader.NewReader(f); err == nil {
			s.cancellableStdin = cr
		}
	}
	return s
}

// Read reads from stdin, using the cancelable reader if available.
func (s *Stdio) Read(p []byte) (n int, err error) {
	if s.cancellableStdin != nil {
		n, err = s.cancellableStdin.Read(p)
		if err == cancelreader.ErrCanceled {
			err = io.EOF
		}
		return n, err
	}
	return s.stdin.Read(p)
}

// Write writes to stdout.
func (s *Stdio) Write(p []byte) (n int, err error) {
	return s.stdout.Write(p)
}

// Close cancels a pending read from stdin if the reader is cancelable.
func (s *Stdio) Close() error {
	if s.cancellableStdin != nil {
		s.cancellableStdin.Cancel()
	}
	return nil
}
