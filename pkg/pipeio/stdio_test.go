package pipeio

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

func TestNewStdio(t *testing.T) {
	t.Parallel()

	stdio := NewStdio(nil, nil)
	if stdio.stdin != os.Stdin || stdio.stdout != os.Stdout {
		t.Error("NewStdio(nil, nil) did not default to os.Stdin and os.Stdout")
	}
	if err := stdio.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestStdio_ReadWrite(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	stdio := NewStdio(strings.NewReader("test input"), &out)
	if stdio.cancellableStdin != nil {
		t.Fatal("non-file input got a cancelable reader")
	}

	buf := make([]byte, 64)
	n, err := stdio.Read(buf)
	if err != nil || string(buf[:n]) != "test input" {
		t.Errorf("Read() = %q, %v", buf[:n], err)
	}

	if _, err := stdio.Write([]byte("test output")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if out.String() != "test output" {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestStdio_CloseCancelsFileRead(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	defer r.Close()
	defer w.Close()

	stdio := NewStdio(r, io.Discard)
	if stdio.cancellableStdin == nil {
		t.Skip("cancelable reads are not supported on this platform")
	}

	w.Write([]byte("first"))
	buf := make([]byte, 64)
	if n, err := stdio.Read(buf); err != nil || string(buf[:n]) != "first" {
		t.Fatalf("Read() = %q, %v", buf[:n], err)
	}

	stdio.Close()
	if _, err := stdio.Read(buf); err != io.EOF {
		t.Errorf("Read() after Close() error = %v; want io.EOF", err)
	}
}
