package unix

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/transport"
)

func socketPath(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets not tested on windows")
	}
	dir, err := os.MkdirTemp("", "ct")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func endpoint(path string) config.Endpoint {
	return config.Endpoint{Protocol: config.ProtoUnix, Path: path, Options: config.DefaultEndpointOptions()}
}

func TestFactory_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	path := socketPath(t)
	l, err := NewFactory(nil, nil, nil).Bind(ctx, endpoint(path))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer l.Close()

	client, err := Dial(ctx, path)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	client.Write([]byte("ping"))

	conn, err := l.Accept(ctx)
	if err != nil || conn == nil {
		t.Fatalf("Accept() = %v, %v", conn, err)
	}
	defer conn.Close(ctx, transport.CloseAbort)

	s, _ := conn.Stream()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(s, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("read %q, %v; want ping", buf, err)
	}

	client.Close()
	select {
	case <-conn.Closed():
	case <-ctx.Done():
		t.Fatal("Closed() did not fire after the client disconnected")
	}
}

func TestFactory_AddressInUse(t *testing.T) {
	t.Parallel()

	path := socketPath(t)
	f := NewFactory(nil, nil, nil)
	l, err := f.Bind(context.Background(), endpoint(path))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer l.Close()

	if _, err := f.Bind(context.Background(), endpoint(path)); !errors.Is(err, transport.ErrAddressInUse) {
		t.Errorf("second Bind() error = %v; want ErrAddressInUse", err)
	}
}

func TestFactory_CloseRemovesSocket(t *testing.T) {
	t.Parallel()

	path := socketPath(t)
	l, err := NewFactory(nil, nil, nil).Bind(context.Background(), endpoint(path))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	l.Close()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket file still present after Close(): %v", err)
	}
}
