package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/props"
)

func newPipeConn(t *testing.T) (*StreamConnection, net.Conn) {
	t.Helper()

	local, peer := net.Pipe()
	c := NewStreamConnection(local, ConnOptions{})
	t.Cleanup(func() {
		peer.Close()
		c.Close(context.Background(), CloseAbort)
	})
	return c, peer
}

func waitClosed(t *testing.T, c Connection) {
	t.Helper()
	select {
	case <-c.Closed():
	case <-time.After(time.Second):
		t.Fatal("closed signal did not fire")
	}
}

func TestStreamConnection_RoundTrip(t *testing.T) {
	t.Parallel()

	c, peer := newPipeConn(t)

	s, err := c.Stream()
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	go peer.Write([]byte("hello"))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(s, buf); err != nil || string(buf) != "hello" {
		t.Fatalf("read %q, %v; want hello", buf, err)
	}

	go s.Write([]byte("world"))
	if _, err := io.ReadFull(peer, buf); err != nil || string(buf) != "world" {
		t.Fatalf("peer read %q, %v; want world", buf, err)
	}
}

func TestStreamConnection_RemoteClose(t *testing.T) {
	t.Parallel()

	c, peer := newPipeConn(t)
	p, err := c.Pipe()
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}

	peer.Close()
	waitClosed(t, c)

	if _, err := p.Input().Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("Read() after remote close error = %v; want io.EOF", err)
	}
	if c.Aborted() {
		t.Error("Aborted() = true after remote close")
	}
}

func TestConnection_Views(t *testing.T) {
	t.Parallel()

	t.Run("pipe first", func(t *testing.T) {
		t.Parallel()
		c, _ := newPipeConn(t)

		p1, err := c.Pipe()
		if err != nil {
			t.Fatalf("Pipe() error = %v", err)
		}
		p2, _ := c.Pipe()
		if p1 != p2 {
			t.Error("Pipe() returned a different instance on the second call")
		}
		if _, err := c.Stream(); !errors.Is(err, ErrViewConflict) {
			t.Errorf("Stream() after Pipe() error = %v; want ErrViewConflict", err)
		}
	})

	t.Run("stream first", func(t *testing.T) {
		t.Parallel()
		c, _ := newPipeConn(t)

		s1, err := c.Stream()
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		s2, _ := c.Stream()
		if s1 != s2 {
			t.Error("Stream() returned a different instance on the second call")
		}
		if _, err := c.Pipe(); !errors.Is(err, ErrViewConflict) {
			t.Errorf("Pipe() after Stream() error = %v; want ErrViewConflict", err)
		}
		if err := c.SetPipe(nil); !errors.Is(err, ErrViewConflict) {
			t.Errorf("SetPipe() after Stream() error = %v; want ErrViewConflict", err)
		}
	})
}

func TestConnection_SetPipe(t *testing.T) {
	t.Parallel()

	original, _ := duplex.NewPair(duplex.Options{})
	c := NewBaseConnection(original, ConnOptions{})

	replacement, other := duplex.NewPair(duplex.Options{})
	if err := c.SetPipe(replacement); err != nil {
		t.Fatalf("SetPipe() error = %v", err)
	}

	s, _ := c.Stream()
	go s.Write([]byte("via replacement"))

	buf := make([]byte, len("via replacement"))
	if _, err := io.ReadFull(other.Input(), buf); err != nil || string(buf) != "via replacement" {
		t.Errorf("read %q, %v from replacement", buf, err)
	}
}

func TestConnection_GracefulCloseWithCanceledContextAborts(t *testing.T) {
	t.Parallel()

	c, _ := newPipeConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Close(ctx, CloseGraceful)
	waitClosed(t, c)

	if !c.Aborted() {
		t.Error("Aborted() = false; want true for a graceful close with a canceled context")
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c, _ := newPipeConn(t)

	if err := c.Close(context.Background(), CloseGraceful); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	waitClosed(t, c)

	// closing a closed channel would panic
	if err := c.Close(context.Background(), CloseAbort); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	c.Abort(errors.New("late"))

	if c.Aborted() {
		t.Error("Aborted() = true; a repeated close must not change the outcome")
	}
}

func TestConnection_GracefulCloseWakesPendingRead(t *testing.T) {
	t.Parallel()

	c, _ := newPipeConn(t)
	p, _ := c.Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Input().Read(make([]byte, 1))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx, CloseGraceful); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, duplex.ErrReadCanceled) {
			t.Errorf("pending Read() error = %v; want ErrReadCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending Read() did not return")
	}
	if c.Aborted() {
		t.Error("Aborted() = true after a graceful close")
	}

	if _, err := p.Input().Read(make([]byte, 1)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Read() after Close error = %v; want ErrConnectionClosed", err)
	}
}

func TestConnection_AbortFailsPendingRead(t *testing.T) {
	t.Parallel()

	c, _ := newPipeConn(t)
	s, _ := c.Stream()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 1))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	boom := errors.New("boom")
	c.Abort(boom)
	waitClosed(t, c)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionAborted) {
			t.Errorf("pending Read() error = %v; want ErrConnectionAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending Read() did not return after Abort")
	}
	if !errors.Is(c.AbortReason(), boom) {
		t.Errorf("AbortReason() = %v; want boom", c.AbortReason())
	}
}

func TestConnection_BuiltinFeatures(t *testing.T) {
	t.Parallel()

	c, _ := newPipeConn(t)

	id, ok := props.Get[ConnectionIDFeature](c.Properties())
	if !ok || id.ConnectionID() != c.ID() {
		t.Errorf("ConnectionIDFeature = %v, %v; want id %s", id, ok, c.ID())
	}

	items, err := props.Require[*Items](c.Properties())
	if err != nil {
		t.Fatalf("Require[*Items]() error = %v", err)
	}
	items.Set("k", "v")
	if v, _ := c.Items().Get("k"); v != "v" {
		t.Errorf("Items().Get(k) = %v; want v", v)
	}

	lt, ok := props.Get[LifetimeFeature](c.Properties())
	if !ok {
		t.Fatal("LifetimeFeature missing")
	}
	lt.Abort(nil)
	waitClosed(t, c)

	if _, ok := props.Get[NetConnFeature](c.Properties()); !ok {
		t.Error("NetConnFeature missing on a stream connection")
	}
}

func TestNewConnectionID_Unique(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewConnectionID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestFactoryFunc(t *testing.T) {
	t.Parallel()

	var bound []config.Endpoint
	f := FactoryFunc{
		Protocols: []config.Protocol{config.ProtoTCP, config.ProtoUnix},
		BindFunc: func(ctx context.Context, ep config.Endpoint) (Listener, error) {
			bound = append(bound, ep)
			return nil, nil
		},
	}

	tests := []struct {
		name    string
		ep      config.Endpoint
		wantErr error
	}{
		{"tcp", config.Endpoint{Protocol: config.ProtoTCP, Host: "127.0.0.1", Port: 80}, nil},
		{"unix", config.Endpoint{Protocol: config.ProtoUnix, Path: "/tmp/s"}, nil},
		{"udp", config.Endpoint{Protocol: config.ProtoUDP, Host: "127.0.0.1", Port: 80}, ErrUnsupportedEndpoint},
	}

	for _, tc := range tests {
		if got := f.CanBind(tc.ep); got != (tc.wantErr == nil) {
			t.Errorf("%s: CanBind() = %v", tc.name, got)
		}
		if _, err := f.Bind(context.Background(), tc.ep); !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: Bind() error = %v; want %v", tc.name, err, tc.wantErr)
		}
	}
	if len(bound) != 2 {
		t.Errorf("BindFunc called %d times; want 2", len(bound))
	}
}
