package adapter

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"dominicbreuker/conntransport/pkg/connctx"
	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

type marker struct{ name string }

func newConn(t *testing.T, opts transport.ConnOptions) (*transport.BaseConnection, duplex.Pipe) {
	t.Helper()
	local, peer := duplex.NewPair(duplex.Options{})
	c := transport.NewBaseConnection(local, opts)
	t.Cleanup(func() { c.Abort(nil) })
	return c, peer
}

func TestToContext_Lookup(t *testing.T) {
	t.Parallel()

	conn, _ := newConn(t, transport.ConnOptions{
		ID:         "native",
		Properties: []props.Option{props.Builtin(&marker{"builtin"})},
	})
	cc, err := ToContext(conn)
	if err != nil {
		t.Fatalf("ToContext() error = %v", err)
	}

	tests := []struct {
		name  string
		setup func()
		want  string
	}{
		{"native", func() {}, "builtin"},
		{"overlay on adapter", func() { props.Set(cc.Features(), &marker{"overlay"}) }, "overlay"},
	}
	for _, tc := range tests {
		tc.setup()
		m, ok := props.Get[*marker](cc.Features())
		if !ok || m.name != tc.want {
			t.Errorf("%s: marker = %v, %v; want %s", tc.name, m, ok, tc.want)
		}
	}

	// native values set later are visible through the adapter
	props.Set(conn.Properties(), "late")
	if v, ok := props.Get[string](cc.Features()); !ok || v != "late" {
		t.Errorf("late native value = %q, %v", v, ok)
	}

	if cc.ConnectionID() != "native" {
		t.Errorf("ConnectionID() = %q", cc.ConnectionID())
	}
	if cc.Items() != conn.Items() {
		t.Error("Items() is not the connection's bag")
	}
	id, ok := props.Get[transport.ConnectionIDFeature](cc.Features())
	if !ok || id.ConnectionID() != "native" {
		t.Errorf("ConnectionIDFeature = %v, %v", id, ok)
	}
}

func TestToContext_ViewConflict(t *testing.T) {
	t.Parallel()

	conn, _ := newConn(t, transport.ConnOptions{})
	conn.Stream()
	if _, err := ToContext(conn); !errors.Is(err, transport.ErrViewConflict) {
		t.Errorf("ToContext() error = %v; want ErrViewConflict", err)
	}
}

func TestToContext_Lifecycle(t *testing.T) {
	t.Parallel()

	conn, peer := newConn(t, transport.ConnOptions{})
	cc, _ := ToContext(conn)

	go func() {
		cc.Transport().Output().Write([]byte("ping"))
		cc.Transport().Output().Flush(context.Background())
	}()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(peer.Input(), buf); err != nil || string(buf) != "ping" {
		t.Fatalf("peer read %q, %v", buf, err)
	}

	cc.Abort(errors.New("stop"))
	select {
	case <-conn.Closed():
	case <-time.After(time.Second):
		t.Fatal("Abort() on the context did not close the connection")
	}
	if !conn.Aborted() {
		t.Error("connection not aborted")
	}
}

func TestFromContext_Lookup(t *testing.T) {
	t.Parallel()

	local, _ := duplex.NewPair(duplex.Options{})
	cc := connctx.New(local, connctx.Options{
		ID:       "legacy",
		Features: []props.Option{props.Builtin(&marker{"legacy"})},
	})
	conn := FromContext(cc)
	defer conn.Abort(nil)

	if conn.ID() != "legacy" {
		t.Errorf("ID() = %q", conn.ID())
	}
	if m, ok := props.Get[*marker](conn.Properties()); !ok || m.name != "legacy" {
		t.Errorf("marker = %v, %v; want the legacy feature", m, ok)
	}

	// legacy side items are shared
	cc.Items().Set("k", "v")
	items, ok := props.Get[*transport.Items](conn.Properties())
	if !ok {
		t.Fatal("*Items missing")
	}
	if v, _ := items.Get("k"); v != "v" {
		t.Errorf("items[k] = %v; want v", v)
	}

	props.Set(conn.Properties(), &marker{"overlay"})
	if m, _ := props.Get[*marker](conn.Properties()); m.name != "overlay" {
		t.Errorf("marker after Set = %v; want overlay", m)
	}
}

func TestFromContext_Close(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		method      transport.CloseMethod
		wantAborted bool
	}{
		{"graceful disposes", transport.CloseGraceful, false},
		{"abort aborts", transport.CloseAbort, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			local, _ := duplex.NewPair(duplex.Options{})
			var aborted, disposed bool
			cc := connctx.New(local, connctx.Options{
				OnAbort:   func(error) { aborted = true },
				OnDispose: func(context.Context) error { disposed = true; return nil },
			})
			conn := FromContext(cc)

			conn.Close(context.Background(), tc.method)
			select {
			case <-cc.Closed():
			case <-time.After(time.Second):
				t.Fatal("context not closed")
			}
			if aborted != tc.wantAborted || disposed == tc.wantAborted {
				t.Errorf("aborted = %v, disposed = %v", aborted, disposed)
			}
			if conn.Aborted() != tc.wantAborted {
				t.Errorf("Aborted() = %v; want %v", conn.Aborted(), tc.wantAborted)
			}
		})
	}
}

func TestFromContext_RemoteClose(t *testing.T) {
	t.Parallel()

	local, _ := duplex.NewPair(duplex.Options{})
	cc := connctx.New(local, connctx.Options{})
	conn := FromContext(cc)

	cc.Abort(nil)
	select {
	case <-conn.Closed():
	case <-time.After(time.Second):
		t.Fatal("connection closed signal did not follow the context")
	}
}

func TestRoundTripUnwraps(t *testing.T) {
	t.Parallel()

	conn, _ := newConn(t, transport.ConnOptions{})
	cc, _ := ToContext(conn)
	if back := FromContext(cc); back != transport.Connection(conn) {
		t.Error("FromContext(ToContext(conn)) did not return conn")
	}

	local, _ := duplex.NewPair(duplex.Options{})
	orig := connctx.New(local, connctx.Options{})
	again, err := ToContext(FromContext(orig))
	if err != nil || again != connctx.ConnectionContext(orig) {
		t.Errorf("ToContext(FromContext(cc)) = %v, %v; want cc", again, err)
	}
}

func TestRoundTripKeepsAssignedValues(t *testing.T) {
	t.Parallel()

	t.Run("set on context", func(t *testing.T) {
		t.Parallel()

		conn, _ := newConn(t, transport.ConnOptions{})
		cc, err := ToContext(conn)
		if err != nil {
			t.Fatalf("ToContext() error = %v", err)
		}
		props.Set(cc.Features(), &marker{"legacy side"})

		back := FromContext(cc)
		if m, ok := props.Get[*marker](back.Properties()); !ok || m.name != "legacy side" {
			t.Errorf("marker = %v, %v; want the value set on the context", m, ok)
		}
		if back.ID() != conn.ID() {
			t.Errorf("ID() = %q; want %q", back.ID(), conn.ID())
		}

		// later writes on the context stay visible too
		props.Set(cc.Features(), &marker{"updated"})
		if m, _ := props.Get[*marker](back.Properties()); m == nil || m.name != "updated" {
			t.Errorf("marker after update = %v; want updated", m)
		}
	})

	t.Run("set on connection", func(t *testing.T) {
		t.Parallel()

		local, _ := duplex.NewPair(duplex.Options{})
		orig := connctx.New(local, connctx.Options{ID: "legacy"})
		conn := FromContext(orig)
		defer conn.Abort(nil)
		props.Set(conn.Properties(), &marker{"new side"})

		again, err := ToContext(conn)
		if err != nil {
			t.Fatalf("ToContext() error = %v", err)
		}
		if again == connctx.ConnectionContext(orig) {
			t.Fatal("ToContext() unwrapped an adapter with assigned values")
		}
		if m, ok := props.Get[*marker](again.Features()); !ok || m.name != "new side" {
			t.Errorf("marker = %v, %v; want the value set on the connection", m, ok)
		}
		if again.ConnectionID() != "legacy" {
			t.Errorf("ConnectionID() = %q; want legacy", again.ConnectionID())
		}
	})
}

func TestHandler(t *testing.T) {
	t.Parallel()

	conn, _ := newConn(t, transport.ConnOptions{ID: "h"})
	var seen string
	h := Handler(func(ctx context.Context, cc connctx.ConnectionContext) error {
		seen = cc.ConnectionID()
		return nil
	})
	if err := h(context.Background(), conn); err != nil || seen != "h" {
		t.Errorf("Handler() = %v, saw %q", err, seen)
	}

	local, _ := duplex.NewPair(duplex.Options{})
	d := Delegate(func(ctx context.Context, c transport.Connection) error {
		seen = c.ID()
		return nil
	})
	if err := d(context.Background(), connctx.New(local, connctx.Options{ID: "d"})); err != nil || seen != "d" {
		t.Errorf("Delegate() = %v, saw %q", err, seen)
	}
}
