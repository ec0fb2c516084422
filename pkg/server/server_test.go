package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/metrics"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
	"dominicbreuker/conntransport/pkg/transport/memory"
	"dominicbreuker/conntransport/pkg/transport/mux"
)

func memoryEndpoint(name string) config.Endpoint {
	return config.Endpoint{Protocol: config.ProtoMemory, Path: name, Options: config.DefaultEndpointOptions()}
}

func dial(t *testing.T, n *memory.Network, name string) transport.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := n.Dial(ctx, name, transport.ConnOptions{})
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", name, err)
	}
	t.Cleanup(func() { c.Close(context.Background(), transport.CloseAbort) })
	return c
}

func stream(t *testing.T, c transport.Connection) io.ReadWriteCloser {
	t.Helper()
	s, err := c.Stream()
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	return s
}

func stopManager(t *testing.T, m *Manager) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	})
}

func TestManager_HandlerFailureIsIsolated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fail func() error
	}{
		{"error", func() error { return errors.New("delegate failed") }},
		{"panic", func() error { panic("delegate panicked") }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			n := memory.NewNetwork()
			m := New(WithHeartbeat(0))
			stopManager(t, m)

			handler := func(ctx context.Context, conn transport.Connection) error {
				s, err := conn.Stream()
				if err != nil {
					return err
				}
				b := make([]byte, 1)
				if _, err := io.ReadFull(s, b); err != nil {
					return err
				}
				if b[0] == '2' {
					return tc.fail()
				}
				_, err = s.Write([]byte("ok" + string(b)))
				return err
			}
			if _, err := m.Bind(context.Background(), memoryEndpoint("svc"), memory.NewFactory(n, nil, nil), handler); err != nil {
				t.Fatalf("Bind() error = %v", err)
			}

			clients := make([]io.ReadWriteCloser, 3)
			for i := range clients {
				clients[i] = stream(t, dial(t, n, "svc"))
			}
			for i, c := range clients {
				if _, err := c.Write([]byte{byte('1' + i)}); err != nil {
					t.Fatalf("client %d Write() error = %v", i+1, err)
				}
			}

			for _, i := range []int{0, 2} {
				buf := make([]byte, 3)
				if _, err := io.ReadFull(clients[i], buf); err != nil || string(buf) != "ok"+string(rune('1'+i)) {
					t.Errorf("client %d read %q, %v", i+1, buf, err)
				}
			}

			// the failing connection is closed, not left hanging
			if b, _ := io.ReadAll(clients[1]); len(b) != 0 {
				t.Errorf("client 2 read %q; want nothing", b)
			}
		})
	}
}

func TestManager_StopAbortsHungConnection(t *testing.T) {
	t.Parallel()

	n := memory.NewNetwork()
	sink := metrics.New(nil, "")
	m := New(WithHeartbeat(0), WithMetrics(sink), WithAbortGrace(time.Second))

	accepted := make(chan transport.Connection, 1)
	handler := func(ctx context.Context, conn transport.Connection) error {
		accepted <- conn
		s, err := conn.Stream()
		if err != nil {
			return err
		}
		// ignores ctx and waits for bytes that never come
		_, err = io.ReadAll(s)
		return err
	}
	if _, err := m.Bind(context.Background(), memoryEndpoint("svc"), memory.NewFactory(n, nil, nil), handler); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	dial(t, n, "svc")

	var conn transport.Connection
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("connection was not dispatched")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	m.Stop(ctx)
	elapsed := time.Since(start)

	if elapsed < 150*time.Millisecond || elapsed > 700*time.Millisecond {
		t.Errorf("Stop() took %v; want about 200ms", elapsed)
	}
	select {
	case <-conn.Closed():
	default:
		t.Fatal("closed signal did not fire")
	}
	if !conn.Aborted() {
		t.Error("Aborted() = false; want the hung connection aborted")
	}
	if got := sink.Snapshot(); got.Aborted != 1 || got.Active != 0 {
		t.Errorf("metrics = %+v; want one aborted connection", got)
	}
	if m.Connections() != 0 || len(m.Addrs()) != 0 {
		t.Error("manager still tracks state after Stop")
	}
}

func TestManager_StopGraceful(t *testing.T) {
	t.Parallel()

	n := memory.NewNetwork()
	m := New(WithHeartbeat(0))

	accepted := make(chan transport.Connection, 1)
	handler := func(ctx context.Context, conn transport.Connection) error {
		accepted <- conn
		<-ctx.Done()
		return ctx.Err()
	}
	m.Bind(context.Background(), memoryEndpoint("svc"), memory.NewFactory(n, nil, nil), handler)
	dial(t, n, "svc")
	conn := <-accepted

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if ctx.Err() != nil {
		t.Error("Stop() used up the whole deadline for a cooperative handler")
	}
	if conn.Aborted() {
		t.Error("Aborted() = true; want a graceful close")
	}

	if err := m.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if _, err := m.Bind(context.Background(), memoryEndpoint("late"), memory.NewFactory(n, nil, nil), handler); !errors.Is(err, ErrStopped) {
		t.Errorf("Bind() after Stop() error = %v; want ErrStopped", err)
	}
}

func TestManager_BindError(t *testing.T) {
	t.Parallel()

	n := memory.NewNetwork()
	m := New(WithHeartbeat(0))
	stopManager(t, m)

	noop := func(context.Context, transport.Connection) error { return nil }
	f := memory.NewFactory(n, nil, nil)
	if _, err := m.Bind(context.Background(), memoryEndpoint("svc"), f, noop); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if _, err := m.Bind(context.Background(), memoryEndpoint("svc"), f, noop); !errors.Is(err, transport.ErrAddressInUse) {
		t.Errorf("second Bind() error = %v; want ErrAddressInUse", err)
	}
}

func TestManager_MaxConnections(t *testing.T) {
	t.Parallel()

	n := memory.NewNetwork()
	sink := metrics.New(nil, "")
	m := New(WithHeartbeat(0), WithMaxConnections(1), WithMetrics(sink))
	stopManager(t, m)

	release := make(chan struct{})
	defer close(release)
	busy := make(chan struct{}, 1)
	handler := func(ctx context.Context, conn transport.Connection) error {
		busy <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	m.Bind(context.Background(), memoryEndpoint("svc"), memory.NewFactory(n, nil, nil), handler)

	dial(t, n, "svc")
	<-busy

	second := dial(t, n, "svc")
	select {
	case <-second.Closed():
	case <-time.After(time.Second):
		t.Fatal("connection over the limit was not closed")
	}
	if got := sink.Snapshot().Rejected; got != 1 {
		t.Errorf("rejected = %d; want 1", got)
	}
}

func TestManager_Features(t *testing.T) {
	t.Parallel()

	n := memory.NewNetwork()
	m := New(WithHeartbeat(10 * time.Millisecond))
	stopManager(t, m)

	var mu sync.Mutex
	var order []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, s)
		}
	}

	beat := make(chan struct{}, 1)
	done := make(chan struct{})
	handler := func(ctx context.Context, conn transport.Connection) error {
		defer close(done)
		p := conn.Properties()
		hb, ok := props.Get[transport.HeartbeatFeature](p)
		if !ok {
			return errors.New("no heartbeat feature")
		}
		hb.OnHeartbeat(func() {
			select {
			case beat <- struct{}{}:
			default:
			}
		})
		comp, err := props.Require[transport.CompletionFeature](p)
		if err != nil {
			return err
		}
		comp.OnCompleted(record("first"))
		comp.OnCompleted(record("second"))
		if _, ok := props.Get[transport.ShutdownFeature](p); !ok {
			return errors.New("no shutdown feature")
		}

		select {
		case <-beat:
			record("heartbeat")()
		case <-time.After(time.Second):
		}
		return nil
	}
	m.Bind(context.Background(), memoryEndpoint("svc"), memory.NewFactory(n, nil, nil), handler)
	client := dial(t, n, "svc")

	<-done
	select {
	case <-client.Closed():
	case <-time.After(time.Second):
		t.Fatal("connection not closed after the handler returned")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"heartbeat", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("callbacks = %v; want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("callbacks = %v; want %v", order, want)
			break
		}
	}
}

func TestManager_StopEndpoints(t *testing.T) {
	t.Parallel()

	n := memory.NewNetwork()
	m := New(WithHeartbeat(0))
	stopManager(t, m)

	f := memory.NewFactory(n, nil, nil)
	noop := func(context.Context, transport.Connection) error { return nil }
	m.Bind(context.Background(), memoryEndpoint("a"), f, noop)
	m.Bind(context.Background(), memoryEndpoint("b"), f, noop)

	if err := m.StopEndpoints(context.Background(), []config.Endpoint{memoryEndpoint("a")}); err != nil {
		t.Fatalf("StopEndpoints() error = %v", err)
	}

	if _, err := n.Dial(context.Background(), "a", transport.ConnOptions{}); !errors.Is(err, memory.ErrConnectionRefused) {
		t.Errorf("Dial(a) error = %v; want ErrConnectionRefused", err)
	}
	dial(t, n, "b")
	if got := len(m.Addrs()); got != 1 {
		t.Errorf("len(Addrs()) = %d; want 1", got)
	}
}

func TestManager_BindMultiplexed(t *testing.T) {
	t.Parallel()

	n := memory.NewNetwork()
	m := New(WithHeartbeat(0))
	stopManager(t, m)

	handler := func(ctx context.Context, conn transport.MultiplexedConnection) error {
		for {
			st, err := conn.AcceptStream(ctx)
			if st == nil || err != nil {
				return err
			}
			go func() {
				s, _ := st.Stream()
				io.Copy(s, s)
			}()
		}
	}
	f := mux.NewFactory(memory.NewFactory(n, nil, nil), transport.ConnOptions{}, nil)
	if _, err := m.BindMultiplexed(context.Background(), memoryEndpoint("mux"), f, handler); err != nil {
		t.Fatalf("BindMultiplexed() error = %v", err)
	}

	session, err := mux.Client(dial(t, n, "mux"), transport.ConnOptions{})
	if err != nil {
		t.Fatalf("mux.Client() error = %v", err)
	}
	defer session.Close(context.Background(), transport.CloseAbort)

	st, err := session.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	s := stream(t, st)
	s.Write([]byte("echo"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(s, buf); err != nil || string(buf) != "echo" {
		t.Errorf("read %q, %v; want echo", buf, err)
	}
}

func TestManager_StopAbortsHandlerThatNeverReturns(t *testing.T) {
	t.Parallel()

	n := memory.NewNetwork()
	m := New(WithHeartbeat(0))

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	accepted := make(chan transport.Connection, 1)
	handler := func(ctx context.Context, conn transport.Connection) error {
		accepted <- conn
		<-hang // ignores ctx and the connection
		return nil
	}
	if _, err := m.Bind(context.Background(), memoryEndpoint("svc"), memory.NewFactory(n, nil, nil), handler); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	dial(t, n, "svc")

	var conn transport.Connection
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("connection was not dispatched")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	m.Stop(ctx)
	elapsed := time.Since(start)

	if limit := 200*time.Millisecond + DefaultAbortGrace + 300*time.Millisecond; elapsed < 150*time.Millisecond || elapsed > limit {
		t.Errorf("Stop() took %v; want between 150ms and %v", elapsed, limit)
	}
	select {
	case <-conn.Closed():
	default:
		t.Fatal("closed signal did not fire")
	}
	if !conn.Aborted() {
		t.Error("Aborted() = false; want the hung connection aborted")
	}
}

// lateListener hands out one connection only after release is closed,
// ignoring Unbind the way a native accept that cannot be canceled does.
type lateListener struct {
	conn    transport.Connection
	release chan struct{}
	once    sync.Once
}

func (l *lateListener) Addr() net.Addr                { return memory.Addr{Name: "late"} }
func (l *lateListener) Properties() *props.Collection { return props.New() }
func (l *lateListener) Unbind(context.Context) error  { return nil }
func (l *lateListener) Close() error                  { return nil }

func (l *lateListener) Accept(ctx context.Context) (transport.Connection, error) {
	var c transport.Connection
	l.once.Do(func() {
		<-l.release
		c = l.conn
	})
	return c, nil
}

func TestManager_ConnectionAcceptedWhileDrainingIsAborted(t *testing.T) {
	t.Parallel()

	local, _ := duplex.NewPair(duplex.Options{})
	late := &lateListener{
		conn:    transport.NewBaseConnection(local, transport.ConnOptions{}),
		release: make(chan struct{}),
	}
	factory := transport.FactoryFunc{
		Protocols: []config.Protocol{config.ProtoMemory},
		BindFunc: func(context.Context, config.Endpoint) (transport.Listener, error) {
			return late, nil
		},
	}

	sink := metrics.New(nil, "")
	m := New(WithHeartbeat(0), WithMetrics(sink))
	handled := make(chan struct{}, 1)
	handler := func(ctx context.Context, conn transport.Connection) error {
		handled <- struct{}{}
		return nil
	}
	if _, err := m.Bind(context.Background(), memoryEndpoint("late"), factory, handler); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Stop(ctx) // gives up on the accept loop

	close(late.release)
	select {
	case <-late.conn.Closed():
	case <-time.After(time.Second):
		t.Fatal("connection accepted after Stop was not closed")
	}
	if !late.conn.Aborted() {
		t.Error("Aborted() = false; want the late connection aborted")
	}
	select {
	case <-handled:
		t.Error("handler ran for a connection accepted while draining")
	case <-time.After(50 * time.Millisecond):
	}
	if got := sink.Snapshot(); got.Rejected != 1 || got.Accepted != 0 {
		t.Errorf("metrics = %+v; want one rejected connection", got)
	}
}

func TestConnectionManager_Drain(t *testing.T) {
	t.Parallel()

	local, _ := duplex.NewPair(duplex.Options{})
	conn := transport.NewBaseConnection(local, transport.ConnOptions{})
	defer conn.Abort(nil)

	cm := newConnectionManager()
	if !cm.add(newUnit(conn, nil, time.Second)) {
		t.Fatal("add() before drain = false")
	}
	cm.drain()
	if cm.add(newUnit(conn, nil, time.Second)) {
		t.Error("add() after drain = true; want the unit refused")
	}
	if cm.len() != 1 {
		t.Errorf("len() = %d; want 1", cm.len())
	}
}
