package serve

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dominicbreuker/conntransport/pkg/config"
	pkgnet "dominicbreuker/conntransport/pkg/net"
	"dominicbreuker/conntransport/pkg/transport"
)

func TestGetCommand(t *testing.T) {
	t.Parallel()

	cmd := GetCommand()
	if cmd.Name != "serve" {
		t.Errorf("command name = %q; want serve", cmd.Name)
	}
	if cmd.Action == nil {
		t.Fatal("command action should not be nil")
	}

	names := make(map[string]bool)
	for _, flag := range getFlags() {
		names[flag.Names()[0]] = true
	}
	for _, want := range []string{"ssl", "key", "timeout", "max-conns", "forward", "mux", "log"} {
		if !names[want] {
			t.Errorf("expected flag %q not found", want)
		}
	}
}

func loopback() config.Endpoint {
	return config.Endpoint{Protocol: config.ProtoTCP, Host: "127.0.0.1", Options: config.DefaultEndpointOptions()}
}

func endpointOf(addr net.Addr) config.Endpoint {
	ep := loopback()
	ep.Port = addr.(*net.TCPAddr).Port
	return ep
}

func testConfig() *config.Config {
	return &config.Config{
		Endpoints:        []config.Endpoint{loopback()},
		HandshakeTimeout: time.Second,
		ShutdownTimeout:  time.Second,
	}
}

// startRun runs the server in the background and returns its first address
// and a function that stops it and returns run's result.
func startRun(t *testing.T, cfg *config.Config, opts options) (net.Addr, func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan []net.Addr, 1)
	opts.Ready = func(addrs []net.Addr) { ready <- addrs }
	opts.Output = io.Discard

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, opts) }()

	select {
	case addrs := <-ready:
		stop := func() error {
			cancel()
			select {
			case err := <-errCh:
				return err
			case <-time.After(5 * time.Second):
				t.Fatal("run() did not return after cancellation")
				return nil
			}
		}
		return addrs[0], stop
	case err := <-errCh:
		cancel()
		t.Fatalf("run() error = %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("run() did not bind")
	}
	return nil, nil
}

func roundTrip(t *testing.T, rw io.ReadWriter, msg string) string {
	t.Helper()
	if _, err := rw.Write([]byte(msg)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(rw, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	return string(buf)
}

func TestRun_Echo(t *testing.T) {
	t.Parallel()

	addr, stop := startRun(t, testConfig(), options{})

	conn, err := pkgnet.Dial(context.Background(), endpointOf(addr), pkgnet.DialOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if got := roundTrip(t, conn, "hello"); got != "hello" {
		t.Errorf("echo = %q; want hello", got)
	}
	conn.Close()

	if err := stop(); err != nil {
		t.Errorf("run() error = %v", err)
	}
}

func TestRun_EchoOverTLS(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SSL = true
	cfg.Key = "secret"
	addr, stop := startRun(t, cfg, options{})
	defer stop()

	conn, err := pkgnet.Dial(context.Background(), endpointOf(addr), pkgnet.DialOptions{SSL: true, Key: cfg.GetKey(), Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if got := roundTrip(t, conn, "secure"); got != "secure" {
		t.Errorf("echo = %q; want secure", got)
	}
}

func TestRun_Forward(t *testing.T) {
	t.Parallel()

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer upstream.Close()
	go func() {
		c, err := upstream.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		io.ReadFull(c, buf)
		c.Write([]byte(strings.ToUpper(string(buf))))
	}()

	fwd := endpointOf(upstream.Addr())
	addr, stop := startRun(t, testConfig(), options{Forward: &fwd})
	defer stop()

	conn, err := pkgnet.Dial(context.Background(), endpointOf(addr), pkgnet.DialOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if got := roundTrip(t, conn, "ping"); got != "PING" {
		t.Errorf("forwarded reply = %q; want PING", got)
	}
}

func TestRun_Multiplexed(t *testing.T) {
	t.Parallel()

	addr, stop := startRun(t, testConfig(), options{Mux: true})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := pkgnet.DialMultiplexed(ctx, endpointOf(addr), pkgnet.DialOptions{})
	if err != nil {
		t.Fatalf("DialMultiplexed() error = %v", err)
	}
	defer session.Close(context.Background(), transport.CloseAbort)

	for _, msg := range []string{"one", "two"} {
		st, err := session.OpenStream(ctx)
		if err != nil {
			t.Fatalf("OpenStream() error = %v", err)
		}
		s, _ := st.Stream()
		if got := roundTrip(t, s, msg); got != msg {
			t.Errorf("stream echo = %q; want %q", got, msg)
		}
		st.Close(ctx, transport.CloseGraceful)
	}
}

func TestRun_LogFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.LogFile = filepath.Join(t.TempDir(), "traffic.log")
	addr, stop := startRun(t, cfg, options{})

	conn, err := pkgnet.Dial(context.Background(), endpointOf(addr), pkgnet.DialOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	roundTrip(t, conn, "abc")
	conn.Close()

	if err := stop(); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	data, err := os.ReadFile(cfg.LogFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "abcabc" {
		t.Errorf("log = %q; want both directions", data)
	}
}

func TestRun_BindError(t *testing.T) {
	t.Parallel()

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer taken.Close()

	cfg := testConfig()
	cfg.Endpoints = []config.Endpoint{loopback(), endpointOf(taken.Addr())}

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, options{Output: io.Discard}) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("run() on a taken port succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not fail")
	}
}
