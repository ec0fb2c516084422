package tcp

import (
	"context"
	"errors"
	"net"
	"testing"

	"dominicbreuker/conntransport/pkg/config"
)

func TestNewDialer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{
			name:    "valid address",
			addr:    "localhost:8080",
			wantErr: false,
		},
		{
			name:    "valid IPv4 address",
			addr:    "127.0.0.1:8080",
			wantErr: false,
		},
		{
			name:    "valid IPv6 address",
			addr:    "[::1]:8080",
			wantErr: false,
		},
		{
			name:    "invalid address - no port",
			addr:    "localhost",
			wantErr: true,
		},
		{
			name:    "invalid address - bad port",
			addr:    "localhost:abc",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, err := NewDialer(tc.addr, config.DefaultEndpointOptions(), nil)
			if (err != nil) != tc.wantErr {
				t.Errorf("NewDialer(%q) error = %v, wantErr %v", tc.addr, err, tc.wantErr)
			}
			if !tc.wantErr && d.tcpAddr == nil {
				t.Error("NewDialer() dialer has nil tcpAddr")
			}
		})
	}
}

func TestDialer_InjectedDialer(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer server.Close()

	var gotAddr string
	deps := &config.Dependencies{
		TCPDialer: func(network string, laddr, raddr *net.TCPAddr) (net.Conn, error) {
			gotAddr = raddr.String()
			return client, nil
		},
	}

	d, err := NewDialer("127.0.0.1:9999", config.DefaultEndpointOptions(), deps)
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if conn != client {
		t.Error("Dial() did not return the injected connection")
	}
	if gotAddr != "127.0.0.1:9999" {
		t.Errorf("dialed %q; want 127.0.0.1:9999", gotAddr)
	}
}

func TestDialer_CanceledContext(t *testing.T) {
	t.Parallel()

	d, err := NewDialer("127.0.0.1:9999", config.DefaultEndpointOptions(), nil)
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Dial(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Dial() error = %v; want context.Canceled", err)
	}
}
