package udp

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
		{"valid IPv4 address", "127.0.0.1:8080", false},
		{"valid IPv6 address", "[::1]:8080", false},
		{"invalid address - no port", "localhost", true},
		{"invalid address - bad port", "localhost:abc", true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, err := NewDialer(tc.addr, nil)
			if (err != nil) != tc.wantErr {
				t.Errorf("NewDialer(%q) error = %v, wantErr %v", tc.addr, err, tc.wantErr)
			}
			if !tc.wantErr && d.remoteAddr == nil {
				t.Error("NewDialer() dialer has nil remoteAddr")
			}
		})
	}
}

func TestDialer_PacketListenerError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("no sockets")
	deps := &config.Dependencies{
		PacketListener: func(string, string) (net.PacketConn, error) { return nil, wantErr },
	}

	d, err := NewDialer("127.0.0.1:8080", deps)
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}
	if _, err := d.Dial(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Dial() error = %v; want %v", err, wantErr)
	}
}
