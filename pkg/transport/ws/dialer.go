package ws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"dominicbreuker/conntransport/pkg/config"
)

// Dialer opens WebSocket connections to one endpoint.
type Dialer struct {
	url string
}

// NewDialer creates a dialer for a ws:// or wss:// endpoint.
func NewDialer(ep config.Endpoint) *Dialer {
	return &Dialer{
		url: fmt.Sprintf("%s://%s", ep.Protocol, ep.Addr()),
	}
}

// Dial connects and returns the WebSocket as a net.Conn. ctx bounds the
// handshake only.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	opts := &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	}
	// For wss, skip verification; wss listeners use ephemeral certificates.
	// TLS termination above the transport authenticates peers.
	opts.HTTPClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	c, _, err := websocket.Dial(ctx, d.url, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket.Dial(%s): %w", d.url, err)
	}
	return websocket.NetConn(context.WithoutCancel(ctx), c, websocket.MessageBinary), nil
}
