package tcp

import (
	"context"
	"fmt"
	"net"

	"dominicbreuker/conntransport/pkg/config"
)

// Dialer establishes TCP connections to one address.
type Dialer struct {
	tcpAddr  *net.TCPAddr
	dialFn   config.TCPDialerFunc
	endpoint config.EndpointOptions
}

// NewDialer creates a new TCP dialer for the specified address.
// The deps parameter is optional and can be nil to use default implementations.
func NewDialer(addr string, opts config.EndpointOptions, deps *config.Dependencies) (*Dialer, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", addr, err)
	}

	return &Dialer{
		tcpAddr:  tcpAddr,
		dialFn:   config.GetTCPDialerFunc(deps),
		endpoint: opts,
	}, nil
}

// Dial establishes a TCP connection to the configured address with keep-alive enabled.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := d.dialFn("tcp", nil, d.tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("net.DialTCP(tcp, %s): %w", d.tcpAddr.String(), err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}
	if err := Configure(conn, d.endpoint); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
