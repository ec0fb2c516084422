// Package udp provides the KCP over UDP listener factory and dialer.
package udp

import (
	"context"
	"fmt"
	"net"

	kcp "github.com/xtaci/kcp-go/v5"

	"dominicbreuker/conntransport/pkg/config"
)

// Dialer establishes KCP sessions over UDP to one address.
type Dialer struct {
	remoteAddr   *net.UDPAddr
	packetConnFn config.PacketListenerFunc
}

// NewDialer creates a new UDP dialer for the specified address.
// The deps parameter is optional and can be nil to use default implementations.
func NewDialer(addr string, deps *config.Dependencies) (*Dialer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", addr, err)
	}

	return &Dialer{
		remoteAddr:   udpAddr,
		packetConnFn: config.GetPacketListenerFunc(deps),
	}, nil
}

// Dial establishes a KCP session over UDP to the configured address.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ":0" lets the OS choose an ephemeral port
	conn, err := d.packetConnFn("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("net.ListenPacket(udp, :0): %w", err)
	}

	// Parameters: remoteAddr, block cipher (nil for no encryption), dataShards (0), parityShards (0), conn
	s, err := kcp.NewConn(d.remoteAddr.String(), nil, 0, 0, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("kcp.NewConn(%s): %w", d.remoteAddr.String(), err)
	}
	configure(s)

	return &ownedSession{UDPSession: s, pc: conn}, nil
}

// ownedSession closes the dialer's packet conn along with the session.
type ownedSession struct {
	*kcp.UDPSession
	pc net.PacketConn
}

func (s *ownedSession) Close() error {
	err := s.UDPSession.Close()
	s.pc.Close()
	return err
}
