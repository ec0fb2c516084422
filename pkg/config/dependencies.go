package config

import (
	"io"
	"net"
	"os"
)

// Dependencies replaces the sockets and standard streams the transports use.
// Tests inject fakes here; every nil field selects the real implementation.
type Dependencies struct {
	TCPDialer      TCPDialerFunc
	TCPListener    TCPListenerFunc
	UnixListener   UnixListenerFunc
	PacketListener PacketListenerFunc
	Stdin          StdinFunc
	Stdout         StdoutFunc
}

// TCPDialerFunc dials TCP. It returns a net.Conn so fakes need not be *net.TCPConn.
type TCPDialerFunc func(network string, laddr, raddr *net.TCPAddr) (net.Conn, error)

// TCPListenerFunc listens on TCP, used by tcp://, ws:// and wss:// endpoints.
type TCPListenerFunc func(network string, laddr *net.TCPAddr) (net.Listener, error)

// UnixListenerFunc listens on a Unix domain socket, used by unix:// endpoints
// and by named pipes on non-Windows systems.
type UnixListenerFunc func(network string, laddr *net.UnixAddr) (net.Listener, error)

// PacketListenerFunc opens a packet socket, used by udp:// and quic:// endpoints.
type PacketListenerFunc func(network, address string) (net.PacketConn, error)

// StdinFunc returns the reader the connect command sends from.
type StdinFunc func() io.Reader

// StdoutFunc returns the writer the connect command prints to.
type StdoutFunc func() io.Writer

// GetTCPDialerFunc returns deps.TCPDialer or net.DialTCP.
func GetTCPDialerFunc(deps *Dependencies) TCPDialerFunc {
	if deps != nil && deps.TCPDialer != nil {
		return deps.TCPDialer
	}
	return func(network string, laddr, raddr *net.TCPAddr) (net.Conn, error) {
		return net.DialTCP(network, laddr, raddr)
	}
}

// GetTCPListenerFunc returns deps.TCPListener or net.ListenTCP.
func GetTCPListenerFunc(deps *Dependencies) TCPListenerFunc {
	if deps != nil && deps.TCPListener != nil {
		return deps.TCPListener
	}
	return func(network string, laddr *net.TCPAddr) (net.Listener, error) {
		return net.ListenTCP(network, laddr)
	}
}

// GetUnixListenerFunc returns deps.UnixListener or net.ListenUnix.
func GetUnixListenerFunc(deps *Dependencies) UnixListenerFunc {
	if deps != nil && deps.UnixListener != nil {
		return deps.UnixListener
	}
	return func(network string, laddr *net.UnixAddr) (net.Listener, error) {
		return net.ListenUnix(network, laddr)
	}
}

// GetPacketListenerFunc returns deps.PacketListener or net.ListenPacket.
func GetPacketListenerFunc(deps *Dependencies) PacketListenerFunc {
	if deps != nil && deps.PacketListener != nil {
		return deps.PacketListener
	}
	return net.ListenPacket
}

// GetStdinFunc returns deps.Stdin or os.Stdin.
func GetStdinFunc(deps *Dependencies) StdinFunc {
	if deps != nil && deps.Stdin != nil {
		return deps.Stdin
	}
	return func() io.Reader { return os.Stdin }
}

// GetStdoutFunc returns deps.Stdout or os.Stdout.
func GetStdoutFunc(deps *Dependencies) StdoutFunc {
	if deps != nil && deps.Stdout != nil {
		return deps.Stdout
	}
	return func() io.Writer { return os.Stdout }
}
