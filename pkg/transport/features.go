package transport

import (
	"crypto/tls"
	"crypto/x509"
	"sync"

	"github.com/google/uuid"
)

// NewConnectionID returns a process unique connection id.
func NewConnectionID() string {
	return uuid.NewString()
}

// ConnectionIDFeature exposes the connection id.
type ConnectionIDFeature interface {
	ConnectionID() string
}

// LifetimeFeature exposes the closed signal and abort.
type LifetimeFeature interface {
	Closed() <-chan struct{}
	Abort(reason error)
}

// Items is a concurrency safe bag of per connection values.
type Items struct {
	m sync.Map
}

// Get returns the value stored under key.
func (i *Items) Get(key any) (any, bool) {
	return i.m.Load(key)
}

// Set stores v under key.
func (i *Items) Set(key, v any) {
	i.m.Store(key, v)
}

// Delete removes key.
func (i *Items) Delete(key any) {
	i.m.Delete(key)
}

// Len returns the number of stored values.
func (i *Items) Len() int {
	n := 0
	i.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// TLSHandshake describes a completed TLS handshake. Its presence on a
// connection means TLS is already terminated.
type TLSHandshake struct {
	Version            uint16
	CipherSuite        uint16
	NegotiatedProtocol string
	ServerName         string
	PeerCertificates   []*x509.Certificate
}

// NewTLSHandshake captures the parts of state exposed as a feature.
func NewTLSHandshake(state tls.ConnectionState) *TLSHandshake {
	return &TLSHandshake{
		Version:            state.Version,
		CipherSuite:        state.CipherSuite,
		NegotiatedProtocol: state.NegotiatedProtocol,
		ServerName:         state.ServerName,
		PeerCertificates:   state.PeerCertificates,
	}
}

// ShutdownFeature is registered by the execution unit that runs a connection.
type ShutdownFeature interface {
	// ShutdownRequested is closed when the server asks the connection to wind down.
	ShutdownRequested() <-chan struct{}

	// RequestClose asks the connection to wind down gracefully.
	RequestClose()

	// OnShutdownRequest registers fn to run when shutdown is requested.
	OnShutdownRequest(fn func())
}

// HeartbeatFeature is registered by the execution unit that runs a connection.
type HeartbeatFeature interface {
	// OnHeartbeat registers fn to run on every server heartbeat tick.
	OnHeartbeat(fn func())
}

// CompletionFeature is registered by the execution unit that runs a connection.
type CompletionFeature interface {
	// OnCompleted registers fn to run after the handler returned, in reverse order.
	OnCompleted(fn func())
}
