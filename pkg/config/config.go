// Package config holds the runtime configuration: the endpoints to bind or
// dial, TLS and timeout settings, and injectable network dependencies.
package config

import (
	"fmt"
	"time"
)

// Protocol identifies the transport of an endpoint.
type Protocol int

const (
	ProtoTCP    Protocol = 1
	ProtoWS     Protocol = 2
	ProtoWSS    Protocol = 3
	ProtoUDP    Protocol = 4 // KCP over UDP
	ProtoUnix   Protocol = 5
	ProtoPipe   Protocol = 6
	ProtoMemory Protocol = 7
	ProtoQUIC   Protocol = 8
)

var protocolNames = map[Protocol]string{
	ProtoTCP:    "tcp",
	ProtoWS:     "ws",
	ProtoWSS:    "wss",
	ProtoUDP:    "udp",
	ProtoUnix:   "unix",
	ProtoPipe:   "pipe",
	ProtoMemory: "memory",
	ProtoQUIC:   "quic",
}

func (p Protocol) String() string {
	return protocolNames[p]
}

// ParseProtocol maps a URL scheme to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// Network reports whether the protocol addresses endpoints by host and port.
func (p Protocol) Network() bool {
	switch p {
	case ProtoTCP, ProtoWS, ProtoWSS, ProtoUDP, ProtoQUIC:
		return true
	default:
		return false
	}
}

// KeySalt is prepended to the user supplied key before deriving certificates.
var KeySalt = "bn6ySqbg2BgmHaljx3mhg94DOybkBF3G" // overwrite with custom value during release build

// Config is the configuration shared by the serve and connect commands.
type Config struct {
	Endpoints []Endpoint

	SSL bool
	Key string

	// HandshakeTimeout bounds each TLS handshake attempt.
	HandshakeTimeout time.Duration

	// MaxConnections caps concurrently handled connections; 0 means unlimited.
	MaxConnections int

	// ShutdownTimeout bounds graceful draining before connections are aborted.
	ShutdownTimeout time.Duration

	Verbose bool
	LogFile string

	Deps *Dependencies
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []error {
	var errors []error

	if !c.SSL && c.Key != "" {
		errors = append(errors, fmt.Errorf("You must use '--ssl' to use '--key'"))
	}

	if c.HandshakeTimeout <= 0 {
		errors = append(errors, fmt.Errorf("'--timeout' must be positive"))
	}

	for _, err := range []error{
		validateNonNegative("shutdown-timeout", c.ShutdownTimeout),
		validateNonNegative("max-conns", c.MaxConnections),
	} {
		if err != nil {
			errors = append(errors, err)
		}
	}

	if len(c.Endpoints) == 0 {
		errors = append(errors, fmt.Errorf("at least one endpoint is required"))
	}

	for _, ep := range c.Endpoints {
		for _, err := range ep.Validate() {
			errors = append(errors, fmt.Errorf("endpoint %s: %s", ep, err))
		}
	}

	return errors
}

// GetKey returns the salted key, or "" when no key is configured.
func (c *Config) GetKey() string {
	if c.Key == "" {
		return ""
	}

	return KeySalt + c.Key
}
