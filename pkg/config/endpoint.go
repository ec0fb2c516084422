package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ImpersonationLevel is the named pipe client impersonation level.
type ImpersonationLevel int

const (
	ImpersonationNone ImpersonationLevel = iota
	ImpersonationAnonymous
	ImpersonationIdentification
	ImpersonationImpersonation
	ImpersonationDelegation
)

var impersonationNames = map[string]ImpersonationLevel{
	"none":           ImpersonationNone,
	"anonymous":      ImpersonationAnonymous,
	"identification": ImpersonationIdentification,
	"impersonation":  ImpersonationImpersonation,
	"delegation":     ImpersonationDelegation,
}

// EndpointOptions are per endpoint transport settings, taken from the URL query.
type EndpointOptions struct {
	// Backlog is the number of accepted connections queued ahead of Accept.
	Backlog int

	// NoDelay disables Nagle's algorithm on TCP sockets.
	NoDelay bool

	// KeepAlive is the TCP keep-alive period; 0 keeps the system default.
	KeepAlive time.Duration

	// ReadBufferSize and WriteBufferSize size socket and pipe buffers; 0 keeps defaults.
	ReadBufferSize  int
	WriteBufferSize int

	// MaxReadBufferSize is the amount of unread input at which the receive
	// pump pauses. 0 selects the default, negative disables the limit.
	MaxReadBufferSize int

	// IOQueueCount is the number of concurrent native accept calls.
	IOQueueCount int

	// SecurityDescriptor is an SDDL string applied to named pipes.
	SecurityDescriptor string

	// Impersonation is requested by named pipe clients.
	Impersonation ImpersonationLevel
}

// DefaultEndpointOptions returns the options used for keys absent from the URL.
func DefaultEndpointOptions() EndpointOptions {
	return EndpointOptions{
		Backlog:      16,
		NoDelay:      true,
		IOQueueCount: 1,
	}
}

// Endpoint is a bindable or dialable transport address.
//
//	tcp://host:port  udp://host:port  ws://host:port  wss://host:port  quic://host:port
//	unix:///path/to/socket
//	pipe://./name
//	memory://name
//
// Host "*" or an empty host binds all interfaces. For pipes Host is the
// server name and Path the pipe name; for unix and memory endpoints Path
// holds the socket path or the in-memory name.
type Endpoint struct {
	Protocol Protocol
	Host     string
	Port     int
	Path     string
	Options  EndpointOptions
}

// ParseEndpoint parses an endpoint URL.
func ParseEndpoint(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, parsingError(s, err)
	}

	proto, err := ParseProtocol(u.Scheme)
	if err != nil {
		return Endpoint{}, parsingError(s, err)
	}

	ep := Endpoint{Protocol: proto, Options: DefaultEndpointOptions()}

	switch {
	case proto.Network():
		ep.Host = u.Hostname()
		if ep.Host == "*" { // also counts as all interfaces
			ep.Host = ""
		}
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return Endpoint{}, parsingError(s, fmt.Errorf("invalid port %q", u.Port()))
		}
		ep.Port = port
	case proto == ProtoUnix:
		ep.Path = u.Host + u.Path
	case proto == ProtoPipe:
		ep.Host = u.Host
		ep.Path = strings.TrimPrefix(u.Path, "/")
	case proto == ProtoMemory:
		ep.Path = u.Host + u.Path
	}

	if err := ep.Options.parse(u.Query()); err != nil {
		return Endpoint{}, parsingError(s, err)
	}

	return ep, nil
}

func (o *EndpointOptions) parse(q url.Values) error {
	ints := map[string]*int{
		"backlog":  &o.Backlog,
		"rcvbuf":   &o.ReadBufferSize,
		"sndbuf":   &o.WriteBufferSize,
		"maxbuf":   &o.MaxReadBufferSize,
		"ioqueues": &o.IOQueueCount,
	}
	for key, dst := range ints {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("option %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := q.Get("nodelay"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("option nodelay: %w", err)
		}
		o.NoDelay = b
	}

	if v := q.Get("keepalive"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("option keepalive: %w", err)
		}
		o.KeepAlive = d
	}

	o.SecurityDescriptor = q.Get("sd")

	if v := q.Get("impersonation"); v != "" {
		lvl, ok := impersonationNames[strings.ToLower(v)]
		if !ok {
			return fmt.Errorf("option impersonation: unknown level %q", v)
		}
		o.Impersonation = lvl
	}

	return nil
}

// Validate checks the endpoint and returns every problem found.
func (e Endpoint) Validate() []error {
	var errors []error

	switch {
	case e.Protocol.Network():
		if err := validatePort(e.Port); err != nil {
			errors = append(errors, fmt.Errorf("port: %s", err))
		}
	case e.Protocol == ProtoUnix, e.Protocol == ProtoMemory:
		if e.Path == "" {
			errors = append(errors, fmt.Errorf("path must not be empty"))
		}
	case e.Protocol == ProtoPipe:
		if e.Path == "" {
			errors = append(errors, fmt.Errorf("pipe name must not be empty"))
		}
		if e.Host == "" {
			errors = append(errors, fmt.Errorf("pipe server name must not be empty, use '.' for the local machine"))
		}
	default:
		errors = append(errors, fmt.Errorf("unknown protocol %d", e.Protocol))
	}

	if e.Options.Backlog < 0 {
		errors = append(errors, fmt.Errorf("backlog must not be negative"))
	}
	if e.Options.IOQueueCount < 0 {
		errors = append(errors, fmt.Errorf("ioqueues must not be negative"))
	}

	return errors
}

// Addr returns host:port for network endpoints and the path otherwise.
func (e Endpoint) Addr() string {
	if e.Protocol.Network() {
		return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	}
	return e.Path
}

func (e Endpoint) String() string {
	switch {
	case e.Protocol.Network():
		return fmt.Sprintf("%s://%s", e.Protocol, e.Addr())
	case e.Protocol == ProtoPipe:
		return fmt.Sprintf("pipe://%s/%s", e.Host, e.Path)
	case e.Protocol == ProtoUnix:
		return "unix://" + e.Path
	default:
		return fmt.Sprintf("%s://%s", e.Protocol, e.Path)
	}
}

func parsingError(s string, err error) error {
	return fmt.Errorf("parsing %s: %s: format should be 'protocol://address', where protocol = tcp|udp|ws|wss|quic|unix|pipe|memory", s, err)
}
