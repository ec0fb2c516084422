//go:build !windows

package namedpipe

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"

	"dominicbreuker/conntransport/pkg/config"
)

func socketPath(name string) string {
	return filepath.Join(os.TempDir(), "conntransport-pipe-"+name)
}

func listen(name string, opts config.EndpointOptions) (net.Listener, error) {
	path := socketPath(name)
	// the lock is held, so a leftover socket belongs to a dead process
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	nl, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	if opts.SecurityDescriptor != "" {
		// no SDDL outside Windows; restrict the socket to the owner instead
		if err := os.Chmod(path, 0o600); err != nil {
			nl.Close()
			return nil, err
		}
	}
	return nl, nil
}

func dial(ctx context.Context, ep config.Endpoint) (net.Conn, error) {
	if ep.Host != LocalServer {
		return nil, ErrRemotePipe
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", socketPath(ep.Path))
}
