//go:build !windows

package namedpipe

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"dominicbreuker/conntransport/pkg/transport"
)

func lock(name string) (func(), error) {
	path := filepath.Join(os.TempDir(), "conntransport-pipe-"+name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, transport.ErrAddressInUse
		}
		return nil, err
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
