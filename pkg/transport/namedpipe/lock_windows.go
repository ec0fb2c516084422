//go:build windows

package namedpipe

import (
	"errors"

	"golang.org/x/sys/windows"

	"dominicbreuker/conntransport/pkg/transport"
)

// lock creates a named mutex. Other processes binding the same pipe are not
// detected; the pipe server itself rejects them.
func lock(name string) (func(), error) {
	mutexName, err := windows.UTF16PtrFromString("conntransport-pipe-" + name)
	if err != nil {
		return nil, err
	}

	h, err := windows.CreateMutex(nil, false, mutexName)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		windows.CloseHandle(h)
		return nil, transport.ErrAddressInUse
	}
	if err != nil {
		return nil, err
	}

	return func() { windows.CloseHandle(h) }, nil
}
