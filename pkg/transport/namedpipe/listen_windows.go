//go:build windows

package namedpipe

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"

	"dominicbreuker/conntransport/pkg/config"
)

func pipePath(server, name string) string {
	return `\\` + server + `\pipe\` + name
}

func listen(name string, opts config.EndpointOptions) (net.Listener, error) {
	return winio.ListenPipe(pipePath(LocalServer, name), &winio.PipeConfig{
		SecurityDescriptor: opts.SecurityDescriptor,
		InputBufferSize:    int32(opts.ReadBufferSize),
		OutputBufferSize:   int32(opts.WriteBufferSize),
	})
}

var impLevels = map[config.ImpersonationLevel]winio.PipeImpLevel{
	config.ImpersonationAnonymous:      winio.PipeImpLevelAnonymous,
	config.ImpersonationIdentification: winio.PipeImpLevelIdentification,
	config.ImpersonationImpersonation:  winio.PipeImpLevelImpersonation,
	config.ImpersonationDelegation:     winio.PipeImpLevelDelegation,
}

func dial(ctx context.Context, ep config.Endpoint) (net.Conn, error) {
	path := pipePath(ep.Host, ep.Path)
	level, ok := impLevels[ep.Options.Impersonation]
	if !ok {
		return winio.DialPipeContext(ctx, path)
	}
	return winio.DialPipeAccessImpLevel(ctx, path, windows.GENERIC_READ|windows.GENERIC_WRITE, level)
}
