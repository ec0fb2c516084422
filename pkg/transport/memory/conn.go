package memory

import (
	"context"

	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/mempool"
	"dominicbreuker/conntransport/pkg/transport"
)

// conn is one side of an in-memory connection.
type conn struct {
	*transport.BaseConnection

	// in is the buffer this side reads; the peer writes into it.
	in   *duplex.BufferPipe
	out  *duplex.BufferPipe
	peer *conn
}

func newPair(addr Addr, clientOpts, serverOpts transport.ConnOptions) (*conn, *conn) {
	pool := serverOpts.Pool
	if pool == nil {
		pool = mempool.New(0)
	}

	toServer := duplex.NewBufferPipe(duplex.Options{Pool: pool, PauseThreshold: serverOpts.MaxReadBufferSize})
	toClient := duplex.NewBufferPipe(duplex.Options{Pool: pool, PauseThreshold: clientOpts.MaxReadBufferSize})

	client := &conn{in: toClient, out: toServer}
	server := &conn{in: toServer, out: toClient}
	client.peer, server.peer = server, client

	clientAddr := Addr{Name: addr.Name + "-client"}
	client.init(clientOpts, clientAddr, addr)
	server.init(serverOpts, addr, clientAddr)
	return client, server
}

func (c *conn) init(opts transport.ConnOptions, local, remote Addr) {
	opts.ID = ""
	opts.LocalAddr = local
	opts.RemoteAddr = remote
	extra := opts.Teardown
	opts.Teardown = func(ctx context.Context, abort bool) error {
		c.teardown(abort)
		if extra != nil {
			return extra(ctx, abort)
		}
		return nil
	}
	c.BaseConnection = transport.NewBaseConnection(duplex.New(c.in.Reader(), c.out.Writer()), opts)
}

func (c *conn) teardown(abort bool) {
	if abort {
		_ = c.out.Writer().CloseWithError(transport.ErrConnectionAborted)
		_ = c.in.Writer().CloseWithError(transport.ErrConnectionAborted)
	} else {
		_ = c.out.Writer().Close()
		_ = c.in.Writer().CloseWithError(transport.ErrConnectionClosed)
	}
	c.peer.MarkRemoteClosed()
}
