package adapter

import (
	"context"
	"fmt"

	"dominicbreuker/conntransport/pkg/connctx"
	"dominicbreuker/conntransport/pkg/transport"
)

// Handler runs a pipe based delegate on transport connections.
func Handler(delegate connctx.Delegate) func(ctx context.Context, conn transport.Connection) error {
	return func(ctx context.Context, conn transport.Connection) error {
		cc, err := ToContext(conn)
		if err != nil {
			return fmt.Errorf("adapter.ToContext(%s): %w", conn.ID(), err)
		}
		return delegate(ctx, cc)
	}
}

// Delegate runs a transport connection handler on pipe based contexts.
func Delegate(handler func(ctx context.Context, conn transport.Connection) error) connctx.Delegate {
	return func(ctx context.Context, cc connctx.ConnectionContext) error {
		return handler(ctx, FromContext(cc))
	}
}
