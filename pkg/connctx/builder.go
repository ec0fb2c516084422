package connctx

import (
	"context"
	"fmt"
	"time"

	"dominicbreuker/conntransport/pkg/log"
)

// Middleware wraps a Delegate.
type Middleware func(next Delegate) Delegate

// Builder composes middleware around a terminal delegate. The first
// middleware added is the outermost.
type Builder struct {
	middleware []Middleware
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Use appends mw to the chain.
func (b *Builder) Use(mw Middleware) *Builder {
	b.middleware = append(b.middleware, mw)
	return b
}

// Build returns terminal wrapped in the middleware chain.
func (b *Builder) Build(terminal Delegate) Delegate {
	d := terminal
	for i := len(b.middleware) - 1; i >= 0; i-- {
		d = b.middleware[i](d)
	}
	return d
}

// Logging logs the start and end of every connection.
func Logging(logger *log.Logger) Middleware {
	return func(next Delegate) Delegate {
		return func(ctx context.Context, cc ConnectionContext) error {
			l := logger.WithConn(cc.ConnectionID())
			l.VerboseMsg("connection from %s", cc.RemoteAddr())

			start := time.Now()
			err := next(ctx, cc)
			if err != nil {
				l.ErrorMsg("connection from %s: %s", cc.RemoteAddr(), err)
			} else {
				l.VerboseMsg("connection from %s done after %v", cc.RemoteAddr(), time.Since(start).Round(time.Millisecond))
			}
			return err
		}
	}
}

// Recover converts a panic in the rest of the chain into an error and
// aborts the connection.
func Recover() Middleware {
	return func(next Delegate) Delegate {
		return func(ctx context.Context, cc ConnectionContext) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					cc.Abort(err)
				}
			}()
			return next(ctx, cc)
		}
	}
}
