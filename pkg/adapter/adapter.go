// Package adapter converts between transport.Connection and the pipe based
// connctx.ConnectionContext, in both directions.
//
// Capability lookups on an adapter resolve in three tiers:
//  1. values set on the adapter's own collection
//  2. the wrapped object's native capabilities
//  3. the adapter itself, for connection id, items and lifetime
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"

	"dominicbreuker/conntransport/pkg/connctx"
	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

type capability int

const (
	capConnectionID capability = iota
	capItems
	capLifetime
)

var capabilities = map[reflect.Type]capability{
	reflect.TypeFor[transport.ConnectionIDFeature](): capConnectionID,
	reflect.TypeFor[*transport.Items]():              capItems,
	reflect.TypeFor[transport.LifetimeFeature]():     capLifetime,
}

// features builds an adapter's collection over native with self as the last tier.
func features(native *props.Collection, self map[capability]any) *props.Collection {
	return props.New(props.WithFallback(func(key reflect.Type) (any, bool) {
		if v, ok := native.TryGet(key); ok {
			return v, true
		}
		kind, ok := capabilities[key]
		if !ok {
			return nil, false
		}
		v, ok := self[kind]
		return v, ok
	}))
}

// ToContext presents conn as a ConnectionContext. It materializes the pipe
// view of conn, so it fails with transport.ErrViewConflict when the stream
// view is already in use.
//
// An adapter produced by FromContext is unwrapped only while nothing was set
// on it; otherwise it is wrapped again so its values stay visible.
func ToContext(conn transport.Connection) (connctx.ConnectionContext, error) {
	if c, ok := conn.(*connectionAdapter); ok && len(c.features.Overlay()) == 0 {
		return c.cc, nil
	}

	p, err := conn.Pipe()
	if err != nil {
		return nil, fmt.Errorf("conn.Pipe(): %w", err)
	}

	a := &contextAdapter{conn: conn, transport: p}
	items, ok := props.Get[*transport.Items](conn.Properties())
	if !ok {
		items = &transport.Items{}
	}
	a.items = items
	a.features = features(conn.Properties(), map[capability]any{
		capConnectionID: transport.ConnectionIDFeature(a),
		capItems:        items,
		capLifetime:     transport.LifetimeFeature(a),
	})
	return a, nil
}

type contextAdapter struct {
	conn      transport.Connection
	features  *props.Collection
	items     *transport.Items
	transport duplex.Pipe
}

func (a *contextAdapter) ConnectionID() string        { return a.conn.ID() }
func (a *contextAdapter) LocalAddr() net.Addr         { return a.conn.LocalAddr() }
func (a *contextAdapter) RemoteAddr() net.Addr        { return a.conn.RemoteAddr() }
func (a *contextAdapter) Features() *props.Collection { return a.features }
func (a *contextAdapter) Items() *transport.Items     { return a.items }
func (a *contextAdapter) Closed() <-chan struct{}     { return a.conn.Closed() }
func (a *contextAdapter) Abort(reason error)          { a.conn.Abort(reason) }

func (a *contextAdapter) Transport() duplex.Pipe {
	p, _ := a.conn.Pipe()
	if p == nil {
		return a.transport
	}
	return p
}

// SetTransport replaces the pipe of the wrapped connection.
func (a *contextAdapter) SetTransport(p duplex.Pipe) {
	_ = a.conn.SetPipe(p)
}

func (a *contextAdapter) Dispose(ctx context.Context) error {
	return a.conn.Close(ctx, transport.CloseGraceful)
}

// FromContext presents cc as a transport.Connection. Closing the result
// disposes cc; aborting it aborts cc. Like ToContext, it unwraps only an
// adapter nothing was set on.
func FromContext(cc connctx.ConnectionContext) transport.Connection {
	if a, ok := cc.(*contextAdapter); ok && len(a.features.Overlay()) == 0 {
		return a.conn
	}

	c := &connectionAdapter{cc: cc}
	c.BaseConnection = transport.NewBaseConnection(cc.Transport(), transport.ConnOptions{
		ID:         cc.ConnectionID(),
		LocalAddr:  cc.LocalAddr(),
		RemoteAddr: cc.RemoteAddr(),
		Teardown:   c.teardown,
	})
	c.features = features(cc.Features(), map[capability]any{
		capConnectionID: transport.ConnectionIDFeature(c.BaseConnection),
		capItems:        cc.Items(),
		capLifetime:     transport.LifetimeFeature(c),
	})

	go func() {
		select {
		case <-cc.Closed():
			c.MarkRemoteClosed()
		case <-c.BaseConnection.Closed():
		}
	}()
	return c
}

type connectionAdapter struct {
	*transport.BaseConnection
	cc       connctx.ConnectionContext
	features *props.Collection
}

func (c *connectionAdapter) Properties() *props.Collection { return c.features }

// SetPipe replaces the pipe on both models.
func (c *connectionAdapter) SetPipe(p duplex.Pipe) error {
	if err := c.BaseConnection.SetPipe(p); err != nil {
		return err
	}
	c.cc.SetTransport(p)
	return nil
}

func (c *connectionAdapter) teardown(ctx context.Context, abort bool) error {
	if abort {
		reason := c.AbortReason()
		if reason == nil {
			reason = transport.ErrConnectionAborted
		}
		c.cc.Abort(reason)
		return nil
	}
	if err := c.cc.Dispose(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("dispose %s: %w", c.ID(), err)
	}
	return nil
}
