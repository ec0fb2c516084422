package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/props"
	"dominicbreuker/conntransport/pkg/transport"
)

// unit runs the handler of one connection. It registers the shutdown,
// heartbeat and completion features on the connection.
type unit struct {
	conn         connection
	logger       *log.Logger
	closeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	onShutdown  []func()
	onHeartbeat []func()
	onCompleted []func()

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	forced       atomic.Bool
}

func newUnit(conn connection, logger *log.Logger, closeTimeout time.Duration) *unit {
	u := &unit{
		conn:         conn,
		logger:       logger,
		closeTimeout: closeTimeout,
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	u.ctx, u.cancel = context.WithCancel(context.Background())

	p := conn.Properties()
	props.Set[transport.ShutdownFeature](p, u)
	props.Set[transport.HeartbeatFeature](p, u)
	props.Set[transport.CompletionFeature](p, u)
	return u
}

// ShutdownRequested implements transport.ShutdownFeature.
func (u *unit) ShutdownRequested() <-chan struct{} { return u.shutdown }

// RequestClose implements transport.ShutdownFeature. It cancels the handler
// context and runs the shutdown callbacks once.
func (u *unit) RequestClose() {
	u.shutdownOnce.Do(func() {
		close(u.shutdown)
		u.cancel()

		u.mu.Lock()
		fns := u.onShutdown
		u.mu.Unlock()
		for _, fn := range fns {
			u.safely("shutdown callback", fn)
		}
	})
}

// OnShutdownRequest implements transport.ShutdownFeature. fn runs right
// away when shutdown was already requested.
func (u *unit) OnShutdownRequest(fn func()) {
	u.mu.Lock()
	select {
	case <-u.shutdown:
		u.mu.Unlock()
		u.safely("shutdown callback", fn)
		return
	default:
	}
	u.onShutdown = append(u.onShutdown, fn)
	u.mu.Unlock()
}

// OnHeartbeat implements transport.HeartbeatFeature.
func (u *unit) OnHeartbeat(fn func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onHeartbeat = append(u.onHeartbeat, fn)
}

// OnCompleted implements transport.CompletionFeature.
func (u *unit) OnCompleted(fn func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onCompleted = append(u.onCompleted, fn)
}

func (u *unit) heartbeat() {
	u.mu.Lock()
	fns := u.onHeartbeat
	u.mu.Unlock()
	for _, fn := range fns {
		u.safely("heartbeat callback", fn)
	}
}

// run calls h and then, whatever h did, the completion callbacks in reverse
// order and the close of the connection.
func (u *unit) run(h func(ctx context.Context) error) {
	defer u.dispose()
	defer u.cancel()

	defer func() {
		if r := recover(); r != nil {
			u.logger.ErrorMsg("Handler panic: %v", r)
		}
	}()

	if err := h(u.ctx); err != nil && !isBenign(err) {
		u.logger.ErrorMsg("Handling connection from %s: %s", u.conn.RemoteAddr(), err)
	}
}

func (u *unit) dispose() {
	u.mu.Lock()
	fns := u.onCompleted
	u.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		u.safely("completion callback", fns[i])
	}

	if u.forced.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), u.closeTimeout)
	defer cancel()
	if err := u.conn.Close(ctx, transport.CloseGraceful); err != nil && !isBenign(err) {
		u.logger.VerboseMsg("Closing connection from %s: %s", u.conn.RemoteAddr(), err)
	}
}

// abort tears the connection down under a running handler.
func (u *unit) abort() {
	u.forced.Store(true)
	u.cancel()
	u.conn.Close(context.Background(), transport.CloseAbort)
}

func (u *unit) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.ErrorMsg("%s panic: %v", what, r)
		}
	}()
	fn()
}

func isBenign(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, transport.ErrConnectionClosed) ||
		errors.Is(err, transport.ErrConnectionAborted)
}
