// Package serve provides the serve command, which binds one or more
// endpoints and echoes or forwards every accepted connection.
package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"dominicbreuker/conntransport/cmd/shared"
	"dominicbreuker/conntransport/pkg/adapter"
	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/connctx"
	"dominicbreuker/conntransport/pkg/duplex"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/metrics"
	pkgnet "dominicbreuker/conntransport/pkg/net"
	"dominicbreuker/conntransport/pkg/pipeio"
	"dominicbreuker/conntransport/pkg/server"
	"dominicbreuker/conntransport/pkg/transport"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

// GetCommand returns the serve command.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:        "serve",
		Usage:       "Accept connections on one or more endpoints",
		Description: shared.GetBaseDescription(),
		ArgsUsage:   shared.GetArgsUsage(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			eps, err := shared.ParseEndpoints(cmd.Args().Slice())
			if err != nil {
				return fmt.Errorf("parsing endpoints: %s", err)
			}

			cfg := &config.Config{
				Endpoints:        eps,
				SSL:              cmd.Bool(shared.SSLFlag),
				Key:              cmd.String(shared.KeyFlag),
				HandshakeTimeout: shared.Timeout(cmd),
				MaxConnections:   int(cmd.Int(shared.MaxConnsFlag)),
				ShutdownTimeout:  time.Duration(cmd.Int(shared.ShutdownTimeoutFlag)) * time.Millisecond,
				Verbose:          cmd.Bool(shared.VerboseFlag),
				LogFile:          cmd.String(shared.LogFileFlag),
			}

			opts := options{
				Mux:   cmd.Bool(shared.MuxFlag),
				Stats: time.Duration(cmd.Int(shared.StatsFlag)) * time.Second,
			}
			validate := []config.ValidatableConfig{cfg}
			if fwd := cmd.String(shared.ForwardFlag); fwd != "" {
				ep, err := config.ParseEndpoint(fwd)
				if err != nil {
					return fmt.Errorf("parsing --%s: %s", shared.ForwardFlag, err)
				}
				opts.Forward = &ep
				validate = append(validate, ep)
			}
			if err := shared.ValidationError(config.Validate(validate...), log.ErrorMsg); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			shared.SetupSignalHandling(cancel, cfg.ShutdownTimeout+server.DefaultAbortGrace+5*time.Second)

			return run(ctx, cfg, opts)
		},
		Flags: getFlags(),
	}
}

func getFlags() []cli.Flag {
	flags := []cli.Flag{}

	flags = append(flags, shared.GetCommonFlags()...)
	flags = append(flags, shared.GetServeFlags()...)

	return flags
}

type options struct {
	// Forward proxies connections to this endpoint instead of echoing them.
	Forward *config.Endpoint

	// Mux accepts multiplexed connections and serves each stream.
	Mux bool

	// Stats is the interval for printing metrics; 0 disables it.
	Stats time.Duration

	// Ready observes the bound addresses.
	Ready func([]net.Addr)

	// Output receives metrics; defaults to stderr.
	Output io.Writer
}

// run serves cfg.Endpoints until ctx is canceled, then shuts down.
func run(ctx context.Context, cfg *config.Config, opts options) error {
	logger := log.NewLogger(cfg.Verbose)
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	sink := metrics.New(nil, "conntransport")
	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(sink),
		server.WithMaxConnections(cfg.MaxConnections),
	}
	if cfg.ShutdownTimeout > 0 {
		serverOpts = append(serverOpts, server.WithCloseTimeout(cfg.ShutdownTimeout))
	}
	m := server.New(serverOpts...)

	listenOpts := pkgnet.ListenOptions{
		SSL:              cfg.SSL,
		Key:              cfg.GetKey(),
		HandshakeTimeout: cfg.HandshakeTimeout,
		OnHandshakeFailed: func(conn transport.Connection, err error) {
			sink.HandshakeFailed()
			logger.VerboseMsg("TLS handshake with %s failed: %s", conn.RemoteAddr(), err)
		},
		Deps:   cfg.Deps,
		Logger: logger,
	}

	handler := newHandler(cfg, opts, logger)

	if opts.Mux {
		factory, err := pkgnet.NewMultiplexedFactory(listenOpts)
		if err != nil {
			return fmt.Errorf("creating listener factory: %s", err)
		}
		for _, ep := range cfg.Endpoints {
			addr, err := m.BindMultiplexed(ctx, ep, factory, serveStreams(handler, logger))
			if err != nil {
				m.Stop(context.Background())
				return fmt.Errorf("binding %s: %w", ep, err)
			}
			logger.InfoMsg("Listening on %s (%s, multiplexed)", ep, addr)
		}
	} else {
		factory := pkgnet.NewListenerFactory(listenOpts)
		for _, ep := range cfg.Endpoints {
			addr, err := m.Bind(ctx, ep, factory, handler)
			if err != nil {
				m.Stop(context.Background())
				return fmt.Errorf("binding %s: %w", ep, err)
			}
			logger.InfoMsg("Listening on %s (%s)", ep, addr)
		}
	}

	if opts.Ready != nil {
		opts.Ready(m.Addrs())
	}
	if opts.Stats > 0 {
		go printStats(ctx, sink, opts.Stats, opts.Output)
	}

	<-ctx.Done()
	logger.InfoMsg("Shutting down, draining %d connections", m.Connections())

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+server.DefaultAbortGrace)
	defer cancel()
	err := m.Stop(stopCtx)

	s := sink.Snapshot()
	logger.InfoMsg("Served %d connections (%d rejected, %d aborted, %d failed handshakes)", s.Accepted, s.Rejected, s.Aborted, s.HandshakeFailed)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("stopping: %s", err)
	}
	return nil
}

// newHandler builds the per connection pipeline: traffic logging, then the
// pipe based middleware chain ending in echo or forward.
func newHandler(cfg *config.Config, opts options, logger *log.Logger) server.Handler {
	var terminal connctx.Delegate = echo
	if opts.Forward != nil {
		terminal = forward(*opts.Forward, cfg, logger)
	}

	chain := connctx.NewBuilder().
		Use(connctx.Recover()).
		Use(connctx.Logging(logger)).
		Build(terminal)
	handler := server.Handler(adapter.Handler(chain))

	if cfg.LogFile == "" {
		return handler
	}
	return func(ctx context.Context, conn transport.Connection) error {
		lc, err := log.NewLoggedConn(conn, cfg.LogFile)
		if err != nil {
			return fmt.Errorf("log.NewLoggedConn(): %s", err)
		}
		defer lc.Close(context.WithoutCancel(ctx), transport.CloseGraceful)
		return handler(ctx, lc)
	}
}

// echo writes everything it reads back to the peer.
func echo(ctx context.Context, cc connctx.ConnectionContext) error {
	s := duplex.StreamOf(cc.Transport())
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ReadContext(ctx, buf)
		if n > 0 {
			if _, werr := s.WriteContext(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// forward proxies the connection to ep.
func forward(ep config.Endpoint, cfg *config.Config, logger *log.Logger) connctx.Delegate {
	return func(ctx context.Context, cc connctx.ConnectionContext) error {
		upstream, err := pkgnet.Dial(ctx, ep, pkgnet.DialOptions{
			Timeout: cfg.HandshakeTimeout,
			Deps:    cfg.Deps,
		})
		if err != nil {
			return fmt.Errorf("dialing upstream: %w", err)
		}

		l := logger.WithConn(cc.ConnectionID())
		pipeio.Pipe(ctx, duplex.StreamOf(cc.Transport()), upstream, func(err error) {
			l.VerboseMsg("forwarding to %s: %s", ep, err)
		})
		return nil
	}
}

// serveStreams runs handler on every stream of a multiplexed connection.
func serveStreams(handler server.Handler, logger *log.Logger) server.MultiplexedHandler {
	return func(ctx context.Context, conn transport.MultiplexedConnection) error {
		var g errgroup.Group
		defer g.Wait()

		for {
			st, err := conn.AcceptStream(ctx)
			if err != nil {
				select {
				case <-conn.Closed():
					return nil
				default:
				}
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("AcceptStream(): %w", err)
			}
			if st == nil {
				return nil
			}

			g.Go(func() error {
				defer st.Close(context.WithoutCancel(ctx), transport.CloseGraceful)
				if err := handler(ctx, st); err != nil {
					logger.WithConn(st.ID()).ErrorMsg("stream: %s", err)
				}
				return nil
			})
		}
	}
}

func printStats(ctx context.Context, sink *metrics.Sink, every time.Duration, w io.Writer) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := sink.WriteTo(w); err != nil {
				log.ErrorMsg("Writing stats: %s\n", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
