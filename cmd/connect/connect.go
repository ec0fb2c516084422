// Package connect provides the connect command, which dials an endpoint and
// connects it to the terminal.
package connect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dominicbreuker/conntransport/cmd/shared"
	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/log"
	pkgnet "dominicbreuker/conntransport/pkg/net"
	"dominicbreuker/conntransport/pkg/terminal"

	"github.com/urfave/cli/v3"
)

// GetCommand returns the connect command.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:        "connect",
		Usage:       "Connect to an endpoint and attach it to stdin and stdout",
		Description: shared.GetBaseDescription(),
		ArgsUsage:   "endpoint",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args()
			if args.Len() != 1 {
				return fmt.Errorf("must provide exactly one argument, got %d (%s)", args.Len(), strings.Join(args.Slice(), ", "))
			}

			eps, err := shared.ParseEndpoints(args.Slice())
			if err != nil {
				return fmt.Errorf("parsing endpoint: %s", err)
			}
			if eps[0].Protocol.Network() && eps[0].Host == "" {
				return fmt.Errorf("parsing endpoint: %s: specify a host", args.Get(0))
			}

			cfg := &config.Config{
				Endpoints:        eps,
				SSL:              cmd.Bool(shared.SSLFlag),
				Key:              cmd.String(shared.KeyFlag),
				HandshakeTimeout: shared.Timeout(cmd),
				Verbose:          cmd.Bool(shared.VerboseFlag),
			}
			if err := shared.ValidationError(cfg.Validate(), log.ErrorMsg); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			shared.SetupSignalHandling(cancel, 5*time.Second)

			return run(ctx, cfg, cmd.Bool(shared.RawFlag))
		},
		Flags: getFlags(),
	}
}

func getFlags() []cli.Flag {
	flags := []cli.Flag{}

	flags = append(flags, shared.GetCommonFlags()...)
	flags = append(flags, shared.GetConnectFlags()...)

	return flags
}

func run(ctx context.Context, cfg *config.Config, raw bool) error {
	logger := log.NewLogger(cfg.Verbose)
	ep := cfg.Endpoints[0]

	conn, err := pkgnet.Dial(ctx, ep, pkgnet.DialOptions{
		SSL:     cfg.SSL,
		Key:     cfg.GetKey(),
		Timeout: cfg.HandshakeTimeout,
		Deps:    cfg.Deps,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("connecting: %s", err)
	}
	defer conn.Close()
	logger.InfoMsg("Connected to %s", conn.RemoteAddr())

	if raw {
		if err := terminal.PipeRaw(ctx, conn, cfg.Deps, logger); err != nil {
			return fmt.Errorf("terminal.PipeRaw(): %s", err)
		}
	} else {
		terminal.Pipe(ctx, conn, cfg.Deps, logger)
	}

	logger.InfoMsg("Connection to %s closed", conn.RemoteAddr())
	return nil
}
