package main

import (
	"context"
	"os"

	"dominicbreuker/conntransport/cmd/connect"
	"dominicbreuker/conntransport/cmd/serve"
	"dominicbreuker/conntransport/cmd/version"
	"dominicbreuker/conntransport/pkg/log"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "conntransport",
		Usage: "serve and dial connections over tcp, unix sockets, named pipes, websockets, KCP and QUIC",
		Commands: []*cli.Command{
			serve.GetCommand(),
			connect.GetCommand(),
			version.GetCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.ErrorMsg("%s\n", err)
		os.Exit(1)
	}
}
