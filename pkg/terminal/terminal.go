// Package terminal connects the local terminal to a stream.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"

	"dominicbreuker/conntransport/pkg/config"
	"dominicbreuker/conntransport/pkg/log"
	"dominicbreuker/conntransport/pkg/pipeio"

	"golang.org/x/term"
)

// Pipe copies stdin to conn and conn to stdout until either side ends or
// ctx is canceled. deps may replace stdin and stdout.
func Pipe(ctx context.Context, conn io.ReadWriteCloser, deps *config.Dependencies, logger *log.Logger) {
	stdio := pipeio.NewStdio(config.GetStdinFunc(deps)(), config.GetStdoutFunc(deps)())
	pipeio.Pipe(ctx, stdio, conn, func(err error) {
		logger.VerboseMsg("Pipe(stdio, conn): %s", err)
	})
}

// PipeRaw is Pipe with stdin switched to raw mode for the duration of the
// session. It falls back to Pipe when stdin is not a terminal.
func PipeRaw(ctx context.Context, conn io.ReadWriteCloser, deps *config.Dependencies, logger *log.Logger) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		logger.VerboseMsg("stdin is not a terminal, raw mode disabled")
		Pipe(ctx, conn, deps, logger)
		return nil
	}

	logger.InfoMsg("Enabling raw mode")
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("setting terminal to raw mode: %s", err)
	}
	defer func() {
		term.Restore(fd, oldState)
		fmt.Printf("\033[2K\r") // clear line
		logger.InfoMsg("Disabled raw mode")
	}()

	Pipe(ctx, conn, deps, logger)
	return nil
}
