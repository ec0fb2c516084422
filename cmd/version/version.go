// Package version provides the version command.
package version

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/urfave/cli/v3"
)

// Version is set at build time via -ldflags.
var Version = "unknown"

// GetCommand returns the version command.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Program version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return writeVersion(cmd.Root().Writer)
		},
		Flags: []cli.Flag{},
	}
}

func writeVersion(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}
