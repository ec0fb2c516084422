// Package shared provides common CLI flag definitions and utility functions
// used across the command-line interface.
package shared

import (
	"strings"
	"time"

	"github.com/urfave/cli/v3"
)

const categoryCommon = "common"

// SSLFlag is the name of the flag to enable TLS encryption.
const SSLFlag = "ssl"

// KeyFlag is the name of the flag to specify the mTLS authentication key.
const KeyFlag = "key"

// VerboseFlag is the name of the flag to enable verbose error logging.
const VerboseFlag = "verbose"

// TimeoutFlag is the name of the flag to specify operation timeout in milliseconds.
const TimeoutFlag = "timeout"

// GetBaseDescription describes the endpoint URL formats the commands accept.
func GetBaseDescription() string {
	return strings.Join([]string{
		"Specify endpoints like this: tcp://127.0.0.1:123",
		"Supported: tcp|ws|wss|udp|quic://host:port, unix:///path, pipe://./name, memory://name",
		"You can omit the host when listening to bind to all interfaces.",
		"Transport options go into the query, e.g. tcp://:8080?backlog=64&nodelay=false",
	}, "\n")
}

// GetArgsUsage returns the arguments usage string for CLI commands.
func GetArgsUsage() string {
	return "endpoint [endpoint...]"
}

// GetCommonFlags returns the CLI flags shared by serve and connect.
func GetCommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:     SSLFlag,
			Aliases:  []string{"s"},
			Usage:    "Use TLS encryption",
			Category: categoryCommon,
			Value:    false,
			Required: false,
		},
		&cli.StringFlag{
			Name:     KeyFlag,
			Aliases:  []string{"k"},
			Usage:    "Key for mTLS authentication, leave empty to disable authentication",
			Category: categoryCommon,
			Value:    "",
			Required: false,
		},
		&cli.BoolFlag{
			Name:     VerboseFlag,
			Aliases:  []string{"v"},
			Usage:    "Verbose error logging",
			Category: categoryCommon,
			Value:    false,
			Required: false,
		},
		&cli.IntFlag{
			Name:     TimeoutFlag,
			Aliases:  []string{"t"},
			Usage:    "Operation timeout in milliseconds (connecting, TLS handshake)",
			Category: categoryCommon,
			Value:    10000, // 10 seconds default
			Required: false,
		},
	}
}

// Timeout reads the timeout flag.
func Timeout(cmd *cli.Command) time.Duration {
	return time.Duration(cmd.Int(TimeoutFlag)) * time.Millisecond
}

const categoryServe = "serve"

// MaxConnsFlag is the name of the flag capping concurrent connections.
const MaxConnsFlag = "max-conns"

// ShutdownTimeoutFlag is the name of the flag bounding graceful shutdown in milliseconds.
const ShutdownTimeoutFlag = "shutdown-timeout"

// LogFileFlag is the name of the flag to specify a traffic log file.
const LogFileFlag = "log"

// ForwardFlag is the name of the flag to proxy connections to an upstream endpoint.
const ForwardFlag = "forward"

// MuxFlag is the name of the flag to serve multiplexed connections.
const MuxFlag = "mux"

// StatsFlag is the name of the flag to print connection metrics periodically.
const StatsFlag = "stats"

// GetServeFlags returns the CLI flags specific to serve mode.
func GetServeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:     MaxConnsFlag,
			Aliases:  []string{"m"},
			Usage:    "Maximum concurrent connections, 0 for unlimited",
			Category: categoryServe,
			Value:    0,
		},
		&cli.IntFlag{
			Name:     ShutdownTimeoutFlag,
			Usage:    "Time in milliseconds to drain connections on shutdown before aborting them",
			Category: categoryServe,
			Value:    5000,
		},
		&cli.StringFlag{
			Name:     LogFileFlag,
			Aliases:  []string{"l"},
			Usage:    "Log file for connection traffic",
			Category: categoryServe,
			Value:    "",
		},
		&cli.StringFlag{
			Name:     ForwardFlag,
			Aliases:  []string{"f"},
			Usage:    "Forward connections to this endpoint instead of echoing them",
			Category: categoryServe,
			Value:    "",
		},
		&cli.BoolFlag{
			Name:     MuxFlag,
			Usage:    "Accept multiplexed connections (yamux sessions, or QUIC) and echo every stream",
			Category: categoryServe,
			Value:    false,
		},
		&cli.IntFlag{
			Name:     StatsFlag,
			Usage:    "Print connection metrics every N seconds, 0 to disable",
			Category: categoryServe,
			Value:    0,
		},
	}
}

const categoryConnect = "connect"

// RawFlag is the name of the flag to put the terminal in raw mode.
const RawFlag = "raw"

// GetConnectFlags returns the CLI flags specific to connect mode.
func GetConnectFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:     RawFlag,
			Usage:    "Put the terminal in raw mode while connected",
			Category: categoryConnect,
			Value:    false,
		},
	}
}
